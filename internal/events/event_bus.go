package events

import (
	"sync"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
)

// subscriptionBuffer is the number of undelivered events a subscriber may lag behind.
const subscriptionBuffer = 8

type (
	// Bus delivers worker transitions to in-process subscribers.
	// The last event of every topic is retained and replayed to new subscribers,
	// a subscriber attached after a transition still observes the current state.
	Bus struct {
		logger *logger.Logger

		mu     sync.Mutex
		subs   map[Topic]map[*Subscription]struct{}
		latest map[Topic]Event
	}

	// Subscription receives the events of a single topic until unsubscribed.
	Subscription struct {
		topic Topic
		ch    chan Event
	}
)

func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger: log,
		subs:   make(map[Topic]map[*Subscription]struct{}),
		latest: make(map[Topic]Event),
	}
}

// Events returns the delivery channel, closed by Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Topic() Topic {
	return s.topic
}

// Subscribe registers a subscriber for the topic. The retained event of the topic,
// if any, is the first one delivered.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{topic: topic, ch: make(chan Event, subscriptionBuffer)}
	if e, ok := b.latest[topic]; ok {
		sub.ch <- e
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub
}

// Publish retains the event as the latest of its topic and delivers it to every subscriber.
// An event is dropped for a subscriber whose buffer is full.
func (b *Bus) Publish(event Event) {
	topic := event.Topic()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[topic] = event
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("Dropped event for a slow subscriber", "topic", topic)
		}
	}
}

// Latest returns the last event published on the topic, nil if there was none.
func (b *Bus) Latest(topic Topic) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest[topic]
}

// Unsubscribe removes the subscriber and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
}
