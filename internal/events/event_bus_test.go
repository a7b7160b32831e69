package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
	"github.com/unicitynetwork/ntlm-auth-gateway/internal/models"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "event was not received within timeout", "topic %s", sub.Topic())
		return nil
	}
}

func requireEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.Events():
		require.Fail(t, "unexpected event", "%#v", e)
	default:
	}
}

func TestBus_DeliversToTopicSubscribers(t *testing.T) {
	bus := NewBus(logger.Discard())
	roles1 := bus.Subscribe(TopicRoleChanged)
	roles2 := bus.Subscribe(TopicRoleChanged)
	bindings := bus.Subscribe(TopicBindingChanged)

	event := &RoleChangedEvent{Role: models.RolePrimary, FencingToken: 3}
	bus.Publish(event)

	require.Same(t, event, receive(t, roles1))
	require.Same(t, event, receive(t, roles2))
	requireEmpty(t, bindings)
}

func TestBus_ReplaysLatestToLateSubscriber(t *testing.T) {
	bus := NewBus(logger.Discard())
	require.Nil(t, bus.Latest(TopicBindingChanged))

	// published before anyone listens
	bound := &BindingChangedEvent{Binding: &models.MachineAccountBinding{AccountID: "acct-1"}}
	bus.Publish(&BindingChangedEvent{})
	bus.Publish(bound)

	sub := bus.Subscribe(TopicBindingChanged)
	require.Same(t, bound, receive(t, sub), "only the latest event is replayed")
	requireEmpty(t, sub)
	require.Same(t, bound, bus.Latest(TopicBindingChanged))

	// the other topic has nothing retained
	requireEmpty(t, bus.Subscribe(TopicRoleChanged))
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(logger.Discard())
	sub := bus.Subscribe(TopicRoleChanged)
	other := bus.Subscribe(TopicRoleChanged)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	_, open := <-sub.Events()
	require.False(t, open, "channel is closed on unsubscribe")

	bus.Publish(&RoleChangedEvent{Role: models.RoleSecondary})
	require.Equal(t, models.RoleSecondary, receive(t, other).(*RoleChangedEvent).Role)
}

func TestBus_DropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(logger.Discard())
	sub := bus.Subscribe(TopicRoleChanged)

	for i := 0; i < subscriptionBuffer+2; i++ {
		bus.Publish(&RoleChangedEvent{Role: models.RolePrimary, FencingToken: int64(i + 1)})
	}

	// the buffered events are delivered in order, the overflow is dropped
	for i := 0; i < subscriptionBuffer; i++ {
		require.Equal(t, int64(i+1), receive(t, sub).(*RoleChangedEvent).FencingToken)
	}
	requireEmpty(t, sub)

	// the dropped event is still the retained one
	require.Equal(t, int64(subscriptionBuffer+2), bus.Latest(TopicRoleChanged).(*RoleChangedEvent).FencingToken)
}
