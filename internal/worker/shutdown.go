package worker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/unicitynetwork/ntlm-auth-gateway/internal/logger"
)

// Coordinator broadcasts cancellation to the background activities of a worker and
// bounds the time they get to exit.
type Coordinator struct {
	log             *logger.Logger
	gracefulTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]int
	wg      sync.WaitGroup

	stopOnce   sync.Once
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

func NewCoordinator(parent context.Context, log *logger.Logger, gracefulTimeout time.Duration) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		log:             log,
		gracefulTimeout: gracefulTimeout,
		ctx:             ctx,
		cancel:          cancel,
		running:         make(map[string]int),
	}
}

// Context is cancelled when the shutdown begins.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Go runs fn as a named background activity. fn must return once its context is done;
// cleanup it performs after that should use StopContext.
func (c *Coordinator) Go(name string, fn func(ctx context.Context)) {
	c.mu.Lock()
	c.running[name]++
	c.mu.Unlock()

	c.wg.Go(func() {
		defer c.done(name)
		fn(c.ctx)
	})
}

// StopContext returns the context bounding cleanup work, its deadline is the graceful
// timeout counted from the first call.
func (c *Coordinator) StopContext() context.Context {
	c.stopOnce.Do(func() {
		c.stopCtx, c.stopCancel = context.WithTimeout(context.Background(), c.gracefulTimeout)
	})
	return c.stopCtx
}

// Shutdown cancels every activity and waits for them until the graceful timeout elapses.
// Returns the names of the activities abandoned at the deadline.
func (c *Coordinator) Shutdown() []string {
	stopCtx := c.StopContext()
	c.cancel()

	exited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		c.stopCancel()
		return nil
	case <-stopCtx.Done():
	}

	abandoned := c.Running()
	c.log.WithComponent("shutdown").Warn("Graceful timeout elapsed, abandoning activities",
		"timeout", c.gracefulTimeout.String(), "activities", abandoned)
	return abandoned
}

// Running returns the sorted names of the activities that have not exited.
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.running))
	for name := range c.running {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Coordinator) done(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[name]--; c.running[name] <= 0 {
		delete(c.running, name)
	}
}
