package eventbus

import (
	"context"
	"sync"
)

// SubscriptionCloser is the closing side shared by raw and typed
// subscriptions.
type SubscriptionCloser interface {
	Close()
}

// SubscriptionGroup collects subscriptions that share a lifetime so a
// consumer can close them in one call on shutdown.
type SubscriptionGroup struct {
	mu   sync.Mutex
	subs []SubscriptionCloser
}

// Add registers subscriptions for bulk closing. Nil entries are skipped.
func (g *SubscriptionGroup) Add(subs ...SubscriptionCloser) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			g.subs = append(g.subs, sub)
		}
	}
}

// CloseAll closes every tracked subscription and empties the group.
func (g *SubscriptionGroup) CloseAll() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// ServiceLifecycle bundles the context, subscriptions, and worker goroutines
// of one long-running bus consumer so they can be stopped together.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   SubscriptionGroup
	wg     sync.WaitGroup
}

// NewServiceLifecycle derives the lifecycle context from parent.
func NewServiceLifecycle(parent context.Context) *ServiceLifecycle {
	if parent == nil {
		parent = context.Background()
	}
	l := &ServiceLifecycle{}
	l.ctx, l.cancel = context.WithCancel(parent)
	return l
}

// Context returns the lifecycle context. It is cancelled by Stop.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions to close on Stop.
func (l *ServiceLifecycle) AddSubscriptions(subs ...SubscriptionCloser) {
	l.subs.Add(subs...)
}

// Go runs worker under the lifecycle context, tracked for Wait.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		worker(l.ctx)
	}()
}

// Stop cancels the lifecycle context and closes tracked subscriptions.
// Workers observe the cancellation and drain on their own.
func (l *ServiceLifecycle) Stop() {
	l.cancel()
	l.subs.CloseAll()
}

// Wait blocks until every worker has returned or ctx expires.
func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the lifecycle and waits for workers to drain.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}
