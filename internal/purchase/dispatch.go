package purchase

import (
	"context"
	"sync"

	"trading/internal/purchase/saga"
	"trading/internal/reliability"
)

// InMemoryDispatcher records sent commands per destination.
type InMemoryDispatcher struct {
	mu     sync.Mutex
	routes saga.Routes
	sent   map[string][]saga.Envelope
	seen   map[string]bool
}

// NewInMemoryDispatcher constructs a dispatcher that resolves destinations through routes.
func NewInMemoryDispatcher(routes saga.Routes) *InMemoryDispatcher {
	if routes == nil {
		routes = saga.DefaultRoutes()
	}
	return &InMemoryDispatcher{
		routes: routes,
		sent:   make(map[string][]saga.Envelope),
		seen:   make(map[string]bool),
	}
}

func (d *InMemoryDispatcher) Send(ctx context.Context, cmd saga.Envelope) error {
	dest, err := d.routes.Destination(cmd.Type)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// Receivers deduplicate on command id; mirror that here.
	if d.seen[cmd.ID] {
		return nil
	}
	d.seen[cmd.ID] = true
	d.sent[dest] = append(d.sent[dest], cmd)
	return nil
}

// Sent returns the commands delivered to a destination (for testing/inspection).
func (d *InMemoryDispatcher) Sent(destination string) []saga.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]saga.Envelope, len(d.sent[destination]))
	copy(out, d.sent[destination])
	return out
}

// ReliableDispatcher wraps a Dispatcher with reliability controls.
type ReliableDispatcher struct {
	base    Dispatcher
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliableDispatcher constructs a reliability-wrapped dispatcher.
func NewReliableDispatcher(base Dispatcher, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliableDispatcher {
	return &ReliableDispatcher{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (d *ReliableDispatcher) Send(ctx context.Context, cmd saga.Envelope) error {
	return d.retry.Do(ctx, func(int) error {
		return reliability.Guard(ctx, d.limiter, d.breaker, func() error {
			return d.base.Send(ctx, cmd)
		})
	})
}

// NoopNotifier discards status pushes.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, userID string, snapshot saga.PurchaseSaga) error {
	return nil
}
