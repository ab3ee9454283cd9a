package purchase

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading/internal/observability"
	"trading/internal/purchase/saga"
)

func seedPending(t *testing.T, store *InMemorySagaStore, correlationID string, at time.Time) saga.Envelope {
	t.Helper()
	cmd, err := saga.NewEnvelope("cmd-"+correlationID, saga.GrantItems{
		UserID: "user-1", ItemID: "item-1", Quantity: 1, CorrelationID: correlationID,
	}, at)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	next := saga.PurchaseSaga{
		CorrelationID: correlationID,
		State:         saga.StateAccepted,
		UserID:        "user-1",
		ItemID:        "item-1",
		Quantity:      1,
		Received:      at,
		LastUpdated:   at,
		Version:       1,
	}
	if err := store.Commit(context.Background(), next, 0, []saga.Envelope{cmd}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return cmd
}

func TestRelay_DrainSendsPendingCommands(t *testing.T) {
	store := NewInMemorySagaStore()
	dispatcher := NewInMemoryDispatcher(nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedPending(t, store, "a", now)
	seedPending(t, store, "b", now)

	relay := NewRelay(store, dispatcher, RelayConfig{Now: func() time.Time { return now }})
	sent, err := relay.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	if got := len(dispatcher.Sent("inventory-grant-items")); got != 2 {
		t.Fatalf("expected 2 delivered, got %d", got)
	}

	sent, err = relay.Drain(context.Background())
	if err != nil || sent != 0 {
		t.Fatalf("second drain should be empty, got %d %v", sent, err)
	}
}

type blockedSagaDispatcher struct {
	base    Dispatcher
	blocked string
	calls   []string
}

func (d *blockedSagaDispatcher) Send(ctx context.Context, cmd saga.Envelope) error {
	d.calls = append(d.calls, cmd.ID)
	if cmd.CorrelationID == d.blocked {
		return errors.New("broker rejected command")
	}
	return d.base.Send(ctx, cmd)
}

func TestRelay_DrainRetriesFailedCommandNextPass(t *testing.T) {
	store := NewInMemorySagaStore()
	now := time.Now().UTC()
	seedPending(t, store, "a", now)
	seedPending(t, store, "b", now)
	metrics := observability.NewMetrics()
	flaky := &flakyDispatcher{base: NewInMemoryDispatcher(nil), fails: 1}

	relay := NewRelay(store, flaky, RelayConfig{Metrics: metrics})
	sent, err := relay.Drain(context.Background())
	if err == nil || sent != 1 {
		t.Fatalf("expected one failure and one send, got %d %v", sent, err)
	}
	if metrics.Snapshot().Counters[observability.CounterDispatchFailures] != 1 {
		t.Fatalf("expected dispatch failure counter")
	}
	pending, _ := store.ListUndispatched(context.Background(), 0)
	if len(pending) != 1 || pending[0].CorrelationID != "a" {
		t.Fatalf("expected only saga a still pending, got %+v", pending)
	}

	if sent, err := relay.Drain(context.Background()); err != nil || sent != 1 {
		t.Fatalf("retry drain: %d %v", sent, err)
	}
}

func TestRelay_DrainSkipsOnlyTheFailingSaga(t *testing.T) {
	store := NewInMemorySagaStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first := seedPending(t, store, "stuck", now)
	second, err := saga.NewEnvelope("cmd-stuck-2", saga.DebitGil{
		UserID: "user-1", Amount: 4, CorrelationID: "stuck",
	}, now)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	current, err := store.Load(context.Background(), "stuck")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	next := current.Clone()
	next.Version++
	if err := store.Commit(context.Background(), next, current.Version, []saga.Envelope{second}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	healthy := seedPending(t, store, "healthy", now)

	base := NewInMemoryDispatcher(nil)
	dispatcher := &blockedSagaDispatcher{base: base, blocked: "stuck"}
	relay := NewRelay(store, dispatcher, RelayConfig{Now: func() time.Time { return now }})

	sent, err := relay.Drain(context.Background())
	if err == nil {
		t.Fatalf("expected the blocked saga's failure to be reported")
	}
	if sent != 1 {
		t.Fatalf("expected the healthy saga's command to go out, got %d", sent)
	}
	if len(dispatcher.calls) != 2 || dispatcher.calls[0] != first.ID || dispatcher.calls[1] != healthy.ID {
		t.Fatalf("later stuck command must not be attempted, calls %v", dispatcher.calls)
	}
	pending, _ := store.ListUndispatched(context.Background(), 0)
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("expected both stuck commands pending in order, got %+v", pending)
	}

	dispatcher.blocked = ""
	if sent, err := relay.Drain(context.Background()); err != nil || sent != 2 {
		t.Fatalf("recovery drain: %d %v", sent, err)
	}
	if got := dispatcher.calls[2:]; len(got) != 2 || got[0] != first.ID || got[1] != second.ID {
		t.Fatalf("stuck saga must drain in outbox order, calls %v", dispatcher.calls)
	}
}

func TestRelay_ReportStalled(t *testing.T) {
	store := NewInMemorySagaStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	seedPending(t, store, "old", now.Add(-time.Hour))
	seedPending(t, store, "fresh", now.Add(-time.Second))
	metrics := observability.NewMetrics()

	relay := NewRelay(store, NewInMemoryDispatcher(nil), RelayConfig{
		StallAfter: 10 * time.Minute,
		Now:        func() time.Time { return now },
		Metrics:    metrics,
	})
	n, err := relay.ReportStalled(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled saga, got %d", n)
	}
	if metrics.Snapshot().Counters[observability.CounterStalled] != 1 {
		t.Fatalf("expected stalled counter")
	}

	disabled := NewRelay(store, NewInMemoryDispatcher(nil), RelayConfig{})
	if n, _ := disabled.ReportStalled(context.Background()); n != 0 {
		t.Fatalf("expected disabled scan, got %d", n)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := NewInMemorySagaStore()
	dispatcher := NewInMemoryDispatcher(nil)
	seedPending(t, store, "a", time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	relay := NewRelay(store, dispatcher, RelayConfig{Interval: time.Millisecond})
	go func() { done <- relay.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(dispatcher.Sent("inventory-grant-items")) == 0 {
		select {
		case <-deadline:
			t.Fatalf("relay never sent the pending command")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}
