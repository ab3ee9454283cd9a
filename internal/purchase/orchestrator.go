package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading/internal/observability"
	"trading/internal/purchase/saga"
	"trading/internal/reliability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrRetriesExhausted wraps the last version conflict once the commit retries run out.
// The outer messaging layer is expected to redeliver the event later.
var ErrRetriesExhausted = errors.New("purchase saga commit retries exhausted")

// Config tunes an Orchestrator. Zero values pick defaults.
type Config struct {
	// Retry bounds recompute-and-commit attempts after a version conflict.
	Retry     reliability.RetryPolicy
	Publisher EventPublisher
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
}

// Orchestrator drives purchase sagas: load, transition, commit, dispatch, notify.
type Orchestrator struct {
	store      SagaStore
	prices     PriceLookup
	dispatcher Dispatcher
	notifier   Notifier
	publisher  EventPublisher

	retry   reliability.RetryPolicy
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store SagaStore, prices PriceLookup, dispatcher Dispatcher, notifier Notifier, cfg Config) *Orchestrator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	retry := cfg.Retry
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 5
	}
	retry.ShouldRetry = func(err error) bool { return errors.Is(err, saga.ErrVersionConflict) }

	o := &Orchestrator{
		store:      store,
		prices:     prices,
		dispatcher: dispatcher,
		notifier:   notifier,
		publisher:  cfg.Publisher,
		retry:      retry,
		now:        cfg.Now,
		newID:      cfg.NewID,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.NewString() }
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("trading/internal/purchase")
	}
	o.retry.OnRetry = func(attempt int, err error) {
		o.metrics.Inc(observability.CounterConflicts)
		o.logger.Debug("saga commit conflict, recomputing", "attempt", attempt, "err", err)
	}
	return o
}

// Submit starts a purchase. With a publisher configured the request is queued for the
// consumer; otherwise it is handled inline.
func (o *Orchestrator) Submit(ctx context.Context, req saga.PurchaseRequested) error {
	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, req); err != nil {
			return fmt.Errorf("publish purchase request: %w", err)
		}
		return nil
	}
	_, err := o.Handle(ctx, req)
	return err
}

// GetPurchaseState returns the latest committed snapshot. It never takes the write path.
func (o *Orchestrator) GetPurchaseState(ctx context.Context, correlationID string) (saga.PurchaseSaga, error) {
	return o.store.Load(ctx, correlationID)
}

type committed struct {
	outcome saga.Outcome
	commit  bool
}

// Handle applies one inbound event and returns the resulting snapshot.
//
// Commands are sent only after the commit succeeds. A failed send leaves the command in
// the outbox and is returned so the event gets redelivered; the redelivery, or the relay,
// flushes it.
func (o *Orchestrator) Handle(ctx context.Context, ev saga.Event) (_ saga.PurchaseSaga, err error) {
	correlationID := ev.Correlation()
	ctx, span := o.tracer.Start(ctx, "purchase.Handle", trace.WithAttributes(
		attribute.String("saga.event", string(ev.Kind())),
		attribute.String("saga.correlation_id", correlationID),
	))
	call := o.metrics.Start("purchase.Handle/" + string(ev.Kind()))
	defer func() {
		call.End(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, ok := ev.(saga.GetPurchaseState); ok {
		return o.GetPurchaseState(ctx, correlationID)
	}

	logger := o.logger.With("correlation_id", correlationID, "event", ev.Kind())

	var result committed
	err = o.retry.Do(ctx, func(attempt int) error {
		var err error
		result, err = o.apply(ctx, ev)
		return err
	})
	if err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			return saga.PurchaseSaga{}, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		return saga.PurchaseSaga{}, err
	}

	snapshot := result.outcome.Saga
	span.SetAttributes(attribute.String("saga.state", string(snapshot.State)))

	if result.commit {
		o.metrics.Inc(observability.CounterTransitions)
		logger.Info("purchase saga transitioned", "state", snapshot.State, "version", snapshot.Version)
		for _, cmd := range result.outcome.Commands {
			if cmd.Type() == saga.CommandSubtractItems {
				o.metrics.Inc(observability.CounterCompensations)
				logger.Warn("compensating granted items", "item_id", snapshot.ItemID, "quantity", snapshot.Quantity)
			}
		}
	} else {
		o.metrics.Inc(observability.CounterDuplicates)
		logger.Debug("event absorbed", "state", snapshot.State)
	}

	dispatchErr := o.flush(ctx, correlationID)

	if result.commit && result.outcome.Notify {
		if err := o.notifier.Notify(ctx, snapshot.UserID, snapshot); err != nil {
			o.metrics.Inc(observability.CounterNotifyFailures)
			logger.Warn("status notification failed", "err", err)
		}
	}

	if dispatchErr != nil {
		return snapshot, dispatchErr
	}
	return snapshot, nil
}

// apply runs one load-transition-commit attempt.
func (o *Orchestrator) apply(ctx context.Context, ev saga.Event) (committed, error) {
	var current *saga.PurchaseSaga
	loaded, err := o.store.Load(ctx, ev.Correlation())
	switch {
	case err == nil:
		current = &loaded
	case errors.Is(err, saga.ErrSagaNotFound):
	default:
		return committed{}, fmt.Errorf("load saga: %w", err)
	}

	env := saga.Env{Now: o.now()}
	if req, ok := ev.(saga.PurchaseRequested); ok && saga.NeedsPrice(current, ev) {
		price, found, err := o.prices.GetPrice(ctx, req.ItemID)
		if err != nil {
			return committed{}, fmt.Errorf("price lookup: %w", err)
		}
		if found {
			env.Price = price
		} else {
			env.PriceErr = &saga.UnknownItemError{ItemID: req.ItemID}
		}
	}

	outcome, err := saga.Transition(current, ev, env)
	if err != nil {
		return committed{}, err
	}
	if !outcome.Changed {
		return committed{outcome: outcome}, nil
	}

	expected := 0
	if current != nil {
		expected = current.Version
	}
	outcome.Saga.Version = expected + 1

	envelopes := make([]saga.Envelope, 0, len(outcome.Commands))
	for _, cmd := range outcome.Commands {
		envelope, err := saga.NewEnvelope(o.newID(), cmd, env.Now)
		if err != nil {
			return committed{}, err
		}
		envelopes = append(envelopes, envelope)
	}

	if err := o.store.Commit(ctx, outcome.Saga, expected, envelopes); err != nil {
		return committed{}, err
	}
	return committed{outcome: outcome, commit: true}, nil
}

// flush sends every outbox command still pending for the saga.
func (o *Orchestrator) flush(ctx context.Context, correlationID string) error {
	pending, err := o.store.PendingCommands(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("load pending commands: %w", err)
	}
	_, err = sendAll(ctx, o.dispatcher, o.store, pending, o.now, o.metrics, o.logger)
	return err
}

// sendAll dispatches cmds in order and marks each one sent. It stops at the first failure
// so commands for one saga keep their order.
func sendAll(ctx context.Context, dispatcher Dispatcher, store OutboxStore, cmds []saga.Envelope, now func() time.Time, metrics *observability.Metrics, logger *slog.Logger) (int, error) {
	sent := 0
	for _, cmd := range cmds {
		if err := dispatcher.Send(ctx, cmd); err != nil {
			metrics.Inc(observability.CounterDispatchFailures)
			logger.Error("command dispatch failed",
				"command_id", cmd.ID, "command", cmd.Type, "correlation_id", cmd.CorrelationID, "err", err)
			return sent, fmt.Errorf("dispatch %s %s: %w", cmd.Type, cmd.ID, err)
		}
		if err := store.MarkDispatched(ctx, cmd.ID, now()); err != nil {
			return sent, fmt.Errorf("mark %s dispatched: %w", cmd.ID, err)
		}
		metrics.Inc(observability.CounterCommandsSent)
		sent++
	}
	return sent, nil
}
