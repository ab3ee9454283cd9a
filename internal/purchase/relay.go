package purchase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"trading/internal/observability"
	"trading/internal/purchase/saga"
)

// RelayConfig tunes an outbox Relay.
type RelayConfig struct {
	Interval time.Duration
	Batch    int
	// StallAfter reports non-terminal sagas idle for longer than this. Zero disables it.
	StallAfter time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// Relay re-sends outbox commands left pending by a crash or a failed dispatch.
type Relay struct {
	store      SagaStore
	dispatcher Dispatcher
	interval   time.Duration
	batch      int
	stallAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewRelay constructs a Relay.
func NewRelay(store SagaStore, dispatcher Dispatcher, cfg RelayConfig) *Relay {
	r := &Relay{
		store:      store,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		batch:      cfg.Batch,
		stallAfter: cfg.StallAfter,
		now:        cfg.Now,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if r.interval <= 0 {
		r.interval = 5 * time.Second
	}
	if r.batch <= 0 {
		r.batch = 100
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Drain sends one batch of undispatched commands and returns how many went out.
// A failed command holds back the rest of its saga's commands; other sagas still drain.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	pending, err := r.store.ListUndispatched(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	var (
		sent int
		errs []error
	)
	for _, cmds := range groupBySaga(pending) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := sendAll(ctx, r.dispatcher, r.store, cmds, r.now, r.metrics, r.logger)
		sent += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if sent > 0 {
		r.logger.Info("outbox relay sent commands", "count", sent)
	}
	return sent, errors.Join(errs...)
}

// groupBySaga splits cmds per correlation id, keeping outbox order inside each group
// and ordering groups by their first command.
func groupBySaga(cmds []saga.Envelope) [][]saga.Envelope {
	index := make(map[string]int)
	var groups [][]saga.Envelope
	for _, cmd := range cmds {
		i, ok := index[cmd.CorrelationID]
		if !ok {
			i = len(groups)
			index[cmd.CorrelationID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], cmd)
	}
	return groups
}

// ReportStalled logs sagas stuck in a non-terminal state and returns how many were found.
// No timeout or compensation is applied; that policy belongs to an external reaper.
func (r *Relay) ReportStalled(ctx context.Context) (int, error) {
	if r.stallAfter <= 0 {
		return 0, nil
	}
	stalled, err := r.store.ListPending(ctx, r.now().Add(-r.stallAfter), r.batch)
	if err != nil {
		return 0, err
	}
	for _, s := range stalled {
		r.metrics.Inc(observability.CounterStalled)
		r.logger.Warn("purchase saga stalled",
			"correlation_id", s.CorrelationID, "state", s.State, "last_updated", s.LastUpdated)
	}
	return len(stalled), nil
}

// Run drains the outbox every interval until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay drain failed", "err", err)
		}
		if _, err := r.ReportStalled(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("stalled saga scan failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
