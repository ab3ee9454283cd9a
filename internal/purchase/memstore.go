package purchase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trading/internal/purchase/saga"
)

type outboxEntry struct {
	cmd          saga.Envelope
	dispatchedAt *time.Time
}

// InMemorySagaStore keeps sagas and their outbox in process memory.
type InMemorySagaStore struct {
	mu     sync.RWMutex
	sagas  map[string]saga.PurchaseSaga
	outbox []*outboxEntry
}

// NewInMemorySagaStore constructs an empty in-memory saga store.
func NewInMemorySagaStore() *InMemorySagaStore {
	return &InMemorySagaStore{sagas: make(map[string]saga.PurchaseSaga)}
}

func (s *InMemorySagaStore) Load(ctx context.Context, correlationID string) (saga.PurchaseSaga, error) {
	if err := ctx.Err(); err != nil {
		return saga.PurchaseSaga{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.sagas[correlationID]
	if !ok {
		return saga.PurchaseSaga{}, saga.ErrSagaNotFound
	}
	return current.Clone(), nil
}

func (s *InMemorySagaStore) Commit(ctx context.Context, next saga.PurchaseSaga, expectedVersion int, outbox []saga.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sagas[next.CorrelationID]
	switch {
	case expectedVersion == 0 && exists:
		return fmt.Errorf("%w: %s already exists", saga.ErrVersionConflict, next.CorrelationID)
	case expectedVersion > 0 && !exists:
		return fmt.Errorf("%w: %s missing", saga.ErrVersionConflict, next.CorrelationID)
	case exists && current.Version != expectedVersion:
		return fmt.Errorf("%w: %s at version %d, expected %d", saga.ErrVersionConflict, next.CorrelationID, current.Version, expectedVersion)
	}

	s.sagas[next.CorrelationID] = next.Clone()
	for _, cmd := range outbox {
		s.outbox = append(s.outbox, &outboxEntry{cmd: cmd})
	}
	return nil
}

func (s *InMemorySagaStore) PendingCommands(ctx context.Context, correlationID string) ([]saga.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []saga.Envelope
	for _, entry := range s.outbox {
		if entry.dispatchedAt == nil && entry.cmd.CorrelationID == correlationID {
			out = append(out, entry.cmd)
		}
	}
	return out, nil
}

func (s *InMemorySagaStore) ListUndispatched(ctx context.Context, limit int) ([]saga.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []saga.Envelope
	for _, entry := range s.outbox {
		if entry.dispatchedAt != nil {
			continue
		}
		out = append(out, entry.cmd)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemorySagaStore) MarkDispatched(ctx context.Context, commandID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.outbox {
		if entry.cmd.ID == commandID && entry.dispatchedAt == nil {
			stamp := at
			entry.dispatchedAt = &stamp
		}
	}
	return nil
}

func (s *InMemorySagaStore) ListPending(ctx context.Context, before time.Time, limit int) ([]saga.PurchaseSaga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []saga.PurchaseSaga
	for _, current := range s.sagas {
		if current.State.Terminal() || !current.LastUpdated.Before(before) {
			continue
		}
		out = append(out, current.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.Before(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
