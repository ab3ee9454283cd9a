package purchase

import (
	"context"
	"time"

	"trading/internal/purchase/saga"
)

// SagaStore persists purchase sagas keyed by correlation id.
//
// Commit writes next together with its outbox commands atomically, but only if the
// stored version still equals expectedVersion (0 means the saga must not exist yet).
// A mismatch returns saga.ErrVersionConflict.
type SagaStore interface {
	Load(ctx context.Context, correlationID string) (saga.PurchaseSaga, error)
	Commit(ctx context.Context, next saga.PurchaseSaga, expectedVersion int, outbox []saga.Envelope) error
	OutboxStore
	// ListPending returns non-terminal sagas whose last transition is older than before.
	ListPending(ctx context.Context, before time.Time, limit int) ([]saga.PurchaseSaga, error)
}

// OutboxStore tracks commands written at commit time until they are sent.
type OutboxStore interface {
	PendingCommands(ctx context.Context, correlationID string) ([]saga.Envelope, error)
	ListUndispatched(ctx context.Context, limit int) ([]saga.Envelope, error)
	MarkDispatched(ctx context.Context, commandID string, at time.Time) error
}

// PriceLookup reads the current unit price of a catalog item.
// found is false for an unknown item; err is reserved for transient failures.
type PriceLookup interface {
	GetPrice(ctx context.Context, itemID string) (price float64, found bool, err error)
}

// Dispatcher sends a command to the fixed destination for its type.
// Delivery is at-least-once; receivers deduplicate on Envelope.ID.
type Dispatcher interface {
	Send(ctx context.Context, cmd saga.Envelope) error
}

// Notifier pushes a snapshot to the owning user. Failures never affect the saga.
type Notifier interface {
	Notify(ctx context.Context, userID string, snapshot saga.PurchaseSaga) error
}

// EventPublisher hands an inbound event to the messaging layer for asynchronous handling.
type EventPublisher interface {
	Publish(ctx context.Context, ev saga.Event) error
}
