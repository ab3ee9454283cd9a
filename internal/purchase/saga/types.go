package saga

import (
	"errors"
	"time"
)

// State captures where a purchase saga currently sits in its lifecycle.
type State string

const (
	StateNone         State = ""
	StateAccepted     State = "Accepted"
	StateItemsGranted State = "ItemsGranted"
	StateCompleted    State = "Completed"
	StateFaulted      State = "Faulted"
)

// Terminal reports whether no further domain event can change the saga.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted
}

// PurchaseSaga is the persisted orchestration snapshot for one purchase.
type PurchaseSaga struct {
	CorrelationID string
	State         State
	UserID        string
	ItemID        string
	Quantity      int
	PurchaseTotal *float64
	Received      time.Time
	LastUpdated   time.Time
	ErrorMessage  *string
	Version       int
}

// Clone returns a deep copy so callers can mutate without aliasing the store's copy.
func (p PurchaseSaga) Clone() PurchaseSaga {
	out := p
	if p.PurchaseTotal != nil {
		total := *p.PurchaseTotal
		out.PurchaseTotal = &total
	}
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

var (
	// ErrSagaNotFound is returned when no saga exists for a correlation id.
	ErrSagaNotFound = errors.New("purchase saga not found")
	// ErrVersionConflict signals a concurrent writer committed first.
	ErrVersionConflict = errors.New("purchase saga version conflict")
	// ErrUnknownItem signals the catalog has no price for the requested item.
	ErrUnknownItem = errors.New("unknown item")
)
