package saga

import (
	"fmt"
	"time"
)

// Env carries the inputs a transition needs from the outside world.
// The orchestrator resolves them before calling Transition so it stays free of I/O.
type Env struct {
	Now time.Time
	// Price is the catalog unit price; only read when a saga is being created.
	Price float64
	// PriceErr is a deterministic pricing failure such as *UnknownItemError.
	PriceErr error
}

// Outcome is the result of applying one event to one saga.
type Outcome struct {
	// Saga is the snapshot after the event; equal to the input when Changed is false.
	Saga PurchaseSaga
	// Changed reports whether the snapshot must be committed.
	Changed bool
	// Commands must only be sent once the new snapshot is committed.
	Commands []Command
	// Notify asks for a best-effort status push after commit.
	Notify bool
}

// UnknownItemError is the pricing failure for an item missing from the catalog.
type UnknownItemError struct {
	ItemID string
}

func (e *UnknownItemError) Error() string {
	return fmt.Sprintf("Unknown item '%s'", e.ItemID)
}

func (e *UnknownItemError) Unwrap() error { return ErrUnknownItem }

// NeedsPrice reports whether applying ev to current will read Env.Price.
func NeedsPrice(current *PurchaseSaga, ev Event) bool {
	_, ok := ev.(PurchaseRequested)
	return ok && current == nil
}

// Transition applies ev to current (nil when no saga exists yet).
// It never performs I/O and is safe to recompute after a version conflict.
func Transition(current *PurchaseSaga, ev Event, env Env) (Outcome, error) {
	if current == nil {
		req, ok := ev.(PurchaseRequested)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s for %s", ErrSagaNotFound, ev.Kind(), ev.Correlation())
		}
		return start(req, env), nil
	}

	snapshot := current.Clone()
	unchanged := Outcome{Saga: snapshot}

	if _, ok := ev.(GetPurchaseState); ok {
		return unchanged, nil
	}

	switch snapshot.State {
	case StateAccepted:
		switch e := ev.(type) {
		case InventoryItemsGranted:
			snapshot.State = StateItemsGranted
			snapshot.LastUpdated = env.Now
			return Outcome{
				Saga:    snapshot,
				Changed: true,
				Commands: []Command{DebitGil{
					UserID:        snapshot.UserID,
					Amount:        total(snapshot),
					CorrelationID: snapshot.CorrelationID,
				}},
			}, nil
		case GrantItemsFaulted:
			// Nothing reserved yet, so no compensation.
			fault(&snapshot, faultMessage(CommandGrantItems, e.Exceptions), env.Now)
			return Outcome{Saga: snapshot, Changed: true, Notify: true}, nil
		}
	case StateItemsGranted:
		switch e := ev.(type) {
		case GilDebited:
			snapshot.State = StateCompleted
			snapshot.LastUpdated = env.Now
			return Outcome{Saga: snapshot, Changed: true, Notify: true}, nil
		case DebitGilFaulted:
			fault(&snapshot, faultMessage(CommandDebitGil, e.Exceptions), env.Now)
			return Outcome{
				Saga:    snapshot,
				Changed: true,
				Notify:  true,
				Commands: []Command{SubtractItems{
					UserID:        snapshot.UserID,
					ItemID:        snapshot.ItemID,
					Quantity:      snapshot.Quantity,
					CorrelationID: snapshot.CorrelationID,
				}},
			}, nil
		}
	}

	// Duplicates, stale events and anything reaching a terminal state are absorbed.
	return unchanged, nil
}

func start(req PurchaseRequested, env Env) Outcome {
	snapshot := PurchaseSaga{
		CorrelationID: req.CorrelationID,
		UserID:        req.UserID,
		ItemID:        req.ItemID,
		Quantity:      req.Quantity,
		Received:      env.Now,
		LastUpdated:   env.Now,
	}

	if env.PriceErr != nil {
		fault(&snapshot, env.PriceErr.Error(), env.Now)
		return Outcome{Saga: snapshot, Changed: true, Notify: true}
	}

	purchaseTotal := env.Price * float64(req.Quantity)
	snapshot.PurchaseTotal = &purchaseTotal
	snapshot.State = StateAccepted

	return Outcome{
		Saga:    snapshot,
		Changed: true,
		Commands: []Command{GrantItems{
			UserID:        req.UserID,
			ItemID:        req.ItemID,
			Quantity:      req.Quantity,
			CorrelationID: req.CorrelationID,
		}},
	}
}

func fault(s *PurchaseSaga, message string, now time.Time) {
	s.State = StateFaulted
	s.ErrorMessage = &message
	s.LastUpdated = now
}

func total(s PurchaseSaga) float64 {
	if s.PurchaseTotal == nil {
		return 0
	}
	return *s.PurchaseTotal
}
