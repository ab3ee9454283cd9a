package saga

import (
	"errors"
	"testing"
	"time"
)

var (
	t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 = t0.Add(time.Second)
)

func requested() PurchaseRequested {
	return PurchaseRequested{UserID: "user-1", ItemID: "item-1", Quantity: 3, CorrelationID: "corr-1"}
}

func mustStart(t *testing.T, price float64) PurchaseSaga {
	t.Helper()
	out, err := Transition(nil, requested(), Env{Now: t0, Price: price})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return out.Saga
}

func inState(t *testing.T, state State) PurchaseSaga {
	t.Helper()
	s := mustStart(t, 2.5)
	s.Version = 1
	switch state {
	case StateAccepted:
	case StateItemsGranted:
		s.State = StateItemsGranted
	case StateCompleted:
		s.State = StateCompleted
	case StateFaulted:
		msg := "boom"
		s.State = StateFaulted
		s.ErrorMessage = &msg
	default:
		t.Fatalf("unsupported state %q", state)
	}
	return s
}

func TestTransition_StartAccepted(t *testing.T) {
	out, err := Transition(nil, requested(), Env{Now: t0, Price: 2.5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Changed {
		t.Fatalf("expected change")
	}
	if out.Saga.State != StateAccepted {
		t.Fatalf("expected Accepted, got %q", out.Saga.State)
	}
	if out.Saga.PurchaseTotal == nil || *out.Saga.PurchaseTotal != 7.5 {
		t.Fatalf("unexpected total: %v", out.Saga.PurchaseTotal)
	}
	if !out.Saga.Received.Equal(t0) || !out.Saga.LastUpdated.Equal(t0) {
		t.Fatalf("unexpected timestamps: %+v", out.Saga)
	}
	if out.Notify {
		t.Fatalf("did not expect notification on accept")
	}
	if len(out.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(out.Commands))
	}
	want := GrantItems{UserID: "user-1", ItemID: "item-1", Quantity: 3, CorrelationID: "corr-1"}
	if got, ok := out.Commands[0].(GrantItems); !ok || got != want {
		t.Fatalf("unexpected command: %#v", out.Commands[0])
	}
}

func TestTransition_StartUnknownItemFaults(t *testing.T) {
	out, err := Transition(nil, requested(), Env{Now: t0, PriceErr: &UnknownItemError{ItemID: "item-1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Saga.State != StateFaulted {
		t.Fatalf("expected Faulted, got %q", out.Saga.State)
	}
	if out.Saga.ErrorMessage == nil || *out.Saga.ErrorMessage != "Unknown item 'item-1'" {
		t.Fatalf("unexpected error message: %v", out.Saga.ErrorMessage)
	}
	if out.Saga.PurchaseTotal != nil {
		t.Fatalf("expected nil total")
	}
	if len(out.Commands) != 0 {
		t.Fatalf("expected no commands, got %d", len(out.Commands))
	}
	if !out.Notify {
		t.Fatalf("expected notification on fault")
	}
}

func TestTransition_NoSagaForNonStartEvent(t *testing.T) {
	_, err := Transition(nil, GilDebited{CorrelationID: "corr-1"}, Env{Now: t0})
	if !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestTransition_AcceptedItemsGranted(t *testing.T) {
	current := inState(t, StateAccepted)
	out, err := Transition(&current, InventoryItemsGranted{CorrelationID: "corr-1"}, Env{Now: t1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Saga.State != StateItemsGranted {
		t.Fatalf("expected ItemsGranted, got %q", out.Saga.State)
	}
	if !out.Saga.LastUpdated.Equal(t1) {
		t.Fatalf("expected LastUpdated to move")
	}
	if len(out.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(out.Commands))
	}
	want := DebitGil{UserID: "user-1", Amount: 7.5, CorrelationID: "corr-1"}
	if got, ok := out.Commands[0].(DebitGil); !ok || got != want {
		t.Fatalf("unexpected command: %#v", out.Commands[0])
	}
	if current.State != StateAccepted {
		t.Fatalf("input snapshot was mutated")
	}
}

func TestTransition_AcceptedGrantFaulted(t *testing.T) {
	current := inState(t, StateAccepted)
	ev := GrantItemsFaulted{
		Message:    GrantItems{CorrelationID: "corr-1"},
		Exceptions: []ExceptionInfo{{Message: "out of stock"}},
	}
	out, err := Transition(&current, ev, Env{Now: t1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Saga.State != StateFaulted {
		t.Fatalf("expected Faulted, got %q", out.Saga.State)
	}
	if out.Saga.ErrorMessage == nil || *out.Saga.ErrorMessage != "out of stock" {
		t.Fatalf("unexpected message: %v", out.Saga.ErrorMessage)
	}
	if len(out.Commands) != 0 {
		t.Fatalf("expected no compensation, got %d commands", len(out.Commands))
	}
}

func TestTransition_ItemsGrantedGilDebited(t *testing.T) {
	current := inState(t, StateItemsGranted)
	out, err := Transition(&current, GilDebited{CorrelationID: "corr-1"}, Env{Now: t1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Saga.State != StateCompleted {
		t.Fatalf("expected Completed, got %q", out.Saga.State)
	}
	if len(out.Commands) != 0 {
		t.Fatalf("expected no commands, got %d", len(out.Commands))
	}
	if !out.Notify {
		t.Fatalf("expected completion notification")
	}
}

func TestTransition_ItemsGrantedDebitFaultedCompensates(t *testing.T) {
	current := inState(t, StateItemsGranted)
	ev := DebitGilFaulted{
		Message:    DebitGil{CorrelationID: "corr-1"},
		Exceptions: []ExceptionInfo{{ExceptionType: "InsufficientFunds", Message: "not enough gil"}},
	}
	out, err := Transition(&current, ev, Env{Now: t1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Saga.State != StateFaulted {
		t.Fatalf("expected Faulted, got %q", out.Saga.State)
	}
	if out.Saga.ErrorMessage == nil || *out.Saga.ErrorMessage != "not enough gil" {
		t.Fatalf("unexpected message: %v", out.Saga.ErrorMessage)
	}
	if len(out.Commands) != 1 {
		t.Fatalf("expected 1 compensating command, got %d", len(out.Commands))
	}
	want := SubtractItems{UserID: "user-1", ItemID: "item-1", Quantity: 3, CorrelationID: "corr-1"}
	if got, ok := out.Commands[0].(SubtractItems); !ok || got != want {
		t.Fatalf("unexpected command: %#v", out.Commands[0])
	}
}

func TestTransition_FaultWithoutExceptionsUsesDefaultMessage(t *testing.T) {
	current := inState(t, StateItemsGranted)
	out, err := Transition(&current, DebitGilFaulted{Message: DebitGil{CorrelationID: "corr-1"}}, Env{Now: t1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Saga.ErrorMessage == nil || *out.Saga.ErrorMessage != "DebitGil faulted" {
		t.Fatalf("unexpected message: %v", out.Saga.ErrorMessage)
	}
}

func TestTransition_DuplicatesAreNoops(t *testing.T) {
	cases := []struct {
		name  string
		state State
		ev    Event
	}{
		{"accepted/requested", StateAccepted, requested()},
		{"accepted/debited-early", StateAccepted, GilDebited{CorrelationID: "corr-1"}},
		{"accepted/debit-fault-early", StateAccepted, DebitGilFaulted{Message: DebitGil{CorrelationID: "corr-1"}}},
		{"granted/requested", StateItemsGranted, requested()},
		{"granted/granted", StateItemsGranted, InventoryItemsGranted{CorrelationID: "corr-1"}},
		{"granted/grant-fault", StateItemsGranted, GrantItemsFaulted{Message: GrantItems{CorrelationID: "corr-1"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			current := inState(t, tc.state)
			out, err := Transition(&current, tc.ev, Env{Now: t1})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Changed || len(out.Commands) != 0 || out.Notify {
				t.Fatalf("expected no-op, got %+v", out)
			}
			if !out.Saga.LastUpdated.Equal(current.LastUpdated) || out.Saga.Version != current.Version {
				t.Fatalf("no-op touched fields: %+v", out.Saga)
			}
		})
	}
}

func TestTransition_TerminalStatesAbsorb(t *testing.T) {
	events := []Event{
		requested(),
		InventoryItemsGranted{CorrelationID: "corr-1"},
		GilDebited{CorrelationID: "corr-1"},
		GrantItemsFaulted{Message: GrantItems{CorrelationID: "corr-1"}, Exceptions: []ExceptionInfo{{Message: "x"}}},
		DebitGilFaulted{Message: DebitGil{CorrelationID: "corr-1"}, Exceptions: []ExceptionInfo{{Message: "y"}}},
		GetPurchaseState{CorrelationID: "corr-1"},
	}

	for _, state := range []State{StateCompleted, StateFaulted} {
		current := inState(t, state)
		for _, ev := range events {
			out, err := Transition(&current, ev, Env{Now: t1})
			if err != nil {
				t.Fatalf("%s/%s: unexpected error: %v", state, ev.Kind(), err)
			}
			if out.Changed || len(out.Commands) != 0 {
				t.Fatalf("%s/%s: terminal state changed: %+v", state, ev.Kind(), out)
			}
			if out.Saga.State != state {
				t.Fatalf("%s/%s: state moved to %q", state, ev.Kind(), out.Saga.State)
			}
			if (current.ErrorMessage == nil) != (out.Saga.ErrorMessage == nil) {
				t.Fatalf("%s/%s: error message changed", state, ev.Kind())
			}
			if *out.Saga.PurchaseTotal != *current.PurchaseTotal {
				t.Fatalf("%s/%s: total changed", state, ev.Kind())
			}
		}
	}
}

func TestTransition_QueryReturnsSnapshot(t *testing.T) {
	current := inState(t, StateItemsGranted)
	out, err := Transition(&current, GetPurchaseState{CorrelationID: "corr-1"}, Env{Now: t1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Changed {
		t.Fatalf("query must not change the saga")
	}
	if out.Saga.State != StateItemsGranted || out.Saga.CorrelationID != "corr-1" {
		t.Fatalf("unexpected snapshot: %+v", out.Saga)
	}
}

func TestNeedsPrice(t *testing.T) {
	current := inState(t, StateAccepted)
	if !NeedsPrice(nil, requested()) {
		t.Fatalf("expected price for a new saga")
	}
	if NeedsPrice(&current, requested()) {
		t.Fatalf("did not expect price for an existing saga")
	}
	if NeedsPrice(nil, GilDebited{CorrelationID: "corr-1"}) {
		t.Fatalf("did not expect price for a non-start event")
	}
}
