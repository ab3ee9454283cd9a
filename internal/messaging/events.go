package messaging

import (
	"context"
	"errors"

	"trading/internal/purchase/saga"
)

// EventHandler is the orchestrator surface driven by the trading events stream.
type EventHandler interface {
	Handle(ctx context.Context, ev saga.Event) (saga.PurchaseSaga, error)
}

// SagaEvents decodes trading stream entries into saga events and hands them to h.
func SagaEvents(h EventHandler) Handler {
	return func(ctx context.Context, msg Message) error {
		ev, err := saga.DecodeEvent(saga.EventKind(msg.Type), msg.Payload)
		if err != nil {
			return err
		}
		_, err = h.Handle(ctx, ev)
		return err
	}
}

// DiscardSagaErrors reports saga errors that no redelivery can resolve: events that
// correlate to no saga and payloads that cannot be decoded.
func DiscardSagaErrors(err error) bool {
	return errors.Is(err, saga.ErrSagaNotFound) || errors.Is(err, saga.ErrUnsupportedEvent) ||
		errors.Is(err, saga.ErrMalformedEvent)
}
