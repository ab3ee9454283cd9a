package saga

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedEvent is returned when decoding an unknown event kind.
	ErrUnsupportedEvent = errors.New("unsupported event kind")
	// ErrMalformedEvent is returned for a known kind whose payload cannot be used.
	ErrMalformedEvent = errors.New("malformed event payload")
)

// EncodeEvent returns the wire kind and JSON payload for ev.
func EncodeEvent(ev Event) (EventKind, []byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	return ev.Kind(), payload, nil
}

// DecodeEvent parses a payload of the given kind into its typed event.
func DecodeEvent(kind EventKind, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch kind {
	case KindPurchaseRequested:
		ev, err = decode[PurchaseRequested](payload)
	case KindGetPurchaseState:
		ev, err = decode[GetPurchaseState](payload)
	case KindInventoryItemsGranted:
		ev, err = decode[InventoryItemsGranted](payload)
	case KindGilDebited:
		ev, err = decode[GilDebited](payload)
	case KindGrantItemsFaulted:
		ev, err = decode[GrantItemsFaulted](payload)
	case KindDebitGilFaulted:
		ev, err = decode[DebitGilFaulted](payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEvent, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, kind, err)
	}
	if ev.Correlation() == "" {
		return nil, fmt.Errorf("%w: %s without correlation id", ErrMalformedEvent, kind)
	}
	return ev, nil
}

func decode[T Event](payload []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}
