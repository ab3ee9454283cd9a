package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CommandType names an outbound command. Each type has exactly one destination.
type CommandType string

const (
	CommandGrantItems    CommandType = "GrantItems"
	CommandDebitGil      CommandType = "DebitGil"
	CommandSubtractItems CommandType = "SubtractItems"
)

// Command is the closed set of instructions a saga sends to other services.
type Command interface {
	Type() CommandType
	Correlation() string
	isCommand()
}

// GrantItems asks inventory to reserve items for the user.
type GrantItems struct {
	UserID        string `json:"userId"`
	ItemID        string `json:"itemId"`
	Quantity      int    `json:"quantity"`
	CorrelationID string `json:"correlationId"`
}

// DebitGil asks identity to charge the purchase total.
type DebitGil struct {
	UserID        string  `json:"userId"`
	Amount        float64 `json:"amount"`
	CorrelationID string  `json:"correlationId"`
}

// SubtractItems compensates a prior GrantItems.
type SubtractItems struct {
	UserID        string `json:"userId"`
	ItemID        string `json:"itemId"`
	Quantity      int    `json:"quantity"`
	CorrelationID string `json:"correlationId"`
}

func (GrantItems) Type() CommandType    { return CommandGrantItems }
func (DebitGil) Type() CommandType      { return CommandDebitGil }
func (SubtractItems) Type() CommandType { return CommandSubtractItems }

func (c GrantItems) Correlation() string    { return c.CorrelationID }
func (c DebitGil) Correlation() string      { return c.CorrelationID }
func (c SubtractItems) Correlation() string { return c.CorrelationID }

func (GrantItems) isCommand()    {}
func (DebitGil) isCommand()      {}
func (SubtractItems) isCommand() {}

// ErrUnsupportedCommand is returned when decoding an unknown command type.
var ErrUnsupportedCommand = errors.New("unsupported command type")

// Envelope is the serialized form of a command as written to the outbox and sent on the wire.
// ID is stable across redelivery so receivers can deduplicate.
type Envelope struct {
	ID            string
	Type          CommandType
	CorrelationID string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// NewEnvelope serializes cmd under the given id.
func NewEnvelope(id string, cmd Command, now time.Time) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", cmd.Type(), err)
	}
	return Envelope{
		ID:            id,
		Type:          cmd.Type(),
		CorrelationID: cmd.Correlation(),
		Payload:       payload,
		CreatedAt:     now,
	}, nil
}

// Decode returns the typed command carried by the envelope.
func (e Envelope) Decode() (Command, error) {
	switch e.Type {
	case CommandGrantItems:
		var cmd GrantItems
		if err := json.Unmarshal(e.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return cmd, nil
	case CommandDebitGil:
		var cmd DebitGil
		if err := json.Unmarshal(e.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return cmd, nil
	case CommandSubtractItems:
		var cmd SubtractItems
		if err := json.Unmarshal(e.Payload, &cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Type, err)
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, e.Type)
	}
}

// ErrNoRoute is returned when a command type has no configured destination.
var ErrNoRoute = errors.New("no destination for command type")

// Routes maps every command type to its single logical destination.
type Routes map[CommandType]string

// DefaultRoutes returns the destinations used by the inventory and identity services.
func DefaultRoutes() Routes {
	return Routes{
		CommandGrantItems:    "inventory-grant-items",
		CommandDebitGil:      "identity-debit-gil",
		CommandSubtractItems: "inventory-subtract-items",
	}
}

// Destination resolves the destination for t.
func (r Routes) Destination(t CommandType) (string, error) {
	dest, ok := r[t]
	if !ok || dest == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRoute, t)
	}
	return dest, nil
}
