package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Change event type names published by the catalog service.
const (
	KindItemCreated = "CatalogItemCreated"
	KindItemUpdated = "CatalogItemUpdated"
	KindItemDeleted = "CatalogItemDeleted"
)

// ErrUnsupportedEvent is returned for a change event type this consumer does not know.
var ErrUnsupportedEvent = errors.New("unsupported catalog event")

// ItemChanged is the payload of CatalogItemCreated and CatalogItemUpdated.
type ItemChanged struct {
	ItemID      string  `json:"itemId"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
}

// ItemDeleted is the payload of CatalogItemDeleted.
type ItemDeleted struct {
	ItemID string `json:"itemId"`
}

func (c ItemChanged) item() Item {
	return Item{ID: c.ItemID, Name: c.Name, Description: c.Description, Price: c.Price}
}

// Consumer applies catalog change events to the read model. Every handler is
// idempotent so redelivery is harmless.
type Consumer struct {
	store  Store
	logger *slog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(store Store, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{store: store, logger: logger}
}

// Handle decodes and applies one change event.
func (c *Consumer) Handle(ctx context.Context, kind string, payload []byte) error {
	switch kind {
	case KindItemCreated:
		var ev ItemChanged
		if err := decode(kind, payload, &ev, &ev.ItemID); err != nil {
			return err
		}
		created, err := c.store.Create(ctx, ev.item())
		if err != nil {
			return fmt.Errorf("create catalog item %s: %w", ev.ItemID, err)
		}
		if !created {
			c.logger.Debug("catalog item already present", "item_id", ev.ItemID)
		}
		return nil
	case KindItemUpdated:
		var ev ItemChanged
		if err := decode(kind, payload, &ev, &ev.ItemID); err != nil {
			return err
		}
		if err := c.store.Upsert(ctx, ev.item()); err != nil {
			return fmt.Errorf("upsert catalog item %s: %w", ev.ItemID, err)
		}
		return nil
	case KindItemDeleted:
		var ev ItemDeleted
		if err := decode(kind, payload, &ev, &ev.ItemID); err != nil {
			return err
		}
		if _, err := c.store.Delete(ctx, ev.ItemID); err != nil {
			return fmt.Errorf("delete catalog item %s: %w", ev.ItemID, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEvent, kind)
	}
}

func decode(kind string, payload []byte, dst any, id *string) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnsupportedEvent, kind, err)
	}
	if *id == "" {
		return fmt.Errorf("%w: %s without item id", ErrUnsupportedEvent, kind)
	}
	return nil
}
