package purchase

import (
	"time"

	"trading/internal/purchase/saga"
)

// Status is the client-facing view of a purchase saga.
type Status struct {
	CorrelationID string    `json:"correlationId"`
	UserID        string    `json:"userId"`
	ItemID        string    `json:"itemId"`
	PurchaseTotal *float64  `json:"purchaseTotal"`
	Quantity      int       `json:"quantity"`
	State         string    `json:"state"`
	Reason        *string   `json:"reason"`
	Received      time.Time `json:"received"`
	LastUpdated   time.Time `json:"lastUpdated"`
	Version       int       `json:"version"`
}

// NewStatus projects a saga snapshot into its client-facing view.
func NewStatus(s saga.PurchaseSaga) Status {
	s = s.Clone()
	return Status{
		CorrelationID: s.CorrelationID,
		UserID:        s.UserID,
		ItemID:        s.ItemID,
		PurchaseTotal: s.PurchaseTotal,
		Quantity:      s.Quantity,
		State:         string(s.State),
		Reason:        s.ErrorMessage,
		Received:      s.Received,
		LastUpdated:   s.LastUpdated,
		Version:       s.Version,
	}
}
