package saga

// EventKind names an inbound message type. The values double as wire type names.
type EventKind string

const (
	KindPurchaseRequested     EventKind = "PurchaseRequested"
	KindGetPurchaseState      EventKind = "GetPurchaseState"
	KindInventoryItemsGranted EventKind = "InventoryItemsGranted"
	KindGilDebited            EventKind = "GilDebited"
	KindGrantItemsFaulted     EventKind = "Fault[GrantItems]"
	KindDebitGilFaulted       EventKind = "Fault[DebitGil]"
)

// Event is the closed set of messages a purchase saga reacts to.
type Event interface {
	Kind() EventKind
	Correlation() string
	isEvent()
}

// PurchaseRequested starts a saga, or is ignored by an existing one.
type PurchaseRequested struct {
	UserID        string `json:"userId"`
	ItemID        string `json:"itemId"`
	Quantity      int    `json:"quantity"`
	CorrelationID string `json:"correlationId"`
}

// GetPurchaseState asks for the latest committed snapshot.
type GetPurchaseState struct {
	CorrelationID string `json:"correlationId"`
}

// InventoryItemsGranted acknowledges the inventory reservation.
type InventoryItemsGranted struct {
	UserID        string `json:"userId,omitempty"`
	ItemID        string `json:"itemId,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	CorrelationID string `json:"correlationId"`
}

// GilDebited acknowledges the currency debit.
type GilDebited struct {
	UserID        string  `json:"userId,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	CorrelationID string  `json:"correlationId"`
}

// ExceptionInfo describes one downstream failure carried by a fault event.
type ExceptionInfo struct {
	ExceptionType string `json:"exceptionType,omitempty"`
	Message       string `json:"message"`
}

// GrantItemsFaulted reports that the inventory service could not grant items.
// It is correlated through the original command.
type GrantItemsFaulted struct {
	Message    GrantItems      `json:"message"`
	Exceptions []ExceptionInfo `json:"exceptions"`
}

// DebitGilFaulted reports that the identity service could not debit the user.
type DebitGilFaulted struct {
	Message    DebitGil        `json:"message"`
	Exceptions []ExceptionInfo `json:"exceptions"`
}

func (PurchaseRequested) Kind() EventKind     { return KindPurchaseRequested }
func (GetPurchaseState) Kind() EventKind      { return KindGetPurchaseState }
func (InventoryItemsGranted) Kind() EventKind { return KindInventoryItemsGranted }
func (GilDebited) Kind() EventKind            { return KindGilDebited }
func (GrantItemsFaulted) Kind() EventKind     { return KindGrantItemsFaulted }
func (DebitGilFaulted) Kind() EventKind       { return KindDebitGilFaulted }

func (e PurchaseRequested) Correlation() string     { return e.CorrelationID }
func (e GetPurchaseState) Correlation() string      { return e.CorrelationID }
func (e InventoryItemsGranted) Correlation() string { return e.CorrelationID }
func (e GilDebited) Correlation() string            { return e.CorrelationID }
func (e GrantItemsFaulted) Correlation() string     { return e.Message.CorrelationID }
func (e DebitGilFaulted) Correlation() string       { return e.Message.CorrelationID }

func (PurchaseRequested) isEvent()     {}
func (GetPurchaseState) isEvent()      {}
func (InventoryItemsGranted) isEvent() {}
func (GilDebited) isEvent()            {}
func (GrantItemsFaulted) isEvent()     {}
func (DebitGilFaulted) isEvent()       {}

func faultMessage(cmd CommandType, exceptions []ExceptionInfo) string {
	for _, ex := range exceptions {
		if ex.Message != "" {
			return ex.Message
		}
	}
	return string(cmd) + " faulted"
}
