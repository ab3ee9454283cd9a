package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"trading/internal/purchase"
	"trading/internal/purchase/saga"
	"trading/internal/reliability"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Quantity bounds accepted by SubmitPurchase.
const (
	MinQuantity = 1
	MaxQuantity = 100
)

// ErrInvalidRequest marks a malformed submission.
var ErrInvalidRequest = errors.New("invalid purchase request")

// PurchaseService defines the behavior needed by the gRPC adapter.
type PurchaseService interface {
	Submit(ctx context.Context, req saga.PurchaseRequested) error
	GetPurchaseState(ctx context.Context, correlationID string) (saga.PurchaseSaga, error)
}

// PurchaseServer adapts PurchaseService to gRPC.
type PurchaseServer struct {
	service PurchaseService
	newID   func() string
	logger  *slog.Logger
}

// NewPurchaseServer constructs a PurchaseServer.
func NewPurchaseServer(svc PurchaseService, logger *slog.Logger) *PurchaseServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurchaseServer{service: svc, newID: uuid.NewString, logger: logger}
}

// SubmitPurchase validates the request, starts the saga and returns its correlation id.
// A missing correlationId is generated.
func (s *PurchaseServer) SubmitPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ev, err := s.parseSubmission(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.service.Submit(ctx, ev); err != nil {
		return nil, s.mapPurchaseError(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"correlationId": structpb.NewStringValue(ev.CorrelationID),
	}}, nil
}

func (s *PurchaseServer) parseSubmission(req *structpb.Struct) (saga.PurchaseRequested, error) {
	fields := req.GetFields()
	str := func(name string) string { return fields[name].GetStringValue() }

	ev := saga.PurchaseRequested{
		UserID:        str("userId"),
		ItemID:        str("itemId"),
		CorrelationID: str("correlationId"),
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = s.newID()
	}
	ids := []struct{ name, value string }{
		{"userId", ev.UserID},
		{"itemId", ev.ItemID},
		{"correlationId", ev.CorrelationID},
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id.value); err != nil {
			return saga.PurchaseRequested{}, fmt.Errorf("%w: %s must be a UUID", ErrInvalidRequest, id.name)
		}
	}

	quantity, ok := fields["quantity"].GetKind().(*structpb.Value_NumberValue)
	if !ok || quantity.NumberValue != math.Trunc(quantity.NumberValue) ||
		quantity.NumberValue < MinQuantity || quantity.NumberValue > MaxQuantity {
		return saga.PurchaseRequested{}, fmt.Errorf("%w: quantity must be an integer between %d and %d", ErrInvalidRequest, MinQuantity, MaxQuantity)
	}
	ev.Quantity = int(quantity.NumberValue)
	return ev, nil
}

// GetPurchaseState returns the latest committed snapshot for the correlation id.
func (s *PurchaseServer) GetPurchaseState(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	correlationID := req.GetValue()
	if correlationID == "" {
		return nil, status.Error(codes.InvalidArgument, "correlation id required")
	}
	snapshot, err := s.service.GetPurchaseState(ctx, correlationID)
	if err != nil {
		return nil, s.mapPurchaseError(err)
	}
	return statusStruct(purchase.NewStatus(snapshot)), nil
}

func statusStruct(st purchase.Status) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"correlationId": structpb.NewStringValue(st.CorrelationID),
		"userId":        structpb.NewStringValue(st.UserID),
		"itemId":        structpb.NewStringValue(st.ItemID),
		"quantity":      structpb.NewNumberValue(float64(st.Quantity)),
		"state":         structpb.NewStringValue(st.State),
		"received":      structpb.NewStringValue(st.Received.Format(time.RFC3339Nano)),
		"lastUpdated":   structpb.NewStringValue(st.LastUpdated.Format(time.RFC3339Nano)),
		"version":       structpb.NewNumberValue(float64(st.Version)),
		"purchaseTotal": structpb.NewNullValue(),
		"reason":        structpb.NewNullValue(),
	}
	if st.PurchaseTotal != nil {
		fields["purchaseTotal"] = structpb.NewNumberValue(*st.PurchaseTotal)
	}
	if st.Reason != nil {
		fields["reason"] = structpb.NewStringValue(*st.Reason)
	}
	return &structpb.Struct{Fields: fields}
}

// mapPurchaseError maps domain errors to status codes. Internal failures are logged and
// reported without detail.
func (s *PurchaseServer) mapPurchaseError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, saga.ErrSagaNotFound):
		return status.Error(codes.NotFound, "purchase not found")
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, purchase.ErrRetriesExhausted), errors.Is(err, reliability.ErrCircuitOpen):
		return status.Error(codes.Unavailable, "purchase service busy, retry later")
	default:
		s.logger.Error("purchase request failed", "err", err)
		return status.Error(codes.Internal, "internal error")
	}
}
