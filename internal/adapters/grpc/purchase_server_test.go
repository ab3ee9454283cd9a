package grpc

import (
	"context"
	"errors"
	"net"
	"testing"

	"trading/internal/catalog"
	"trading/internal/purchase"
	"trading/internal/purchase/saga"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	userID = "6f1d2c3b-0000-4000-8000-000000000001"
	itemID = "6f1d2c3b-0000-4000-8000-000000000002"
	corrID = "6f1d2c3b-0000-4000-8000-000000000003"
)

func TestPurchaseServerImplementsService(t *testing.T) {
	var _ PurchaseServiceServer = (*PurchaseServer)(nil)
}

func bufDialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.Dial()
	}
}

func startPurchaseServer(t *testing.T, svc PurchaseService) *PurchaseServiceClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	s := grpcpkg.NewServer()
	RegisterPurchaseServiceServer(s, NewPurchaseServer(svc, nil))
	go func() {
		_ = s.Serve(lis)
	}()
	t.Cleanup(func() {
		s.Stop()
		_ = lis.Close()
	})

	conn, err := grpcpkg.NewClient(
		"passthrough:///bufnet",
		grpcpkg.WithContextDialer(bufDialer(lis)),
		grpcpkg.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Fatalf("close conn: %v", err)
		}
	})
	return NewPurchaseServiceClient(conn)
}

func submission(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return req
}

func TestPurchaseService_SubmitThenQuery(t *testing.T) {
	t.Parallel()

	prices := catalog.NewInMemoryStore(catalog.Item{ID: itemID, Name: "Potion", Price: 2.5})
	orch := purchase.NewOrchestrator(purchase.NewInMemorySagaStore(), prices,
		purchase.NewInMemoryDispatcher(nil), nil, purchase.Config{})
	client := startPurchaseServer(t, orch)
	ctx := context.Background()

	resp, err := client.SubmitPurchase(ctx, submission(t, map[string]any{
		"userId": userID, "itemId": itemID, "quantity": 4, "correlationId": corrID,
	}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := resp.GetFields()["correlationId"].GetStringValue(); got != corrID {
		t.Fatalf("unexpected correlation id %q", got)
	}

	state, err := client.GetPurchaseState(ctx, wrapperspb.String(corrID))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	fields := state.GetFields()
	if fields["state"].GetStringValue() != "Accepted" || fields["purchaseTotal"].GetNumberValue() != 10 {
		t.Fatalf("unexpected state: %v", state)
	}
	if _, ok := fields["reason"].GetKind().(*structpb.Value_NullValue); !ok {
		t.Fatalf("expected null reason, got %v", fields["reason"])
	}
}

func TestPurchaseService_GeneratesCorrelationID(t *testing.T) {
	t.Parallel()

	svc := &spyPurchaseService{}
	client := startPurchaseServer(t, svc)

	resp, err := client.SubmitPurchase(context.Background(), submission(t, map[string]any{
		"userId": userID, "itemId": itemID, "quantity": 1,
	}))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := resp.GetFields()["correlationId"].GetStringValue()
	if got == "" || len(svc.submitted) != 1 || svc.submitted[0].CorrelationID != got {
		t.Fatalf("expected generated id to reach the service, got %q %+v", got, svc.submitted)
	}
}

type spyPurchaseService struct {
	submitted []saga.PurchaseRequested
	snapshot  saga.PurchaseSaga
	err       error
}

func (s *spyPurchaseService) Submit(ctx context.Context, req saga.PurchaseRequested) error {
	s.submitted = append(s.submitted, req)
	return s.err
}

func (s *spyPurchaseService) GetPurchaseState(ctx context.Context, correlationID string) (saga.PurchaseSaga, error) {
	return s.snapshot, s.err
}

func TestSubmitPurchase_Validation(t *testing.T) {
	server := NewPurchaseServer(&spyPurchaseService{}, nil)
	cases := []map[string]any{
		{"userId": "not-a-uuid", "itemId": itemID, "quantity": 1},
		{"userId": userID, "itemId": itemID, "quantity": 0},
		{"userId": userID, "itemId": itemID, "quantity": 101},
		{"userId": userID, "itemId": itemID, "quantity": 1.5},
		{"userId": userID, "itemId": itemID},
		{"userId": userID, "itemId": itemID, "quantity": 1, "correlationId": "abc"},
	}
	for _, fields := range cases {
		_, err := server.SubmitPurchase(context.Background(), submission(t, fields))
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%v: expected InvalidArgument, got %v", fields, err)
		}
	}
}

func TestPurchaseErrors_MapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{saga.ErrSagaNotFound, codes.NotFound},
		{purchase.ErrRetriesExhausted, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("pq: connection refused"), codes.Internal},
	}
	for _, tc := range cases {
		server := NewPurchaseServer(&spyPurchaseService{err: tc.err}, nil)
		_, err := server.GetPurchaseState(context.Background(), wrapperspb.String(corrID))
		if status.Code(err) != tc.code {
			t.Fatalf("%v: expected %v, got %v", tc.err, tc.code, status.Code(err))
		}
	}

	server := NewPurchaseServer(&spyPurchaseService{err: errors.New("secret dsn leaked")}, nil)
	_, err := server.GetPurchaseState(context.Background(), wrapperspb.String(corrID))
	if st, _ := status.FromError(err); st.Message() != "internal error" {
		t.Fatalf("internal detail leaked: %q", st.Message())
	}

	if _, err := server.GetPurchaseState(context.Background(), wrapperspb.String("")); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for empty id, got %v", err)
	}
}
