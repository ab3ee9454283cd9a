package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "trading.v1.PurchaseService"

const (
	submitPurchaseMethod   = "/" + ServiceName + "/SubmitPurchase"
	getPurchaseStateMethod = "/" + ServiceName + "/GetPurchaseState"
)

// PurchaseServiceServer is the server API for trading.v1.PurchaseService.
// Messages are well-known protobuf types so no generated code is required.
type PurchaseServiceServer interface {
	SubmitPurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetPurchaseState(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

// PurchaseServiceDesc describes trading.v1.PurchaseService for grpc.Server.RegisterService.
var PurchaseServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "SubmitPurchase", Handler: submitPurchaseHandler},
		{MethodName: "GetPurchaseState", Handler: getPurchaseStateHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "trading/v1/purchase.proto",
}

// RegisterPurchaseServiceServer registers srv on s.
func RegisterPurchaseServiceServer(s grpcpkg.ServiceRegistrar, srv PurchaseServiceServer) {
	s.RegisterService(&PurchaseServiceDesc, srv)
}

func submitPurchaseHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PurchaseServiceServer).SubmitPurchase(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: submitPurchaseMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PurchaseServiceServer).SubmitPurchase(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getPurchaseStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PurchaseServiceServer).GetPurchaseState(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: getPurchaseStateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PurchaseServiceServer).GetPurchaseState(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// PurchaseServiceClient calls trading.v1.PurchaseService.
type PurchaseServiceClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewPurchaseServiceClient constructs a client over cc.
func NewPurchaseServiceClient(cc grpcpkg.ClientConnInterface) *PurchaseServiceClient {
	return &PurchaseServiceClient{cc: cc}
}

func (c *PurchaseServiceClient) SubmitPurchase(ctx context.Context, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitPurchaseMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PurchaseServiceClient) GetPurchaseState(ctx context.Context, in *wrapperspb.StringValue, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getPurchaseStateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
