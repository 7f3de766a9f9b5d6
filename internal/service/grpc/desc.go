package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName: полное имя gRPC-сервиса заказов.
const ServiceName = "bakery.v1.OrderService"

// Полные имена методов.
const (
	MethodCreateOrder       = "/" + ServiceName + "/CreateOrder"
	MethodUpdateOrder       = "/" + ServiceName + "/UpdateOrder"
	MethodUpdateOrderStatus = "/" + ServiceName + "/UpdateOrderStatus"
	MethodDeleteOrder       = "/" + ServiceName + "/DeleteOrder"
	MethodListOrders        = "/" + ServiceName + "/ListOrders"
	MethodWatchOrders       = "/" + ServiceName + "/WatchOrders"
	MethodGetOrderHistory   = "/" + ServiceName + "/GetOrderHistory"
)

// OrderServiceServer: серверная сторона bakery.v1.OrderService.
// Сообщения передаются как google.protobuf.Struct, поля описаны в convert.go.
type OrderServiceServer interface {
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateOrder(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	UpdateOrderStatus(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteOrder(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListOrders(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchOrders(*structpb.Struct, OrderService_WatchOrdersServer) error
	GetOrderHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// OrderService_WatchOrdersServer — поток снимков от сервера к клиенту.
type OrderService_WatchOrdersServer interface { //nolint:revive // имя повторяет protoc-gen-go-grpc
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// RegisterOrderServiceServer регистрирует реализацию на gRPC-сервере.
func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// OrderServiceDesc описывает сервис вручную, без сгенерированного кода.
var OrderServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler(MethodCreateOrder, OrderServiceServer.CreateOrder)},
		{MethodName: "UpdateOrder", Handler: unaryHandler(MethodUpdateOrder, OrderServiceServer.UpdateOrder)},
		{MethodName: "UpdateOrderStatus", Handler: unaryHandler(MethodUpdateOrderStatus, OrderServiceServer.UpdateOrderStatus)},
		{MethodName: "DeleteOrder", Handler: unaryHandler(MethodDeleteOrder, OrderServiceServer.DeleteOrder)},
		{MethodName: "ListOrders", Handler: unaryHandler(MethodListOrders, OrderServiceServer.ListOrders)},
		{MethodName: "GetOrderHistory", Handler: unaryHandler(MethodGetOrderHistory, OrderServiceServer.GetOrderHistory)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchOrders",
			Handler:       watchOrdersHandler,
			ServerStreams: true,
		},
	},
	Metadata: "bakery/v1/order_service.proto",
}

func unaryHandler[Resp any](
	fullMethod string,
	call func(OrderServiceServer, context.Context, *structpb.Struct) (Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchOrdersHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OrderServiceServer).WatchOrders(in, &watchOrdersServer{stream})
}

type watchOrdersServer struct {
	grpc.ServerStream
}

func (x *watchOrdersServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// OrderServiceClient — клиент bakery.v1.OrderService.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewOrderServiceClient создаёт клиента поверх соединения.
func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) CreateOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodCreateOrder, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) UpdateOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, MethodUpdateOrder, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) UpdateOrderStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, MethodUpdateOrderStatus, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) DeleteOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, MethodDeleteOrder, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) ListOrders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodListOrders, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) GetOrderHistory(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodGetOrderHistory, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchOrdersClient читает снимки из потока WatchOrders.
type WatchOrdersClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// WatchOrders открывает поток снимков по запросу.
func (c *OrderServiceClient) WatchOrders(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (WatchOrdersClient, error) {
	stream, err := c.cc.NewStream(ctx, &OrderServiceDesc.Streams[0], MethodWatchOrders, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchOrdersClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watchOrdersClient struct {
	grpc.ClientStream
}

func (x *watchOrdersClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
