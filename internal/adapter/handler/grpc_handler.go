package handler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/core/service"
	"github.com/rl1809/allocation-service/internal/port"
)

const AllocationServiceName = "allocation.v1.AllocationService"

// AllocationServer speaks google.protobuf.Struct both ways, so the service
// needs no generated stubs. Allocate takes {orderid, sku, qty} and answers
// {batchref}; AddBatch takes {ref, sku, qty, eta}.
type AllocationServer interface {
	Allocate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	AddBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: AllocationServiceName,
	HandlerType: (*AllocationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Allocate", Handler: unaryHandler("Allocate", AllocationServer.Allocate)},
		{MethodName: "AddBatch", Handler: unaryHandler("AddBatch", AllocationServer.AddBatch)},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterAllocationServer(s grpc.ServiceRegistrar, srv AllocationServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

func unaryHandler(method string, call func(AllocationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + AllocationServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AllocationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(AllocationServer), ctx, req.(*structpb.Struct))
		})
	}
}

type GRPCHandler struct {
	bus    Dispatcher
	retry  RetryPolicy
	logger *zap.Logger
}

func NewGRPCHandler(bus Dispatcher, retry RetryPolicy, logger *zap.Logger) *GRPCHandler {
	return &GRPCHandler{bus: bus, retry: retry, logger: logger}
}

func (h *GRPCHandler) Allocate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	qty, err := intField(fields, "qty")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cmd := domain.AllocateOrderLine{
		OrderID: fields["orderid"].GetStringValue(),
		SKU:     fields["sku"].GetStringValue(),
		Qty:     qty,
	}
	if cmd.OrderID == "" || cmd.SKU == "" || cmd.Qty <= 0 {
		return nil, status.Error(codes.InvalidArgument, "orderid, sku and a positive qty are required")
	}

	result, err := dispatch(ctx, h.bus, h.retry, cmd)
	if err != nil {
		return nil, h.toStatus(err)
	}

	batchRef, _ := result.(string)
	return structpb.NewStruct(map[string]any{"batchref": batchRef})
}

func (h *GRPCHandler) AddBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	qty, err := intField(fields, "qty")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cmd := domain.CreateBatch{
		Reference: fields["ref"].GetStringValue(),
		SKU:       fields["sku"].GetStringValue(),
		Qty:       qty,
	}
	if cmd.Reference == "" || cmd.SKU == "" || cmd.Qty < 0 {
		return nil, status.Error(codes.InvalidArgument, "ref, sku and qty are required")
	}

	if v, ok := fields["eta"]; ok {
		switch kind := v.GetKind().(type) {
		case *structpb.Value_NullValue:
		case *structpb.Value_StringValue:
			eta, err := parseETA(&kind.StringValue)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			cmd.ETA = eta
		default:
			return nil, status.Error(codes.InvalidArgument, "eta must be a date string or null")
		}
	}

	if _, err := dispatch(ctx, h.bus, h.retry, cmd); err != nil {
		return nil, h.toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"status": "OK"})
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidSKU),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrSKUMismatch),
		errors.Is(err, domain.ErrDuplicateBatch):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrOutOfStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, port.ErrConcurrencyConflict):
		return status.Error(codes.Aborted, err.Error())
	default:
		h.logger.Error("rpc failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

// intField reads a whole number. A missing field reads as 0.
func intField(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	n := num.NumberValue
	if n != math.Trunc(n) || math.Abs(n) > math.MaxInt32 {
		return 0, fmt.Errorf("%s must be a whole number, got %v", name, n)
	}
	return int(n), nil
}

// AllocationClient calls AllocationServer over a client connection.
type AllocationClient struct {
	cc grpc.ClientConnInterface
}

func NewAllocationClient(cc grpc.ClientConnInterface) *AllocationClient {
	return &AllocationClient{cc: cc}
}

func (c *AllocationClient) Allocate(ctx context.Context, orderID, sku string, qty int) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"orderid": orderID, "sku": sku, "qty": qty})
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+AllocationServiceName+"/Allocate", req, out); err != nil {
		return "", err
	}
	return out.GetFields()["batchref"].GetStringValue(), nil
}

// AddBatch sends eta as a date; nil means warehouse stock.
func (c *AllocationClient) AddBatch(ctx context.Context, ref, sku string, qty int, eta *string) error {
	fields := map[string]any{"ref": ref, "sku": sku, "qty": qty, "eta": nil}
	if eta != nil {
		fields["eta"] = *eta
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.cc.Invoke(ctx, "/"+AllocationServiceName+"/AddBatch", req, new(structpb.Struct))
}
