// Package wire defines the gRPC service carrying the generic invoke endpoint.
//
// The service is registered by hand instead of from generated protobuf code:
// a single unary method exchanges Frame values through a raw-bytes codec.
package wire

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the gRPC service name.
	ServiceName = "cluster.rpc.Invoker"
	// InvokeMethod is the full method name of the generic endpoint.
	InvokeMethod = "/" + ServiceName + "/Invoke"
	// CodecName is reported as the gRPC content subtype.
	CodecName = "cluster-frame"
)

// Frame is one request or response. Responses leave Method empty.
type Frame struct {
	Method  string
	Payload []byte
}

// Codec encodes Frames as uvarint(len(method)) | method | payload.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(f.Method)+len(f.Payload))
	buf = binary.AppendUvarint(buf, uint64(len(f.Method)))
	buf = append(buf, f.Method...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
	n, size := binary.Uvarint(data)
	if size <= 0 {
		return errors.New("wire: bad method length")
	}
	data = data[size:]
	if n > uint64(len(data)) {
		return errors.New("wire: truncated frame")
	}
	f.Method = string(data[:n])
	f.Payload = append([]byte(nil), data[n:]...)
	return nil
}

// InvokerServer is implemented by the gRPC server side.
type InvokerServer interface {
	Invoke(ctx context.Context, req *Frame) (*Frame, error)
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InvokerServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InvokeMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InvokerServer).Invoke(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the invoke service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InvokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cluster/rpc/invoker",
}

// RegisterInvokerServer registers srv on s.
func RegisterInvokerServer(s grpc.ServiceRegistrar, srv InvokerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
