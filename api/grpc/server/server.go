// Package server serves the generic invoke endpoint over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"yqhp/cluster/api/grpc/wire"
	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/rpc"
)

// Config holds the configuration for the gRPC server.
type Config struct {
	// MaxRecvMsgSize is the maximum message size in bytes the server can receive.
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes the server can send.
	MaxSendMsgSize int

	// KeepaliveTime is the interval between server keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for a keepalive ack.
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRecvMsgSize:   16 * 1024 * 1024, // 16MB
		MaxSendMsgSize:   16 * 1024 * 1024, // 16MB
		KeepaliveTime:    5 * time.Second,
		KeepaliveTimeout: 30 * time.Second,
	}
}

// Server adapts an rpc.Endpoint to the gRPC invoke service.
type Server struct {
	config     *Config
	endpoint   rpc.Endpoint
	listener   net.Listener
	grpcServer *grpc.Server
	logger     *zap.Logger
}

// Listen binds address and prepares a server for endpoint. Call Serve to
// start accepting calls.
func Listen(address string, endpoint rpc.Endpoint, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             config.KeepaliveTime / 2,
			PermitWithoutStream: true,
		}),
	}

	s := &Server{
		config:     config,
		endpoint:   endpoint,
		listener:   listener,
		grpcServer: grpc.NewServer(opts...),
		logger:     logger.Named("grpc.server"),
	}
	wire.RegisterInvokerServer(s.grpcServer, s)
	return s, nil
}

// Addr implements rpc.Server.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve implements rpc.Server.
func (s *Server) Serve() error {
	s.logger.Info("grpc server listening", zap.String("addr", s.Addr()))
	if err := s.grpcServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown implements rpc.Server. Graceful stop is bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpcServer.Stop()
		return ctx.Err()
	}
}

// Invoke implements wire.InvokerServer.
func (s *Server) Invoke(ctx context.Context, req *wire.Frame) (*wire.Frame, error) {
	if req == nil || req.Method == "" {
		return nil, status.Error(codes.InvalidArgument, "method cannot be empty")
	}
	return &wire.Frame{Payload: s.endpoint.Invoke(ctx, req.Method, req.Payload)}, nil
}
