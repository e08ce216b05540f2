// Package client dials the generic invoke endpoint over gRPC.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"yqhp/cluster/api/grpc/wire"
)

// Config holds the configuration for the gRPC client.
type Config struct {
	// MaxRecvMsgSize is the maximum message size in bytes the client can receive.
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes the client can send.
	MaxSendMsgSize int

	// KeepaliveTime is the interval between client keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for a keepalive ack.
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRecvMsgSize:   16 * 1024 * 1024, // 16MB
		MaxSendMsgSize:   16 * 1024 * 1024, // 16MB
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 30 * time.Second,
	}
}

// Client is an rpc.Invoker over one gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for address. The connection is established lazily
// on the first call.
func Dial(address string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(wire.Codec{}),
			grpc.MaxCallRecvMsgSize(config.MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(config.MaxSendMsgSize),
		),
	}

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	return &Client{conn: conn}, nil
}

// Invoke implements rpc.Invoker.
func (c *Client) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	resp := new(wire.Frame)
	if err := c.conn.Invoke(ctx, wire.InvokeMethod, &wire.Frame{Method: method, Payload: payload}, resp); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// Close implements rpc.Invoker.
func (c *Client) Close() error {
	return c.conn.Close()
}
