package rpc

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/logger"
)

// Client performs calls over an Invoker. Typed stubs are built on Call.
type Client struct {
	addr       string
	invoker    Invoker
	serializer codec.Serializer
	resolver   codec.Resolver
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientResolver sets the type-resolution hook used when decoding results.
func WithClientResolver(r codec.Resolver) ClientOption {
	return func(c *Client) { c.resolver = r }
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps inv. addr is used for error reporting only.
func NewClient(addr string, inv Invoker, s codec.Serializer, opts ...ClientOption) *Client {
	c := &Client{
		addr:       addr,
		invoker:    inv,
		serializer: s,
		logger:     logger.Named("rpc.client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the remote address.
func (c *Client) Addr() string {
	return c.addr
}

// Call invokes method with args. A remote error is returned as the call's
// error; failing to reach the remote yields a *TransportError.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	if args == nil {
		args = []any{}
	}
	payload, err := c.serializer.Marshal(args)
	if err != nil {
		return nil, err
	}

	resp, err := c.invoker.Invoke(ctx, method, payload)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Addr: c.addr, Method: method, Cause: err}
	}

	v, err := c.serializer.Unmarshal(resp, c.resolver)
	if err != nil {
		c.logger.Error("decode response failed",
			zap.String("addr", c.addr),
			zap.String("method", method),
			zap.String("payload", base64.StdEncoding.EncodeToString(resp)),
			zap.Error(err),
		)
		return nil, err
	}
	if remoteErr, ok := v.(error); ok {
		return nil, remoteErr
	}
	return v, nil
}

// Close closes the underlying invoker.
func (c *Client) Close() error {
	return c.invoker.Close()
}
