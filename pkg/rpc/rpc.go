// Package rpc makes a local service callable over the network through one
// generic endpoint: Invoke(method, payload) -> payload.
//
// A server exposes a Dispatcher, an explicit table of method handlers built at
// startup. A client wraps an Invoker with a Client whose Call serializes the
// arguments, round-trips them and turns a serialized error payload back into
// the returned error, so remote and local failures look the same to callers.
//
// The wire binding is pluggable through Transport. See api/grpc and api/http.
package rpc

import (
	"context"
	"errors"
	"fmt"
)

// Invoker is the client side of the generic endpoint.
type Invoker interface {
	Invoke(ctx context.Context, method string, payload []byte) ([]byte, error)
	Close() error
}

// Endpoint is the server side of the generic endpoint. It never fails: any
// error is serialized into the returned payload.
type Endpoint interface {
	Invoke(ctx context.Context, method string, payload []byte) []byte
}

// Server is a listening transport server.
type Server interface {
	// Addr returns the bound address, useful when listening on port 0.
	Addr() string
	// Serve blocks until the server stops.
	Serve() error
	// Shutdown stops accepting calls and waits for in-flight calls or ctx.
	Shutdown(ctx context.Context) error
}

// Transport builds clients and servers for one wire binding.
type Transport interface {
	Name() string
	Dial(ctx context.Context, addr string) (Invoker, error)
	Listen(addr string, endpoint Endpoint) (Server, error)
}

var errPoolClosed = errors.New("pool closed")

// TransportError reports a failure to reach the remote endpoint.
type TransportError struct {
	Addr   string
	Method string
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc: transport %s: %v", e.Addr, e.Cause)
	}
	return fmt.Sprintf("rpc: transport %s %s: %v", e.Addr, e.Method, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
