// Package transport binds the gRPC client and server into an rpc.Transport.
package transport

import (
	"context"

	"yqhp/cluster/api/grpc/client"
	"yqhp/cluster/api/grpc/server"
	"yqhp/cluster/pkg/rpc"
)

// Name is the transport name used in configuration.
const Name = "grpc"

// Transport implements rpc.Transport over gRPC.
type Transport struct {
	ClientConfig *client.Config
	ServerConfig *server.Config
}

// New creates a gRPC transport. Nil configs use the package defaults.
func New(clientConfig *client.Config, serverConfig *server.Config) *Transport {
	return &Transport{ClientConfig: clientConfig, ServerConfig: serverConfig}
}

// Name implements rpc.Transport.
func (t *Transport) Name() string { return Name }

// Dial implements rpc.Transport.
func (t *Transport) Dial(_ context.Context, addr string) (rpc.Invoker, error) {
	return client.Dial(addr, t.ClientConfig)
}

// Listen implements rpc.Transport.
func (t *Transport) Listen(addr string, endpoint rpc.Endpoint) (rpc.Server, error) {
	return server.Listen(addr, endpoint, t.ServerConfig)
}
