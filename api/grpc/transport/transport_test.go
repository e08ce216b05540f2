package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/types"
)

func newSerializer(t *testing.T) codec.Serializer {
	t.Helper()
	reg := codec.NewTypes()
	require.NoError(t, reg.Register("cluster_error", &types.Error{}))
	return codec.NewJSON(reg)
}

func startServer(t *testing.T, tr *Transport, s codec.Serializer) rpc.Server {
	t.Helper()
	d := rpc.NewDispatcher(s)
	d.Handle("echo", func(_ context.Context, args []any) (any, error) {
		return args, nil
	})
	d.Handle("busy", func(_ context.Context, _ []any) (any, error) {
		return nil, types.ErrBusy
	})

	srv, err := tr.Listen("127.0.0.1:0", d)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func TestGRPCRoundTrip(t *testing.T) {
	tr := New(nil, nil)
	s := newSerializer(t)
	srv := startServer(t, tr, s)

	pool := rpc.NewPool(tr, s)
	defer pool.Close()
	c, release, err := pool.Acquire(context.Background(), srv.Addr())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := c.Call(ctx, "echo", "a", 1, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 1, []byte{1, 2}}, v)

	_, err = c.Call(ctx, "busy")
	assert.True(t, errors.Is(err, types.ErrBusy))
	assert.False(t, rpc.IsTransportError(err))
}

func TestGRPCUnreachable(t *testing.T) {
	// reserve a port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	tr := New(nil, nil)
	s := newSerializer(t)
	inv, err := tr.Dial(context.Background(), addr)
	require.NoError(t, err)
	c := rpc.NewClient(addr, inv, s)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Call(ctx, "echo")
	require.Error(t, err)
	assert.True(t, rpc.IsTransportError(err))
}
