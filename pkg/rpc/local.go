package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNoListener is returned when dialing a local address nobody listens on.
var ErrNoListener = errors.New("no listener")

// LocalTransport connects endpoints living in the same process. It backs the
// single-process deployment mode and in-process cluster tests.
type LocalTransport struct {
	mu        sync.RWMutex
	endpoints map[string]*localServer
	seq       atomic.Int64
}

// NewLocalTransport creates an empty in-process network.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{endpoints: make(map[string]*localServer)}
}

// Name implements Transport.
func (t *LocalTransport) Name() string { return "local" }

// Dial implements Transport. The connection is resolved per call so a
// listener that goes away makes later calls fail like a dropped socket.
func (t *LocalTransport) Dial(_ context.Context, addr string) (Invoker, error) {
	if t.lookup(addr) == nil {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrNoListener)
	}
	return &localInvoker{transport: t, addr: addr}, nil
}

// Listen implements Transport. An empty address or one ending in ":0" gets a
// generated unique address.
func (t *LocalTransport) Listen(addr string, endpoint Endpoint) (Server, error) {
	if addr == "" || addr == ":0" {
		addr = fmt.Sprintf("local-%d", t.seq.Add(1))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.endpoints[addr]; ok {
		return nil, fmt.Errorf("listen %s: address in use", addr)
	}
	s := &localServer{transport: t, addr: addr, endpoint: endpoint, done: make(chan struct{})}
	t.endpoints[addr] = s
	return s, nil
}

func (t *LocalTransport) lookup(addr string) *localServer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoints[addr]
}

type localInvoker struct {
	transport *LocalTransport
	addr      string
	closed    atomic.Bool
}

func (i *localInvoker) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if i.closed.Load() {
		return nil, errors.New("invoker closed")
	}
	s := i.transport.lookup(i.addr)
	if s == nil {
		return nil, fmt.Errorf("call %s: %w", i.addr, ErrNoListener)
	}

	type reply struct{ data []byte }
	ch := make(chan reply, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch <- reply{data: s.endpoint.Invoke(ctx, method, append([]byte(nil), payload...))}
	}()

	select {
	case r := <-ch:
		return r.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (i *localInvoker) Close() error {
	i.closed.Store(true)
	return nil
}

type localServer struct {
	transport *LocalTransport
	addr      string
	endpoint  Endpoint
	wg        sync.WaitGroup
	done      chan struct{}
	once      sync.Once
}

func (s *localServer) Addr() string { return s.addr }

func (s *localServer) Serve() error {
	<-s.done
	return nil
}

func (s *localServer) Shutdown(ctx context.Context) error {
	s.once.Do(func() {
		s.transport.mu.Lock()
		if s.transport.endpoints[s.addr] == s {
			delete(s.transport.endpoints, s.addr)
		}
		s.transport.mu.Unlock()
		close(s.done)
	})

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
