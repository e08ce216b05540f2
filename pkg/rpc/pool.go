package rpc

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/logger"
)

// Pool shares one connection per remote address between holders. A
// connection is closed when its last holder releases it.
type Pool struct {
	transport  Transport
	serializer codec.Serializer
	opts       []ClientOption
	logger     *zap.Logger

	mu     sync.Mutex
	conns  map[string]*pooledConn
	closed bool
}

type pooledConn struct {
	client *Client
	refs   int
}

// NewPool creates a pool dialing through t.
func NewPool(t Transport, s codec.Serializer, opts ...ClientOption) *Pool {
	return &Pool{
		transport:  t,
		serializer: s,
		opts:       opts,
		logger:     logger.Named("rpc.pool"),
		conns:      make(map[string]*pooledConn),
	}
}

// Transport returns the pool's transport.
func (p *Pool) Transport() Transport {
	return p.transport
}

// Acquire returns the shared client for addr, dialing when needed. The
// returned release func must be called exactly once.
func (p *Pool) Acquire(ctx context.Context, addr string) (*Client, func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, &TransportError{Addr: addr, Cause: errPoolClosed}
	}
	if pc, ok := p.conns[addr]; ok {
		pc.refs++
		return pc.client, p.releaser(addr, pc), nil
	}

	inv, err := p.transport.Dial(ctx, addr)
	if err != nil {
		return nil, nil, &TransportError{Addr: addr, Cause: err}
	}
	pc := &pooledConn{client: NewClient(addr, inv, p.serializer, p.opts...), refs: 1}
	p.conns[addr] = pc
	p.logger.Debug("connection opened", zap.String("addr", addr), zap.String("transport", p.transport.Name()))
	return pc.client, p.releaser(addr, pc), nil
}

func (p *Pool) releaser(addr string, pc *pooledConn) func() error {
	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			p.mu.Lock()
			pc.refs--
			last := pc.refs == 0 && p.conns[addr] == pc
			if last {
				delete(p.conns, addr)
			}
			p.mu.Unlock()
			if last {
				p.logger.Debug("connection closed", zap.String("addr", addr))
				err = pc.client.Close()
			}
		})
		return err
	}
}

// Size returns the number of open connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection regardless of holders.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.closed = true
	p.mu.Unlock()

	var result *multierror.Error
	for _, pc := range conns {
		if err := pc.client.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Handle couples a typed proxy with the pooled connection it uses.
type Handle[T any] struct {
	Proxy   T
	release func() error
}

// Open acquires a connection to addr and builds the proxy with newProxy.
func Open[T any](ctx context.Context, p *Pool, addr string, newProxy func(*Client) T) (*Handle[T], error) {
	client, release, err := p.Acquire(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Handle[T]{Proxy: newProxy(client), release: release}, nil
}

// Close releases the proxy's connection. Calling Close more than once is safe.
func (h *Handle[T]) Close() error {
	return h.release()
}
