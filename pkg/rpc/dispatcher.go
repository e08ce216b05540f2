package rpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"

	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/logger"
)

// HandlerFunc serves one method. args are the decoded call arguments.
type HandlerFunc func(ctx context.Context, args []any) (any, error)

// Dispatcher maps method names to handlers and implements Endpoint.
type Dispatcher struct {
	serializer codec.Serializer
	resolver   codec.Resolver
	logger     *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResolver sets the type-resolution hook used when decoding arguments.
func WithResolver(r codec.Resolver) DispatcherOption {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithDispatcherLogger overrides the dispatcher's logger.
func WithDispatcherLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(s codec.Serializer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		serializer: s,
		logger:     logger.Named("rpc.server"),
		handlers:   make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers fn for method, replacing any earlier registration.
func (d *Dispatcher) Handle(method string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = fn
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke implements Endpoint.
func (d *Dispatcher) Invoke(ctx context.Context, method string, payload []byte) []byte {
	result, err := d.call(ctx, method, payload)
	if err != nil {
		return d.encode(method, err)
	}
	return d.encode(method, result)
}

func (d *Dispatcher) call(ctx context.Context, method string, payload []byte) (result any, err error) {
	d.mu.RLock()
	fn, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("rpc: unknown method %q", method)
	}

	decoded, err := d.serializer.Unmarshal(payload, d.resolver)
	if err != nil {
		d.logger.Error("decode arguments failed",
			zap.String("method", method),
			zap.String("payload", base64.StdEncoding.EncodeToString(payload)),
			zap.Error(err),
		)
		return nil, err
	}
	args, ok := decoded.([]any)
	if !ok && decoded != nil {
		return nil, fmt.Errorf("rpc: %s: arguments must be a list, got %T", method, decoded)
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic recovered",
				zap.String("method", method),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("rpc: %s panicked: %v", method, r)
		}
	}()
	return fn(ctx, args)
}

func (d *Dispatcher) encode(method string, v any) []byte {
	data, err := d.serializer.Marshal(v)
	if err == nil {
		return data
	}
	d.logger.Error("encode result failed", zap.String("method", method), zap.Error(err))
	data, err = d.serializer.Marshal(err)
	if err != nil {
		d.logger.Error("encode error failed", zap.String("method", method), zap.Error(err))
		return []byte("{}")
	}
	return data
}
