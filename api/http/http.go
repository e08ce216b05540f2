// Package http 通过 fasthttp 提供通用 invoke 端点：POST /rpc/invoke/{method}。
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/rpc"
)

const (
	// Name 配置中使用的传输名称
	Name = "http"

	invokePrefix  = "/rpc/invoke/"
	timeoutHeader = "X-Cluster-Timeout-Ms"
	contentType   = "application/octet-stream"
)

// Config fasthttp 传输配置
type Config struct {
	MaxConnsPerHost     int
	MaxIdleConnDuration time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodySize  int
	// CallTimeout 调用方未设置 deadline 时使用的超时
	CallTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnsPerHost:     512,
		MaxIdleConnDuration: 90 * time.Second,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        60 * time.Second,
		MaxRequestBodySize:  16 * 1024 * 1024,
		CallTimeout:         60 * time.Second,
	}
}

// Transport 基于 fasthttp 的 rpc.Transport 实现
type Transport struct {
	config *Config
}

// New 创建 HTTP 传输，config 为 nil 时使用默认配置
func New(config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	return &Transport{config: config}
}

// Name implements rpc.Transport.
func (t *Transport) Name() string { return Name }

// Dial implements rpc.Transport. 连接在首次调用时建立，由 HostClient 池化。
func (t *Transport) Dial(_ context.Context, addr string) (rpc.Invoker, error) {
	if addr == "" {
		return nil, errors.New("empty address")
	}
	return &invoker{
		config: t.config,
		client: &fasthttp.HostClient{
			Addr:                addr,
			MaxConns:            t.config.MaxConnsPerHost,
			MaxIdleConnDuration: t.config.MaxIdleConnDuration,
			ReadTimeout:         t.config.ReadTimeout,
			WriteTimeout:        t.config.WriteTimeout,
		},
	}, nil
}

// Listen implements rpc.Transport.
func (t *Transport) Listen(addr string, endpoint rpc.Endpoint) (rpc.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := &server{
		listener: ln,
		endpoint: endpoint,
		logger:   logger.Named("http.server"),
	}
	s.server = &fasthttp.Server{
		Handler:            s.handle,
		Name:               "cluster-rpc",
		ReadTimeout:        t.config.ReadTimeout,
		WriteTimeout:       t.config.WriteTimeout,
		MaxRequestBodySize: t.config.MaxRequestBodySize,
	}
	return s, nil
}

type invoker struct {
	config *Config
	client *fasthttp.HostClient
}

type invokeResult struct {
	body []byte
	err  error
}

// Invoke implements rpc.Invoker.
// fasthttp 不支持通过 context 中断请求，这里在独立 goroutine 中执行，ctx 结束时直接返回。
func (i *invoker) Invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(i.config.CallTimeout)
	}

	ch := make(chan invokeResult, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI("http://" + i.client.Addr + invokePrefix + method)
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.SetContentType(contentType)
		req.Header.Set(timeoutHeader, strconv.FormatInt(time.Until(deadline).Milliseconds(), 10))
		req.SetBody(payload)

		if err := i.client.DoDeadline(req, resp, deadline); err != nil {
			ch <- invokeResult{err: err}
			return
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			ch <- invokeResult{err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), bytes.TrimSpace(resp.Body()))}
			return
		}
		ch <- invokeResult{body: append([]byte(nil), resp.Body()...)}
	}()

	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements rpc.Invoker.
func (i *invoker) Close() error {
	i.client.CloseIdleConnections()
	return nil
}

type server struct {
	listener net.Listener
	server   *fasthttp.Server
	endpoint rpc.Endpoint
	logger   *zap.Logger
}

func (s *server) Addr() string {
	return s.listener.Addr().String()
}

func (s *server) Serve() error {
	s.logger.Info("http rpc server listening", zap.String("addr", s.Addr()))
	return s.server.Serve(s.listener)
}

func (s *server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

func (s *server) handle(rc *fasthttp.RequestCtx) {
	path := string(rc.Path())
	if !rc.IsPost() || len(path) <= len(invokePrefix) || path[:len(invokePrefix)] != invokePrefix {
		rc.Error("not found", fasthttp.StatusNotFound)
		return
	}
	method := path[len(invokePrefix):]

	// 调用方的剩余超时通过请求头传递，服务端据此派生 context
	ctx := context.Background()
	if ms, err := strconv.ParseInt(string(rc.Request.Header.Peek(timeoutHeader)), 10, 64); err == nil && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	out := s.endpoint.Invoke(ctx, method, append([]byte(nil), rc.PostBody()...))
	rc.SetContentType(contentType)
	rc.SetBody(out)
}
