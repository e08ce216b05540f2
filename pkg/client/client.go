// Package client is the client-side entry point of the cluster. It submits
// tasks to a master and wraps the built-in control tasks in typed helpers.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/cluster/internal/control"
	"yqhp/cluster/internal/filesync"
	"yqhp/cluster/pkg/codec"
	"yqhp/cluster/pkg/logger"
	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/service"
	"yqhp/cluster/pkg/task"
	"yqhp/cluster/pkg/types"
)

// NewTypes returns a type registry holding the service and control value
// types. Callers add their own task types before building a serializer.
func NewTypes() (*codec.Types, error) {
	t := codec.NewTypes()
	if err := service.RegisterTypes(t); err != nil {
		return nil, err
	}
	if err := control.RegisterTypes(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Client talks to one master.
type Client struct {
	master *rpc.Handle[*service.MasterClient]
	logger *zap.Logger
}

// New connects to the master at addr through pool.
func New(ctx context.Context, pool *rpc.Pool, addr string) (*Client, error) {
	h, err := rpc.Open(ctx, pool, addr, service.NewMasterClient)
	if err != nil {
		return nil, err
	}
	return &Client{master: h, logger: logger.Named("client")}, nil
}

// SubmitOption adjusts a submission.
type SubmitOption func(*service.SubmitRequest)

// WithTaskID sets the task id instead of generating one.
func WithTaskID(id string) SubmitOption {
	return func(r *service.SubmitRequest) { r.TaskID = id }
}

// WithTimeout sets the overall task deadline.
func WithTimeout(d time.Duration) SubmitOption {
	return func(r *service.SubmitRequest) { r.Timeout = d }
}

// WithSubTaskTimeout sets the soft deadline of every subtask.
func WithSubTaskTimeout(d time.Duration) SubmitOption {
	return func(r *service.SubmitRequest) { r.SubTaskTimeout = d }
}

func newRequest(taskType string, opts []SubmitOption) service.SubmitRequest {
	req := service.SubmitRequest{TaskType: taskType}
	for _, opt := range opts {
		opt(&req)
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}
	return req
}

// Submit runs a task and waits for its joined result.
func (c *Client) Submit(ctx context.Context, taskType string, t any, opts ...SubmitOption) (any, error) {
	req := newRequest(taskType, opts)
	c.logger.Debug("submit", zap.String("task_id", req.TaskID), zap.String("task_type", taskType))
	return c.master.Proxy.Submit(ctx, req, t)
}

// Call is a task submitted with Go.
type Call struct {
	// ID is the task id, usable with Cancel while the call is running.
	ID     string
	Result any
	Err    error
	Done   chan struct{}
}

// Go submits a task without waiting. The returned call's Done channel is
// closed once Result and Err are set.
func (c *Client) Go(ctx context.Context, taskType string, t any, opts ...SubmitOption) *Call {
	req := newRequest(taskType, opts)
	call := &Call{ID: req.TaskID, Done: make(chan struct{})}
	logger.SafeGo("client.submit", func() {
		defer close(call.Done)
		call.Result, call.Err = c.master.Proxy.Submit(ctx, req, t)
	})
	return call
}

// Cancel cancels an in-flight task.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	_, err := c.Submit(ctx, control.TypeCancel, control.CancelRequest{TaskID: taskID})
	return err
}

// WorkerStates returns the registered workers and their last reported state.
func (c *Client) WorkerStates(ctx context.Context) (types.WorkerStates, error) {
	return submitAs[types.WorkerStates](ctx, c, control.TypeStates, control.WorkerStatesRequest{})
}

// FilesInfo reports the master's files and each worker's fingerprint.
func (c *Client) FilesInfo(ctx context.Context) (control.FilesStatus, error) {
	return submitAs[control.FilesStatus](ctx, c, control.TypeFileInfo, control.FilesInfoRequest{})
}

// PutFile adds or replaces a file on the master and every worker.
func (c *Client) PutFile(ctx context.Context, kind types.FileKind, name string, data []byte) (control.FileUpdateReport, error) {
	return c.updateFile(ctx, filesync.Update{Kind: kind, Op: types.FileOpPut, Name: name, Data: data})
}

// RemoveFile deletes a file on the master and every worker.
func (c *Client) RemoveFile(ctx context.Context, kind types.FileKind, name string) (control.FileUpdateReport, error) {
	return c.updateFile(ctx, filesync.Update{Kind: kind, Op: types.FileOpRemove, Name: name})
}

func (c *Client) updateFile(ctx context.Context, u filesync.Update) (control.FileUpdateReport, error) {
	if err := u.Validate(); err != nil {
		return control.FileUpdateReport{}, err
	}
	return submitAs[control.FileUpdateReport](ctx, c, control.TypeFiles, u)
}

// Close releases the master connection.
func (c *Client) Close() error {
	return c.master.Close()
}

func submitAs[T any](ctx context.Context, c *Client, taskType string, t any) (T, error) {
	v, err := c.Submit(ctx, taskType, t)
	if err != nil {
		var zero T
		return zero, err
	}
	out, err := task.As[T](v)
	if err != nil {
		return out, fmt.Errorf("unexpected %s result: %w", taskType, err)
	}
	return out, nil
}
