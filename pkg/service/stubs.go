package service

import (
	"context"

	"yqhp/cluster/pkg/rpc"
	"yqhp/cluster/pkg/types"
)

// MasterClient is the client stub of MasterService.
type MasterClient struct {
	client *rpc.Client
}

// NewMasterClient creates a stub calling through c.
func NewMasterClient(c *rpc.Client) *MasterClient {
	return &MasterClient{client: c}
}

// Submit implements MasterService.
func (m *MasterClient) Submit(ctx context.Context, req SubmitRequest, t any) (any, error) {
	return m.client.Call(ctx, MethodSubmit, req, t)
}

// Register implements MasterService.
func (m *MasterClient) Register(ctx context.Context, info types.WorkerInfo, state types.WorkerState) (RegisterAck, error) {
	return result[RegisterAck](m.client.Call(ctx, MethodRegister, info, state))
}

// PushState implements MasterService.
func (m *MasterClient) PushState(ctx context.Context, workerID string, state types.WorkerState) error {
	_, err := m.client.Call(ctx, MethodPushState, workerID, state)
	return err
}

// Unregister implements MasterService.
func (m *MasterClient) Unregister(ctx context.Context, workerID string) error {
	_, err := m.client.Call(ctx, MethodUnregister, workerID)
	return err
}

// WorkerClient is the client stub of WorkerService.
type WorkerClient struct {
	client *rpc.Client
}

// NewWorkerClient creates a stub calling through c.
func NewWorkerClient(c *rpc.Client) *WorkerClient {
	return &WorkerClient{client: c}
}

// ProcSubTask implements WorkerService.
func (w *WorkerClient) ProcSubTask(ctx context.Context, req SubTaskRequest, sub any) (any, error) {
	return w.client.Call(ctx, MethodProcSubTask, req, sub)
}

// Cancel implements WorkerService.
func (w *WorkerClient) Cancel(ctx context.Context, taskID string) error {
	_, err := w.client.Call(ctx, MethodCancel, taskID)
	return err
}

// Ping implements WorkerService.
func (w *WorkerClient) Ping(ctx context.Context) (string, error) {
	return result[string](w.client.Call(ctx, MethodPing))
}

// BindMaster serves svc on d.
func BindMaster(d *rpc.Dispatcher, svc MasterService) {
	d.Handle(MethodSubmit, func(ctx context.Context, args []any) (any, error) {
		req, err := arg[SubmitRequest](args, 0)
		if err != nil {
			return nil, err
		}
		var t any
		if len(args) > 1 {
			t = args[1]
		}
		return svc.Submit(ctx, req, t)
	})
	d.Handle(MethodRegister, func(ctx context.Context, args []any) (any, error) {
		info, err := arg[types.WorkerInfo](args, 0)
		if err != nil {
			return nil, err
		}
		state, err := arg[types.WorkerState](args, 1)
		if err != nil {
			return nil, err
		}
		return svc.Register(ctx, info, state)
	})
	d.Handle(MethodPushState, func(ctx context.Context, args []any) (any, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		state, err := arg[types.WorkerState](args, 1)
		if err != nil {
			return nil, err
		}
		return nil, svc.PushState(ctx, id, state)
	})
	d.Handle(MethodUnregister, func(ctx context.Context, args []any) (any, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, svc.Unregister(ctx, id)
	})
}

// BindWorker serves svc on d.
func BindWorker(d *rpc.Dispatcher, svc WorkerService) {
	d.Handle(MethodProcSubTask, func(ctx context.Context, args []any) (any, error) {
		req, err := arg[SubTaskRequest](args, 0)
		if err != nil {
			return nil, err
		}
		var sub any
		if len(args) > 1 {
			sub = args[1]
		}
		return svc.ProcSubTask(ctx, req, sub)
	})
	d.Handle(MethodCancel, func(ctx context.Context, args []any) (any, error) {
		id, err := arg[string](args, 0)
		if err != nil {
			return nil, err
		}
		return nil, svc.Cancel(ctx, id)
	})
	d.Handle(MethodPing, func(ctx context.Context, _ []any) (any, error) {
		return svc.Ping(ctx)
	})
}
