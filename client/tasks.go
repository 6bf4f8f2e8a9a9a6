package client

import (
	"context"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/task"
)

// TaskSupport returns the task capability the server advertised at
// handshake. ok is false when the server does not serve tasks.
func (c *Client) TaskSupport(ctx context.Context) (tc protocol.TaskCapability, ok bool, err error) {
	err = c.do(ctx, func(conn *connection.Connection) error {
		tc, ok = conn.PeerCapabilities().Tasks()
		return nil
	})
	return tc, ok, err
}

// CallTask sends a request served as a task and returns the task's
// initial state.
func (c *Client) CallTask(ctx context.Context, method string, params any) (protocol.TaskInfo, error) {
	var ref protocol.TaskRef
	if err := c.Call(ctx, method, params, &ref); err != nil {
		return protocol.TaskInfo{}, err
	}
	return ref.Task, nil
}

// GetTask fetches a task's current state.
func (c *Client) GetTask(ctx context.Context, id string) (protocol.TaskInfo, error) {
	var ref protocol.TaskRef
	err := c.Call(ctx, protocol.MethodTasksGet, protocol.TaskParams{TaskID: id}, &ref)
	return ref.Task, err
}

// ListTasks fetches every task the server retains.
func (c *Client) ListTasks(ctx context.Context) ([]protocol.TaskInfo, error) {
	var out protocol.ListTasksResult
	if err := c.Call(ctx, protocol.MethodTasksList, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// CancelTask asks the server to cancel a task. Cancellation is advisory:
// the returned state may still be running.
func (c *Client) CancelTask(ctx context.Context, id string) (protocol.TaskInfo, error) {
	var ref protocol.TaskRef
	err := c.Call(ctx, protocol.MethodTasksCancel, protocol.TaskParams{TaskID: id}, &ref)
	return ref.Task, err
}

// AwaitTask waits until the task is terminal. It re-checks whenever a task
// status notification arrives and otherwise polls.
func (c *Client) AwaitTask(ctx context.Context, id string) (protocol.TaskInfo, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		sig := c.statusSignal()
		info, err := c.GetTask(ctx, id)
		if err != nil {
			return info, err
		}
		if task.Status(info.Status).Terminal() {
			return info, nil
		}
		select {
		case <-sig:
		case <-ticker.C:
		case <-ctx.Done():
			return info, ctx.Err()
		}
	}
}
