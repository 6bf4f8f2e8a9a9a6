package server

import (
	"context"
	"errors"

	"github.com/praxiomlabs/mcpkit-sub001/auth"
	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/task"
)

func (s *Server) startTask(req *Request, fn TaskFunc) (any, error) {
	principal, hasPrincipal := req.Principal()
	t, err := s.tasks.Run(req.Conn.ID(), func(ctx context.Context, r *task.Reporter) (any, error) {
		if hasPrincipal {
			ctx = auth.ContextWithPrincipal(ctx, principal)
		}
		return fn(ctx, req, r)
	})
	if err != nil {
		return nil, protocol.InternalError(err)
	}
	s.logger.Debug("task started", "task", t.ID, "method", req.Method(), "conn", req.Conn.ID())
	return protocol.TaskRef{Task: t.Info()}, nil
}

// publishTask tells the owning connection about a task change: progress
// while running, status on every other transition.
func (s *Server) publishTask(t task.Task) {
	if t.Status == task.StatusCreated {
		return
	}
	conn, ok := s.conns.Load(t.Owner)
	if !ok || conn.State() != connection.Ready {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()

	var err error
	if t.Status == task.StatusRunning && (t.Progress > 0 || t.Message != "") {
		err = conn.Notify(ctx, protocol.MethodProgress, protocol.ProgressParams{
			ProgressToken: protocol.StringID(t.ID),
			Progress:      t.Progress,
			Total:         t.Total,
			Message:       t.Message,
		})
	} else {
		err = conn.Notify(ctx, protocol.MethodTaskStatus, t.Info())
	}
	if err != nil {
		s.logger.Debug("failed to publish task update", "task", t.ID, "conn", t.Owner, "err", err)
	}
}

func taskParams(req *Request) (string, error) {
	var p protocol.TaskParams
	if err := req.Bind(&p); err != nil {
		return "", err
	}
	if p.TaskID == "" {
		return "", protocol.InvalidParams("taskId is required")
	}
	return p.TaskID, nil
}

func taskError(err error) error {
	if errors.Is(err, task.ErrNotFound) {
		return protocol.NewRequestError(protocol.CodeTaskNotFound, err.Error(), nil)
	}
	if task.IsTaskError(err) {
		return protocol.InvalidParams("%v", err)
	}
	return err
}

func (s *Server) getTask(_ context.Context, req *Request) (any, error) {
	id, err := taskParams(req)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.Get(id)
	if err != nil {
		return nil, taskError(err)
	}
	return protocol.TaskRef{Task: t.Info()}, nil
}

func (s *Server) listTasks(context.Context, *Request) (any, error) {
	tasks := s.tasks.List()
	out := protocol.ListTasksResult{Tasks: make([]protocol.TaskInfo, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, t.Info())
	}
	return out, nil
}

func (s *Server) cancelTask(_ context.Context, req *Request) (any, error) {
	id, err := taskParams(req)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Cancel(id); err != nil {
		return nil, taskError(err)
	}
	t, err := s.tasks.Get(id)
	if err != nil {
		return nil, taskError(err)
	}
	s.logger.Debug("task cancellation requested", "task", id, "conn", req.Conn.ID())
	return protocol.TaskRef{Task: t.Info()}, nil
}
