package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001/auth"
	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/logx"
	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/task"
	"github.com/praxiomlabs/mcpkit-sub001/transport/inmemory"
)

// notes records the notifications a client receives.
type notes struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (n *notes) HandleRequest(_ context.Context, _ *connection.Connection, req *protocol.Message) (any, error) {
	return nil, protocol.MethodNotFound(req.Method)
}

func (n *notes) HandleNotification(_ context.Context, _ *connection.Connection, msg *protocol.Message) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *notes) byMethod(method string) []*protocol.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*protocol.Message
	for _, m := range n.msgs {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func newServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := New(append([]Option{WithLogger(logx.Discard()), WithSweepInterval(0)}, opts...)...)
	require.NoError(t, s.Handle("echo", func(_ context.Context, req *Request) (any, error) {
		return req.Message.Params, nil
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func connect(t *testing.T, s *Server, opts ...connection.Option) *connection.Connection {
	t.Helper()
	a, b := inmemory.Pipe()
	_, err := s.ServeTransport(b)
	require.NoError(t, err)

	client := connection.New(a, connection.RoleClient, append([]connection.Option{connection.WithLogger(logx.Discard())}, opts...)...)
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = client.Close(ctx)
	})
	_, err = client.Initialize(context.Background())
	require.NoError(t, err)
	return client
}

func requestError(t *testing.T, err error) *protocol.ErrorPayload {
	t.Helper()
	var payload *protocol.ErrorPayload
	require.True(t, errors.As(err, &payload), "want a request error, got %v", err)
	return payload
}

func TestEcho(t *testing.T) {
	s := newServer(t)
	client := connect(t, s)

	var out json.RawMessage
	require.NoError(t, client.Call(context.Background(), "echo", map[string]int{"x": 1}, &out))
	assert.JSONEq(t, `{"x":1}`, string(out))
	assert.Equal(t, 1, s.Connections())
}

func TestUnknownMethod(t *testing.T) {
	client := connect(t, newServer(t))
	err := client.Call(context.Background(), "nope", nil, nil)
	assert.Equal(t, protocol.CodeMethodNotFound, requestError(t, err).Code)
}

func TestCapabilitiesAdvertiseTasks(t *testing.T) {
	client := connect(t, newServer(t))
	tc, ok := client.PeerCapabilities().Tasks()
	require.True(t, ok)
	assert.True(t, tc.List)
	assert.True(t, tc.Cancel)
}

func TestRegisterRejects(t *testing.T) {
	s := newServer(t)
	noop := func(context.Context, *Request) (any, error) { return nil, nil }

	assert.Error(t, s.Handle("echo", noop), "duplicate")
	assert.Error(t, s.Handle("", noop))
	assert.Error(t, s.Handle(protocol.MethodPing, noop))
	assert.Error(t, s.Handle(protocol.MethodTasksGet, noop))
	assert.Error(t, s.Handle("x", nil))
	assert.Error(t, s.Handle("bad-schema", noop, WithSchema(`{"type": 12}`)))
	assert.Error(t, s.HandleTask("t", nil))

	assert.Equal(t, []string{"echo", protocol.MethodTasksCancel, protocol.MethodTasksGet, protocol.MethodTasksList}, s.Methods())
}

func TestSchemaValidation(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.Handle("add", func(_ context.Context, req *Request) (any, error) {
		var p struct{ A, B int }
		if err := req.Bind(&p); err != nil {
			return nil, err
		}
		return p.A + p.B, nil
	}, WithSchema(`{
		"type": "object",
		"properties": {"a": {"type": "integer"}, "b": {"type": "integer"}},
		"required": ["a", "b"]
	}`)))
	client := connect(t, s)
	ctx := context.Background()

	var sum int
	require.NoError(t, client.Call(ctx, "add", map[string]int{"a": 2, "b": 3}, &sum))
	assert.Equal(t, 5, sum)

	err := client.Call(ctx, "add", map[string]any{"a": "two", "b": 3}, nil)
	assert.Equal(t, protocol.CodeInvalidParams, requestError(t, err).Code)

	err = client.Call(ctx, "add", nil, nil)
	assert.Equal(t, protocol.CodeInvalidParams, requestError(t, err).Code)
}

func TestHandlerErrorCodes(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.Handle("fail", func(context.Context, *Request) (any, error) {
		return nil, errors.New("disk on fire")
	}))
	require.NoError(t, s.Handle("reject", func(context.Context, *Request) (any, error) {
		return nil, protocol.InvalidParams("no")
	}))
	client := connect(t, s)

	err := client.Call(context.Background(), "fail", nil, nil)
	payload := requestError(t, err)
	assert.Equal(t, protocol.CodeInternalError, payload.Code)
	assert.Contains(t, payload.Message, "disk on fire")

	err = client.Call(context.Background(), "reject", nil, nil)
	assert.Equal(t, protocol.CodeInvalidParams, requestError(t, err).Code)
	assert.Equal(t, connection.Ready, client.State())
}

func getTask(t *testing.T, client *connection.Connection, id string) protocol.TaskInfo {
	t.Helper()
	var ref protocol.TaskRef
	require.NoError(t, client.Call(context.Background(), protocol.MethodTasksGet, protocol.TaskParams{TaskID: id}, &ref))
	return ref.Task
}

func TestTaskLifecycle(t *testing.T) {
	s := newServer(t)
	release := make(chan struct{})
	require.NoError(t, s.HandleTask("slow", func(ctx context.Context, _ *Request, r *task.Reporter) (any, error) {
		total := 2.0
		if err := r.Progress(1, &total, "halfway"); err != nil {
			return nil, err
		}
		select {
		case <-release:
			return map[string]string{"status": "done"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	rec := &notes{}
	client := connect(t, s, connection.WithHandler(rec))

	var ref protocol.TaskRef
	require.NoError(t, client.Call(context.Background(), "slow", nil, &ref))
	id := ref.Task.ID
	require.NotEmpty(t, id)
	assert.Equal(t, "running", ref.Task.Status)

	require.Eventually(t, func() bool { return len(rec.byMethod(protocol.MethodProgress)) > 0 }, time.Second, 5*time.Millisecond)
	var progress protocol.ProgressParams
	require.NoError(t, rec.byMethod(protocol.MethodProgress)[0].BindParams(&progress))
	assert.Equal(t, protocol.StringID(id), progress.ProgressToken)
	assert.Equal(t, 1.0, progress.Progress)
	assert.Equal(t, "halfway", progress.Message)

	close(release)
	require.Eventually(t, func() bool { return getTask(t, client, id).Status == "completed" }, time.Second, 5*time.Millisecond)
	info := getTask(t, client, id)
	assert.JSONEq(t, `{"status":"done"}`, string(info.Result))

	require.Eventually(t, func() bool {
		for _, n := range rec.byMethod(protocol.MethodTaskStatus) {
			var st protocol.TaskInfo
			if n.BindParams(&st) == nil && st.ID == id && st.Status == "completed" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestTaskCancel(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.HandleTask("forever", func(ctx context.Context, _ *Request, _ *task.Reporter) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	client := connect(t, s)
	ctx := context.Background()

	var ref protocol.TaskRef
	require.NoError(t, client.Call(ctx, "forever", nil, &ref))

	var cancelled protocol.TaskRef
	require.NoError(t, client.Call(ctx, protocol.MethodTasksCancel, protocol.TaskParams{TaskID: ref.Task.ID}, &cancelled))
	assert.Equal(t, ref.Task.ID, cancelled.Task.ID)

	require.Eventually(t, func() bool { return getTask(t, client, ref.Task.ID).Status == "cancelled" }, time.Second, 5*time.Millisecond)

	err := client.Call(ctx, protocol.MethodTasksCancel, protocol.TaskParams{TaskID: ref.Task.ID}, nil)
	assert.Equal(t, protocol.CodeInvalidParams, requestError(t, err).Code)
}

func TestTaskMethodErrors(t *testing.T) {
	s := newServer(t)
	client := connect(t, s)
	ctx := context.Background()

	err := client.Call(ctx, protocol.MethodTasksGet, protocol.TaskParams{TaskID: "missing"}, nil)
	assert.Equal(t, protocol.CodeTaskNotFound, requestError(t, err).Code)

	err = client.Call(ctx, protocol.MethodTasksGet, map[string]any{}, nil)
	assert.Equal(t, protocol.CodeInvalidParams, requestError(t, err).Code)

	var list protocol.ListTasksResult
	require.NoError(t, client.Call(ctx, protocol.MethodTasksList, nil, &list))
	assert.NotNil(t, list.Tasks)
	assert.Empty(t, list.Tasks)

	id := s.Tasks().Create("someone")
	require.NoError(t, client.Call(ctx, protocol.MethodTasksList, nil, &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, id, list.Tasks[0].ID)
	assert.Equal(t, "created", list.Tasks[0].Status)
}

func TestPrincipalReachesHandlers(t *testing.T) {
	v := auth.NewHMACValidator([]byte("secret"), auth.Claims{})
	s := newServer(t, WithTokenValidator(v))
	require.NoError(t, s.Handle("whoami", func(ctx context.Context, _ *Request) (any, error) {
		p, ok := auth.PrincipalFromContext(ctx)
		if !ok {
			return nil, errors.New("anonymous")
		}
		return p.Subject, nil
	}))

	token, err := v.Sign("dana", time.Minute, nil)
	require.NoError(t, err)
	client := connect(t, s, connection.WithInitializeMeta(auth.BearerMeta(token)))

	var who string
	require.NoError(t, client.Call(context.Background(), "whoami", nil, &who))
	assert.Equal(t, "dana", who)
}

func TestNotificationRouting(t *testing.T) {
	s := newServer(t)
	got := make(chan string, 1)
	s.OnNotification("notes/hello", func(_ context.Context, _ *connection.Connection, n *protocol.Message) {
		var p struct{ Name string }
		_ = n.BindParams(&p)
		got <- p.Name
	})
	client := connect(t, s)

	require.NoError(t, client.Notify(context.Background(), "notes/hello", map[string]string{"name": "world"}))
	select {
	case name := <-got:
		assert.Equal(t, "world", name)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestMiddlewareWrapsServedTransports(t *testing.T) {
	set := metrics.NewSet()
	s := newServer(t, WithMiddleware(middleware.Metrics(set, "server")))
	client := connect(t, s)
	require.NoError(t, client.Call(context.Background(), "echo", nil, nil))

	var buf bytes.Buffer
	set.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `mcpkit_messages_received_total{transport="server",kind="request"}`)
	assert.Contains(t, buf.String(), `mcpkit_messages_sent_total{transport="server",kind="response"}`)
}

func TestServeListener(t *testing.T) {
	s := newServer(t)
	l := inmemory.NewListener()
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx, l) }()

	client, err := connection.Dial(context.Background(), l, connection.WithLogger(logx.Discard()))
	require.NoError(t, err)
	defer client.Close(context.Background())

	var out json.RawMessage
	require.NoError(t, client.Call(context.Background(), "echo", []int{1, 2}, &out))
	assert.JSONEq(t, `[1,2]`, string(out))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeStopsOnClosedListener(t *testing.T) {
	s := newServer(t)
	l := inmemory.NewListener()
	require.NoError(t, l.Close())
	assert.NoError(t, s.Serve(context.Background(), l))
}

func TestCloseClosesConnections(t *testing.T) {
	s := newServer(t)
	client := connect(t, s)

	require.NoError(t, s.Close(context.Background()))
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client still open after server close")
	}
	assert.Zero(t, s.Connections())

	a, _ := inmemory.Pipe()
	_, err := s.ServeTransport(a)
	assert.ErrorIs(t, err, ErrServerClosed)
	assert.ErrorIs(t, s.Serve(context.Background(), inmemory.NewListener()), ErrServerClosed)
}
