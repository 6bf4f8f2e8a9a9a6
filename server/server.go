// Package server routes requests arriving on server connections to
// registered handlers.
//
// Handlers are registered per method. A handler registered with HandleTask
// runs as a long-running task: the request is answered at once with a task
// reference, progress is reported as notifications/progress, and the task
// can be inspected or cancelled through tasks/get, tasks/list and
// tasks/cancel.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/praxiomlabs/mcpkit-sub001/auth"
	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/hooks"
	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/task"
)

// ErrServerClosed is returned by Serve and ServeTransport after Close.
var ErrServerClosed = errors.New("server closed")

const (
	defaultSweepInterval = time.Minute
	defaultNotifyTimeout = 5 * time.Second
)

// Request is one inbound request as seen by a handler.
type Request struct {
	Conn    *connection.Connection
	Message *protocol.Message
}

// Method returns the request method.
func (r *Request) Method() string { return r.Message.Method }

// ID returns the request id.
func (r *Request) ID() protocol.ID { return r.Message.IDValue() }

// Bind decodes the params into v. A decoding failure is an invalid-params
// error suitable for returning from the handler as is.
func (r *Request) Bind(v any) error { return r.Message.BindParams(v) }

// Principal returns who the connection authenticated as, if anyone.
func (r *Request) Principal() (*auth.Principal, bool) { return auth.PrincipalOf(r.Conn) }

// HandlerFunc answers a request. Returning a *protocol.ErrorPayload picks
// the error code; any other error is reported as an internal error.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// TaskFunc is the body of a request served as a task. ctx belongs to the
// task, not to the request, and is cancelled by tasks/cancel.
type TaskFunc func(ctx context.Context, req *Request, progress *task.Reporter) (any, error)

// NotificationFunc handles a notification. It runs on the connection's
// read loop and must not block on calls over the same connection.
type NotificationFunc func(ctx context.Context, conn *connection.Connection, n *protocol.Message)

// Server dispatches requests for any number of connections.
type Server struct {
	info          protocol.Implementation
	instructions  string
	logger        *slog.Logger
	authenticate  connection.Authenticator
	hooks         *hooks.Registry
	layers        []middleware.Layer
	connOpts      []connection.Option
	tasks         *task.Manager
	ownTasks      bool
	sweepInterval time.Duration
	notifyTimeout time.Duration

	mu     sync.RWMutex
	routes map[string]*route
	notes  map[string]NotificationFunc

	conns  *xsync.MapOf[string, *connection.Connection]
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInfo sets the implementation reported during the handshake.
func WithInfo(info protocol.Implementation) Option {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithAuthenticator checks every client's initialize request.
func WithAuthenticator(a connection.Authenticator) Option {
	return func(s *Server) { s.authenticate = a }
}

// WithTokenValidator requires a valid bearer token at handshake.
func WithTokenValidator(v auth.TokenValidator) Option {
	return WithAuthenticator(auth.Authenticator(v))
}

// WithHooks installs connection hooks on every served connection.
func WithHooks(r *hooks.Registry) Option {
	return func(s *Server) { s.hooks = r }
}

// WithMiddleware wraps every served transport in layers, outermost first.
func WithMiddleware(layers ...middleware.Layer) Option {
	return func(s *Server) { s.layers = append(s.layers, layers...) }
}

// WithConnectionOptions passes extra options to every served connection.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

// WithTaskManager shares a task manager instead of creating one. The
// server does not close a shared manager.
func WithTaskManager(m *task.Manager) Option {
	return func(s *Server) { s.tasks = m }
}

// WithSweepInterval sets how often Serve drops expired tasks. Zero or less
// disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) { s.sweepInterval = d }
}

// New returns a Server with the task methods already routed.
func New(opts ...Option) *Server {
	s := &Server{
		info:          protocol.Implementation{Name: "mcpkit", Version: "dev"},
		logger:        slog.Default(),
		sweepInterval: defaultSweepInterval,
		notifyTimeout: defaultNotifyTimeout,
		routes:        make(map[string]*route),
		notes:         make(map[string]NotificationFunc),
		conns:         xsync.NewMapOf[string, *connection.Connection](),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tasks == nil {
		s.tasks = task.NewManager(task.WithLogger(s.logger))
		s.ownTasks = true
	}
	s.tasks.Observe(s.publishTask)

	s.routes[protocol.MethodTasksGet] = &route{handle: s.getTask}
	s.routes[protocol.MethodTasksList] = &route{handle: s.listTasks}
	s.routes[protocol.MethodTasksCancel] = &route{handle: s.cancelTask}
	return s
}

// Tasks returns the server's task manager.
func (s *Server) Tasks() *task.Manager { return s.tasks }

// Connections returns the number of live connections.
func (s *Server) Connections() int { return s.conns.Size() }

func (s *Server) capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		"tasks": map[string]any{"list": true, "cancel": true},
	}
}

// HandleRequest implements connection.Handler.
func (s *Server) HandleRequest(ctx context.Context, conn *connection.Connection, msg *protocol.Message) (any, error) {
	s.mu.RLock()
	rt, ok := s.routes[msg.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, protocol.MethodNotFound(msg.Method)
	}
	if err := rt.validate(msg); err != nil {
		return nil, err
	}

	req := &Request{Conn: conn, Message: msg}
	if p, ok := req.Principal(); ok {
		ctx = auth.ContextWithPrincipal(ctx, p)
	}
	if rt.task != nil {
		return s.startTask(req, rt.task)
	}
	return rt.handle(ctx, req)
}

// HandleNotification implements connection.Handler.
func (s *Server) HandleNotification(ctx context.Context, conn *connection.Connection, n *protocol.Message) {
	s.mu.RLock()
	fn, ok := s.notes[n.Method]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("unhandled notification", "method", n.Method, "conn", conn.ID())
		return
	}
	fn(ctx, conn, n)
}

var _ connection.Handler = (*Server)(nil)
