// Package connection drives one transport through its lifecycle:
//
//	Disconnected -> Connected -> Initializing -> Ready -> Closing -> Closed
//
// with a direct edge to Closed from every state on failure. A Connection
// owns its transport stack and a correlator. A single read loop applies
// inbound messages in wire order; callers send directly.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/praxiomlabs/mcpkit-sub001/correlator"
	"github.com/praxiomlabs/mcpkit-sub001/hooks"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// Handler serves what the peer sends.
//
// HandleRequest runs on its own goroutine with a context cancelled when the
// peer cancels the request or the connection closes. HandleNotification runs
// on the read loop, in wire order, and must not block on calls over the
// same connection.
type Handler interface {
	HandleRequest(ctx context.Context, conn *Connection, req *protocol.Message) (any, error)
	HandleNotification(ctx context.Context, conn *Connection, n *protocol.Message)
}

// RequestHandlerFunc adapts a function to Handler. Notifications are ignored.
type RequestHandlerFunc func(ctx context.Context, conn *Connection, req *protocol.Message) (any, error)

// HandleRequest implements Handler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, conn *Connection, req *protocol.Message) (any, error) {
	return f(ctx, conn, req)
}

// HandleNotification implements Handler.
func (RequestHandlerFunc) HandleNotification(context.Context, *Connection, *protocol.Message) {}

// Connection is one session with a peer.
type Connection struct {
	id               string
	role             Role
	t                transport.Transport
	corr             *correlator.Correlator
	handler          Handler
	hooks            *hooks.Registry
	logger           *slog.Logger
	info             protocol.Implementation
	caps             protocol.Capabilities
	instructions     string
	requestedVersion string
	authenticate     Authenticator
	initMeta         map[string]any
	queueLimit       int
	defaultDeadline  time.Duration
	handshakeTimeout time.Duration
	responseTimeout  time.Duration

	mu          sync.Mutex
	state       State
	handshaking bool
	queued      int
	version     string
	peerInfo    protocol.Implementation
	peerCaps    protocol.Capabilities
	identity    any
	closeErr    error

	ready  chan struct{}
	closed chan struct{}

	loopCtx    context.Context
	cancelLoop context.CancelFunc

	lastActivity atomic.Int64
}

// New wraps t in a Connection in the Disconnected state. Call Start to
// begin reading.
func New(t transport.Transport, role Role, opts ...Option) *Connection {
	c := &Connection{
		id:               uuid.NewString(),
		role:             role,
		t:                t,
		logger:           slog.Default(),
		requestedVersion: protocol.LatestVersion(),
		handshakeTimeout: DefaultHandshakeTimeout,
		responseTimeout:  correlator.DefaultResponseTimeout,
		info:             protocol.Implementation{Name: "mcpkit", Version: "dev"},
		ready:            make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("conn", c.id, "role", c.role.String())
	copts := []correlator.Option{correlator.WithLogger(c.logger), correlator.WithResponseTimeout(c.responseTimeout)}
	if c.defaultDeadline > 0 {
		copts = append(copts, correlator.WithDefaultDeadline(c.defaultDeadline))
	}
	c.corr = correlator.New(c.send, copts...)
	c.loopCtx, c.cancelLoop = context.WithCancel(context.Background())
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Role returns the handshake role.
func (c *Connection) Role() Role { return c.role }

// Transport returns the transport stack the connection owns.
func (c *Connection) Transport() transport.Transport { return c.t }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Version returns the negotiated protocol version, empty before Ready.
func (c *Connection) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// PeerInfo returns what the peer reported about itself in the handshake.
func (c *Connection) PeerInfo() protocol.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInfo
}

// PeerCapabilities returns the capabilities the peer advertised.
func (c *Connection) PeerCapabilities() protocol.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerCaps
}

// Identity returns what the authenticator accepted the peer as, or nil.
func (c *Connection) Identity() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Done is closed when the connection reaches Closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Ready is closed when the connection reaches Ready.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// Err returns the failure that closed the connection, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of outbound calls awaiting a response.
func (c *Connection) Pending() int { return c.corr.Pending() }

// LastActivity returns when a message last moved in either direction.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// transitionLocked moves to the given state. c.mu must be held. The caller
// reports the change with stateChanged once the lock is released.
func (c *Connection) transitionLocked(to State) (State, error) {
	from := c.state
	if !canTransition(from, to) {
		return from, protocol.InvalidState("connection %s: illegal transition %s -> %s", c.id, from, to)
	}
	c.state = to
	switch to {
	case Ready:
		close(c.ready)
	case Closed:
		close(c.closed)
	}
	return from, nil
}

func (c *Connection) stateChanged(from, to State) {
	c.logger.Debug("state changed", "from", from.String(), "to", to.String())
	c.hooks.RunStateChange(c.id, from.String(), to.String())
}

func (c *Connection) transition(to State) error {
	c.mu.Lock()
	from, err := c.transitionLocked(to)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.stateChanged(from, to)
	return nil
}

// Start moves a Disconnected connection to Connected and starts the read loop.
func (c *Connection) Start() error {
	if err := c.transition(Connected); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

// WaitReady blocks until the handshake completes, the connection closes or
// ctx ends.
func (c *Connection) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitReady gates user traffic on Ready, queueing up to queueLimit
// callers while the handshake runs.
func (c *Connection) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Ready:
		c.mu.Unlock()
		return nil
	case Closing, Closed:
		c.mu.Unlock()
		return ErrClosed
	}
	if c.queueLimit <= 0 {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.queued >= c.queueLimit {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.queued++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.queued--
		c.mu.Unlock()
	}()
	select {
	case <-c.ready:
		// Ready may already have given way to Closing.
		if c.State() != Ready {
			return ErrClosed
		}
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send is the single outbound path: hooks, then the transport stack.
func (c *Connection) send(ctx context.Context, msg *protocol.Message) error {
	if err := c.hooks.RunBeforeSend(hooks.NewHookContext(ctx, c.id, msg), msg); err != nil {
		return err
	}
	if err := c.t.Send(ctx, msg); err != nil {
		if transport.IsClosed(err) {
			c.fail(err)
		}
		return err
	}
	c.touch()
	return nil
}

// Submit sends a request and returns its pending call. The call's deadline
// is ctx's deadline if it has one, the default deadline otherwise.
func (c *Connection) Submit(ctx context.Context, method string, params any) (*correlator.PendingCall, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	return c.submit(ctx, method, params)
}

func (c *Connection) submit(ctx context.Context, method string, params any) (*correlator.PendingCall, error) {
	req, err := protocol.NewRequest(c.corr.NextID(), method, params)
	if err != nil {
		return nil, err
	}
	var deadline time.Duration
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
		if deadline <= 0 {
			return nil, correlator.ErrDeadlineExceeded
		}
	}
	return c.corr.Submit(ctx, req, deadline)
}

// Call sends a request and waits for its response, decoding the result
// into result when it is non-nil. A peer error is returned as a
// *protocol.ErrorPayload.
func (c *Connection) Call(ctx context.Context, method string, params any, result any) error {
	call, err := c.Submit(ctx, method, params)
	if err != nil {
		return err
	}
	resp, err := call.Wait(ctx)
	if err != nil {
		return err
	}
	return resp.BindResult(result)
}

// Notify sends a notification.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, n)
}

// Ping round-trips a ping request.
func (c *Connection) Ping(ctx context.Context) error {
	return c.Call(ctx, protocol.MethodPing, nil, nil)
}

// Cancel stops waiting for the outbound request id and tells the peer it
// may abandon the work.
func (c *Connection) Cancel(ctx context.Context, id protocol.ID, reason string) error {
	c.corr.Cancel(id)
	return c.Notify(ctx, protocol.MethodCancelled, protocol.CancelledParams{RequestID: id, Reason: reason})
}

// respond runs on the read loop, so a stuck peer must not stall dispatch.
func (c *Connection) respond(ctx context.Context, resp *protocol.Message) {
	ctx, cancel := context.WithTimeout(ctx, c.responseTimeout)
	defer cancel()
	if err := c.send(ctx, resp); err != nil {
		c.logger.Warn("failed to send response", "id", resp.ID.String(), "err", err)
	}
}

func (c *Connection) respondError(ctx context.Context, id protocol.ID, payload *protocol.ErrorPayload) {
	c.respond(ctx, protocol.NewErrorResponse(id, payload))
}

func (c *Connection) readLoop() {
	ctx := c.loopCtx
	for {
		msg, err := c.t.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, io.EOF):
				c.logger.Debug("peer closed the connection")
				c.fail(nil)
				return
			case protocol.IsProtocolError(err) && !protocol.IsFatal(err):
				c.logger.Warn("skipping malformed message", "err", err)
				continue
			case transport.IsTimeout(err):
				continue
			}
			c.logger.Warn("read failed", "err", err)
			c.fail(err)
			return
		}
		c.touch()
		c.dispatch(ctx, msg)
	}
}

func (c *Connection) dispatch(ctx context.Context, msg *protocol.Message) {
	switch msg.Kind() {
	case protocol.KindResponse:
		c.corr.OnResponse(msg)
	case protocol.KindRequest:
		c.handleRequest(ctx, msg)
	case protocol.KindNotification:
		c.handleNotification(ctx, msg)
	}
}

func (c *Connection) handleRequest(ctx context.Context, req *protocol.Message) {
	id := *req.ID
	switch req.Method {
	case protocol.MethodPing:
		resp, _ := protocol.NewResult(id, nil)
		c.respond(ctx, resp)
		return
	case protocol.MethodInitialize:
		if c.role == RoleServer {
			c.serveInitialize(ctx, req)
			return
		}
	}

	if c.State() != Ready {
		c.respondError(ctx, id, protocol.NewRequestError(protocol.CodeNotInitialized,
			fmt.Sprintf("%s received before initialization completed", req.Method), nil))
		return
	}
	if err := c.hooks.RunBeforeHandle(hooks.NewHookContext(ctx, c.id, req), req); err != nil {
		c.respondError(ctx, id, protocol.AsErrorPayload(err))
		return
	}
	if c.handler == nil {
		c.respondError(ctx, id, protocol.MethodNotFound(req.Method))
		return
	}
	c.corr.Serve(ctx, req, func(ctx context.Context, req *protocol.Message) (any, error) {
		return c.handler.HandleRequest(ctx, c, req)
	})
}

func (c *Connection) handleNotification(ctx context.Context, n *protocol.Message) {
	switch n.Method {
	case protocol.MethodInitialized:
		if c.role == RoleServer {
			c.completeServerHandshake()
		}
		return
	case protocol.MethodCancelled:
		var p protocol.CancelledParams
		if err := n.BindParams(&p); err != nil || p.RequestID.IsZero() {
			c.logger.Debug("ignoring malformed cancellation", "err", err)
			return
		}
		if c.corr.CancelInbound(p.RequestID) {
			c.logger.Debug("request cancelled by peer", "id", p.RequestID.String(), "reason", p.Reason)
		}
		return
	}

	if c.State() != Ready {
		c.logger.Debug("dropping notification before initialization", "method", n.Method)
		return
	}
	if err := c.hooks.RunBeforeHandle(hooks.NewHookContext(ctx, c.id, n), n); err != nil {
		c.logger.Debug("notification rejected by hook", "method", n.Method, "err", err)
		return
	}
	if c.handler != nil {
		c.handler.HandleNotification(ctx, c, n)
	}
}

// fail moves straight to Closed, failing every pending call. A nil cause is
// an orderly close.
func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.closeErr = cause
	from, _ := c.transitionLocked(Closed)
	c.mu.Unlock()
	c.stateChanged(from, Closed)

	c.corr.FailAll(cause)
	c.cancelLoop()
	if err := c.t.Close(); err != nil {
		c.logger.Debug("transport close failed", "err", err)
	}
	if cause != nil {
		c.logger.Info("connection closed", "err", cause)
	} else {
		c.logger.Debug("connection closed")
	}
	c.hooks.RunClose(c.id, cause)
}

// Close shuts the connection down gracefully: new calls are refused,
// outstanding calls are given until ctx ends to complete and are then
// cancelled, running handlers are cancelled, and the transport is closed.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return nil
	case Closing:
		c.mu.Unlock()
		select {
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case Disconnected:
		from, _ := c.transitionLocked(Closed)
		c.mu.Unlock()
		c.stateChanged(from, Closed)
		c.corr.FailAll(nil)
		c.cancelLoop()
		return c.t.Close()
	}
	from, err := c.transitionLocked(Closing)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.stateChanged(from, Closing)

	drainErr := c.corr.Drain(ctx)
	c.corr.CancelAllInbound()
	waitCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_ = c.corr.WaitInbound(waitCtx)
	cancel()

	c.fail(nil)
	return drainErr
}
