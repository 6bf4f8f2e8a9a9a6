// Package ws provides a WebSocket transport: one JSON-RPC message per text frame.
package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

type side int

const (
	clientSide side = iota
	serverSide
)

// Transport is one end of a WebSocket connection.
type Transport struct {
	conn   net.Conn
	side   side
	logger *slog.Logger

	writeMu sync.Mutex

	incoming   chan inbound
	done       chan struct{}
	readerDone chan struct{}
	readErr    error
	closed     atomic.Bool
	closeOnce  sync.Once
}

type inbound struct {
	msg *protocol.Message
	err error
}

var _ transport.Transport = (*Transport)(nil)

func newTransport(conn net.Conn, s side, logger *slog.Logger) *Transport {
	t := &Transport{
		conn:       conn,
		side:       s,
		logger:     logger.With("transport", "ws", "remote", conn.RemoteAddr().String()),
		incoming:   make(chan inbound),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Dial opens a client connection to a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		var netErr net.Error
		transient := errors.As(err, &netErr) && netErr.Timeout()
		return nil, transport.NewIOError("dial", err, transient)
	}
	return newTransport(conn, clientSide, logger), nil
}

// Dialer returns a transport.Dialer for url.
func Dialer(url string, logger *slog.Logger) transport.Dialer {
	return transport.DialFunc(func(ctx context.Context) (transport.Transport, error) {
		return Dial(ctx, url, logger)
	})
}

func (t *Transport) read() ([]byte, ws.OpCode, error) {
	if t.side == clientSide {
		return wsutil.ReadServerData(t.conn)
	}
	return wsutil.ReadClientData(t.conn)
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	for {
		data, op, err := t.read()
		if err != nil {
			t.readErr = t.classify(err)
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		msg, err := protocol.Decode(data)
		select {
		case t.incoming <- inbound{msg: msg, err: err}:
		case <-t.done:
			t.readErr = transport.NewClosedError("receive")
			return
		}
	}
}

func (t *Transport) classify(err error) error {
	var closed wsutil.ClosedError
	switch {
	case t.closed.Load():
		return transport.NewClosedError("receive")
	case errors.As(err, &closed) && (closed.Code == ws.StatusNormalClosure || closed.Code == ws.StatusGoingAway):
		return io.EOF
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.As(err, &closed), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return transport.NewPeerClosedError("receive", err)
	}
	return transport.NewIOError("receive", err, false)
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg *protocol.Message) error {
	if t.closed.Load() {
		return transport.NewClosedError("send")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()
	}

	if t.side == clientSide {
		err = wsutil.WriteClientMessage(t.conn, ws.OpText, data)
	} else {
		err = wsutil.WriteServerMessage(t.conn, ws.OpText, data)
	}
	if err != nil {
		if t.closed.Load() {
			return transport.NewClosedError("send")
		}
		t.logger.Warn("websocket write failed, closing", "err", err)
		_ = t.Close()
		return transport.NewIOError("send", err, false)
	}
	return nil
}

// Receive implements transport.Transport.
func (t *Transport) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case in := <-t.incoming:
		return in.msg, in.err
	case <-t.readerDone:
		return nil, t.readErr
	case <-t.done:
		return nil, transport.NewClosedError("receive")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and closes the connection.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		// Unblocks a writer stuck on a dead peer.
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		if t.side == clientSide {
			_ = wsutil.WriteClientMessage(t.conn, ws.OpClose, body)
		} else {
			_ = wsutil.WriteServerMessage(t.conn, ws.OpClose, body)
		}
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	if t.closed.Load() {
		return false
	}
	select {
	case <-t.readerDone:
		return false
	default:
		return true
	}
}

// Handler upgrades HTTP requests to WebSocket transports and hands them out
// through Accept.
type Handler struct {
	logger   *slog.Logger
	accepted chan *Transport
	done     chan struct{}
	once     sync.Once
}

// NewHandler returns a Handler. backlog bounds upgraded connections not yet accepted.
func NewHandler(logger *slog.Logger, backlog int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if backlog <= 0 {
		backlog = 16
	}
	return &Handler{
		logger:   logger,
		accepted: make(chan *Transport, backlog),
		done:     make(chan struct{}),
	}
}

var _ transport.Listener = (*Handler)(nil)

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	t := newTransport(conn, serverSide, h.logger)
	select {
	case h.accepted <- t:
	default:
		h.logger.Warn("websocket backlog full, rejecting connection", "remote", r.RemoteAddr)
		_ = t.Close()
	}
}

// Accept returns the next upgraded connection.
func (h *Handler) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case t := <-h.accepted:
		return t, nil
	case <-h.done:
		return nil, transport.NewClosedError("accept")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops handing out connections and closes any not yet accepted.
func (h *Handler) Close() error {
	h.once.Do(func() {
		close(h.done)
		for {
			select {
			case t := <-h.accepted:
				_ = t.Close()
			default:
				return
			}
		}
	})
	return nil
}

// Addr is empty; the handler is mounted on a caller-owned HTTP server.
func (h *Handler) Addr() string { return "" }
