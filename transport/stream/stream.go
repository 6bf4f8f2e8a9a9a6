// Package stream implements a Transport over any framed byte stream: pipes,
// process stdio, TCP connections and the like.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// Transport carries framed JSON-RPC messages over an io.ReadWriteCloser.
//
// A single reader goroutine pulls frames off the stream and hands each one
// to exactly one Receive call, so a Receive abandoned through its context
// leaves the frame for the next caller.
type Transport struct {
	name    string
	rwc     io.ReadWriteCloser
	framing Framing
	maxSize int
	logger  *slog.Logger

	frames  *FrameReader
	writeMu sync.Mutex
	wbuf    []byte

	incoming   chan inbound
	done       chan struct{}
	readerDone chan struct{}
	readErr    error
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

type inbound struct {
	msg *protocol.Message
	err error
}

// Option configures a Transport.
type Option func(*Transport)

// WithFraming selects the framing. The default is LineFraming.
func WithFraming(f Framing) Option {
	return func(t *Transport) { t.framing = f }
}

// WithMaxFrameSize bounds the size of a single inbound frame.
func WithMaxFrameSize(n int) Option {
	return func(t *Transport) { t.maxSize = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithName labels the transport in logs.
func WithName(name string) Option {
	return func(t *Transport) { t.name = name }
}

// New wraps rwc and starts reading from it.
func New(rwc io.ReadWriteCloser, opts ...Option) *Transport {
	t := &Transport{
		name:       "stream",
		rwc:        rwc,
		framing:    LineFraming,
		logger:     slog.Default(),
		incoming:   make(chan inbound),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("transport", t.name)
	t.frames = NewFrameReader(rwc, t.framing, t.maxSize)
	go t.readLoop()
	return t
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	for {
		frame, err := t.frames.Next()
		if err != nil {
			t.readErr = t.classifyReadError(err)
			if !errors.Is(t.readErr, io.EOF) && !t.closed.Load() {
				t.logger.Debug("stream read failed", "err", err)
			}
			return
		}
		msg, err := protocol.Decode(frame)
		select {
		case t.incoming <- inbound{msg: msg, err: err}:
		case <-t.done:
			t.readErr = transport.NewClosedError("receive")
			return
		}
	}
}

func (t *Transport) classifyReadError(err error) error {
	switch {
	case t.closed.Load():
		return transport.NewClosedError("receive")
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, ErrFrameTooLarge):
		return &transport.Error{Op: "receive", Kind: transport.KindFraming, Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed), errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrClosedPipe):
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
		if c, ok := t.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
			_ = c.SetWriteDeadline(dl)
			defer func() { _ = c.SetWriteDeadline(time.Time{}) }()
		}
	}

	t.wbuf = AppendFrame(t.wbuf[:0], t.framing, data)
	if _, err := t.rwc.Write(t.wbuf); err != nil {
		if t.closed.Load() {
			return transport.NewClosedError("send")
		}
		// A partial write leaves the stream unframeable.
		t.logger.Warn("stream write failed, closing", "err", err)
		_ = t.Close()
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
			return transport.NewPeerClosedError("send", err)
		}
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

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		t.closeErr = t.rwc.Close()
	})
	return t.closeErr
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

// Done is closed once the transport has been closed locally.
func (t *Transport) Done() <-chan struct{} { return t.done }
