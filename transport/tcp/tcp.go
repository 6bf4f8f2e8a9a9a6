// Package tcp provides length-prefixed transports over TCP connections.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/transport"
	"github.com/praxiomlabs/mcpkit-sub001/transport/stream"
)

// DefaultKeepAlive is applied to dialed and accepted connections.
const DefaultKeepAlive = 30 * time.Second

func newTransport(conn net.Conn, logger *slog.Logger, opts []stream.Option) *stream.Transport {
	base := []stream.Option{
		stream.WithFraming(stream.LengthPrefixFraming),
		stream.WithName("tcp:" + conn.RemoteAddr().String()),
		stream.WithLogger(logger),
	}
	return stream.New(conn, append(base, opts...)...)
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, logger *slog.Logger, opts ...stream.Option) (*stream.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := net.Dialer{KeepAlive: DefaultKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		var netErr net.Error
		transient := errors.As(err, &netErr) && netErr.Timeout()
		return nil, transport.NewIOError("dial", fmt.Errorf("dial %s: %w", addr, err), transient)
	}
	return newTransport(conn, logger, opts), nil
}

// Dialer returns a transport.Dialer for addr, for use with a pool.
func Dialer(addr string, logger *slog.Logger, opts ...stream.Option) transport.Dialer {
	return transport.DialFunc(func(ctx context.Context) (transport.Transport, error) {
		return Dial(ctx, addr, logger, opts...)
	})
}

// Listener accepts TCP connections as transports.
type Listener struct {
	ln     net.Listener
	logger *slog.Logger
	opts   []stream.Option
}

// Listen starts listening on addr.
func Listen(addr string, logger *slog.Logger, opts ...stream.Option) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logger.Info("tcp listener started", "addr", ln.Addr().String())
	return &Listener{ln: ln, logger: logger, opts: opts}, nil
}

var _ transport.Listener = (*Listener)(nil)

// Accept waits for the next connection or for ctx to end.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, net.ErrClosed) {
				return nil, transport.NewClosedError("accept")
			}
			return nil, transport.NewIOError("accept", r.err, false)
		}
		if tc, ok := r.conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(DefaultKeepAlive)
		}
		return newTransport(r.conn, l.logger, l.opts), nil
	case <-ctx.Done():
		// Unblock the pending Accept; the listener is no longer usable.
		_ = l.ln.Close()
		if r := <-ch; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

// Close stops the listener.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.ln.Addr().String() }
