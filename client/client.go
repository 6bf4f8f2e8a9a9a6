// Package client is the caller-facing side of the SDK. A Client sends
// requests over either one dedicated connection or a pool of them, and
// receives progress and task status notifications from the server.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/pool"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client closed")

// Client sends requests to a server.
type Client struct {
	logger       *slog.Logger
	info         *protocol.Implementation
	layers       []middleware.Layer
	connOpts     []connection.Option
	poolOpts     []pool.Option
	pollInterval time.Duration

	conn *connection.Connection
	pool *pool.Pool

	mu        sync.Mutex
	closed    bool
	progress  []ProgressFunc
	notes     map[string][]NotificationFunc
	statusSig chan struct{}
}

func newClient(opts []Option) *Client {
	c := &Client{
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		notes:        make(map[string][]NotificationFunc),
		statusSig:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) dialer(d transport.Dialer) transport.Dialer {
	if len(c.layers) == 0 {
		return d
	}
	return transport.DialFunc(func(ctx context.Context) (transport.Transport, error) {
		t, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return middleware.Chain(t, c.layers...), nil
	})
}

func (c *Client) connectionOptions() []connection.Option {
	opts := []connection.Option{connection.WithLogger(c.logger), connection.WithHandler(c)}
	if c.info != nil {
		opts = append(opts, connection.WithInfo(*c.info))
	}
	return append(opts, c.connOpts...)
}

// Dial connects to a server over one dedicated connection and completes
// the handshake.
func Dial(ctx context.Context, d transport.Dialer, opts ...Option) (*Client, error) {
	c := newClient(opts)
	conn, err := connection.Dial(ctx, c.dialer(d), c.connectionOptions()...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// NewPooled returns a client that spreads calls over a pool of
// connections, dialed lazily through d.
func NewPooled(d transport.Dialer, opts ...Option) *Client {
	c := newClient(opts)
	poolOpts := append([]pool.Option{pool.WithLogger(c.logger)}, c.poolOpts...)
	c.pool = pool.New(pool.Dialer(c.dialer(d), c.connectionOptions()...), poolOpts...)
	return c
}

// Conn returns the dedicated connection, or nil for a pooled client.
func (c *Client) Conn() *connection.Connection { return c.conn }

// Pool returns the pool, or nil for a dedicated client.
func (c *Client) Pool() *pool.Pool { return c.pool }

func (c *Client) do(ctx context.Context, fn func(*connection.Connection) error) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if c.pool != nil {
		return c.pool.Do(ctx, fn)
	}
	return fn(c.conn)
}

// Call sends a request and decodes its result into result, which may be
// nil. A server-reported failure is returned as a *protocol.ErrorPayload.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	return c.do(ctx, func(conn *connection.Connection) error {
		return conn.Call(ctx, method, params, result)
	})
}

// Notify sends a notification.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.do(ctx, func(conn *connection.Connection) error {
		return conn.Notify(ctx, method, params)
	})
}

// Ping round-trips a ping.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, func(conn *connection.Connection) error {
		return conn.Ping(ctx)
	})
}

// Close closes the connection or the pool.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.pool != nil {
		return c.pool.Close()
	}
	return c.conn.Close(ctx)
}
