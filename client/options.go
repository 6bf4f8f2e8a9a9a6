package client

import (
	"log/slog"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/auth"
	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/middleware"
	"github.com/praxiomlabs/mcpkit-sub001/pool"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// DefaultPollInterval is how often AwaitTask polls when no status
// notification arrives.
const DefaultPollInterval = 500 * time.Millisecond

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for the client and its connections.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInfo sets the implementation reported during the handshake.
func WithInfo(info protocol.Implementation) Option {
	return func(c *Client) { c.info = &info }
}

// WithToken presents token to the server at handshake.
func WithToken(token string) Option {
	return WithConnectionOptions(connection.WithInitializeMeta(auth.BearerMeta(token)))
}

// WithMiddleware wraps every dialed transport in layers, outermost first.
func WithMiddleware(layers ...middleware.Layer) Option {
	return func(c *Client) { c.layers = append(c.layers, layers...) }
}

// WithConnectionOptions passes extra options to every connection.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(c *Client) { c.connOpts = append(c.connOpts, opts...) }
}

// WithPoolOptions configures the pool of a pooled client.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(c *Client) { c.poolOpts = append(c.poolOpts, opts...) }
}

// WithPollInterval sets the AwaitTask polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}
