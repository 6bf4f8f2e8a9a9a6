package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/hooks"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// Role says which side of the handshake a connection plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Authenticator inspects the client's initialize request on a server
// connection. A non-nil error rejects the handshake and closes the
// connection; otherwise the returned identity is kept on the connection
// and exposed by Identity.
type Authenticator func(ctx context.Context, params *protocol.InitializeParams) (identity any, err error)

// DefaultHandshakeTimeout bounds Initialize when ctx has no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandler sets the handler for inbound requests and notifications.
func WithHandler(h Handler) Option {
	return func(c *Connection) { c.handler = h }
}

// WithHooks attaches a hook registry.
func WithHooks(r *hooks.Registry) Option {
	return func(c *Connection) { c.hooks = r }
}

// WithInfo sets the implementation info sent during the handshake.
func WithInfo(info protocol.Implementation) Option {
	return func(c *Connection) { c.info = info }
}

// WithCapabilities sets the capabilities advertised during the handshake.
func WithCapabilities(caps protocol.Capabilities) Option {
	return func(c *Connection) { c.caps = caps }
}

// WithInstructions sets the instructions a server returns from initialize.
func WithInstructions(s string) Option {
	return func(c *Connection) { c.instructions = s }
}

// WithProtocolVersion sets the version a client requests. The default is
// the latest supported version.
func WithProtocolVersion(v string) Option {
	return func(c *Connection) { c.requestedVersion = protocol.NormalizeVersion(v) }
}

// WithQueueBeforeReady lets up to n calls wait for Ready instead of
// failing with ErrNotReady.
func WithQueueBeforeReady(n int) Option {
	return func(c *Connection) { c.queueLimit = n }
}

// WithDefaultDeadline bounds calls whose context carries no deadline.
func WithDefaultDeadline(d time.Duration) Option {
	return func(c *Connection) { c.defaultDeadline = d }
}

// WithResponseTimeout bounds sending any response, including the ping and
// initialize answers written by the read loop. The default is
// correlator.DefaultResponseTimeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// WithHandshakeTimeout replaces DefaultHandshakeTimeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithAuthenticator installs a server-side handshake check.
func WithAuthenticator(a Authenticator) Option {
	return func(c *Connection) { c.authenticate = a }
}

// WithInitializeMeta attaches _meta to the client's initialize request,
// typically credentials for the server's Authenticator.
func WithInitializeMeta(meta map[string]any) Option {
	return func(c *Connection) { c.initMeta = meta }
}

// WithID overrides the generated connection id.
func WithID(id string) Option {
	return func(c *Connection) { c.id = id }
}
