package mcpkit

import (
	"context"

	"github.com/praxiomlabs/mcpkit-sub001/client"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/server"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// Version is the module release.
const Version = "0.4.0"

// Implementation describes a peer named name at this module's version.
func Implementation(name string) protocol.Implementation {
	return protocol.Implementation{Name: name, Version: Version}
}

// NewServer returns a server announcing itself as name.
func NewServer(name string, opts ...server.Option) *server.Server {
	return server.New(append([]server.Option{server.WithInfo(Implementation(name))}, opts...)...)
}

// Dial connects a client over a dedicated connection and completes the
// handshake.
func Dial(ctx context.Context, d transport.Dialer, opts ...client.Option) (*client.Client, error) {
	return client.Dial(ctx, d, opts...)
}

// NewPooled returns a client drawing connections from a pool over d.
func NewPooled(d transport.Dialer, opts ...client.Option) *client.Client {
	return client.NewPooled(d, opts...)
}
