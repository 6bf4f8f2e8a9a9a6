package connection

import (
	"context"
	"fmt"

	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// Dial opens a transport through d, starts a client connection over it and
// completes the handshake.
func Dial(ctx context.Context, d transport.Dialer, opts ...Option) (*Connection, error) {
	t, err := d.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := New(t, RoleClient, opts...)
	if err := c.Start(); err != nil {
		_ = t.Close()
		return nil, err
	}
	if _, err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Serve starts a server connection over an accepted transport. The
// handshake completes in the background; use WaitReady to wait for it.
func Serve(t transport.Transport, opts ...Option) (*Connection, error) {
	c := New(t, RoleServer, opts...)
	if err := c.Start(); err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}
