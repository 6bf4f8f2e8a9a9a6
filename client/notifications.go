package client

import (
	"context"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// ProgressFunc receives notifications/progress.
type ProgressFunc func(protocol.ProgressParams)

// NotificationFunc receives a notification by method.
type NotificationFunc func(n *protocol.Message)

// OnProgress registers fn for every progress notification.
func (c *Client) OnProgress(fn ProgressFunc) {
	c.mu.Lock()
	c.progress = append(c.progress, fn)
	c.mu.Unlock()
}

// OnNotification registers fn for notifications named method.
func (c *Client) OnNotification(method string, fn NotificationFunc) {
	c.mu.Lock()
	c.notes[method] = append(c.notes[method], fn)
	c.mu.Unlock()
}

// HandleRequest implements connection.Handler. The client serves no methods.
func (c *Client) HandleRequest(_ context.Context, _ *connection.Connection, req *protocol.Message) (any, error) {
	return nil, protocol.MethodNotFound(req.Method)
}

// HandleNotification implements connection.Handler.
func (c *Client) HandleNotification(_ context.Context, conn *connection.Connection, n *protocol.Message) {
	c.mu.Lock()
	progress := c.progress
	handlers := c.notes[n.Method]
	if n.Method == protocol.MethodTaskStatus {
		close(c.statusSig)
		c.statusSig = make(chan struct{})
	}
	c.mu.Unlock()

	if n.Method == protocol.MethodProgress && len(progress) > 0 {
		var p protocol.ProgressParams
		if err := n.BindParams(&p); err != nil {
			c.logger.Debug("ignoring malformed progress notification", "conn", conn.ID(), "err", err)
		} else {
			for _, fn := range progress {
				fn(p)
			}
		}
	}
	for _, fn := range handlers {
		fn(n)
	}
}

// statusSignal returns a channel closed at the next task status notification.
func (c *Client) statusSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusSig
}

var _ connection.Handler = (*Client)(nil)
