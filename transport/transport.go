// Package transport defines the message transport abstraction shared by all
// wire implementations and the middleware layers that wrap them.
//
// Implementations live in the subpackages: stream (framed byte streams),
// stdio, tcp, ws (WebSocket), sse (Server-Sent Events + POST) and inmemory.
package transport

import (
	"context"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// Transport moves whole messages between two peers.
//
// Send and Receive may be called concurrently with each other. Receive returns
// io.EOF once the peer has closed the stream in an orderly way. A Receive
// abandoned through its context must not consume a message: the next Receive
// returns it instead.
type Transport interface {
	// Send writes one message.
	Send(ctx context.Context, msg *protocol.Message) error

	// Receive returns the next complete message.
	Receive(ctx context.Context) (*protocol.Message, error)

	// Close releases the underlying resources. It is safe to call more than once.
	Close() error

	// IsConnected reports whether the transport can still carry messages.
	IsConnected() bool
}

// Dialer establishes new client-side transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Transport, error)

// Dial implements Dialer.
func (f DialFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// Listener accepts server-side transports.
type Listener interface {
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() string
}

// Unwrapper is implemented by layers that wrap another transport.
type Unwrapper interface {
	Unwrap() Transport
}
