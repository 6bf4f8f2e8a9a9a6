// Package inmemory connects two transports inside one process. Messages are
// encoded and decoded on the way through, so each side sees exactly what a
// wire peer would.
package inmemory

import (
	"context"
	"io"
	"sync"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

// DefaultBuffer is the number of messages each direction holds before Send blocks.
const DefaultBuffer = 64

// Transport is one end of a Pipe.
type Transport struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	peer *Transport

	closeOnce sync.Once

	mu       sync.Mutex
	sendErrs []error
	sendHook func(*protocol.Message) error
}

// Pipe returns two connected transports.
func Pipe() (*Transport, *Transport) {
	return PipeSize(DefaultBuffer)
}

// PipeSize is Pipe with an explicit per-direction buffer. Zero makes every
// Send rendezvous with a Receive.
func PipeSize(buffer int) (*Transport, *Transport) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a := &Transport{in: ba, out: ab, done: make(chan struct{})}
	b := &Transport{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// FailSends makes the next len(errs) calls to Send return errs in order
// without delivering anything.
func (t *Transport) FailSends(errs ...error) {
	t.mu.Lock()
	t.sendErrs = append(t.sendErrs, errs...)
	t.mu.Unlock()
}

// OnSend installs a hook run before every delivery. A non-nil error from
// the hook is returned by Send and the message is dropped.
func (t *Transport) OnSend(hook func(*protocol.Message) error) {
	t.mu.Lock()
	t.sendHook = hook
	t.mu.Unlock()
}

func (t *Transport) injected(msg *protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sendErrs) > 0 {
		err := t.sendErrs[0]
		t.sendErrs = t.sendErrs[1:]
		return err
	}
	if t.sendHook != nil {
		return t.sendHook(msg)
	}
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-t.done:
		return transport.NewClosedError("send")
	case <-t.peer.done:
		return transport.NewPeerClosedError("send", io.ErrClosedPipe)
	default:
	}
	if err := t.injected(msg); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case t.out <- data:
		return nil
	case <-t.done:
		return transport.NewClosedError("send")
	case <-t.peer.done:
		return transport.NewPeerClosedError("send", io.ErrClosedPipe)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements transport.Transport. Messages already in flight when
// the peer closes are still delivered before io.EOF.
func (t *Transport) Receive(ctx context.Context) (*protocol.Message, error) {
	select {
	case data := <-t.in:
		return protocol.Decode(data)
	case <-t.done:
		return nil, transport.NewClosedError("receive")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.peer.done:
		select {
		case data := <-t.in:
			return protocol.Decode(data)
		default:
			return nil, io.EOF
		}
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	select {
	case <-t.done:
		return false
	case <-t.peer.done:
		return false
	default:
		return true
	}
}

// Listener hands out the server ends of pipes created by Dial.
type Listener struct {
	accepted chan transport.Transport
	done     chan struct{}
	once     sync.Once
}

// NewListener returns an open Listener.
func NewListener() *Listener {
	return &Listener{accepted: make(chan transport.Transport), done: make(chan struct{})}
}

// Dial creates a pipe, queues its server end for Accept and returns the client end.
func (l *Listener) Dial(ctx context.Context) (transport.Transport, error) {
	client, server := Pipe()
	select {
	case l.accepted <- server:
		return client, nil
	case <-l.done:
		return nil, transport.NewClosedError("dial")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept implements transport.Listener.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-l.done:
		return nil, transport.NewClosedError("accept")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements transport.Listener.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Addr implements transport.Listener.
func (l *Listener) Addr() string { return "inmemory" }
