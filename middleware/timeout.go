package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

type timeoutTransport struct {
	passthrough
	send    time.Duration
	receive time.Duration
}

// Timeout bounds each Send and Receive. Zero leaves that direction
// unbounded. Expiry is reported as a transport timeout error; the inner
// transport stays open.
func Timeout(send, receive time.Duration) Layer {
	return func(next transport.Transport) transport.Transport {
		return &timeoutTransport{passthrough: passthrough{next}, send: send, receive: receive}
	}
}

// bounded runs op under a deadline of d and converts its own expiry, not
// the caller's, into a timeout error.
func bounded[T any](ctx context.Context, d time.Duration, opName string, op func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return op(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := op(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		if transport.IsTimeout(err) {
			return v, err
		}
		return v, transport.NewTimeoutError(opName, err)
	}
	return v, err
}

func (t *timeoutTransport) Send(ctx context.Context, msg *protocol.Message) error {
	_, err := bounded(ctx, t.send, "send", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.Transport.Send(ctx, msg)
	})
	return err
}

func (t *timeoutTransport) Receive(ctx context.Context) (*protocol.Message, error) {
	return bounded(ctx, t.receive, "receive", t.Transport.Receive)
}
