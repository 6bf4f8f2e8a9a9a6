package correlator

import (
	"context"
	"errors"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// DefaultResponseTimeout bounds writing one response.
const DefaultResponseTimeout = 10 * time.Second

// Serve runs handle for the inbound request req on its own goroutine and
// sends the response. The handler's context is cancelled by CancelInbound,
// by CancelAllInbound or when ctx ends. A request cancelled by its peer gets
// no response.
//
// A request whose id is already being served is answered with an
// invalid-request error and not run.
func (c *Correlator) Serve(ctx context.Context, req *protocol.Message, handle HandlerFunc) {
	id := *req.ID
	hctx, cancel := context.WithCancelCause(ctx)
	if _, loaded := c.inbound.LoadOrStore(id, cancel); loaded {
		cancel(nil)
		c.respond(protocol.NewErrorResponse(id, protocol.NewRequestError(
			protocol.CodeInvalidRequest, "request id "+id.String()+" is already in use", nil)))
		return
	}

	c.serving.Add(1)
	go func() {
		defer c.serving.Done()

		result, err := c.invoke(hctx, req, handle)
		peerCancelled := errors.Is(context.Cause(hctx), errPeerCancelled)

		var resp *protocol.Message
		if !peerCancelled {
			if err != nil {
				resp = protocol.NewErrorResponse(id, protocol.AsErrorPayload(err))
			} else if resp, err = protocol.NewResult(id, result); err != nil {
				resp = protocol.NewErrorResponse(id, protocol.InternalError(err))
			}
		}
		// The id is free again before the peer can observe the response.
		c.inbound.Delete(id)
		cancel(nil)

		if peerCancelled {
			c.logger.Debug("dropping response to cancelled request", "id", id.String(), "method", req.Method)
			return
		}
		c.respond(resp)
	}()
}

func (c *Correlator) invoke(ctx context.Context, req *protocol.Message, handle HandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "method", req.Method, "panic", r)
			err = protocol.NewRequestError(protocol.CodeInternalError, "internal error", nil)
		}
	}()
	return handle(ctx, req)
}

func (c *Correlator) respond(resp *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.responseTimeout)
	defer cancel()
	if err := c.send(ctx, resp); err != nil {
		c.logger.Warn("failed to send response", "id", resp.ID.String(), "err", err)
	}
}

var errPeerCancelled = errors.New("cancelled by peer")

// CancelInbound cancels the handler context of the inbound request id on
// behalf of the peer. Its response is suppressed.
func (c *Correlator) CancelInbound(id protocol.ID) bool {
	cancel, ok := c.inbound.Load(id)
	if !ok {
		return false
	}
	cancel(errPeerCancelled)
	return true
}

// CancelAllInbound cancels every running handler.
func (c *Correlator) CancelAllInbound() {
	c.inbound.Range(func(_ protocol.ID, cancel context.CancelCauseFunc) bool {
		cancel(ErrConnectionClosed)
		return true
	})
}

// Inbound returns the number of handlers still running.
func (c *Correlator) Inbound() int {
	return c.inbound.Size()
}

// WaitInbound blocks until all handlers have returned or ctx ends.
func (c *Correlator) WaitInbound(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
