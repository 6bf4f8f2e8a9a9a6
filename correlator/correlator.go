// Package correlator matches outbound requests with their responses and
// tracks inbound requests while their handlers run.
//
// Every outbound call is a PendingCall with a single completion slot. The
// first of response, deadline, cancellation or connection close to remove
// the call from the pending table fills the slot; the others find nothing
// to remove and do nothing.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// DefaultDeadline bounds calls submitted without an explicit deadline.
const DefaultDeadline = 30 * time.Second

var (
	// ErrDeadlineExceeded is returned when no response arrived in time.
	// It matches context.DeadlineExceeded.
	ErrDeadlineExceeded error = deadlineError{}

	// ErrCancelled is returned when the caller stopped waiting.
	ErrCancelled = errors.New("call cancelled")

	// ErrConnectionClosed is returned for calls outstanding when the
	// connection closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDuplicateID is returned by Submit when the id is already outstanding.
	ErrDuplicateID = &protocol.Error{Kind: protocol.ErrDuplicateID}
)

type deadlineError struct{}

func (deadlineError) Error() string   { return "call deadline exceeded" }
func (deadlineError) Timeout() bool   { return true }
func (deadlineError) Temporary() bool { return true }
func (deadlineError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// SendFunc writes one message to the peer.
type SendFunc func(ctx context.Context, msg *protocol.Message) error

// HandlerFunc serves one inbound request. The returned value becomes the
// result; an error becomes the error payload of the response.
type HandlerFunc func(ctx context.Context, req *protocol.Message) (any, error)

// Correlator holds the pending calls of one connection.
type Correlator struct {
	send            SendFunc
	logger          *slog.Logger
	defaultDeadline time.Duration
	responseTimeout time.Duration

	nextID  atomic.Int64
	pending *xsync.MapOf[protocol.ID, *PendingCall]
	inbound *xsync.MapOf[protocol.ID, context.CancelCauseFunc]
	serving sync.WaitGroup

	draining atomic.Bool
	closed   atomic.Bool
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Correlator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDefaultDeadline replaces DefaultDeadline.
func WithDefaultDeadline(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.defaultDeadline = d
		}
	}
}

// WithResponseTimeout bounds sending each response to a served request.
func WithResponseTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.responseTimeout = d
		}
	}
}

// New returns a Correlator writing through send.
func New(send SendFunc, opts ...Option) *Correlator {
	c := &Correlator{
		send:            send,
		logger:          slog.Default(),
		defaultDeadline: DefaultDeadline,
		responseTimeout: DefaultResponseTimeout,
		pending:         xsync.NewMapOf[protocol.ID, *PendingCall](),
		inbound:         xsync.NewMapOf[protocol.ID, context.CancelCauseFunc](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NextID returns a fresh integer request id.
func (c *Correlator) NextID() protocol.ID {
	return protocol.IntID(c.nextID.Add(1))
}

// Pending returns the number of outstanding calls.
func (c *Correlator) Pending() int {
	return c.pending.Size()
}

// remove deletes call from the table if it is still there. Exactly one
// caller gets true for a given call.
func (c *Correlator) remove(call *PendingCall) bool {
	removed := false
	c.pending.Compute(call.ID, func(old *PendingCall, loaded bool) (*PendingCall, bool) {
		if loaded && old == call {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}

// Submit registers req and sends it. A deadline of zero applies the
// default. The returned call completes with the response, a deadline
// error, a cancellation or ErrConnectionClosed.
func (c *Correlator) Submit(ctx context.Context, req *protocol.Message, deadline time.Duration) (*PendingCall, error) {
	if req.Kind() != protocol.KindRequest {
		return nil, protocol.Malformed("submit needs a request, got %s", req.Kind())
	}
	if c.closed.Load() || c.draining.Load() {
		return nil, ErrConnectionClosed
	}
	if deadline <= 0 {
		deadline = c.defaultDeadline
	}

	now := time.Now()
	call := &PendingCall{
		ID:        *req.ID,
		Method:    req.Method,
		Submitted: now,
		Deadline:  now.Add(deadline),
		done:      make(chan struct{}),
		owner:     c,
	}
	call.timer = time.AfterFunc(deadline, func() {
		if c.remove(call) {
			c.logger.Debug("call deadline exceeded", "id", call.ID.String(), "method", call.Method)
			call.complete(nil, ErrDeadlineExceeded)
		}
	})
	if _, loaded := c.pending.LoadOrStore(call.ID, call); loaded {
		call.timer.Stop()
		return nil, &protocol.Error{Kind: protocol.ErrDuplicateID, Message: call.ID.String()}
	}
	// The timer may have fired before the call was stored.
	if !time.Now().Before(call.Deadline) {
		if c.remove(call) {
			call.complete(nil, ErrDeadlineExceeded)
		}
		return call, nil
	}
	// FailAll may have swept the table between the check above and the store.
	if c.closed.Load() {
		if c.remove(call) {
			call.complete(nil, ErrConnectionClosed)
		}
		return nil, ErrConnectionClosed
	}

	if err := c.send(ctx, req); err != nil {
		if c.remove(call) {
			call.complete(nil, err)
		}
		return nil, err
	}
	return call, nil
}

// OnResponse fulfils the call waiting for resp. Responses for unknown ids,
// including duplicates and replies that arrived after their deadline, are
// discarded and reported as false.
func (c *Correlator) OnResponse(resp *protocol.Message) bool {
	if resp.ID == nil {
		return false
	}
	call, ok := c.pending.Load(*resp.ID)
	if !ok || !c.remove(call) {
		c.logger.Debug("discarding response for unknown id", "id", resp.ID.String())
		return false
	}
	call.complete(resp, nil)
	return true
}

// Cancel stops the wait for id. The request itself stays on the wire; a
// later response is discarded as unknown.
func (c *Correlator) Cancel(id protocol.ID) bool {
	call, ok := c.pending.Load(id)
	if !ok {
		return false
	}
	return call.cancel(ErrCancelled)
}

// FailAll completes every outstanding call with err, which is wrapped so
// that it also matches ErrConnectionClosed. New submissions are refused
// afterwards.
func (c *Correlator) FailAll(err error) {
	c.closed.Store(true)
	if err == nil {
		err = ErrConnectionClosed
	} else if !errors.Is(err, ErrConnectionClosed) {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	c.pending.Range(func(_ protocol.ID, call *PendingCall) bool {
		if c.remove(call) {
			call.complete(nil, err)
		}
		return true
	})
	c.CancelAllInbound()
}

// Drain refuses new submissions and waits for the outstanding calls to
// complete. Calls still pending when ctx ends are cancelled.
func (c *Correlator) Drain(ctx context.Context) error {
	c.draining.Store(true)

	var calls []*PendingCall
	c.pending.Range(func(_ protocol.ID, call *PendingCall) bool {
		calls = append(calls, call)
		return true
	})
	for _, call := range calls {
		select {
		case <-call.done:
		case <-ctx.Done():
			for _, rest := range calls {
				rest.cancel(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
			}
			return ctx.Err()
		}
	}
	return nil
}
