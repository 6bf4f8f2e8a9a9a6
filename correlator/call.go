package correlator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// PendingCall is an outbound request awaiting its response.
type PendingCall struct {
	ID        protocol.ID
	Method    string
	Submitted time.Time
	Deadline  time.Time

	owner *Correlator
	timer *time.Timer
	once  sync.Once
	done  chan struct{}
	resp  *protocol.Message
	err   error
}

func (p *PendingCall) complete(resp *protocol.Message, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.resp, p.err = resp, err
		close(p.done)
	})
}

func (p *PendingCall) cancel(err error) bool {
	if !p.owner.remove(p) {
		return false
	}
	p.complete(nil, err)
	return true
}

// Done is closed once the call has completed.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks until the call completes or ctx ends. When ctx ends first the
// call is cancelled, unless the response won the race, in which case the
// response is returned.
//
// An error response is returned as a message, not an error; use
// Message.BindResult to surface it.
func (p *PendingCall) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	default:
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel(fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		// Whoever removed the call completes it right away.
		<-p.done
	}
	return p.resp, p.err
}

// Cancel stops waiting for the response. It reports false if the call had
// already completed.
func (p *PendingCall) Cancel() bool {
	return p.cancel(ErrCancelled)
}
