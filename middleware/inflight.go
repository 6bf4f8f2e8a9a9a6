package middleware

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// inflightMaxAge is how long a request's send time is kept waiting for its
// response. Requests that time out or are cancelled never see one.
const inflightMaxAge = 5 * time.Minute

// inflight tracks send times of outbound requests for latency reporting.
// Entries older than maxAge are swept on Store; their latency is not
// reported.
type inflight struct {
	times     *xsync.MapOf[protocol.ID, time.Time]
	maxAge    time.Duration
	now       func() time.Time
	lastSweep atomic.Int64
}

func newInflight(maxAge time.Duration, now func() time.Time) *inflight {
	f := &inflight{
		times:  xsync.NewMapOf[protocol.ID, time.Time](),
		maxAge: maxAge,
		now:    now,
	}
	f.lastSweep.Store(now().UnixNano())
	return f
}

// Store records id as sent now.
func (f *inflight) Store(id protocol.ID) {
	now := f.now()
	f.times.Store(id, now)
	last := f.lastSweep.Load()
	if now.UnixNano()-last < int64(f.maxAge/4) || !f.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	cutoff := now.Add(-f.maxAge)
	f.times.Range(func(id protocol.ID, sent time.Time) bool {
		if sent.Before(cutoff) {
			f.times.Delete(id)
		}
		return true
	})
}

// Take removes id and returns the time since it was sent.
func (f *inflight) Take(id protocol.ID) (time.Duration, bool) {
	sent, ok := f.times.LoadAndDelete(id)
	if !ok {
		return 0, false
	}
	return f.now().Sub(sent), true
}

func (f *inflight) Delete(id protocol.ID) { f.times.Delete(id) }

func (f *inflight) Len() int { return f.times.Size() }

func (f *inflight) Clear() { f.times.Clear() }
