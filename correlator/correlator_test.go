package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001/protocol"
)

// recorder is a SendFunc capturing everything written. sent buffers the
// first messages for tests that wait on them; msgs keeps all of them.
type recorder struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	err    error
	sent   chan *protocol.Message
	onSend func(*protocol.Message)
}

func newRecorder() *recorder {
	return &recorder{sent: make(chan *protocol.Message, 16)}
}

func (r *recorder) send(_ context.Context, msg *protocol.Message) error {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	onSend := r.onSend
	r.mu.Unlock()

	select {
	case r.sent <- msg:
	default:
	}
	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func newCorrelator(r *recorder, opts ...Option) *Correlator {
	return New(r.send, append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)...)
}

func req(t *testing.T, id int64, method string, params any) *protocol.Message {
	t.Helper()
	m, err := protocol.NewRequest(protocol.IntID(id), method, params)
	require.NoError(t, err)
	return m
}

func result(t *testing.T, id int64, v any) *protocol.Message {
	t.Helper()
	m, err := protocol.NewResult(protocol.IntID(id), v)
	require.NoError(t, err)
	return m
}

func TestEchoRoundTrip(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	call, err := c.Submit(context.Background(), req(t, 1, "echo", map[string]int{"x": 1}), time.Second)
	require.NoError(t, err)
	sent := <-r.sent
	assert.Equal(t, "echo", sent.Method)

	go c.OnResponse(result(t, 1, json.RawMessage(sent.Params)))

	resp, err := call.Wait(context.Background())
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, resp.BindResult(&got))
	assert.Equal(t, map[string]int{"x": 1}, got)
	assert.Zero(t, c.Pending())
}

func TestDeadlineThenLateResponseDiscarded(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	start := time.Now()
	call, err := c.Submit(context.Background(), req(t, 2, "slow", nil), 10*time.Millisecond)
	require.NoError(t, err)

	late := make(chan bool, 1)
	go func() {
		time.Sleep(50 * time.Millisecond)
		late <- c.OnResponse(result(t, 2, map[string]bool{"late": true}))
	}()

	resp, err := call.Wait(context.Background())
	elapsed := time.Since(start)
	assert.Nil(t, resp)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 45*time.Millisecond)

	assert.False(t, <-late, "late response must be discarded")
	assert.Zero(t, c.Pending())

	// The slot keeps its first outcome.
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestDuplicateResponseIsIdempotent(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	call, err := c.Submit(context.Background(), req(t, 3, "get", nil), time.Second)
	require.NoError(t, err)

	assert.True(t, c.OnResponse(result(t, 3, "first")))
	assert.False(t, c.OnResponse(result(t, 3, "second")))

	resp, err := call.Wait(context.Background())
	require.NoError(t, err)
	var got string
	require.NoError(t, resp.BindResult(&got))
	assert.Equal(t, "first", got)
}

func TestCancelAfterResponseYieldsResponse(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	call, err := c.Submit(context.Background(), req(t, 4, "get", nil), time.Second)
	require.NoError(t, err)
	require.True(t, c.OnResponse(result(t, 4, "done")))

	assert.False(t, call.Cancel())
	assert.False(t, c.Cancel(protocol.IntID(4)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := call.Wait(ctx)
	require.NoError(t, err)
	var got string
	require.NoError(t, resp.BindResult(&got))
	assert.Equal(t, "done", got)
}

func TestWaitCancelled(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	call, err := c.Submit(context.Background(), req(t, 5, "get", nil), time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Pending())

	// The request stays on the wire; its eventual response is unknown.
	assert.False(t, c.OnResponse(result(t, 5, nil)))
}

func TestConcurrentResponseAndCancel(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	for i := int64(1); i <= 200; i++ {
		call, err := c.Submit(context.Background(), req(t, i, "race", nil), time.Second)
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		var delivered, cancelled bool
		go func() { defer wg.Done(); delivered = c.OnResponse(result(t, i, i)) }()
		go func() { defer wg.Done(); cancelled = call.Cancel() }()
		wg.Wait()

		assert.NotEqual(t, delivered, cancelled, "exactly one outcome wins")
		resp, err := call.Wait(context.Background())
		if delivered {
			require.NoError(t, err)
			assert.NotNil(t, resp)
		} else {
			assert.ErrorIs(t, err, ErrCancelled)
		}
	}
	assert.Zero(t, c.Pending())
}

func TestDuplicateOutstandingID(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	_, err := c.Submit(context.Background(), req(t, 6, "a", nil), time.Second)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), req(t, 6, "b", nil), time.Second)
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, c.Pending())

	// Reuse is fine once the first call is resolved.
	require.True(t, c.OnResponse(result(t, 6, nil)))
	_, err = c.Submit(context.Background(), req(t, 6, "c", nil), time.Second)
	assert.NoError(t, err)
}

func TestSubmitSendFailure(t *testing.T) {
	r := newRecorder()
	r.err = errors.New("broken pipe")
	c := newCorrelator(r)

	_, err := c.Submit(context.Background(), req(t, 7, "a", nil), time.Second)
	assert.EqualError(t, err, "broken pipe")
	assert.Zero(t, c.Pending())
}

func TestSubmitRejectsNonRequest(t *testing.T) {
	c := newCorrelator(newRecorder())
	n, _ := protocol.NewNotification("x", nil)
	_, err := c.Submit(context.Background(), n, 0)
	assert.True(t, protocol.IsProtocolError(err))
}

func TestFailAllLeavesNothingPending(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	var calls []*PendingCall
	for i := int64(1); i <= 5; i++ {
		call, err := c.Submit(context.Background(), req(t, i, "a", nil), time.Minute)
		require.NoError(t, err)
		calls = append(calls, call)
	}
	cause := errors.New("peer reset")
	c.FailAll(cause)

	assert.Zero(t, c.Pending())
	for _, call := range calls {
		_, err := call.Wait(context.Background())
		assert.ErrorIs(t, err, ErrConnectionClosed)
		assert.ErrorIs(t, err, cause)
	}
	_, err := c.Submit(context.Background(), req(t, 9, "a", nil), time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDrain(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	answered, err := c.Submit(context.Background(), req(t, 1, "a", nil), time.Minute)
	require.NoError(t, err)
	stuck, err := c.Submit(context.Background(), req(t, 2, "b", nil), time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.OnResponse(result(t, 1, "ok"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Drain(ctx), context.DeadlineExceeded)

	_, err = answered.Wait(context.Background())
	assert.NoError(t, err)
	_, err = stuck.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, c.Pending())

	_, err = c.Submit(context.Background(), req(t, 3, "c", nil), time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDefaultDeadlineApplied(t *testing.T) {
	c := newCorrelator(newRecorder(), WithDefaultDeadline(5*time.Millisecond))
	call, err := c.Submit(context.Background(), req(t, 1, "a", nil), 0)
	require.NoError(t, err)
	assert.WithinDuration(t, call.Submitted.Add(5*time.Millisecond), call.Deadline, time.Millisecond)
	_, err = call.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestServe(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	c.Serve(context.Background(), req(t, 10, "echo", map[string]int{"x": 1}), func(_ context.Context, m *protocol.Message) (any, error) {
		return m.Params, nil
	})
	resp := <-r.sent
	assert.Equal(t, protocol.IntID(10), resp.IDValue())
	assert.JSONEq(t, `{"x":1}`, string(resp.Result))

	c.Serve(context.Background(), req(t, 11, "fail", nil), func(context.Context, *protocol.Message) (any, error) {
		return nil, protocol.InvalidParams("missing x")
	})
	resp = <-r.sent
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)

	c.Serve(context.Background(), req(t, 12, "panic", nil), func(context.Context, *protocol.Message) (any, error) {
		panic("boom")
	})
	resp = <-r.sent
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)

	require.NoError(t, c.WaitInbound(context.Background()))
	assert.Zero(t, c.Inbound())
}

func TestInboundIDReusableOnceResponseSent(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)
	echo := func(_ context.Context, m *protocol.Message) (any, error) { return m.Params, nil }

	var once sync.Once
	r.onSend = func(msg *protocol.Message) {
		// The peer reuses the id as soon as it sees the first response.
		once.Do(func() { c.Serve(context.Background(), req(t, 1, "echo", 2), echo) })
	}
	c.Serve(context.Background(), req(t, 1, "echo", 1), echo)

	first := <-r.sent
	second := <-r.sent
	require.Nil(t, first.Error)
	require.Nil(t, second.Error, "reused id rejected: %+v", second.Error)
	assert.JSONEq(t, `1`, string(first.Result))
	assert.JSONEq(t, `2`, string(second.Result))
	require.NoError(t, c.WaitInbound(context.Background()))
}

func TestCancelInboundSuppressesResponse(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	started := make(chan struct{})
	c.Serve(context.Background(), req(t, 20, "slow", nil), func(ctx context.Context, _ *protocol.Message) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	assert.Equal(t, 1, c.Inbound())
	assert.True(t, c.CancelInbound(protocol.IntID(20)))
	require.NoError(t, c.WaitInbound(context.Background()))

	select {
	case m := <-r.sent:
		t.Fatalf("unexpected response %+v", m)
	default:
	}
	assert.False(t, c.CancelInbound(protocol.IntID(20)))
}

func TestServeDuplicateInboundID(t *testing.T) {
	r := newRecorder()
	c := newCorrelator(r)

	release := make(chan struct{})
	c.Serve(context.Background(), req(t, 30, "slow", nil), func(context.Context, *protocol.Message) (any, error) {
		<-release
		return "ok", nil
	})
	c.Serve(context.Background(), req(t, 30, "again", nil), func(context.Context, *protocol.Message) (any, error) {
		t.Error("duplicate must not run")
		return nil, nil
	})
	resp := <-r.sent
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)

	close(release)
	resp = <-r.sent
	assert.Nil(t, resp.Error)
	require.NoError(t, c.WaitInbound(context.Background()))
}
