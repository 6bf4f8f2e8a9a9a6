package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/logx"
	"github.com/praxiomlabs/mcpkit-sub001/protocol"
	"github.com/praxiomlabs/mcpkit-sub001/transport/inmemory"
)

// testServer hands out in-memory connections to echo servers and keeps
// their server ends so tests can kill them.
type testServer struct {
	mu      sync.Mutex
	servers []*connection.Connection
	dials   atomic.Int32
	fail    atomic.Bool
}

func (s *testServer) dial(ctx context.Context) (*connection.Connection, error) {
	if s.fail.Load() {
		return nil, errors.New("connection refused")
	}
	s.dials.Add(1)
	listener := inmemory.NewListener()
	defer listener.Close()

	go func() {
		t, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		srv, err := connection.Serve(t, connection.WithLogger(logx.Discard()),
			connection.WithHandler(connection.RequestHandlerFunc(func(_ context.Context, _ *connection.Connection, req *protocol.Message) (any, error) {
				return req.Params, nil
			})))
		if err == nil {
			s.mu.Lock()
			s.servers = append(s.servers, srv)
			s.mu.Unlock()
		}
	}()
	return connection.Dial(ctx, listener, connection.WithLogger(logx.Discard()))
}

func (s *testServer) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.servers {
		_ = srv.Transport().Close()
	}
}

func newPool(t *testing.T, s *testServer, opts ...Option) *Pool {
	t.Helper()
	p := New(s.dial, append([]Option{WithLogger(logx.Discard())}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestCapacityTwoThreeAcquirers(t *testing.T) {
	s := &testServer{}
	p := newPool(t, s, WithCapacity(2))
	ctx := context.Background()

	granted := make(chan *Entry, 3)
	for i := 0; i < 3; i++ {
		go func() {
			e, err := p.Acquire(ctx)
			if err == nil {
				granted <- e
			}
		}()
	}

	first := <-granted
	second := <-granted
	assert.NotSame(t, first, second)

	select {
	case e := <-granted:
		t.Fatalf("third acquirer granted %d before any release", e.index)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, p.Release(first))
	select {
	case third := <-granted:
		assert.Same(t, first, third, "the waiter gets the released entry")
		assert.Equal(t, CheckedOut, third.Membership())
		require.NoError(t, p.Release(third))
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted after release")
	}
	require.NoError(t, p.Release(second))
	assert.EqualValues(t, 2, s.dials.Load(), "connections are reused, not redialed")
	assert.Equal(t, 2, p.Stats()[Idle])
}

func TestAcquireTimeout(t *testing.T) {
	s := &testServer{}
	p := newPool(t, s, WithCapacity(1), WithAcquireTimeout(20*time.Millisecond))

	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, p.Release(e))
}

func TestReleaseTwice(t *testing.T) {
	p := newPool(t, &testServer{}, WithCapacity(1))
	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(e))
	assert.ErrorIs(t, p.Release(e), ErrNotCheckedOut)
}

func TestFailureThresholdEvicts(t *testing.T) {
	s := &testServer{}
	p := newPool(t, s, WithCapacity(1), WithFailureThreshold(1))
	ctx := context.Background()

	e, err := p.Acquire(ctx)
	require.NoError(t, err)
	e.MarkFailed()
	require.NoError(t, p.Release(e))
	assert.Equal(t, Idle, e.Membership(), "one failure is within the threshold")

	e, err = p.Acquire(ctx)
	require.NoError(t, err)
	e.MarkFailed()
	require.NoError(t, p.Release(e))
	assert.Equal(t, Vacant, e.Membership())
	assert.Nil(t, e.Conn())

	e, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.Zero(t, e.Failures())
	require.NoError(t, p.Release(e))
	assert.EqualValues(t, 2, s.dials.Load(), "replacement dialed on demand")
}

func TestAcquireReplacesDeadConnection(t *testing.T) {
	s := &testServer{}
	p := newPool(t, s, WithCapacity(1))
	ctx := context.Background()

	e, err := p.Acquire(ctx)
	require.NoError(t, err)
	old := e.Conn()
	require.NoError(t, p.Release(e))

	s.killAll()
	<-old.Done()

	e, err = p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, old, e.Conn())
	assert.Equal(t, connection.Ready, e.Conn().State())
	require.NoError(t, p.Release(e))
}

func TestDialFailureFreesSlot(t *testing.T) {
	s := &testServer{}
	s.fail.Store(true)
	p := newPool(t, s, WithCapacity(1))

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, p.Stats()[Vacant])

	s.fail.Store(false)
	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Release(e))
}

func TestCheckHealthDrainsDeadEntries(t *testing.T) {
	s := &testServer{}
	p := newPool(t, s, WithCapacity(2), WithProbe(50*time.Millisecond, -1))
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Release(a))

	s.killAll()
	<-a.Conn().Done()
	p.CheckHealth(ctx)

	assert.Equal(t, Vacant, a.Membership())
	assert.Equal(t, CheckedOut, b.Membership(), "entries in use are left alone")
	require.NoError(t, p.Release(b))
	assert.Equal(t, Vacant, b.Membership(), "dead entry evicted on release")
}

func TestDo(t *testing.T) {
	s := &testServer{}
	p := newPool(t, s, WithCapacity(1))

	var got map[string]int
	err := p.Do(context.Background(), func(c *connection.Connection) error {
		return c.Call(context.Background(), "echo", map[string]int{"x": 1}, &got)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"x": 1}, got)
	assert.Equal(t, 1, p.Stats()[Idle])
}

func TestClose(t *testing.T) {
	s := &testServer{}
	p := New(s.dial, WithLogger(logx.Discard()), WithCapacity(1), WithHealthCheck(time.Hour))
	e, err := p.Acquire(context.Background())
	require.NoError(t, err)
	conn := e.Conn()
	require.NoError(t, p.Release(e))

	require.NoError(t, p.Close())
	assert.Equal(t, connection.Closed, conn.State())
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Close())
}
