package task

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(opts ...Option) *Manager {
	m := NewManager(append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)...)
	return m
}

func TestLifecycle(t *testing.T) {
	m := newManager()
	id := m.Create("conn-1")

	got, err := m.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "conn-1", got.Owner)

	require.NoError(t, m.Start(id))
	total := 10.0
	require.NoError(t, m.Progress(id, 3, &total, "working"))

	got, _ = m.Get(id)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 3.0, got.Progress)
	require.NotNil(t, got.Total)
	assert.Equal(t, 10.0, *got.Total)
	assert.Equal(t, "working", got.Message)

	require.NoError(t, m.Complete(id, map[string]int{"x": 1}))
	got, _ = m.Get(id)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, map[string]int{"x": 1}, got.Result)
}

func TestSecondTerminalTransitionRejected(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Start(id))
	require.NoError(t, m.Complete(id, "first"))

	err := m.Complete(id, "second")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTerminal)

	err = m.Fail(id, errors.New("late failure"))
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, m.Cancel(id), ErrTerminal)

	got, _ := m.Get(id)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "first", got.Result)
	assert.NoError(t, got.Err)
}

func TestFailThenCompleteKeepsError(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Start(id))
	cause := errors.New("boom")
	require.NoError(t, m.Fail(id, cause))

	assert.ErrorIs(t, m.Complete(id, "ok"), ErrTerminal)
	got, _ := m.Get(id)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, cause, got.Err)
	assert.Nil(t, got.Result)
}

func TestProgressOnlyWhileRunning(t *testing.T) {
	m := newManager()
	id := m.Create("")
	assert.ErrorIs(t, m.Progress(id, 1, nil, ""), ErrInvalidTransition)

	require.NoError(t, m.Start(id))
	assert.ErrorIs(t, m.Start(id), ErrInvalidTransition)
	require.NoError(t, m.Complete(id, nil))
	assert.ErrorIs(t, m.Progress(id, 1, nil, ""), ErrTerminal)
}

func TestUnknownTask(t *testing.T) {
	m := newManager()
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Start("missing"), ErrNotFound)
	assert.ErrorIs(t, m.Cancel("missing"), ErrNotFound)
	assert.True(t, IsTaskError(err))
}

func TestCancelCreatedTaskIsImmediate(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Cancel(id))

	got, _ := m.Get(id)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.True(t, got.CancelRequested)

	ctx, err := m.Context(id)
	require.NoError(t, err)
	assert.Error(t, ctx.Err())
}

func TestCancelRunningTaskIsAdvisory(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Start(id))
	ctx, _ := m.Context(id)

	require.NoError(t, m.Cancel(id))
	got, _ := m.Get(id)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
	assert.ErrorIs(t, context.Cause(ctx), errCancelRequested)

	require.NoError(t, m.ConfirmCancelled(id))
	got, _ = m.Get(id)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestConfirmCancelledRequiresRequest(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Start(id))
	assert.ErrorIs(t, m.ConfirmCancelled(id), ErrInvalidTransition)
}

func TestWorkMayFinishAfterCancelRequest(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Start(id))
	require.NoError(t, m.Cancel(id))

	require.NoError(t, m.Complete(id, "done anyway"))
	got, _ := m.Get(id)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestRunCompletes(t *testing.T) {
	m := newManager()
	started, err := m.Run("owner", func(ctx context.Context, r *Reporter) (any, error) {
		if err := r.Progress(1, nil, "half"); err != nil {
			return nil, err
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, started.Status.Terminal())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := m.Wait(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "ok", got.Result)
	assert.Equal(t, "half", got.Message)
}

func TestRunFailsAndRecoversPanic(t *testing.T) {
	m := newManager()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	failed, err := m.Run("", func(context.Context, *Reporter) (any, error) {
		return nil, protocol.InvalidParams("bad input")
	})
	require.NoError(t, err)
	got, err := m.Wait(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, protocol.CodeInvalidParams, got.Info().Error.Code)

	panicked, err := m.Run("", func(context.Context, *Reporter) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)
	got, err = m.Wait(ctx, panicked.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Err.Error(), "kaboom")
}

func TestRunObservesCancel(t *testing.T) {
	m := newManager()
	entered := make(chan struct{})
	started, err := m.Run("", func(ctx context.Context, r *Reporter) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-entered

	require.NoError(t, m.Cancel(started.ID))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := m.Wait(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestTaskContextOutlivesCaller(t *testing.T) {
	m := newManager()
	id := m.Create("")
	ctx, _ := m.Context(id)
	assert.NoError(t, ctx.Err())

	m.Close()
	assert.Error(t, ctx.Err())
}

func TestListSnapshotsInCreationOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(WithClock(clock.Now))

	a := m.Create("alice")
	clock.Advance(time.Second)
	b := m.Create("bob")
	clock.Advance(time.Second)
	c := m.Create("alice")

	all := m.List()
	require.Len(t, all, 3)
	assert.Equal(t, []string{a, b, c}, []string{all[0].ID, all[1].ID, all[2].ID})

	mine := m.ListOwner("alice")
	require.Len(t, mine, 2)
	assert.Equal(t, a, mine[0].ID)
	assert.Equal(t, c, mine[1].ID)

	// Snapshots do not alias the store.
	all[0].Status = StatusFailed
	got, _ := m.Get(a)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestSweepDropsExpiredTerminalTasks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(WithClock(clock.Now), WithRetention(time.Minute))

	done := m.Create("")
	require.NoError(t, m.Start(done))
	require.NoError(t, m.Complete(done, nil))
	running := m.Create("")
	require.NoError(t, m.Start(running))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, m.Sweep())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, m.Sweep())

	_, err := m.Get(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(running)
	assert.NoError(t, err)
}

func TestObserverSeesEveryChange(t *testing.T) {
	m := newManager()
	var mu sync.Mutex
	var seen []Status
	m.Observe(func(t Task) {
		mu.Lock()
		seen = append(seen, t.Status)
		mu.Unlock()
	})

	id := m.Create("")
	require.NoError(t, m.Start(id))
	require.NoError(t, m.Progress(id, 1, nil, ""))
	require.NoError(t, m.Complete(id, nil))
	_ = m.Complete(id, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusCreated, StatusRunning, StatusRunning, StatusCompleted}, seen)
}

func TestInfo(t *testing.T) {
	m := newManager()
	id := m.Create("")
	require.NoError(t, m.Start(id))
	require.NoError(t, m.Complete(id, map[string]any{"x": 1}))
	got, _ := m.Get(id)

	info := got.Info()
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "completed", info.Status)
	assert.JSONEq(t, `{"x":1}`, string(info.Result))
	assert.Nil(t, info.Error)

	raw, err := json.Marshal(protocol.TaskRef{Task: info})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"taskId":"`+id+`"`)
}
