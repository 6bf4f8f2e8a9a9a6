package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultRetention is how long terminal tasks stay visible.
const DefaultRetention = 10 * time.Minute

// errCancelRequested is the cause of a task context cancelled through Cancel.
var errCancelRequested = errors.New("task cancellation requested")

// Observer is called with a snapshot after every change to a task. It runs
// synchronously and must not call back into the Manager for the same task.
type Observer func(Task)

type entry struct {
	mu     sync.Mutex
	task   Task
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Manager owns the tasks of one server.
type Manager struct {
	tasks     *xsync.MapOf[string, *entry]
	base      context.Context
	stop      context.CancelFunc
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention sets how long terminal tasks are kept before Sweep drops them.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty Manager. Task contexts derive from a
// background context of the manager's own, not from the request that
// created them.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tasks:     xsync.NewMapOf[string, *entry](),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.base, m.stop = context.WithCancel(context.Background())
	return m
}

// Observe registers fn for every task change.
func (m *Manager) Observe(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) notify(t Task) {
	m.obsMu.RLock()
	obs := m.observers
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(t)
	}
}

// Create registers a new task in the Created state and returns its id.
func (m *Manager) Create(owner string) string {
	now := m.now()
	ctx, cancel := context.WithCancelCause(m.base)
	e := &entry{
		task: Task{
			ID:        uuid.NewString(),
			Owner:     owner,
			Status:    StatusCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tasks.Store(e.task.ID, e)
	m.logger.Debug("task created", "task", e.task.ID, "owner", owner)
	m.notify(e.task)
	return e.task.ID
}

// update applies fn to the task under its lock and notifies observers if
// fn succeeded.
func (m *Manager) update(op, id string, fn func(t *Task) error) error {
	e, ok := m.tasks.Load(id)
	if !ok {
		return &Error{Op: op, ID: id, Kind: KindNotFound}
	}
	e.mu.Lock()
	was := e.task.Status
	if err := fn(&e.task); err != nil {
		e.mu.Unlock()
		return err
	}
	e.task.UpdatedAt = m.now()
	snap := e.task
	if snap.Status.Terminal() && !was.Terminal() {
		close(e.done)
		e.cancel(nil)
	}
	e.mu.Unlock()

	if snap.Status != was {
		m.logger.Debug("task status changed", "task", id, "from", string(was), "to", string(snap.Status))
	}
	m.notify(snap)
	return nil
}

func requireStatus(op string, t *Task, allowed ...Status) error {
	if t.Status.Terminal() {
		return &Error{Op: op, ID: t.ID, Kind: KindTerminal, Status: t.Status}
	}
	if !slices.Contains(allowed, t.Status) {
		return &Error{Op: op, ID: t.ID, Kind: KindInvalidTransition, Status: t.Status}
	}
	return nil
}

// Start moves a Created task to Running.
func (m *Manager) Start(id string) error {
	return m.update("start", id, func(t *Task) error {
		if err := requireStatus("start", t, StatusCreated); err != nil {
			return err
		}
		t.Status = StatusRunning
		return nil
	})
}

// Progress records progress on a Running task. A nil total leaves the
// previous total in place; an empty message keeps the previous message.
func (m *Manager) Progress(id string, current float64, total *float64, message string) error {
	return m.update("progress", id, func(t *Task) error {
		if err := requireStatus("progress", t, StatusRunning); err != nil {
			return err
		}
		t.Progress = current
		if total != nil {
			v := *total
			t.Total = &v
		}
		if message != "" {
			t.Message = message
		}
		return nil
	})
}

// Cancel requests cancellation. A Created task is cancelled at once; a
// Running one has its context cancelled and stays Running until the work
// confirms with ConfirmCancelled or finishes some other way.
func (m *Manager) Cancel(id string) error {
	var cancel context.CancelCauseFunc
	err := m.update("cancel", id, func(t *Task) error {
		if err := requireStatus("cancel", t, StatusCreated, StatusRunning); err != nil {
			return err
		}
		t.CancelRequested = true
		if t.Status == StatusCreated {
			t.Status = StatusCancelled
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e, ok := m.tasks.Load(id); ok {
		cancel = e.cancel
	}
	if cancel != nil {
		cancel(errCancelRequested)
	}
	return nil
}

// ConfirmCancelled moves a Running task whose cancellation was requested
// to Cancelled.
func (m *Manager) ConfirmCancelled(id string) error {
	return m.update("confirm-cancelled", id, func(t *Task) error {
		if err := requireStatus("confirm-cancelled", t, StatusRunning); err != nil {
			return err
		}
		if !t.CancelRequested {
			return &Error{Op: "confirm-cancelled", ID: t.ID, Kind: KindInvalidTransition, Status: t.Status}
		}
		t.Status = StatusCancelled
		return nil
	})
}

// Complete moves a Running task to Completed with result.
func (m *Manager) Complete(id string, result any) error {
	return m.update("complete", id, func(t *Task) error {
		if err := requireStatus("complete", t, StatusRunning); err != nil {
			return err
		}
		t.Status = StatusCompleted
		t.Result = result
		return nil
	})
}

// Fail moves a Running task to Failed with cause.
func (m *Manager) Fail(id string, cause error) error {
	if cause == nil {
		cause = errors.New("task failed")
	}
	return m.update("fail", id, func(t *Task) error {
		if err := requireStatus("fail", t, StatusRunning); err != nil {
			return err
		}
		t.Status = StatusFailed
		t.Err = cause
		return nil
	})
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (Task, error) {
	e, ok := m.tasks.Load(id)
	if !ok {
		return Task{}, &Error{Op: "get", ID: id, Kind: KindNotFound}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task, nil
}

// List returns snapshots of all tasks, oldest first.
func (m *Manager) List() []Task {
	return m.list(func(Task) bool { return true })
}

// ListOwner returns snapshots of the tasks created by owner, oldest first.
func (m *Manager) ListOwner(owner string) []Task {
	return m.list(func(t Task) bool { return t.Owner == owner })
}

func (m *Manager) list(keep func(Task) bool) []Task {
	var out []Task
	m.tasks.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		t := e.task
		e.mu.Unlock()
		if keep(t) {
			out = append(out, t)
		}
		return true
	})
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Context returns the context the task's work should observe. It is
// cancelled by Cancel and once the task is terminal.
func (m *Manager) Context(id string) (context.Context, error) {
	e, ok := m.tasks.Load(id)
	if !ok {
		return nil, &Error{Op: "context", ID: id, Kind: KindNotFound}
	}
	return e.ctx, nil
}

// Wait blocks until the task is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Task, error) {
	e, ok := m.tasks.Load(id)
	if !ok {
		return Task{}, &Error{Op: "wait", ID: id, Kind: KindNotFound}
	}
	select {
	case <-e.done:
		return m.Get(id)
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Sweep drops terminal tasks last updated more than the retention window
// before now. It returns how many were dropped.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.retention)
	n := 0
	m.tasks.Range(func(id string, e *entry) bool {
		e.mu.Lock()
		expired := e.task.Status.Terminal() && e.task.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			m.tasks.Delete(id)
			n++
		}
		return true
	})
	if n > 0 {
		m.logger.Debug("swept expired tasks", "count", n)
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Close cancels the context of every task still running.
func (m *Manager) Close() {
	m.stop()
}

// Reporter is handed to work started by Run.
type Reporter struct {
	m  *Manager
	id string
}

// ID returns the task id.
func (r *Reporter) ID() string { return r.id }

// Progress records progress; see Manager.Progress.
func (r *Reporter) Progress(current float64, total *float64, message string) error {
	return r.m.Progress(r.id, current, total, message)
}

// CancelRequested reports whether Cancel was called for the task.
func (r *Reporter) CancelRequested() bool {
	t, err := r.m.Get(r.id)
	return err == nil && t.CancelRequested
}

// WorkFunc is the body of a task.
type WorkFunc func(ctx context.Context, r *Reporter) (any, error)

// Run creates and starts a task and runs work on a new goroutine. The
// outcome of work decides the terminal state: a cancelled task whose work
// returns an error confirms the cancellation, other errors fail it, and a
// nil error completes it.
func (m *Manager) Run(owner string, work WorkFunc) (Task, error) {
	id := m.Create(owner)
	if err := m.Start(id); err != nil {
		return Task{}, err
	}
	ctx, _ := m.Context(id)
	r := &Reporter{m: m, id: id}

	go func() {
		result, err := m.invoke(ctx, r, work)
		var end error
		switch {
		case err != nil && r.CancelRequested():
			end = m.ConfirmCancelled(id)
		case err != nil:
			end = m.Fail(id, err)
		default:
			end = m.Complete(id, result)
		}
		if end != nil && !errors.Is(end, ErrTerminal) {
			m.logger.Warn("could not finish task", "task", id, "err", end)
		}
	}()
	return m.Get(id)
}

func (m *Manager) invoke(ctx context.Context, r *Reporter, work WorkFunc) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("task panicked", "task", r.id, "panic", p)
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return work(ctx, r)
}
