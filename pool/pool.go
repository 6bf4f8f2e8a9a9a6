// Package pool keeps a bounded set of ready connections to one endpoint.
//
// The pool is an arena of fixed slots. Each slot has its own mutex and
// holds at most one connection. Capacity is enforced by a token semaphore:
// a caller holds one token from Acquire until Release, so waiting for a free
// slot never takes a pool-wide lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxiomlabs/mcpkit-sub001/connection"
	"github.com/praxiomlabs/mcpkit-sub001/transport"
)

var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrNotCheckedOut is returned when releasing an entry the caller does not hold.
	ErrNotCheckedOut = errors.New("entry is not checked out")
)

// DialFunc opens a new Ready connection.
type DialFunc func(ctx context.Context) (*connection.Connection, error)

// Dialer returns a DialFunc that dials d and runs the client handshake.
func Dialer(d transport.Dialer, opts ...connection.Option) DialFunc {
	return func(ctx context.Context) (*connection.Connection, error) {
		return connection.Dial(ctx, d, opts...)
	}
}

// Membership is the set an entry belongs to.
type Membership int

const (
	// Vacant slots hold no connection.
	Vacant Membership = iota
	Idle
	CheckedOut
	Draining
)

func (m Membership) String() string {
	switch m {
	case Vacant:
		return "vacant"
	case Idle:
		return "idle"
	case CheckedOut:
		return "checked-out"
	case Draining:
		return "draining"
	}
	return "unknown"
}

// Entry is one slot of the pool.
type Entry struct {
	index int

	mu           sync.Mutex
	conn         *connection.Connection
	membership   Membership
	lastActivity time.Time
	failures     int
}

// Conn returns the entry's connection. It is only meaningful while the
// entry is checked out.
func (e *Entry) Conn() *connection.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Membership returns the entry's current set.
func (e *Entry) Membership() Membership {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.membership
}

// MarkFailed records a failed use. Past the pool's threshold the entry is
// evicted on Release.
func (e *Entry) MarkFailed() {
	e.mu.Lock()
	e.failures++
	e.mu.Unlock()
}

// MarkSucceeded resets the failure counter.
func (e *Entry) MarkSucceeded() {
	e.mu.Lock()
	e.failures = 0
	e.mu.Unlock()
}

// Failures returns the consecutive failure count.
func (e *Entry) Failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// LastActivity returns when the entry was last released or probed.
func (e *Entry) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// Pool is a bounded set of connections to one endpoint.
type Pool struct {
	dial    DialFunc
	slots   []*Entry
	tokens  chan struct{}
	logger  *slog.Logger
	cfg     config
	closed  atomic.Bool
	done    chan struct{}
	stopped sync.WaitGroup
}

type config struct {
	capacity         int
	acquireTimeout   time.Duration
	failureThreshold int
	healthInterval   time.Duration
	probeTimeout     time.Duration
	probeIdleAfter   time.Duration
	closeTimeout     time.Duration
}

// Option configures a Pool.
type Option func(*Pool)

// WithCapacity bounds the number of connections. The default is 4.
func WithCapacity(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.cfg.capacity = n
		}
	}
}

// WithAcquireTimeout bounds how long Acquire waits for a free slot.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.cfg.acquireTimeout = d }
}

// WithFailureThreshold evicts an entry on Release once its consecutive
// failures exceed n. The default is 2.
func WithFailureThreshold(n int) Option {
	return func(p *Pool) { p.cfg.failureThreshold = n }
}

// WithHealthCheck probes idle entries every interval. Zero disables it.
func WithHealthCheck(interval time.Duration) Option {
	return func(p *Pool) { p.cfg.healthInterval = interval }
}

// WithProbe sets the ping timeout of liveness probes and how long an entry
// must have been idle before Acquire probes it. A negative idleAfter
// disables acquire-time pings; the state check still applies.
func WithProbe(timeout, idleAfter time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.cfg.probeTimeout = timeout
		}
		p.cfg.probeIdleAfter = idleAfter
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns an empty pool. Connections are dialed on demand.
func New(dial DialFunc, opts ...Option) *Pool {
	p := &Pool{
		dial:   dial,
		logger: slog.Default(),
		done:   make(chan struct{}),
		cfg: config{
			capacity:         4,
			failureThreshold: 2,
			probeTimeout:     2 * time.Second,
			probeIdleAfter:   5 * time.Second,
			closeTimeout:     5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.slots = make([]*Entry, p.cfg.capacity)
	for i := range p.slots {
		p.slots[i] = &Entry{index: i}
	}
	p.tokens = make(chan struct{}, p.cfg.capacity)
	for i := 0; i < p.cfg.capacity; i++ {
		p.tokens <- struct{}{}
	}
	if p.cfg.healthInterval > 0 {
		p.stopped.Add(1)
		go p.healthLoop()
	}
	return p
}

// Capacity returns the maximum number of connections.
func (p *Pool) Capacity() int { return p.cfg.capacity }

// Acquire returns a checked-out entry with a Ready connection. It reuses an
// idle entry that passes the liveness probe, dials into a vacant slot, or
// waits for a Release.
func (p *Pool) Acquire(ctx context.Context) (*Entry, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if p.cfg.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.acquireTimeout)
		defer cancel()
	}

	select {
	case <-p.tokens:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire: %w", ctx.Err())
	}

	e := p.claim()
	conn, err := p.ready(ctx, e)
	if err != nil {
		e.mu.Lock()
		e.membership = Vacant
		e.conn = nil
		e.failures = 0
		e.mu.Unlock()
		p.tokens <- struct{}{}
		return nil, err
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	return e, nil
}

// claim takes one Idle slot, or a Vacant one when none is idle. The caller
// holds a token, which guarantees such a slot exists; another token holder
// may take the one we saw, so the scan repeats until it succeeds.
func (p *Pool) claim() *Entry {
	for {
		var vacant *Entry
		for _, e := range p.slots {
			e.mu.Lock()
			switch e.membership {
			case Idle:
				e.membership = CheckedOut
				e.mu.Unlock()
				return e
			case Vacant:
				if vacant == nil {
					vacant = e
				}
			}
			e.mu.Unlock()
		}
		if vacant != nil {
			vacant.mu.Lock()
			if vacant.membership == Vacant {
				vacant.membership = CheckedOut
				vacant.mu.Unlock()
				return vacant
			}
			vacant.mu.Unlock()
		}
		runtime.Gosched()
	}
}

// ready returns a usable connection for the claimed entry, probing the
// existing one or dialing a replacement.
func (p *Pool) ready(ctx context.Context, e *Entry) (*connection.Connection, error) {
	e.mu.Lock()
	conn, idleSince := e.conn, e.lastActivity
	e.mu.Unlock()

	if conn != nil {
		if p.alive(ctx, conn, idleSince) {
			return conn, nil
		}
		p.logger.Debug("evicting dead connection", "slot", e.index, "conn", conn.ID())
		p.dispose(conn)
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool dial: %w", err)
	}
	p.logger.Debug("dialed connection", "slot", e.index, "conn", conn.ID())
	return conn, nil
}

// alive is the acquire-time liveness probe: the connection must be Ready,
// and one idle for longer than probeIdleAfter must answer a ping.
func (p *Pool) alive(ctx context.Context, conn *connection.Connection, idleSince time.Time) bool {
	if conn.State() != connection.Ready {
		return false
	}
	if p.cfg.probeIdleAfter < 0 || time.Since(idleSince) < p.cfg.probeIdleAfter {
		return true
	}
	return p.ping(ctx, conn) == nil
}

func (p *Pool) ping(ctx context.Context, conn *connection.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.probeTimeout)
	defer cancel()
	return conn.Ping(ctx)
}

func (p *Pool) dispose(conn *connection.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		p.logger.Debug("closing pooled connection", "conn", conn.ID(), "err", err)
	}
}

// Release returns e to the pool. An entry past the failure threshold, or
// whose connection is no longer Ready, is evicted; its slot is redialed on
// the next demand.
func (p *Pool) Release(e *Entry) error {
	e.mu.Lock()
	if e.membership != CheckedOut {
		e.mu.Unlock()
		return ErrNotCheckedOut
	}
	conn := e.conn
	evict := e.failures > p.cfg.failureThreshold || conn == nil ||
		conn.State() != connection.Ready || p.closed.Load()
	if !evict {
		e.membership = Idle
		e.lastActivity = time.Now()
		e.mu.Unlock()
		p.tokens <- struct{}{}
		return nil
	}
	e.membership = Draining
	e.mu.Unlock()

	if conn != nil {
		p.logger.Debug("evicting connection", "slot", e.index, "conn", conn.ID(), "failures", e.Failures())
		p.dispose(conn)
	}
	e.mu.Lock()
	e.conn = nil
	e.failures = 0
	e.membership = Vacant
	e.mu.Unlock()
	p.tokens <- struct{}{}
	return nil
}

// Do acquires an entry, runs fn on its connection and releases it. A
// transport failure from fn counts against the entry.
func (p *Pool) Do(ctx context.Context, fn func(*connection.Connection) error) error {
	e, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(e.Conn())
	switch {
	case err == nil:
		e.MarkSucceeded()
	case transport.IsTransportError(err), errors.Is(err, connection.ErrClosed):
		e.MarkFailed()
	}
	if rerr := p.Release(e); rerr != nil {
		p.logger.Warn("release failed", "err", rerr)
	}
	return err
}

// Stats counts entries per membership.
func (p *Pool) Stats() map[Membership]int {
	stats := make(map[Membership]int, 4)
	for _, e := range p.slots {
		stats[e.Membership()]++
	}
	return stats
}

func (p *Pool) healthLoop() {
	defer p.stopped.Done()
	ticker := time.NewTicker(p.cfg.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.CheckHealth(context.Background())
		case <-p.done:
			return
		}
	}
}

// CheckHealth probes every idle entry once. Entries that fail are moved to
// Draining, closed and vacated. Entries in use are skipped.
func (p *Pool) CheckHealth(ctx context.Context) {
	for _, e := range p.slots {
		// A token keeps the capacity accounting exact while the entry is out.
		select {
		case <-p.tokens:
		default:
			return
		}
		e.mu.Lock()
		if e.membership != Idle {
			e.mu.Unlock()
			p.tokens <- struct{}{}
			continue
		}
		e.membership = CheckedOut
		conn := e.conn
		e.mu.Unlock()

		err := p.ping(ctx, conn)
		if err == nil && conn.State() == connection.Ready {
			e.mu.Lock()
			e.membership = Idle
			e.lastActivity = time.Now()
			e.mu.Unlock()
			p.tokens <- struct{}{}
			continue
		}

		p.logger.Info("health check failed, draining connection", "slot", e.index, "conn", conn.ID(), "err", err)
		e.mu.Lock()
		e.membership = Draining
		e.mu.Unlock()
		p.dispose(conn)
		e.mu.Lock()
		e.conn = nil
		e.failures = 0
		e.membership = Vacant
		e.mu.Unlock()
		p.tokens <- struct{}{}
	}
}

// Close stops health checks and closes every idle connection. Entries still
// checked out are closed when released.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.done)
	p.stopped.Wait()

	for _, e := range p.slots {
		e.mu.Lock()
		if e.membership != Idle {
			e.mu.Unlock()
			continue
		}
		e.membership = Draining
		conn := e.conn
		e.mu.Unlock()

		p.dispose(conn)
		e.mu.Lock()
		e.conn = nil
		e.membership = Vacant
		e.mu.Unlock()
	}
	return nil
}
