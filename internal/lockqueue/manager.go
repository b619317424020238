// Package lockqueue serializes work per named resource. Each resource key has a lazily
// created queue that runs one job at a time; unrelated keys run concurrently.
package lockqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/metrics"
)

// Default timings.
const (
	DefaultJobTimeout = 60 * time.Second
	DefaultSlowStart  = time.Second
)

var (
	// ErrJobTimeout is returned when a job overran its timeout. The lock was released;
	// the job itself keeps running in the background.
	ErrJobTimeout = errors.New("lock job timed out")

	// ErrJobPanicked is returned when a job panicked.
	ErrJobPanicked = errors.New("lock job panicked")

	// ErrLockOrder is returned when locks are requested outside the rundown, studio,
	// playlist order, or a playlist lock is requested without its studio lock.
	ErrLockOrder = errors.New("lock order violation")

	// ErrReentrantLock is returned when a job requests a key it already holds.
	ErrReentrantLock = errors.New("lock already held by caller")

	// ErrDraining is returned for new work while DrainAndWait is in progress.
	ErrDraining = errors.New("lock queues are draining")
)

// Config configures a Manager.
type Config struct {
	// JobTimeout is the absolute limit for one job once it holds the lock.
	JobTimeout time.Duration

	// SlowStart is how long a job may wait for its lock before a warning is logged.
	SlowStart time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager owns the queues of every resource key.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	queues      map[string]*queue
	seq         uint64
	draining    int
	overrunning int
	idleWaiters []chan struct{}
}

// NewManager returns a Manager. Zero config values are replaced by defaults.
func NewManager(cfg Config) *Manager {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.SlowStart <= 0 {
		cfg.SlowStart = DefaultSlowStart
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "lockqueue"),
		queues: make(map[string]*queue),
	}
}

// WithLock runs fn once it holds key, and returns what fn returns. Jobs on the same key
// run one at a time in submission order, except that a higher priority job is started
// before lower priority jobs that are still waiting.
//
// If ctx ends while the job is waiting, the job is dropped and ctx.Err() returned.
// Once running, fn is not cancelled by the queue: on timeout the lock is handed on
// and ErrJobTimeout returned while fn finishes in the background.
func (m *Manager) WithLock(ctx context.Context, key string, prio Priority, name string, fn func(ctx context.Context) error) error {
	return m.withLock(ctx, key, prio, name, func(ctx context.Context, _ *grant) error {
		return fn(ctx)
	})
}

// WithLockResult is WithLock for jobs that produce a value.
func WithLockResult[T any](ctx context.Context, m *Manager, key string, prio Priority, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.WithLock(ctx, key, prio, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RunWithRundownLock runs fn holding the rundown's lock. Rundown locks sit outside the
// studio hierarchy and must be taken before any studio or playlist lock.
func (m *Manager) RunWithRundownLock(ctx context.Context, rundownID model.RundownID, prio Priority, name string, fn func(ctx context.Context) error) error {
	return m.WithLock(ctx, RundownKey(rundownID), prio, name, fn)
}

func (m *Manager) withLock(ctx context.Context, key string, prio Priority, name string, fn func(ctx context.Context, g *grant) error) error {
	if err := checkOrder(ctx, key); err != nil {
		return fmt.Errorf("%s on %s: %w", name, key, err)
	}
	q, j, err := m.enqueue(ctx, key, prio, name)
	if err != nil {
		return err
	}
	if err := m.wait(ctx, q, j); err != nil {
		return err
	}
	return m.run(ctx, q, j, fn)
}

func (m *Manager) enqueue(ctx context.Context, key string, prio Priority, name string) (*queue, *job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// nested acquisitions are part of work that is already running and must finish
	if m.draining > 0 && len(activeGrants(ctx)) == 0 {
		return nil, nil, fmt.Errorf("%s on %s: %w", name, key, ErrDraining)
	}
	q, ok := m.queues[key]
	if !ok {
		q = &queue{key: key}
		m.queues[key] = q
	}
	m.seq++
	j := &job{
		name:     name,
		priority: prio,
		seq:      m.seq,
		queued:   time.Now(),
		granted:  make(chan struct{}),
		index:    -1,
	}
	q.push(j)
	q.dispatch()
	return q, j, nil
}

func (m *Manager) wait(ctx context.Context, q *queue, j *job) error {
	slow := time.NewTimer(m.cfg.SlowStart)
	defer slow.Stop()
	for {
		select {
		case <-j.granted:
			m.cfg.Metrics.ObserveLockWait(time.Since(j.queued).Seconds())
			return nil
		case <-slow.C:
			m.mu.Lock()
			ahead := q.namesAhead(j)
			m.mu.Unlock()
			m.log.Warn("lock job slow to start",
				"key", q.key,
				"job", j.name,
				"waited", time.Since(j.queued).String(),
				"queued_behind", strings.Join(ahead, ", "),
			)
		case <-ctx.Done():
			m.mu.Lock()
			select {
			case <-j.granted:
				// granted while giving up: hand the lock on
				q.running = nil
				q.dispatch()
			default:
				q.remove(j)
			}
			m.cleanupLocked(q)
			m.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (m *Manager) run(ctx context.Context, q *queue, j *job, fn func(ctx context.Context, g *grant) error) error {
	g := &grant{key: q.key}
	jobCtx := context.WithValue(ctx, heldKey{}, append(activeGrants(ctx), g))
	started := time.Now()

	done := make(chan error, 1)
	go func() {
		done <- call(jobCtx, g, fn)
	}()

	timer := time.NewTimer(m.cfg.JobTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		g.revoked.Store(true)
		m.release(q, j)
		return err
	case <-timer.C:
		g.revoked.Store(true)
		m.cfg.Metrics.IncLockTimeouts()
		m.log.Error("lock job timed out, releasing lock",
			"key", q.key,
			"job", j.name,
			"timeout", m.cfg.JobTimeout.String(),
		)
		m.mu.Lock()
		m.overrunning++
		m.mu.Unlock()
		m.release(q, j)
		go m.awaitLate(q.key, j.name, started, done)
		return fmt.Errorf("%s on %s: %w", j.name, q.key, ErrJobTimeout)
	}
}

func (m *Manager) awaitLate(key, name string, started time.Time, done <-chan error) {
	err := <-done
	attrs := []any{"key", key, "job", name, "ran_for", time.Since(started).String()}
	if err != nil {
		attrs = append(attrs, "error", err.Error())
	}
	m.log.Error("timed out lock job completed late", attrs...)
	m.mu.Lock()
	m.overrunning--
	m.notifyIdleLocked()
	m.mu.Unlock()
}

func call(ctx context.Context, g *grant, fn func(ctx context.Context, g *grant) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrJobPanicked, r, debug.Stack())
		}
	}()
	return fn(ctx, g)
}

func (m *Manager) release(q *queue, j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.running == j {
		q.running = nil
	}
	q.dispatch()
	m.cleanupLocked(q)
}

// cleanupLocked drops idle queues so keys do not accumulate.
func (m *Manager) cleanupLocked(q *queue) {
	if q.idle() && m.queues[q.key] == q {
		delete(m.queues, q.key)
	}
	m.notifyIdleLocked()
}

func (m *Manager) notifyIdleLocked() {
	if len(m.queues) > 0 || m.overrunning > 0 {
		return
	}
	for _, ch := range m.idleWaiters {
		close(ch)
	}
	m.idleWaiters = nil
}

// DrainAndWait rejects new work and waits until every queue is empty and no timed out
// job is still running. New work is accepted again once it returns.
func (m *Manager) DrainAndWait(ctx context.Context) error {
	m.mu.Lock()
	if len(m.queues) == 0 && m.overrunning == 0 {
		m.mu.Unlock()
		return nil
	}
	m.draining++
	ch := make(chan struct{})
	m.idleWaiters = append(m.idleWaiters, ch)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.draining--
		m.mu.Unlock()
	}()

	m.log.Info("draining lock queues")
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAnyWorkRunning reports whether any job is running or waiting, including timed out
// jobs that have not finished yet.
func (m *Manager) IsAnyWorkRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues) > 0 || m.overrunning > 0
}

// Stats is a point-in-time view of the queues.
type Stats struct {
	Keys        int `json:"keys"`
	Running     int `json:"running"`
	Pending     int `json:"pending"`
	Overrunning int `json:"overrunning"`
}

// Stats returns the current queue counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Keys: len(m.queues), Overrunning: m.overrunning}
	for _, q := range m.queues {
		if q.running != nil {
			s.Running++
		}
		s.Pending += len(q.pending)
	}
	return s
}

// grant is a held lock, carried in the job's context.
type grant struct {
	key     string
	revoked atomic.Bool
}

type heldKey struct{}

func activeGrants(ctx context.Context) []*grant {
	held, _ := ctx.Value(heldKey{}).([]*grant)
	out := make([]*grant, 0, len(held)+1)
	for _, g := range held {
		if !g.revoked.Load() {
			out = append(out, g)
		}
	}
	return out
}

// IsHeld reports whether ctx belongs to a job currently holding key.
func IsHeld(ctx context.Context, key string) bool {
	for _, g := range activeGrants(ctx) {
		if g.key == key {
			return true
		}
	}
	return false
}
