package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rundown-orchestrator/internal/platform/metrics"
	"rundown-orchestrator/internal/store"
)

// Default session timings.
const (
	DefaultLifetime  = 30 * time.Second
	DefaultTierYield = 5 * time.Millisecond
)

// Options configures sessions.
type Options struct {
	// Development turns programming errors into panics.
	Development bool
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Registry    *Registry

	// Lifetime is how long a session may stay open before the watchdog logs it.
	Lifetime time.Duration

	// TierYield is the pause between writing the high and the low tier.
	TierYield time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Lifetime <= 0 {
		o.Lifetime = DefaultLifetime
	}
	if o.TierYield < 0 {
		o.TierYield = 0
	}
	return o
}

type sessionState int

const (
	stateActive sessionState = iota
	stateCommitted
	stateDiscarded
)

func (s sessionState) String() string {
	switch s {
	case stateCommitted:
		return "committed"
	case stateDiscarded:
		return "discarded"
	default:
		return "active"
	}
}

// CommitStats reports how many documents a Commit wrote.
type CommitStats struct {
	Added   int
	Updated int
	Removed int
}

// Total returns the number of documents touched.
func (s CommitStats) Total() int { return s.Added + s.Updated + s.Removed }

// Session is one unit of work over a scoped set of staged collections. Everything
// mutated through its collections is written by Commit in one pass, or thrown away
// by Discard. Deferred functions run in two explicit phases: before the write (still
// allowed to mutate) and after a successful write (no longer allowed to touch the cache).
type Session struct {
	id     string
	name   string
	store  store.Store
	opts   Options
	guard  Guard
	log    *slog.Logger
	opened time.Time

	mu       sync.Mutex
	state    sessionState
	removal  bool
	watchdog *time.Timer

	members   []member
	preCommit []func(ctx context.Context) error
	postSave  []func()
}

// NewSession opens a unit of work against st. name describes it in logs.
func NewSession(st store.Store, name string, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:     uuid.NewString(),
		name:   name,
		store:  st,
		opts:   opts,
		opened: time.Now(),
	}
	s.log = opts.Logger.With("component", "cache", "session", name, "session_id", s.id)
	s.guard = Guard{Development: opts.Development, Log: s.log}
	s.watchdog = time.AfterFunc(opts.Lifetime, s.expired)
	opts.Registry.add(SessionInfo{ID: s.id, Name: name, Opened: s.opened})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Name returns the session description.
func (s *Session) Name() string { return s.name }

// Store returns the backing store, for restoring content that was loaded outside the session.
func (s *Session) Store() store.Store { return s.store }

// Guard returns the session's programming error policy.
func (s *Session) Guard() Guard { return s.guard }

// IsActive reports whether the session is neither committed nor discarded.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateActive
}

// Defer queues fn to run at the start of Commit, before anything is written.
// fn may mutate the cache and may defer further functions.
func (s *Session) Defer(fn func(ctx context.Context) error) {
	if !s.checkActive("defer") {
		return
	}
	s.preCommit = append(s.preCommit, fn)
}

// DeferAfterSave queues fn to run after a successful Commit.
func (s *Session) DeferAfterSave(fn func()) {
	if !s.checkActive("defer after save") {
		return
	}
	s.postSave = append(s.postSave, fn)
}

// MarkForRemoval flags every collection of the session for deletion. Commit then deletes
// everything that was loaded from the store and later writes are ignored.
func (s *Session) MarkForRemoval() {
	if !s.checkActive("mark for removal") {
		return
	}
	s.mu.Lock()
	s.removal = true
	s.mu.Unlock()
	for _, m := range s.members {
		m.markForRemoval()
	}
}

// IsMarkedForRemoval reports whether MarkForRemoval was called.
func (s *Session) IsMarkedForRemoval() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removal
}

// HasChanges reports whether Commit would write anything.
func (s *Session) HasChanges() bool {
	for _, m := range s.members {
		b, err := m.pending()
		if err != nil || !b.Empty() {
			return true
		}
	}
	return false
}

// AssertNoChanges fails loudly if anything was mutated: a panic in development,
// a warning in production.
func (s *Session) AssertNoChanges() {
	var changed []string
	for _, m := range s.members {
		if b, err := m.pending(); err != nil || !b.Empty() {
			changed = append(changed, m.collectionName())
		}
	}
	if len(changed) == 0 {
		return
	}
	if s.guard.Development {
		s.guard.Violation("assert no changes", ErrUnexpectedChanges, "collections", changed)
		return
	}
	s.log.Warn("cache has unexpected changes", "collections", changed)
}

// Discard reverts every collection to what was loaded and closes the session.
func (s *Session) Discard() {
	if !s.close(stateDiscarded, "discard") {
		return
	}
	for _, m := range s.members {
		m.revert()
	}
	s.preCommit = nil
	s.postSave = nil
	s.opts.Metrics.IncCacheSession("discarded")
}

// Commit runs the deferred functions, writes the high tier, yields briefly, writes the low
// tier, closes the session and finally runs the after-save functions.
//
// If a deferred function fails the session is discarded and its error returned. If a write
// fails the session is closed with whatever was already written; the caller is expected to
// redeliver the whole operation.
func (s *Session) Commit(ctx context.Context) (CommitStats, error) {
	if !s.checkActive("commit") {
		return CommitStats{}, ErrSessionClosed
	}

	for i := 0; i < len(s.preCommit); i++ {
		if err := s.preCommit[i](ctx); err != nil {
			s.Discard()
			return CommitStats{}, fmt.Errorf("deferred function: %w", err)
		}
	}

	high, low, err := s.batches()
	if err != nil {
		s.fail("encode")
		return CommitStats{}, err
	}

	var stats CommitStats
	if err := s.writeTier(ctx, high, &stats); err != nil {
		s.fail("high tier")
		return stats, err
	}
	if len(high) > 0 && len(low) > 0 && s.opts.TierYield > 0 {
		// let the playback-visible write propagate before the bulk of the data
		select {
		case <-ctx.Done():
			s.fail("yield")
			return stats, ctx.Err()
		case <-time.After(s.opts.TierYield):
		}
	}
	if err := s.writeTier(ctx, low, &stats); err != nil {
		s.fail("low tier")
		return stats, err
	}

	for _, m := range s.members {
		m.saved()
	}
	s.close(stateCommitted, "commit")
	s.opts.Metrics.IncCacheSession("committed")
	s.log.Debug("cache committed", "added", stats.Added, "updated", stats.Updated, "removed", stats.Removed)

	for _, fn := range s.postSave {
		s.runAfterSave(fn)
	}
	s.postSave = nil
	return stats, nil
}

type pendingBatch struct {
	name  string
	batch store.Batch
}

func (s *Session) batches() (high, low []pendingBatch, err error) {
	for _, m := range s.members {
		b, err := m.pending()
		if err != nil {
			return nil, nil, err
		}
		if b.Empty() {
			continue
		}
		pb := pendingBatch{name: m.collectionName(), batch: b}
		if m.collectionTier() == TierHigh {
			high = append(high, pb)
		} else {
			low = append(low, pb)
		}
	}
	return high, low, nil
}

func (s *Session) writeTier(ctx context.Context, batches []pendingBatch, stats *CommitStats) error {
	if len(batches) == 0 {
		return nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, pb := range batches {
		g.Go(func() error {
			c, err := s.store.WriteBatch(gctx, pb.name, pb.batch)
			if err != nil {
				return fmt.Errorf("write %s: %w", pb.name, err)
			}
			mu.Lock()
			stats.Added += c.Inserted
			stats.Updated += c.Replaced
			stats.Removed += c.Deleted
			mu.Unlock()
			s.opts.Metrics.AddDocumentsWritten(pb.name, "insert", c.Inserted)
			s.opts.Metrics.AddDocumentsWritten(pb.name, "replace", c.Replaced)
			s.opts.Metrics.AddDocumentsWritten(pb.name, "delete", c.Deleted)
			return nil
		})
	}
	return g.Wait()
}

func (s *Session) runAfterSave(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("after-save function panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (s *Session) fail(stage string) {
	s.close(stateDiscarded, "commit")
	s.opts.Metrics.IncCacheSession("failed")
	s.log.Error("cache commit failed", "stage", stage)
}

// close moves the session out of the active state. It reports false (after flagging the
// misuse) if the session was already closed.
func (s *Session) close(to sessionState, op string) bool {
	s.mu.Lock()
	if s.state != stateActive {
		from := s.state
		s.mu.Unlock()
		s.guard.Violation(op, ErrSessionClosed, "state", from.String())
		return false
	}
	s.state = to
	s.watchdog.Stop()
	s.mu.Unlock()
	s.opts.Registry.remove(s.id)
	return true
}

func (s *Session) checkActive(op string) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != stateActive {
		s.guard.Violation(op, ErrSessionClosed, "state", state.String())
		return false
	}
	return true
}

func (s *Session) checkReadable(op string) {
	s.mu.Lock()
	state, removal := s.state, s.removal
	s.mu.Unlock()
	switch {
	case state != stateActive:
		s.guard.Violation(op, ErrSessionClosed, "state", state.String())
	case removal:
		s.guard.Violation(op, ErrMarkedForRemoval)
	}
}

func (s *Session) register(m member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removal {
		m.markForRemoval()
	}
	s.members = append(s.members, m)
}

func (s *Session) expired() {
	s.mu.Lock()
	active := s.state == stateActive
	s.mu.Unlock()
	if !active {
		return
	}
	s.opts.Metrics.IncCacheWatchdog()
	s.log.Error("cache session was neither committed nor discarded",
		"open_for", time.Since(s.opened).String())
}

// SessionInfo describes an open session.
type SessionInfo struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Opened time.Time `json:"opened"`
}

// Registry tracks open sessions. It is owned by the service root; a nil Registry is valid
// and tracks nothing.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]SessionInfo
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]SessionInfo)}
}

// Active returns the open sessions, oldest first.
func (r *Registry) Active() []SessionInfo {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Opened.Before(out[j].Opened) })
	return out
}

func (r *Registry) add(info SessionInfo) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sessions[info.ID] = info
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}
