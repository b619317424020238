package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/logger"
	"rundown-orchestrator/internal/store"
)

// recordingStore remembers the order of batch writes.
type recordingStore struct {
	*store.MemoryStore
	mu     sync.Mutex
	writes []string
	fail   string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *recordingStore) WriteBatch(ctx context.Context, collection string, b store.Batch) (store.Counts, error) {
	if collection == s.fail {
		return store.Counts{}, errors.New("disk full")
	}
	s.mu.Lock()
	s.writes = append(s.writes, collection)
	s.mu.Unlock()
	return s.MemoryStore.WriteBatch(ctx, collection, b)
}

func seed[T model.Doc](t *testing.T, st store.Store, collection string, docs ...T) {
	t.Helper()
	var b store.Batch
	for _, d := range docs {
		enc, err := json.Marshal(d)
		require.NoError(t, err)
		b.Insert = append(b.Insert, store.Document{ID: d.DocID(), Data: enc})
	}
	_, err := st.WriteBatch(context.Background(), collection, b)
	require.NoError(t, err)
}

func prodOpts() Options {
	return Options{Logger: logger.Discard(), TierYield: time.Millisecond}
}

func devOpts() Options {
	o := prodOpts()
	o.Development = true
	return o
}

func seedSegments(t *testing.T, st store.Store) {
	seed(t, st, model.CollectionSegments,
		model.Segment{ID: "s1", RundownID: "r1", ExternalID: "A", Rank: 0, Name: "Intro",
			Notes: []model.Note{{Severity: model.NoteWarning, Message: "check"}}},
		model.Segment{ID: "s2", RundownID: "r1", ExternalID: "B", Rank: 1, Name: "News"},
		model.Segment{ID: "s3", RundownID: "r2", ExternalID: "C", Rank: 0, Name: "Other"},
	)
}

func TestCommit_roundTripWithoutChangesWritesNothing(t *testing.T) {
	st := newRecordingStore()
	seedSegments(t, st)
	st.writes = nil

	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, segs.Len())

	// a no-op update still must not register as a change
	ok, err := segs.Update("s1", func(s model.Segment) model.Segment { return s })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, sess.HasChanges())

	stats, err := sess.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CommitStats{}, stats)
	assert.Empty(t, st.writes)
}

func TestCommit_writesMinimalChangeSet(t *testing.T) {
	st := newRecordingStore()
	seedSegments(t, st)
	ctx := context.Background()

	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
	require.NoError(t, err)

	segs.Insert(model.Segment{ID: "s4", RundownID: "r1", ExternalID: "D", Rank: 2})
	_, err = segs.Update("s2", func(s model.Segment) model.Segment {
		s.Name = "Headlines"
		return s
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, segs.RemoveWhere(func(s model.Segment) bool { return s.ExternalID == "A" }))

	stats, err := sess.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, CommitStats{Added: 1, Updated: 1, Removed: 1}, stats)
	assert.Equal(t, 3, stats.Total())

	got, err := st.FindMatching(ctx, model.CollectionSegments, store.Eq("rundownId", "r1"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "s2", got[0].ID)
	assert.Contains(t, string(got[0].Data), "Headlines")
	assert.Equal(t, "s4", got[1].ID)
}

func TestDiscard_revertsToLoadedState(t *testing.T) {
	st := newRecordingStore()
	seedSegments(t, st)
	st.writes = nil
	ctx := context.Background()

	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
	require.NoError(t, err)
	before := segs.Find(nil)

	_, err = segs.Update("s1", func(s model.Segment) model.Segment {
		s.Notes = append(s.Notes, model.Note{Severity: model.NoteError, Message: "x"})
		s.Rank = 9
		return s
	})
	require.NoError(t, err)
	segs.Remove("s2")
	segs.Insert(model.Segment{ID: "s9", RundownID: "r1"})

	sess.Discard()
	assert.Equal(t, before, segs.docsForTest())
	assert.Empty(t, st.writes)
}

func TestUpdate_mutatorGetsPrivateCopy(t *testing.T) {
	st := newRecordingStore()
	seedSegments(t, st)
	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
	require.NoError(t, err)

	orig, _ := segs.FindByID("s1")
	_, err = segs.Update("s1", func(s model.Segment) model.Segment {
		s.Notes[0].Message = "changed"
		return s
	})
	require.NoError(t, err)
	assert.Equal(t, "check", orig.Notes[0].Message)
	sess.Discard()
}

func TestUpdate_idChangeIsHardFailure(t *testing.T) {
	for _, opts := range []Options{prodOpts(), devOpts()} {
		st := newRecordingStore()
		seedSegments(t, st)
		sess := NewSession(st, "test", opts)
		segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
		require.NoError(t, err)

		_, err = segs.Update("s1", func(s model.Segment) model.Segment {
			s.ID = "other"
			return s
		})
		assert.ErrorIs(t, err, ErrIDChanged)

		_, err = segs.UpdateWhere(func(model.Segment) bool { return true }, func(s model.Segment) model.Segment {
			if s.ID == "s2" {
				s.ID = "other"
			}
			s.Name = "renamed"
			return s
		})
		assert.ErrorIs(t, err, ErrIDChanged)
		s1, _ := segs.FindByID("s1")
		assert.Equal(t, "Intro", s1.Name, "UpdateWhere must be all or nothing")
		sess.Discard()
	}
}

func TestOptionalSingle_replaceWithOtherIDFails(t *testing.T) {
	st := newRecordingStore()
	sess := NewSession(st, "test", prodOpts())
	rd, err := LoadOptionalSingle[model.Rundown](context.Background(), sess, model.CollectionRundowns, TierLow, "r1")
	require.NoError(t, err)
	assert.False(t, rd.WasLoaded())
	_, ok := rd.Get()
	assert.False(t, ok)

	assert.ErrorIs(t, rd.Replace(model.Rundown{ID: "r2"}), ErrIDChanged)
	require.NoError(t, rd.Replace(model.Rundown{ID: "r1", Name: "Show"}))
	assert.True(t, rd.HasChanges())

	stats, err := sess.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)
}

func TestLoadSingle_missingIsNotFound(t *testing.T) {
	sess := NewSession(newRecordingStore(), "test", prodOpts())
	_, err := LoadSingle[model.Studio](context.Background(), sess, model.CollectionStudios, TierLow, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	sess.Discard()
}

func TestInsert_duplicateID(t *testing.T) {
	t.Run("development panics", func(t *testing.T) {
		st := newRecordingStore()
		seedSegments(t, st)
		sess := NewSession(st, "test", devOpts())
		segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
		require.NoError(t, err)
		assert.PanicsWithError(t, "cache insert segments: duplicate document id", func() {
			segs.Insert(model.Segment{ID: "s1"})
		})
		sess.Discard()
	})
	t.Run("production logs and skips", func(t *testing.T) {
		st := newRecordingStore()
		seedSegments(t, st)
		var buf bytes.Buffer
		opts := prodOpts()
		opts.Logger = logger.NewWithWriter(&buf, "debug", "json")
		sess := NewSession(st, "test", opts)
		segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
		require.NoError(t, err)
		segs.Insert(model.Segment{ID: "s1", Name: "dup"})
		s1, _ := segs.FindByID("s1")
		assert.Equal(t, "Intro", s1.Name)
		assert.Contains(t, buf.String(), "cache misuse")
		sess.Discard()
	})
}

func TestClosedSession_misuse(t *testing.T) {
	st := newRecordingStore()
	seedSegments(t, st)

	sess := NewSession(st, "test", devOpts())
	segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)
	_, err = sess.Commit(context.Background())
	require.NoError(t, err)

	var pe *ProgrammingError
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			var ok bool
			pe, ok = r.(*ProgrammingError)
			require.True(t, ok)
		}()
		segs.FindByID("s1")
	}()
	assert.ErrorIs(t, pe, ErrSessionClosed)
	assert.Panics(t, func() { sess.Discard() })

	prod := NewSession(st, "test", prodOpts())
	prod.Discard()
	_, err = prod.Commit(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestMarkForRemoval(t *testing.T) {
	t.Run("deletes everything loaded", func(t *testing.T) {
		st := newRecordingStore()
		seedSegments(t, st)
		ctx := context.Background()
		sess := NewSession(st, "test", prodOpts())
		segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r1"))
		require.NoError(t, err)

		sess.MarkForRemoval()
		segs.Insert(model.Segment{ID: "s5", RundownID: "r1"}) // dropped silently in production
		stats, err := sess.Commit(ctx)
		require.NoError(t, err)
		assert.Equal(t, CommitStats{Removed: 2}, stats)
		assert.Equal(t, 1, st.Count(model.CollectionSegments))
	})
	t.Run("collections loaded afterwards are marked too", func(t *testing.T) {
		st := newRecordingStore()
		seedSegments(t, st)
		ctx := context.Background()
		sess := NewSession(st, "test", prodOpts())
		sess.MarkForRemoval()
		_, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, store.Eq("rundownId", "r2"))
		require.NoError(t, err)
		stats, err := sess.Commit(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Removed)
	})
	t.Run("development rejects writes", func(t *testing.T) {
		st := newRecordingStore()
		seedSegments(t, st)
		sess := NewSession(st, "test", devOpts())
		segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, nil)
		require.NoError(t, err)
		sess.MarkForRemoval()
		assert.Panics(t, func() { segs.Remove("s1") })
		assert.Panics(t, func() { segs.Find(nil) })
	})
}

func TestAssertNoChanges(t *testing.T) {
	st := newRecordingStore()
	seedSegments(t, st)

	sess := NewSession(st, "test", devOpts())
	segs, err := LoadCollection[model.Segment](context.Background(), sess, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)
	assert.NotPanics(t, sess.AssertNoChanges)
	segs.Remove("s3")
	assert.Panics(t, sess.AssertNoChanges)
	sess.Discard()

	var buf bytes.Buffer
	opts := prodOpts()
	opts.Logger = logger.NewWithWriter(&buf, "info", "text")
	prod := NewSession(st, "test", opts)
	segs, err = LoadCollection[model.Segment](context.Background(), prod, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)
	segs.Remove("s3")
	prod.AssertNoChanges()
	assert.Contains(t, buf.String(), "cache has unexpected changes")
	prod.Discard()
}

func TestCommit_highTierFirst(t *testing.T) {
	st := newRecordingStore()
	ctx := context.Background()
	sess := NewSession(st, "test", prodOpts())

	segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)
	parts, err := LoadCollection[model.Part](ctx, sess, model.CollectionParts, TierLow, nil)
	require.NoError(t, err)
	insts, err := LoadCollection[model.PartInstance](ctx, sess, model.CollectionPartInstances, TierHigh, nil)
	require.NoError(t, err)

	segs.Insert(model.Segment{ID: "s1"})
	parts.Insert(model.Part{ID: "p1"})
	insts.Insert(model.PartInstance{ID: "i1"})

	_, err = sess.Commit(ctx)
	require.NoError(t, err)
	require.Len(t, st.writes, 3)
	assert.Equal(t, model.CollectionPartInstances, st.writes[0])
	assert.ElementsMatch(t, []string{model.CollectionSegments, model.CollectionParts}, st.writes[1:])
}

func TestCommit_writeFailureClosesSession(t *testing.T) {
	st := newRecordingStore()
	st.fail = model.CollectionSegments
	ctx := context.Background()
	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)
	insts, err := LoadCollection[model.PartInstance](ctx, sess, model.CollectionPartInstances, TierHigh, nil)
	require.NoError(t, err)
	segs.Insert(model.Segment{ID: "s1"})
	insts.Insert(model.PartInstance{ID: "i1"})

	stats, err := sess.Commit(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Added, "the high tier is already written")
	assert.False(t, sess.IsActive())
}

func TestDeferredFunctions(t *testing.T) {
	st := newRecordingStore()
	ctx := context.Background()
	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)

	var order []string
	sess.DeferAfterSave(func() {
		order = append(order, "after")
		assert.Equal(t, 1, st.Count(model.CollectionSegments))
	})
	sess.DeferAfterSave(func() { panic("boom") })
	sess.Defer(func(ctx context.Context) error {
		order = append(order, "before")
		segs.Insert(model.Segment{ID: "s1"})
		sess.Defer(func(ctx context.Context) error {
			order = append(order, "nested")
			return nil
		})
		return nil
	})

	_, err = sess.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "nested", "after"}, order)
}

func TestDeferredFailureDiscards(t *testing.T) {
	st := newRecordingStore()
	ctx := context.Background()
	sess := NewSession(st, "test", prodOpts())
	segs, err := LoadCollection[model.Segment](ctx, sess, model.CollectionSegments, TierLow, nil)
	require.NoError(t, err)
	segs.Insert(model.Segment{ID: "s1"})

	afterRan := false
	sess.DeferAfterSave(func() { afterRan = true })
	sess.Defer(func(context.Context) error { return errors.New("nope") })

	_, err = sess.Commit(ctx)
	require.Error(t, err)
	assert.False(t, afterRan)
	assert.Equal(t, 0, st.Count(model.CollectionSegments))
}

func TestWatchdog_logsAbandonedSession(t *testing.T) {
	var buf syncBuffer
	opts := prodOpts()
	opts.Logger = logger.NewWithWriter(&buf, "info", "text")
	opts.Lifetime = 10 * time.Millisecond
	sess := NewSession(newRecordingStore(), "abandoned", opts)

	require.Eventually(t, func() bool {
		return bytes.Contains(buf.Bytes(), []byte("neither committed nor discarded"))
	}, time.Second, 5*time.Millisecond)
	sess.Discard()
}

func TestRegistry_tracksOpenSessions(t *testing.T) {
	reg := NewRegistry()
	opts := prodOpts()
	opts.Registry = reg

	a := NewSession(newRecordingStore(), "a", opts)
	b := NewSession(newRecordingStore(), "b", opts)
	active := reg.Active()
	require.Len(t, active, 2)

	a.Discard()
	_, err := b.Commit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reg.Active())

	var nilReg *Registry
	assert.Nil(t, nilReg.Active())
}

func TestIngestAndPlayoutCaches(t *testing.T) {
	st := newRecordingStore()
	ctx := context.Background()
	seed(t, st, model.CollectionStudios, model.Studio{ID: "studio0"})
	seed(t, st, model.CollectionPlaylists, model.Playlist{ID: "pl1", StudioID: "studio0", RundownIDsInOrder: []model.RundownID{"r1"}})
	seed(t, st, model.CollectionRundowns, model.Rundown{ID: "r1", StudioID: "studio0", PlaylistID: "pl1"})
	seedSegments(t, st)
	seed(t, st, model.CollectionParts,
		model.Part{ID: "p1", RundownID: "r1", SegmentID: "s1", Rank: 0},
		model.Part{ID: "p2", RundownID: "r1", SegmentID: "s2", Rank: 0},
	)

	ic, err := LoadIngestCache(ctx, st, prodOpts(), "studio0", "r1")
	require.NoError(t, err)
	assert.True(t, ic.Rundown.WasLoaded())
	assert.Equal(t, 2, ic.Segments.Len())
	_, ok := ic.PreviousSnapshot()
	assert.False(t, ok)

	pc, err := LoadPlayoutCache(ctx, ic.Session, "studio0", "pl1")
	require.NoError(t, err)
	require.Len(t, pc.OrderedParts(), 2)

	ic.Parts.Insert(model.Part{ID: "p3", RundownID: "r1", SegmentID: "s1", Rank: 1})
	ic.Parts.Remove("p2")
	pc.SyncIngest(ic)

	ids := make([]model.PartID, 0)
	for _, p := range pc.OrderedParts() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []model.PartID{"p1", "p3"}, ids)

	pc.PartInstances.Insert(model.PartInstance{ID: "i1", PlaylistID: "pl1"})
	st.writes = nil
	_, err = ic.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionPartInstances, st.writes[0])

	_, err = LoadIngestCache(ctx, st, prodOpts(), "missing", "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIngestCache_markForRemovalLeavesPlayoutAlone(t *testing.T) {
	st := newRecordingStore()
	ctx := context.Background()
	seed(t, st, model.CollectionStudios, model.Studio{ID: "studio0"})
	seed(t, st, model.CollectionRundowns, model.Rundown{ID: "r1", PlaylistID: "pl1"})
	seed(t, st, model.CollectionPlaylists, model.Playlist{ID: "pl1", RundownIDsInOrder: []model.RundownID{"r1"}})
	seedSegments(t, st)

	ic, err := LoadIngestCache(ctx, st, prodOpts(), "studio0", "r1")
	require.NoError(t, err)
	pc, err := LoadPlayoutCache(ctx, ic.Session, "studio0", "pl1")
	require.NoError(t, err)

	ic.MarkForRemoval()
	assert.True(t, ic.IsMarkedForRemoval())
	_, err = pc.Playlist.Update(func(p model.Playlist) model.Playlist {
		p.RundownIDsInOrder = nil
		return p
	})
	require.NoError(t, err)

	_, err = ic.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Count(model.CollectionRundowns))
	assert.Equal(t, 1, st.Count(model.CollectionSegments), "other rundown's segment stays")
	assert.Equal(t, 1, st.Count(model.CollectionPlaylists))
}

// docsForTest returns the documents without the readable check.
func (c *ReadOnlyCollection[T]) docsForTest() []T {
	out := make([]T, 0, len(c.docs))
	for _, id := range sortedKeys(c.docs) {
		out = append(out, c.docs[id])
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
