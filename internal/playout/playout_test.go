package playout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/logger"
	"rundown-orchestrator/internal/store"
)

var testNow = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func put[T model.Doc](t *testing.T, st store.Store, collection string, docs ...T) {
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

// seedShow stores a playlist with two rundowns:
//
//	r1: s1[p1, p2(floated)], s2[p3(invalid), p4]
//	r2: s3[p5]
func seedShow(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	put(t, st, model.CollectionStudios, model.Studio{ID: "studio0", Settings: model.StudioSettings{AutonextLockoutMs: 1000}})
	put(t, st, model.CollectionPlaylists, model.Playlist{ID: "pl1", StudioID: "studio0", RundownIDsInOrder: []model.RundownID{"r1", "r2"}})
	put(t, st, model.CollectionRundowns,
		model.Rundown{ID: "r1", StudioID: "studio0", PlaylistID: "pl1"},
		model.Rundown{ID: "r2", StudioID: "studio0", PlaylistID: "pl1"},
	)
	put(t, st, model.CollectionSegments,
		model.Segment{ID: "s1", RundownID: "r1", Rank: 0},
		model.Segment{ID: "s2", RundownID: "r1", Rank: 1},
		model.Segment{ID: "s3", RundownID: "r2", Rank: 0},
	)
	put(t, st, model.CollectionParts,
		model.Part{ID: "p1", RundownID: "r1", SegmentID: "s1", Rank: 0},
		model.Part{ID: "p2", RundownID: "r1", SegmentID: "s1", Rank: 1, Floated: true},
		model.Part{ID: "p3", RundownID: "r1", SegmentID: "s2", Rank: 0, Invalid: true},
		model.Part{ID: "p4", RundownID: "r1", SegmentID: "s2", Rank: 1},
		model.Part{ID: "p5", RundownID: "r2", SegmentID: "s3", Rank: 0},
	)
	put(t, st, model.CollectionPieces,
		model.Piece{ID: "pc1", StartRundownID: "r1", StartSegmentID: "s1", StartPartID: "p1", Name: "cam"},
		model.Piece{ID: "pc4", StartRundownID: "r1", StartSegmentID: "s2", StartPartID: "p4", Name: "vt"},
	)
	return st
}

func load(t *testing.T, st store.Store) *cache.PlayoutCache {
	t.Helper()
	sess := cache.NewPlayoutSession(st, "pl1", cache.Options{Logger: logger.Discard(), Development: true})
	pc, err := cache.LoadPlayoutCache(context.Background(), sess, "studio0", "pl1")
	require.NoError(t, err)
	return pc
}

func commit(t *testing.T, pc *cache.PlayoutCache) {
	t.Helper()
	_, err := pc.Commit(context.Background())
	require.NoError(t, err)
}

func nextPartID(t *testing.T, pc *cache.PlayoutCache) model.PartID {
	t.Helper()
	next, ok := pc.NextPartInstance()
	if !ok {
		return ""
	}
	return next.Part.ID
}

func TestSelectNextPart(t *testing.T) {
	pc := load(t, seedShow(t))
	defer pc.Discard()

	tests := []struct {
		name string
		from *model.Part
		want model.PartID
		ok   bool
	}{
		{name: "from the top", from: nil, want: "p1", ok: true},
		{name: "skips floated and invalid", from: &model.Part{ID: "p1"}, want: "p4", ok: true},
		{name: "crosses rundowns", from: &model.Part{ID: "p4"}, want: "p5", ok: true},
		{name: "end of playlist", from: &model.Part{ID: "p5"}, ok: false},
		{name: "removed part continues from its position",
			from: &model.Part{ID: "gone", RundownID: "r1", SegmentID: "s2", Rank: 0.5}, want: "p4", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectNextPart(pc, tt.from)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestActivateTakeDeactivate(t *testing.T) {
	st := seedShow(t)
	log := logger.Discard()

	pc := load(t, st)
	require.NoError(t, Activate(pc, testNow, log))
	assert.Equal(t, model.PartID("p1"), nextPartID(t, pc))
	next, _ := pc.NextPartInstance()
	require.Len(t, pc.LivePieceInstances(next.ID), 1)
	commit(t, pc)

	pc = load(t, st)
	taken, err := Take(pc, testNow)
	require.NoError(t, err)
	assert.Equal(t, model.PartID("p1"), taken.Part.ID)
	assert.Equal(t, 1, taken.TakeCount)
	assert.Equal(t, testNow.UnixMilli(), taken.Timings.PlannedStartedPlayback)
	assert.Equal(t, model.PartID("p4"), nextPartID(t, pc))
	commit(t, pc)

	pc = load(t, st)
	second, err := Take(pc, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.PartID("p4"), second.Part.ID)
	assert.Equal(t, 2, second.TakeCount)
	pl, _ := pc.PlaylistDoc()
	assert.Equal(t, taken.ID, pl.PreviousPartInstanceID)
	prev, ok := pc.PartInstance(taken.ID)
	require.True(t, ok)
	assert.Equal(t, testNow.Add(time.Minute).UnixMilli(), prev.Timings.PlannedStoppedPlayback)
	commit(t, pc)

	pc = load(t, st)
	require.NoError(t, Deactivate(pc, testNow))
	assert.Empty(t, pc.LivePartInstances())
	pl, _ = pc.PlaylistDoc()
	assert.False(t, pl.Activated)
	assert.Empty(t, pl.CurrentPartInstanceID)
	commit(t, pc)
}

func TestTake_errors(t *testing.T) {
	st := seedShow(t)
	pc := load(t, st)
	_, err := Take(pc, testNow)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, SetNextPartByID(pc, "p1", testNow), ErrNotActive)
	pc.Discard()

	pc = load(t, st)
	require.NoError(t, Activate(pc, testNow, logger.Discard()))
	require.NoError(t, SetNextPart(pc, nil, false))
	_, err = Take(pc, testNow)
	assert.ErrorIs(t, err, ErrNoNextPart)
	pc.Discard()
}

func TestSetNextPartByID(t *testing.T) {
	st := seedShow(t)
	pc := load(t, st)
	defer pc.Discard()
	require.NoError(t, Activate(pc, testNow, logger.Discard()))
	first, _ := pc.NextPartInstance()

	assert.ErrorIs(t, SetNextPartByID(pc, "nope", testNow), ErrPartNotFound)
	assert.ErrorIs(t, SetNextPartByID(pc, "p2", testNow), ErrPartNotPlayable)

	require.NoError(t, SetNextPartByID(pc, "p5", testNow))
	assert.Equal(t, model.PartID("p5"), nextPartID(t, pc))
	pl, _ := pc.PlaylistDoc()
	assert.True(t, pl.NextPartManual)

	old, ok := pc.PartInstances.FindByID(string(first.ID))
	require.True(t, ok)
	assert.True(t, old.Reset, "the replaced next instance is reset")
}

func TestEnsureNextPartIsValid(t *testing.T) {
	log := logger.Discard()

	t.Run("manual pin survives", func(t *testing.T) {
		pc := load(t, seedShow(t))
		defer pc.Discard()
		require.NoError(t, Activate(pc, testNow, log))
		require.NoError(t, SetNextPartByID(pc, "p5", testNow))
		require.NoError(t, EnsureNextPartIsValid(pc, log))
		assert.Equal(t, model.PartID("p5"), nextPartID(t, pc))
	})

	t.Run("automatic next follows structure", func(t *testing.T) {
		pc := load(t, seedShow(t))
		defer pc.Discard()
		require.NoError(t, Activate(pc, testNow, log))
		_, err := Take(pc, testNow)
		require.NoError(t, err)
		// p4 is queued automatically; point it somewhere else without the manual flag
		p5, _ := pc.Parts.FindByID("p5")
		require.NoError(t, SetNextPart(pc, &p5, false))
		require.NoError(t, EnsureNextPartIsValid(pc, log))
		assert.Equal(t, model.PartID("p4"), nextPartID(t, pc))
	})

	t.Run("missing pinned part is replaced", func(t *testing.T) {
		st := seedShow(t)
		pc := load(t, st)
		require.NoError(t, Activate(pc, testNow, log))
		require.NoError(t, SetNextPartByID(pc, "p5", testNow))
		commit(t, pc)

		_, err := st.WriteBatch(context.Background(), model.CollectionParts, store.Batch{Delete: []string{"p5"}})
		require.NoError(t, err)

		pc = load(t, st)
		defer pc.Discard()
		require.NoError(t, EnsureNextPartIsValid(pc, log))
		assert.Equal(t, model.PartID("p1"), nextPartID(t, pc))
		pl, _ := pc.PlaylistDoc()
		assert.False(t, pl.NextPartManual)
	})

	t.Run("inactive playlist is left alone", func(t *testing.T) {
		pc := load(t, seedShow(t))
		require.NoError(t, EnsureNextPartIsValid(pc, log))
		assert.False(t, pc.HasChanges())
		pc.Discard()
	})
}

func TestIsTooCloseToAutonext(t *testing.T) {
	started := testNow.Add(-9 * time.Second).UnixMilli()
	inst := model.PartInstance{
		Part:    model.Part{Autonext: true, ExpectedDurationMs: 10_000},
		Timings: model.PartInstanceTimings{PlannedStartedPlayback: started},
	}
	assert.True(t, IsTooCloseToAutonext(inst, 2*time.Second, testNow))
	assert.False(t, IsTooCloseToAutonext(inst, 500*time.Millisecond, testNow))

	inst.Part.Autonext = false
	assert.False(t, IsTooCloseToAutonext(inst, 2*time.Second, testNow))
}

func TestOnAir(t *testing.T) {
	st := seedShow(t)
	pc := load(t, st)
	assert.Empty(t, OnAir(pc, testNow))
	require.NoError(t, Activate(pc, testNow, logger.Discard()))
	assert.Empty(t, OnAir(pc, testNow), "nothing is on air before the first take")
	taken, err := Take(pc, testNow)
	require.NoError(t, err)

	onAir := OnAir(pc, testNow)
	require.Len(t, onAir, 1)
	assert.Equal(t, taken.ID, onAir[0].ID)

	_, err = pc.PartInstances.Update(string(taken.ID), func(p model.PartInstance) model.PartInstance {
		p.Part.Autonext = true
		p.Part.ExpectedDurationMs = 500
		return p
	})
	require.NoError(t, err)
	assert.Len(t, OnAir(pc, testNow), 2)
	pc.Discard()
}
