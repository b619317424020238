package cache

import (
	"context"

	"golang.org/x/sync/errgroup"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/store"
)

// IngestCache is the unit of work for one rundown: the rundown itself, its structure,
// and the ingest snapshot it was produced from.
type IngestCache struct {
	*Session

	StudioID  model.StudioID
	RundownID model.RundownID

	Studio      *SingleObject[model.Studio]
	Rundown     *OptionalSingleObject[model.Rundown]
	Segments    *Collection[model.Segment]
	Parts       *Collection[model.Part]
	Pieces      *Collection[model.Piece]
	AdLibPieces *Collection[model.AdLibPiece]
	Snapshot    *OptionalSingleObject[model.IngestSnapshot]
}

// LoadIngestCache opens a session and loads everything scoped to rundownID.
// The studio must exist.
func LoadIngestCache(ctx context.Context, st store.Store, opts Options, studioID model.StudioID, rundownID model.RundownID) (*IngestCache, error) {
	sess := NewSession(st, "ingest "+string(rundownID), opts)
	ic := &IngestCache{Session: sess, StudioID: studioID, RundownID: rundownID}

	byRundown := store.Eq("rundownId", rundownID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ic.Studio, err = LoadSingle[model.Studio](gctx, sess, model.CollectionStudios, TierLow, string(studioID))
		return err
	})
	g.Go(func() (err error) {
		ic.Rundown, err = LoadOptionalSingle[model.Rundown](gctx, sess, model.CollectionRundowns, TierLow, string(rundownID))
		return err
	})
	g.Go(func() (err error) {
		ic.Segments, err = LoadCollection[model.Segment](gctx, sess, model.CollectionSegments, TierLow, byRundown)
		return err
	})
	g.Go(func() (err error) {
		ic.Parts, err = LoadCollection[model.Part](gctx, sess, model.CollectionParts, TierLow, byRundown)
		return err
	})
	g.Go(func() (err error) {
		ic.Pieces, err = LoadCollection[model.Piece](gctx, sess, model.CollectionPieces, TierLow, store.Eq("startRundownId", rundownID))
		return err
	})
	g.Go(func() (err error) {
		ic.AdLibPieces, err = LoadCollection[model.AdLibPiece](gctx, sess, model.CollectionAdLibPieces, TierLow, byRundown)
		return err
	})
	g.Go(func() (err error) {
		ic.Snapshot, err = LoadOptionalSingle[model.IngestSnapshot](gctx, sess, model.CollectionIngestSnapshots, TierLow, string(rundownID))
		return err
	})
	if err := g.Wait(); err != nil {
		sess.Discard()
		return nil, err
	}
	return ic, nil
}

// Settings returns the studio settings.
func (ic *IngestCache) Settings() model.StudioSettings {
	return ic.Studio.Get().Settings
}

// MarkForRemoval flags the rundown and everything it owns for deletion. Other caches
// sharing the session, such as a playout cache, are left alone.
func (ic *IngestCache) MarkForRemoval() {
	if !ic.checkActive("mark for removal") {
		return
	}
	ic.Rundown.MarkForRemoval()
	ic.Segments.markForRemoval()
	ic.Parts.markForRemoval()
	ic.Pieces.markForRemoval()
	ic.AdLibPieces.markForRemoval()
	ic.Snapshot.MarkForRemoval()
}

// IsMarkedForRemoval reports whether the rundown is pending deletion.
func (ic *IngestCache) IsMarkedForRemoval() bool {
	return ic.Rundown.coll.removing
}

// PreviousSnapshot returns the stored ingest snapshot, or the zero value for a new rundown.
func (ic *IngestCache) PreviousSnapshot() (model.IngestRundown, bool) {
	snap, ok := ic.Snapshot.Get()
	if !ok {
		return model.IngestRundown{}, false
	}
	return snap.Rundown, true
}
