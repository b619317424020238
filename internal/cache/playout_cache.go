package cache

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/store"
)

// PlayoutCache is the unit of work for one playlist. Playback state (the playlist and the
// instances) is writable and written in the high tier. Show structure is read-only here;
// it is owned by the ingest cache of each rundown.
type PlayoutCache struct {
	*Session

	StudioID   model.StudioID
	PlaylistID model.PlaylistID

	Studio   *SingleObject[model.Studio]
	Playlist *OptionalSingleObject[model.Playlist]

	Rundowns *ReadOnlyCollection[model.Rundown]
	Segments *ReadOnlyCollection[model.Segment]
	Parts    *ReadOnlyCollection[model.Part]
	Pieces   *ReadOnlyCollection[model.Piece]

	PartInstances  *Collection[model.PartInstance]
	PieceInstances *Collection[model.PieceInstance]
}

// NewPlayoutSession opens a session for a playout operation.
func NewPlayoutSession(st store.Store, playlistID model.PlaylistID, opts Options) *Session {
	return NewSession(st, "playout "+string(playlistID), opts)
}

// LoadPlayoutCache loads the playback state and structure of playlistID into sess.
// The playlist itself may be missing; the ingest pipeline creates playlists on demand.
func LoadPlayoutCache(ctx context.Context, sess *Session, studioID model.StudioID, playlistID model.PlaylistID) (*PlayoutCache, error) {
	pc := &PlayoutCache{Session: sess, StudioID: studioID, PlaylistID: playlistID}
	byPlaylist := store.Eq("playlistId", playlistID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pc.Studio, err = LoadSingle[model.Studio](gctx, sess, model.CollectionStudios, TierLow, string(studioID))
		return err
	})
	g.Go(func() (err error) {
		pc.Playlist, err = LoadOptionalSingle[model.Playlist](gctx, sess, model.CollectionPlaylists, TierHigh, string(playlistID))
		return err
	})
	g.Go(func() (err error) {
		pc.PartInstances, err = LoadCollection[model.PartInstance](gctx, sess, model.CollectionPartInstances, TierHigh, byPlaylist)
		return err
	})
	g.Go(func() (err error) {
		pc.PieceInstances, err = LoadCollection[model.PieceInstance](gctx, sess, model.CollectionPieceInstances, TierHigh, byPlaylist)
		return err
	})
	g.Go(func() (err error) {
		pc.Rundowns, err = LoadReadOnly[model.Rundown](gctx, sess, model.CollectionRundowns, byPlaylist)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]any, 0, pc.Rundowns.Len())
	for _, rd := range pc.Rundowns.Find(nil) {
		ids = append(ids, rd.ID)
	}
	byRundowns := store.Filter{"rundownId": ids}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pc.Segments, err = LoadReadOnly[model.Segment](gctx, sess, model.CollectionSegments, byRundowns)
		return err
	})
	g.Go(func() (err error) {
		pc.Parts, err = LoadReadOnly[model.Part](gctx, sess, model.CollectionParts, byRundowns)
		return err
	})
	g.Go(func() (err error) {
		pc.Pieces, err = LoadReadOnly[model.Piece](gctx, sess, model.CollectionPieces, store.Filter{"startRundownId": ids})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pc, nil
}

// SyncIngest replaces the structure of the ingest cache's rundown with its staged state,
// so playback decisions see changes that are not committed yet.
func (pc *PlayoutCache) SyncIngest(ic *IngestCache) {
	rundownID := ic.RundownID
	var rundowns []model.Rundown
	if !ic.IsMarkedForRemoval() {
		if rd, ok := ic.Rundown.Get(); ok && rd.PlaylistID == pc.PlaylistID {
			rundowns = append(rundowns, rd)
		}
	}
	pc.Rundowns.overlay(func(r model.Rundown) bool { return r.ID == rundownID }, rundowns)
	if len(rundowns) == 0 {
		pc.Segments.overlay(func(s model.Segment) bool { return s.RundownID == rundownID }, nil)
		pc.Parts.overlay(func(p model.Part) bool { return p.RundownID == rundownID }, nil)
		pc.Pieces.overlay(func(p model.Piece) bool { return p.StartRundownID == rundownID }, nil)
		return
	}
	pc.Segments.overlay(func(s model.Segment) bool { return s.RundownID == rundownID }, ic.Segments.Find(nil))
	pc.Parts.overlay(func(p model.Part) bool { return p.RundownID == rundownID }, ic.Parts.Find(nil))
	pc.Pieces.overlay(func(p model.Piece) bool { return p.StartRundownID == rundownID }, ic.Pieces.Find(nil))
}

// MarkPlaylistForRemoval deletes the playlist and all of its instances on commit.
func (pc *PlayoutCache) MarkPlaylistForRemoval() {
	if !pc.checkActive("mark playlist for removal") {
		return
	}
	pc.Playlist.MarkForRemoval()
	pc.PartInstances.markForRemoval()
	pc.PieceInstances.markForRemoval()
}

// PlaylistDoc returns the playlist or ErrNotFound.
func (pc *PlayoutCache) PlaylistDoc() (model.Playlist, error) {
	pl, ok := pc.Playlist.Get()
	if !ok {
		return model.Playlist{}, ErrNotFound
	}
	return pl, nil
}

// Settings returns the studio settings.
func (pc *PlayoutCache) Settings() model.StudioSettings {
	return pc.Studio.Get().Settings
}

// PartInstance returns the live instance with the given id, ignoring reset ones.
func (pc *PlayoutCache) PartInstance(id model.PartInstanceID) (model.PartInstance, bool) {
	if id == "" {
		return model.PartInstance{}, false
	}
	inst, ok := pc.PartInstances.FindByID(string(id))
	if !ok || inst.Reset {
		return model.PartInstance{}, false
	}
	return inst, true
}

// CurrentPartInstance returns the instance on air, if any.
func (pc *PlayoutCache) CurrentPartInstance() (model.PartInstance, bool) {
	pl, ok := pc.Playlist.Get()
	if !ok {
		return model.PartInstance{}, false
	}
	return pc.PartInstance(pl.CurrentPartInstanceID)
}

// NextPartInstance returns the instance queued to play next, if any.
func (pc *PlayoutCache) NextPartInstance() (model.PartInstance, bool) {
	pl, ok := pc.Playlist.Get()
	if !ok {
		return model.PartInstance{}, false
	}
	return pc.PartInstance(pl.NextPartInstanceID)
}

// LivePartInstances returns the instances that are not reset.
func (pc *PlayoutCache) LivePartInstances() []model.PartInstance {
	return pc.PartInstances.Find(func(p model.PartInstance) bool { return !p.Reset })
}

// LivePieceInstances returns the non-reset piece instances of partInstanceID.
func (pc *PlayoutCache) LivePieceInstances(partInstanceID model.PartInstanceID) []model.PieceInstance {
	return pc.PieceInstances.Find(func(p model.PieceInstance) bool {
		return !p.Reset && p.PartInstanceID == partInstanceID
	})
}

// OrderedRundowns returns the playlist's rundowns in play order. Rundowns missing from the
// playlist's order follow, ordered by id.
func (pc *PlayoutCache) OrderedRundowns() []model.Rundown {
	var order []model.RundownID
	if pl, ok := pc.Playlist.Get(); ok {
		order = pl.RundownIDsInOrder
	}
	seen := make(map[model.RundownID]bool, len(order))
	var out []model.Rundown
	for _, id := range order {
		if rd, ok := pc.Rundowns.FindByID(string(id)); ok && !seen[id] {
			out = append(out, rd)
			seen[id] = true
		}
	}
	for _, rd := range pc.Rundowns.Find(nil) {
		if !seen[rd.ID] {
			out = append(out, rd)
		}
	}
	return out
}

// OrderedSegments returns the segments of rundownID by rank.
func (pc *PlayoutCache) OrderedSegments(rundownID model.RundownID) []model.Segment {
	segs := pc.Segments.Find(func(s model.Segment) bool { return s.RundownID == rundownID })
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Rank < segs[j].Rank })
	return segs
}

// OrderedParts returns every part of the playlist in play order: rundown order,
// then segment rank, then part rank.
func (pc *PlayoutCache) OrderedParts() []model.Part {
	bySegment := make(map[model.SegmentID][]model.Part)
	for _, p := range pc.Parts.Find(nil) {
		bySegment[p.SegmentID] = append(bySegment[p.SegmentID], p)
	}
	var out []model.Part
	for _, rd := range pc.OrderedRundowns() {
		for _, seg := range pc.OrderedSegments(rd.ID) {
			parts := bySegment[seg.ID]
			sort.SliceStable(parts, func(i, j int) bool { return parts[i].Rank < parts[j].Rank })
			out = append(out, parts...)
		}
	}
	return out
}
