package ingest

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/store"
)

// applySegments stages the segment level changes of a diff. Segments that back an on-air
// instance are never deleted: they are orphaned and, when the studio asks for it, keep
// their committed content.
func (p *Pipeline) applySegments(ctx context.Context, ic *cache.IngestCache, change Change, onAir []model.PartInstance, out *Outcome) error {
	d := change.Diff
	rundownID := ic.RundownID

	for _, ext := range d.AddedOrChanged() {
		if _, rankOnly := d.OnlyRankChanged[ext]; rankOnly {
			continue
		}
		if _, ok := change.Segments[ext]; !ok {
			return fmt.Errorf("segment %s: %w", ext, ErrMissingContents)
		}
	}

	keep := newPartIDs(rundownID, change)

	// an on-air instance whose part the new structure does not claim pins its segment
	stranded := make(map[model.SegmentID]bool, len(onAir))
	liveParts := make(map[model.PartID]bool, len(onAir))
	for _, inst := range onAir {
		liveParts[inst.Part.ID] = true
		if !keep[inst.Part.ID] {
			stranded[inst.SegmentID] = true
		}
	}

	// without preservation an orphaned segment keeps only the parts that are on air
	preserve := ic.Settings().PreserveOrphanedSegmentContent
	keepLive := keep
	if !preserve {
		keepLive = make(map[model.PartID]bool, len(keep)+len(liveParts))
		for id := range keep {
			keepLive[id] = true
		}
		for id := range liveParts {
			keepLive[id] = true
		}
	}

	var orphaned []model.SegmentID
	handled := make(map[model.SegmentID]bool)
	orphan := func(segID model.SegmentID) error {
		handled[segID] = true
		removeSegmentContent(ic, segID, keepLive)
		if err := p.orphanSegment(ic, segID); err != nil {
			return err
		}
		orphaned = append(orphaned, segID)
		return nil
	}
	remove := func(segID model.SegmentID) {
		handled[segID] = true
		removeSegmentContent(ic, segID, keep)
		ic.Segments.Remove(string(segID))
	}

	// a renamed segment hands its parts to its new identity, unless it still plays
	// a part the new identity does not take over
	for _, from := range sortedKeys(d.Renamed) {
		segID := model.SegmentIDFor(rundownID, from)
		if stranded[segID] {
			if err := orphan(segID); err != nil {
				return err
			}
			continue
		}
		remove(segID)
	}

	for _, ext := range d.RemovedNotRenamed() {
		segID := model.SegmentIDFor(rundownID, ext)
		if stranded[segID] {
			if err := orphan(segID); err != nil {
				return err
			}
			continue
		}
		remove(segID)
		out.RemovedSegments = append(out.RemovedSegments, segID)
	}

	// whatever else the new structure lacks: segments orphaned by an earlier ingest, and
	// segments of a rundown whose snapshot was dropped while it was on air
	inSnapshot := make(map[model.SegmentID]bool, len(change.Snapshot.Segments))
	for _, s := range change.Snapshot.Segments {
		inSnapshot[model.SegmentIDFor(rundownID, s.ExternalID)] = true
	}
	for _, seg := range ic.Segments.Find(func(s model.Segment) bool {
		return !inSnapshot[s.ID] && !handled[s.ID]
	}) {
		if stranded[seg.ID] {
			if seg.Orphaned == model.SegmentOrphanedDeleted {
				continue
			}
			if err := orphan(seg.ID); err != nil {
				return err
			}
			continue
		}
		p.log.Info("removing segment missing from ingest data", "segment_id", seg.ID, "orphaned", seg.Orphaned)
		remove(seg.ID)
		out.RemovedSegments = append(out.RemovedSegments, seg.ID)
	}

	for _, ext := range d.AddedOrChanged() {
		segID := model.SegmentIDFor(rundownID, ext)
		if rank, rankOnly := d.OnlyRankChanged[ext]; rankOnly {
			found, err := ic.Segments.Update(string(segID), func(s model.Segment) model.Segment {
				s.Rank = rank
				return s
			})
			if err != nil {
				return err
			}
			if found {
				continue
			}
			if _, ok := change.Segments[ext]; !ok {
				return fmt.Errorf("segment %s: %w", ext, ErrMissingContents)
			}
		}
		applySegmentContents(ic, change.Segments[ext], keep)
	}

	if len(orphaned) == 0 {
		return nil
	}
	out.OrphanedSegments = orphaned
	if preserve {
		return p.restoreSegmentContent(ctx, ic, orphaned, keep)
	}
	return nil
}

func (p *Pipeline) orphanSegment(ic *cache.IngestCache, segID model.SegmentID) error {
	p.log.Warn("segment is on air, orphaning instead of removing", "segment_id", segID, "rundown_id", ic.RundownID)
	p.metrics.IncSegmentsOrphaned()
	_, err := ic.Segments.Update(string(segID), func(s model.Segment) model.Segment {
		s.Orphaned = model.SegmentOrphanedDeleted
		return s
	})
	return err
}

// restoreSegmentContent brings the committed parts, pieces and adlibs of orphaned
// segments back from the store. Parts the new structure claims elsewhere stay where they are.
func (p *Pipeline) restoreSegmentContent(ctx context.Context, ic *cache.IngestCache, segIDs []model.SegmentID, keep map[model.PartID]bool) error {
	st := ic.Store()
	ids := make([]any, 0, len(segIDs))
	for _, id := range segIDs {
		ids = append(ids, id)
	}

	var parts []model.Part
	var pieces []model.Piece
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		parts, err = store.Decode[model.Part](gctx, st, model.CollectionParts, store.Filter{"segmentId": ids})
		return err
	})
	g.Go(func() (err error) {
		pieces, err = store.Decode[model.Piece](gctx, st, model.CollectionPieces, store.Filter{"startSegmentId": ids})
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("restore orphaned segments: %w", err)
	}

	restored := make(map[model.PartID]bool, len(parts))
	partIDs := make([]any, 0, len(parts))
	for _, part := range parts {
		if keep[part.ID] {
			continue
		}
		ic.Parts.Replace(part)
		restored[part.ID] = true
		partIDs = append(partIDs, part.ID)
	}
	for _, piece := range pieces {
		if restored[piece.StartPartID] {
			ic.Pieces.Replace(piece)
		}
	}
	if len(partIDs) > 0 {
		adlibs, err := store.Decode[model.AdLibPiece](ctx, st, model.CollectionAdLibPieces, store.Filter{"partId": partIDs})
		if err != nil {
			return fmt.Errorf("restore orphaned segments: %w", err)
		}
		for _, a := range adlibs {
			ic.AdLibPieces.Replace(a)
		}
	}
	p.log.Info("restored orphaned segment content", "segments", len(segIDs), "parts", len(restored))
	return nil
}

// removeSegmentContent drops the parts of segID that the new structure does not claim,
// with their pieces and adlibs.
func removeSegmentContent(ic *cache.IngestCache, segID model.SegmentID, keep map[model.PartID]bool) {
	removed := ic.Parts.RemoveWhere(func(p model.Part) bool { return p.SegmentID == segID && !keep[p.ID] })
	removePartContent(ic, removed)
}

func removePartContent(ic *cache.IngestCache, partIDs []string) {
	if len(partIDs) == 0 {
		return
	}
	gone := make(map[model.PartID]bool, len(partIDs))
	for _, id := range partIDs {
		gone[model.PartID(id)] = true
	}
	ic.Pieces.RemoveWhere(func(p model.Piece) bool { return gone[p.StartPartID] })
	ic.AdLibPieces.RemoveWhere(func(a model.AdLibPiece) bool { return gone[a.PartID] })
}

// applySegmentContents replaces a segment with freshly transformed contents. Part ranks
// are renumbered 0..n-1 in (rank, external id) order.
func applySegmentContents(ic *cache.IngestCache, sc SegmentContents, keep map[model.PartID]bool) {
	seg := sc.Segment
	seg.RundownID = ic.RundownID
	seg.Orphaned = model.SegmentNotOrphaned
	ic.Segments.Replace(seg)

	parts := append([]PartContents(nil), sc.Parts...)
	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].Part.Rank != parts[j].Part.Rank {
			return parts[i].Part.Rank < parts[j].Part.Rank
		}
		return parts[i].Part.ExternalID < parts[j].Part.ExternalID
	})

	current := make(map[model.PartID]bool, len(parts))
	for _, pc := range parts {
		current[pc.Part.ID] = true
	}
	stale := ic.Parts.RemoveWhere(func(p model.Part) bool {
		return p.SegmentID == seg.ID && !current[p.ID] && !keep[p.ID]
	})
	removePartContent(ic, stale)

	for i, pc := range parts {
		part := pc.Part
		part.RundownID = ic.RundownID
		part.SegmentID = seg.ID
		part.Rank = float64(i)
		ic.Parts.Replace(part)
		syncPieces(ic, part, pc.Pieces)
		syncAdLibs(ic, part, pc.AdLibs)
	}
}

func syncPieces(ic *cache.IngestCache, part model.Part, pieces []model.Piece) {
	want := make(map[model.PieceID]bool, len(pieces))
	for _, piece := range pieces {
		want[piece.ID] = true
	}
	ic.Pieces.RemoveWhere(func(p model.Piece) bool { return p.StartPartID == part.ID && !want[p.ID] })
	for _, piece := range pieces {
		piece.StartRundownID = part.RundownID
		piece.StartSegmentID = part.SegmentID
		piece.StartPartID = part.ID
		ic.Pieces.Replace(piece)
	}
}

func syncAdLibs(ic *cache.IngestCache, part model.Part, adlibs []model.AdLibPiece) {
	want := make(map[model.AdLibPieceID]bool, len(adlibs))
	for _, a := range adlibs {
		want[a.ID] = true
	}
	ic.AdLibPieces.RemoveWhere(func(a model.AdLibPiece) bool { return a.PartID == part.ID && !want[a.ID] })
	for _, a := range adlibs {
		a.RundownID = part.RundownID
		a.PartID = part.ID
		ic.AdLibPieces.Replace(a)
	}
}

// newPartIDs is the union of part ids in the new structure.
func newPartIDs(rundownID model.RundownID, change Change) map[model.PartID]bool {
	out := make(map[model.PartID]bool)
	for _, seg := range change.Snapshot.Segments {
		for _, part := range seg.Parts {
			out[model.PartIDFor(rundownID, part.ExternalID)] = true
		}
	}
	for _, sc := range change.Segments {
		for _, pc := range sc.Parts {
			out[pc.Part.ID] = true
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
