package ingest

import (
	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/diff"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/playout"
)

// reconcileInstances brings the live part instances of rundownID in line with the staged
// structure. An instance whose part still exists picks up the new part; one whose part is
// gone is reset, unless it is on air, in which case it is orphaned.
func (p *Pipeline) reconcileInstances(pc *cache.PlayoutCache, rundownID model.RundownID, d diff.Result, onAir []model.PartInstance) error {
	pl, ok := pc.Playlist.Get()
	if !ok {
		return nil
	}

	renamed := make(map[model.SegmentID]model.SegmentID, len(d.Renamed))
	for from, to := range d.Renamed {
		renamed[model.SegmentIDFor(rundownID, from)] = model.SegmentIDFor(rundownID, to)
	}
	live := make(map[model.PartInstanceID]bool, len(onAir))
	for _, inst := range onAir {
		live[inst.ID] = true
	}

	for _, inst := range pc.LivePartInstances() {
		if inst.RundownID != rundownID || inst.Orphaned == model.PartInstanceOrphanedAdLib {
			continue
		}
		playing := inst.ID == pl.CurrentPartInstanceID || inst.ID == pl.PreviousPartInstanceID
		part, exists := pc.Parts.FindByID(string(inst.Part.ID))
		// an existing part carries its segment forward below
		if to, ok := renamed[inst.SegmentID]; ok && !exists {
			if err := moveInstanceSegment(pc, inst.ID, to); err != nil {
				return err
			}
		}
		switch {
		case exists:
			if _, err := pc.PartInstances.Update(string(inst.ID), func(pi model.PartInstance) model.PartInstance {
				pi.Part = part
				pi.SegmentID = part.SegmentID
				if pi.Orphaned == model.PartInstanceOrphanedDeleted {
					pi.Orphaned = model.PartInstanceNotOrphaned
				}
				return pi
			}); err != nil {
				return err
			}
			if err := p.syncPieceInstances(pc, inst, part, playing); err != nil {
				return err
			}
		case live[inst.ID] || inst.ID == pl.CurrentPartInstanceID:
			if inst.Orphaned == model.PartInstanceOrphanedDeleted {
				continue
			}
			p.log.Warn("part of on-air instance was removed, orphaning instance",
				"part_instance_id", inst.ID, "part_id", inst.Part.ID)
			p.metrics.IncPartInstances("orphaned")
			if _, err := pc.PartInstances.Update(string(inst.ID), func(pi model.PartInstance) model.PartInstance {
				pi.Orphaned = model.PartInstanceOrphanedDeleted
				return pi
			}); err != nil {
				return err
			}
		default:
			p.log.Info("part of instance was removed, resetting instance", "part_instance_id", inst.ID, "part_id", inst.Part.ID)
			p.metrics.IncPartInstances("reset")
			if err := playout.ResetPartInstance(pc, inst.ID); err != nil {
				return err
			}
			if err := clearPointer(pc, inst.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func moveInstanceSegment(pc *cache.PlayoutCache, id model.PartInstanceID, to model.SegmentID) error {
	if _, err := pc.PartInstances.Update(string(id), func(pi model.PartInstance) model.PartInstance {
		pi.SegmentID = to
		pi.Part.SegmentID = to
		return pi
	}); err != nil {
		return err
	}
	_, err := pc.PieceInstances.UpdateWhere(
		func(pi model.PieceInstance) bool { return pi.PartInstanceID == id && !pi.Reset },
		func(pi model.PieceInstance) model.PieceInstance {
			pi.Piece.StartSegmentID = to
			return pi
		},
	)
	return err
}

// syncPieceInstances copies piece changes into an instance. A queued instance is fully
// resynchronised; one that is playing or has played only has its existing piece instances
// updated, and those whose piece vanished are orphaned.
func (p *Pipeline) syncPieceInstances(pc *cache.PlayoutCache, inst model.PartInstance, part model.Part, playing bool) error {
	found := pc.Pieces.Find(func(x model.Piece) bool { return x.StartPartID == part.ID })
	pieces := make(map[model.PieceID]model.Piece, len(found))
	for _, piece := range found {
		pieces[piece.ID] = piece
	}

	covered := make(map[model.PieceID]bool, len(pieces))
	for _, pi := range pc.LivePieceInstances(inst.ID) {
		piece, ok := pieces[pi.Piece.ID]
		covered[pi.Piece.ID] = true
		switch {
		case ok:
			if _, err := pc.PieceInstances.Update(string(pi.ID), func(x model.PieceInstance) model.PieceInstance {
				x.Piece = piece
				if x.Orphaned == model.PartInstanceOrphanedDeleted {
					x.Orphaned = model.PartInstanceNotOrphaned
				}
				return x
			}); err != nil {
				return err
			}
		case playing:
			if _, err := pc.PieceInstances.Update(string(pi.ID), func(x model.PieceInstance) model.PieceInstance {
				x.Orphaned = model.PartInstanceOrphanedDeleted
				return x
			}); err != nil {
				return err
			}
		default:
			if _, err := pc.PieceInstances.Update(string(pi.ID), func(x model.PieceInstance) model.PieceInstance {
				x.Reset = true
				return x
			}); err != nil {
				return err
			}
		}
	}
	if playing {
		return nil
	}

	for _, piece := range found {
		if covered[piece.ID] {
			continue
		}
		pc.PieceInstances.Insert(model.PieceInstance{
			ID:             model.NewPieceInstanceID(),
			PlaylistID:     inst.PlaylistID,
			RundownID:      inst.RundownID,
			PartInstanceID: inst.ID,
			Piece:          piece,
		})
	}
	return nil
}

// clearPointer drops any playlist pointer to a retired instance.
func clearPointer(pc *cache.PlayoutCache, id model.PartInstanceID) error {
	_, err := pc.Playlist.Update(func(pl model.Playlist) model.Playlist {
		if pl.PreviousPartInstanceID == id {
			pl.PreviousPartInstanceID = ""
		}
		if pl.NextPartInstanceID == id {
			pl.NextPartInstanceID = ""
			pl.NextPartManual = false
		}
		return pl
	})
	return err
}
