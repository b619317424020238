package playout

import (
	"fmt"
	"log/slog"
	"time"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/model"
)

// SetNextPart queues part to play next, replacing the current next instance. A nil part
// clears the next pointer. The replaced instance is reset unless it is on air.
func SetNextPart(pc *cache.PlayoutCache, part *model.Part, manual bool) error {
	pl, err := pc.PlaylistDoc()
	if err != nil {
		return err
	}

	old, hasOld := pc.NextPartInstance()
	if part != nil && hasOld && old.Part.ID == part.ID && old.Orphaned == model.PartInstanceNotOrphaned {
		return updatePlaylist(pc, func(p model.Playlist) model.Playlist {
			p.NextPartManual = manual
			return p
		})
	}
	if hasOld && old.ID != pl.CurrentPartInstanceID {
		if err := ResetPartInstance(pc, old.ID); err != nil {
			return err
		}
	}

	if part == nil {
		return updatePlaylist(pc, func(p model.Playlist) model.Playlist {
			p.NextPartInstanceID = ""
			p.NextPartManual = false
			return p
		})
	}

	inst := model.PartInstance{
		ID:         model.NewPartInstanceID(),
		PlaylistID: pl.ID,
		RundownID:  part.RundownID,
		SegmentID:  part.SegmentID,
		Part:       *part,
	}
	pc.PartInstances.Insert(inst)
	for _, piece := range pc.Pieces.Find(func(p model.Piece) bool { return p.StartPartID == part.ID }) {
		pc.PieceInstances.Insert(model.PieceInstance{
			ID:             model.NewPieceInstanceID(),
			PlaylistID:     pl.ID,
			RundownID:      part.RundownID,
			PartInstanceID: inst.ID,
			Piece:          piece,
		})
	}
	return updatePlaylist(pc, func(p model.Playlist) model.Playlist {
		p.NextPartInstanceID = inst.ID
		p.NextPartManual = manual
		return p
	})
}

// SetNextPartByID is the operator's manual choice of the next part.
func SetNextPartByID(pc *cache.PlayoutCache, partID model.PartID, now time.Time) error {
	pl, err := pc.PlaylistDoc()
	if err != nil {
		return err
	}
	if !pl.Activated {
		return ErrNotActive
	}
	part, ok := pc.Parts.FindByID(string(partID))
	if !ok {
		return fmt.Errorf("part %s: %w", partID, ErrPartNotFound)
	}
	if !part.IsPlayable() {
		return fmt.Errorf("part %s: %w", partID, ErrPartNotPlayable)
	}
	if err := SetNextPart(pc, &part, true); err != nil {
		return err
	}
	return touch(pc, now)
}

// Activate puts the playlist on air with nothing playing and the first playable part
// queued. Activating an active playlist does nothing.
func Activate(pc *cache.PlayoutCache, now time.Time, log *slog.Logger) error {
	pl, err := pc.PlaylistDoc()
	if err != nil {
		return err
	}
	if pl.Activated {
		log.Debug("playlist already active", "playlist_id", pl.ID)
		return nil
	}
	if err := resetAll(pc); err != nil {
		return err
	}
	if err := updatePlaylist(pc, func(p model.Playlist) model.Playlist {
		p.Activated = true
		p.PreviousPartInstanceID = ""
		p.CurrentPartInstanceID = ""
		p.NextPartInstanceID = ""
		p.NextPartManual = false
		p.Modified = now.UnixMilli()
		return p
	}); err != nil {
		return err
	}
	if first, ok := SelectNextPart(pc, nil); ok {
		return SetNextPart(pc, &first, false)
	}
	log.Warn("activated playlist has no playable part", "playlist_id", pl.ID)
	return nil
}

// Deactivate takes the playlist off air and resets every instance.
func Deactivate(pc *cache.PlayoutCache, now time.Time) error {
	pl, err := pc.PlaylistDoc()
	if err != nil {
		return err
	}
	if !pl.Activated {
		return nil
	}
	if err := resetAll(pc); err != nil {
		return err
	}
	return updatePlaylist(pc, func(p model.Playlist) model.Playlist {
		p.Activated = false
		p.PreviousPartInstanceID = ""
		p.CurrentPartInstanceID = ""
		p.NextPartInstanceID = ""
		p.NextPartManual = false
		p.Modified = now.UnixMilli()
		return p
	})
}

// Take puts the next instance on air. The current one becomes previous, the old previous
// is reset and the part after the new current one is queued.
func Take(pc *cache.PlayoutCache, now time.Time) (model.PartInstance, error) {
	pl, err := pc.PlaylistDoc()
	if err != nil {
		return model.PartInstance{}, err
	}
	if !pl.Activated {
		return model.PartInstance{}, ErrNotActive
	}
	next, ok := pc.NextPartInstance()
	if !ok {
		return model.PartInstance{}, ErrNoNextPart
	}

	if pl.PreviousPartInstanceID != "" {
		if err := ResetPartInstance(pc, pl.PreviousPartInstanceID); err != nil {
			return model.PartInstance{}, err
		}
	}

	takeCount := 1
	current, hasCurrent := pc.CurrentPartInstance()
	if hasCurrent {
		takeCount = current.TakeCount + 1
		if _, err := pc.PartInstances.Update(string(current.ID), func(p model.PartInstance) model.PartInstance {
			p.Timings.PlannedStoppedPlayback = now.UnixMilli()
			return p
		}); err != nil {
			return model.PartInstance{}, err
		}
	}

	if _, err := pc.PartInstances.Update(string(next.ID), func(p model.PartInstance) model.PartInstance {
		p.TakeCount = takeCount
		p.Timings.PlannedStartedPlayback = now.UnixMilli()
		return p
	}); err != nil {
		return model.PartInstance{}, err
	}

	if err := updatePlaylist(pc, func(p model.Playlist) model.Playlist {
		p.PreviousPartInstanceID = ""
		if hasCurrent {
			p.PreviousPartInstanceID = current.ID
		}
		p.CurrentPartInstanceID = next.ID
		p.NextPartInstanceID = ""
		p.NextPartManual = false
		p.Modified = now.UnixMilli()
		return p
	}); err != nil {
		return model.PartInstance{}, err
	}

	taken, _ := pc.PartInstance(next.ID)
	if following, ok := SelectNextPart(pc, &taken.Part); ok {
		if err := SetNextPart(pc, &following, false); err != nil {
			return model.PartInstance{}, err
		}
	}
	return taken, nil
}

func updatePlaylist(pc *cache.PlayoutCache, fn func(model.Playlist) model.Playlist) error {
	ok, err := pc.Playlist.Update(fn)
	if err != nil {
		return err
	}
	if !ok {
		return cache.ErrNotFound
	}
	return nil
}

func touch(pc *cache.PlayoutCache, now time.Time) error {
	return updatePlaylist(pc, func(p model.Playlist) model.Playlist {
		p.Modified = now.UnixMilli()
		return p
	})
}

// ResetPartInstance retires an instance and its piece instances.
func ResetPartInstance(pc *cache.PlayoutCache, id model.PartInstanceID) error {
	if _, err := pc.PartInstances.Update(string(id), func(p model.PartInstance) model.PartInstance {
		p.Reset = true
		return p
	}); err != nil {
		return err
	}
	_, err := pc.PieceInstances.UpdateWhere(
		func(p model.PieceInstance) bool { return p.PartInstanceID == id && !p.Reset },
		func(p model.PieceInstance) model.PieceInstance {
			p.Reset = true
			return p
		},
	)
	return err
}

func resetAll(pc *cache.PlayoutCache) error {
	for _, inst := range pc.LivePartInstances() {
		if err := ResetPartInstance(pc, inst.ID); err != nil {
			return err
		}
	}
	return nil
}
