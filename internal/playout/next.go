// Package playout moves the play position of a playlist: which part instance is on air
// and which one plays next.
package playout

import (
	"errors"
	"log/slog"
	"time"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/model"
)

var (
	// ErrNotActive is returned for play operations on an inactive playlist.
	ErrNotActive = errors.New("playlist is not active")

	// ErrNoNextPart is returned by Take when nothing is queued.
	ErrNoNextPart = errors.New("no next part")

	// ErrPartNotFound is returned when a part is not in the playlist.
	ErrPartNotFound = errors.New("part not found")

	// ErrPartNotPlayable is returned when a manually chosen part is invalid or floated.
	ErrPartNotPlayable = errors.New("part is not playable")
)

// position orders parts across the playlist.
type position struct {
	rundown     int
	segmentRank float64
	segmentID   model.SegmentID
	partRank    float64
}

func (p position) before(o position) bool {
	switch {
	case p.rundown != o.rundown:
		return p.rundown < o.rundown
	case p.segmentRank != o.segmentRank:
		return p.segmentRank < o.segmentRank
	case p.segmentID != o.segmentID:
		return p.segmentID < o.segmentID
	default:
		return p.partRank < o.partRank
	}
}

func positionOf(pc *cache.PlayoutCache, part model.Part) (position, bool) {
	idx := -1
	for i, rd := range pc.OrderedRundowns() {
		if rd.ID == part.RundownID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return position{}, false
	}
	seg, ok := pc.Segments.FindByID(string(part.SegmentID))
	if !ok {
		return position{}, false
	}
	return position{rundown: idx, segmentRank: seg.Rank, segmentID: seg.ID, partRank: part.Rank}, true
}

// SelectNextPart returns the first playable part after from, walking forward through the
// rest of from's segment and then the following segments in playlist order. A nil from,
// or one whose position is unknown, starts at the top of the playlist.
func SelectNextPart(pc *cache.PlayoutCache, from *model.Part) (model.Part, bool) {
	ordered := pc.OrderedParts()

	start := 0
	if from != nil {
		found := false
		for i, p := range ordered {
			if p.ID == from.ID {
				start, found = i+1, true
				break
			}
		}
		if !found {
			// the part itself is gone; continue from where it used to be, including
			// a part that now holds its rank
			if pos, ok := positionOf(pc, *from); ok {
				start = len(ordered)
				for i, p := range ordered {
					if ppos, ok := positionOf(pc, p); ok && !ppos.before(pos) {
						start = i
						break
					}
				}
			}
		}
	}

	for _, p := range ordered[start:] {
		if p.IsPlayable() {
			return p, true
		}
	}
	return model.Part{}, false
}

// IsTooCloseToAutonext reports whether current will auto-advance within lockout of now,
// in which case the next instance is as good as on air.
func IsTooCloseToAutonext(current model.PartInstance, lockout time.Duration, now time.Time) bool {
	if !current.Part.Autonext || current.Part.ExpectedDurationMs <= 0 || current.Timings.PlannedStartedPlayback <= 0 {
		return false
	}
	end := current.Timings.PlannedStartedPlayback + current.Part.ExpectedDurationMs
	return end-now.UnixMilli() < lockout.Milliseconds()
}

// OnAir returns the part instances an ingest change must not remove: the current one and,
// when it is about to auto-advance, the next one.
func OnAir(pc *cache.PlayoutCache, now time.Time) []model.PartInstance {
	pl, ok := pc.Playlist.Get()
	if !ok || !pl.Activated {
		return nil
	}
	var out []model.PartInstance
	current, ok := pc.CurrentPartInstance()
	if !ok {
		return nil
	}
	out = append(out, current)
	lockout := time.Duration(pc.Settings().AutonextLockoutMs) * time.Millisecond
	if next, ok := pc.NextPartInstance(); ok && IsTooCloseToAutonext(current, lockout, now) {
		out = append(out, next)
	}
	return out
}

// EnsureNextPartIsValid recomputes the next part when the queued one no longer resolves
// to a playable part. A manually chosen next part is kept unless it is missing, invalid
// or floated; an automatic one is replaced whenever it differs from the natural next part.
func EnsureNextPartIsValid(pc *cache.PlayoutCache, log *slog.Logger) error {
	pl, ok := pc.Playlist.Get()
	if !ok || !pl.Activated {
		return nil
	}

	next, hasNext := pc.NextPartInstance()
	valid := false
	if hasNext && next.Orphaned == model.PartInstanceNotOrphaned {
		if part, ok := pc.Parts.FindByID(string(next.Part.ID)); ok && part.IsPlayable() {
			valid = true
		}
	}
	if valid && pl.NextPartManual {
		return nil
	}

	var from *model.Part
	if current, ok := pc.CurrentPartInstance(); ok {
		from = &current.Part
	}
	want, found := SelectNextPart(pc, from)
	if valid && found && next.Part.ID == want.ID {
		return nil
	}
	if !found {
		if !hasNext {
			return nil
		}
		log.Info("no playable next part, clearing next", "playlist_id", pl.ID)
		return SetNextPart(pc, nil, false)
	}
	log.Info("next part changed", "playlist_id", pl.ID, "part_id", want.ID)
	return SetNextPart(pc, &want, false)
}
