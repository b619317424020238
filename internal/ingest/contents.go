// Package ingest applies a structural diff of an ingested rundown to its staging cache,
// keeping live playback consistent with the new structure.
package ingest

import (
	"errors"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/diff"
	"rundown-orchestrator/internal/model"
)

// ErrMissingContents is returned when a change has no contents for an added or changed segment.
var ErrMissingContents = errors.New("missing contents for segment")

// RundownContents is the transformed rundown header.
type RundownContents struct {
	Name    string
	Payload map[string]any
	Notes   []model.Note
}

// PartContents is a transformed part with everything attached to it.
type PartContents struct {
	Part   model.Part
	Pieces []model.Piece
	AdLibs []model.AdLibPiece
}

// SegmentContents is a transformed segment. Part ranks are taken as an ordering hint only;
// the pipeline renumbers them.
type SegmentContents struct {
	Segment model.Segment
	Parts   []PartContents
}

// Change is one ingest operation for the rundown of an IngestCache.
type Change struct {
	// Remove deletes the rundown. Nothing else is read.
	Remove bool

	// Snapshot is the new normalized ingest snapshot.
	Snapshot model.IngestRundown

	// Diff compares the previous snapshot with Snapshot.
	Diff diff.Result

	Rundown RundownContents

	// Segments holds contents for every added or changed segment, keyed by external id.
	// Segments whose rank alone changed may be omitted.
	Segments map[string]SegmentContents
}

// Outcome reports what a commit did.
type Outcome struct {
	PlaylistID model.PlaylistID
	Stats      cache.CommitStats

	// Discarded is set when nothing needed to be written.
	Discarded bool

	// RundownOrphaned is set when a removal was refused because the rundown is on air.
	RundownOrphaned bool

	// MoveRefused is set when the rundown stayed in its playlist because it is on air there.
	MoveRefused bool

	// PlaylistRemoved is set when the rundown's previous playlist was deleted.
	PlaylistRemoved bool

	OrphanedSegments []model.SegmentID
	RemovedSegments  []model.SegmentID
}

// Notifier is told about committed changes, e.g. to regenerate the playout timeline.
type Notifier interface {
	OnRundownChanged(playlistID model.PlaylistID)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(playlistID model.PlaylistID)

// OnRundownChanged implements Notifier.
func (f NotifierFunc) OnRundownChanged(playlistID model.PlaylistID) { f(playlistID) }
