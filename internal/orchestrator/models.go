package orchestrator

import (
	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/model"
)

// SetNextRequest is the body of POST .../playlists/{playlist_id}/next.
type SetNextRequest struct {
	PartID model.PartID `json:"partId"`
}

// IngestResult reports the outcome of an ingest operation.
// This also matches the JSON response of the ingest endpoints.
type IngestResult struct {
	RundownID        model.RundownID   `json:"rundownId"`
	PlaylistID       model.PlaylistID  `json:"playlistId,omitempty"`
	Discarded        bool              `json:"discarded"`
	RundownOrphaned  bool              `json:"rundownOrphaned,omitempty"`
	MoveRefused      bool              `json:"moveRefused,omitempty"`
	PlaylistRemoved  bool              `json:"playlistRemoved,omitempty"`
	OrphanedSegments []model.SegmentID `json:"orphanedSegments,omitempty"`
	RemovedSegments  []model.SegmentID `json:"removedSegments,omitempty"`
	Added            int               `json:"added"`
	Updated          int               `json:"updated"`
	Removed          int               `json:"removed"`
}

// PartInstanceView is a part instance as shown to operators.
type PartInstanceView struct {
	ID        model.PartInstanceID             `json:"id"`
	PartID    model.PartID                     `json:"partId"`
	SegmentID model.SegmentID                  `json:"segmentId"`
	Title     string                           `json:"title"`
	TakeCount int                              `json:"takeCount"`
	Orphaned  model.PartInstanceOrphanedReason `json:"orphaned,omitempty"`
}

// PartView is a part in play order.
type PartView struct {
	ID       model.PartID `json:"id"`
	Title    string       `json:"title"`
	Playable bool         `json:"playable"`
}

// SegmentView is a segment with its parts in play order.
type SegmentView struct {
	ID       model.SegmentID             `json:"id"`
	Name     string                      `json:"name"`
	Hidden   bool                        `json:"hidden,omitempty"`
	Orphaned model.SegmentOrphanedReason `json:"orphaned,omitempty"`
	Parts    []PartView                  `json:"parts"`
}

// RundownView is a rundown with its segments in play order.
type RundownView struct {
	ID       model.RundownID             `json:"id"`
	Name     string                      `json:"name"`
	Orphaned model.RundownOrphanedReason `json:"orphaned,omitempty"`
	Notes    []model.Note                `json:"notes,omitempty"`
	Segments []SegmentView               `json:"segments"`
}

// PlaylistView is the read model of a playlist and its play position.
type PlaylistView struct {
	ID         model.PlaylistID  `json:"id"`
	ExternalID string            `json:"externalId"`
	Name       string            `json:"name"`
	Activated  bool              `json:"activated"`
	Previous   *PartInstanceView `json:"previous,omitempty"`
	Current    *PartInstanceView `json:"current,omitempty"`
	Next       *PartInstanceView `json:"next,omitempty"`
	NextManual bool              `json:"nextManual,omitempty"`
	Rundowns   []RundownView     `json:"rundowns"`
}

// WorkStatus describes work in flight, for operators deciding whether it is safe to restart.
type WorkStatus struct {
	Running     bool                `json:"running"`
	Pending     int                 `json:"pending"`
	Overrunning int                 `json:"overrunning"`
	Sessions    []cache.SessionInfo `json:"sessions"`
}
