package model

// StudioID identifies a studio, the owner scope of playlists.
type StudioID string

// PlaylistID identifies a playable container of rundowns.
type PlaylistID string

// RundownID identifies one ingested show.
type RundownID string

// SegmentID identifies an ordered group of parts within a rundown.
type SegmentID string

// PartID identifies a single playable step.
type PartID string

// PieceID identifies content attached to a part.
type PieceID string

// AdLibPieceID identifies optional content attached to a part.
type AdLibPieceID string

// PartInstanceID identifies the live copy of a part.
type PartInstanceID string

// PieceInstanceID identifies the live copy of a piece.
type PieceInstanceID string

// Collection names used by the backing store.
const (
	CollectionStudios         = "studios"
	CollectionPlaylists       = "playlists"
	CollectionRundowns        = "rundowns"
	CollectionSegments        = "segments"
	CollectionParts           = "parts"
	CollectionPieces          = "pieces"
	CollectionAdLibPieces     = "adLibPieces"
	CollectionPartInstances   = "partInstances"
	CollectionPieceInstances  = "pieceInstances"
	CollectionIngestSnapshots = "ingestSnapshots"
)

// Doc is implemented by every entity that can be staged in a cache and persisted in a store.
type Doc interface {
	DocID() string
}

// RundownOrphanedReason explains why a rundown is kept without a valid ingest source.
type RundownOrphanedReason string

const (
	RundownNotOrphaned     RundownOrphanedReason = ""
	RundownOrphanedDeleted RundownOrphanedReason = "deleted"
)

// SegmentOrphanedReason explains why a segment is kept without a valid ingest source.
type SegmentOrphanedReason string

const (
	SegmentNotOrphaned     SegmentOrphanedReason = ""
	SegmentOrphanedDeleted SegmentOrphanedReason = "deleted"
)

// PartInstanceOrphanedReason explains why a part instance no longer has a backing part.
type PartInstanceOrphanedReason string

const (
	PartInstanceNotOrphaned     PartInstanceOrphanedReason = ""
	PartInstanceOrphanedDeleted PartInstanceOrphanedReason = "deleted"
	PartInstanceOrphanedAdLib   PartInstanceOrphanedReason = "adlib-part"
)

// NoteSeverity classifies a user facing note.
type NoteSeverity string

const (
	NoteWarning NoteSeverity = "warning"
	NoteError   NoteSeverity = "error"
)

// Note is a user facing message attached to a rundown or segment.
type Note struct {
	Severity NoteSeverity `json:"severity"`
	Message  string       `json:"message"`
}

// StudioSettings holds the per-studio knobs the commit pipeline and playout consult.
type StudioSettings struct {
	PreserveOrphanedSegmentContent bool  `json:"preserveOrphanedSegmentContent"`
	AutonextLockoutMs              int64 `json:"autonextLockoutMs"`
}

// Studio owns playlists and is the outer lock scope.
type Studio struct {
	ID       StudioID       `json:"_id"`
	Name     string         `json:"name"`
	Settings StudioSettings `json:"settings"`
}

func (s Studio) DocID() string { return string(s.ID) }

// Playlist holds one or more rundowns and tracks the play position.
type Playlist struct {
	ID                     PlaylistID     `json:"_id"`
	ExternalID             string         `json:"externalId"`
	StudioID               StudioID       `json:"studioId"`
	Name                   string         `json:"name"`
	Activated              bool           `json:"activated"`
	PreviousPartInstanceID PartInstanceID `json:"previousPartInstanceId,omitempty"`
	CurrentPartInstanceID  PartInstanceID `json:"currentPartInstanceId,omitempty"`
	NextPartInstanceID     PartInstanceID `json:"nextPartInstanceId,omitempty"`
	NextPartManual         bool           `json:"nextPartManual,omitempty"`
	RundownIDsInOrder      []RundownID    `json:"rundownIdsInOrder,omitempty"`
	Created                int64          `json:"created"`
	Modified               int64          `json:"modified"`
}

func (p Playlist) DocID() string { return string(p.ID) }

// Rundown is one show's committed structure header.
type Rundown struct {
	ID                 RundownID             `json:"_id"`
	ExternalID         string                `json:"externalId"`
	StudioID           StudioID              `json:"studioId"`
	PlaylistID         PlaylistID            `json:"playlistId"`
	PlaylistExternalID string                `json:"playlistExternalId,omitempty"`
	Name               string                `json:"name"`
	Orphaned           RundownOrphanedReason `json:"orphaned,omitempty"`
	Notes              []Note                `json:"notes,omitempty"`
	Payload            map[string]any        `json:"payload,omitempty"`
	Created            int64                 `json:"created"`
	Modified           int64                 `json:"modified"`
}

func (r Rundown) DocID() string { return string(r.ID) }

// Segment is an ordered group of parts within a rundown.
type Segment struct {
	ID         SegmentID             `json:"_id"`
	RundownID  RundownID             `json:"rundownId"`
	ExternalID string                `json:"externalId"`
	Rank       float64               `json:"rank"`
	Name       string                `json:"name"`
	IsHidden   bool                  `json:"isHidden,omitempty"`
	Orphaned   SegmentOrphanedReason `json:"orphaned,omitempty"`
	Notes      []Note                `json:"notes,omitempty"`
}

func (s Segment) DocID() string { return string(s.ID) }

// Part is a single playable step within a segment.
type Part struct {
	ID                 PartID         `json:"_id"`
	RundownID          RundownID      `json:"rundownId"`
	SegmentID          SegmentID      `json:"segmentId"`
	ExternalID         string         `json:"externalId"`
	Rank               float64        `json:"rank"`
	Title              string         `json:"title"`
	Invalid            bool           `json:"invalid,omitempty"`
	Floated            bool           `json:"floated,omitempty"`
	Autonext           bool           `json:"autonext,omitempty"`
	ExpectedDurationMs int64          `json:"expectedDurationMs,omitempty"`
	Payload            map[string]any `json:"payload,omitempty"`
}

func (p Part) DocID() string { return string(p.ID) }

// IsPlayable reports whether the part may be selected as next.
func (p Part) IsPlayable() bool {
	return !p.Invalid && !p.Floated
}

// Piece is content attached to a part.
type Piece struct {
	ID             PieceID        `json:"_id"`
	StartRundownID RundownID      `json:"startRundownId"`
	StartSegmentID SegmentID      `json:"startSegmentId"`
	StartPartID    PartID         `json:"startPartId"`
	ExternalID     string         `json:"externalId"`
	Name           string         `json:"name"`
	Layer          string         `json:"layer,omitempty"`
	Content        map[string]any `json:"content,omitempty"`
}

func (p Piece) DocID() string { return string(p.ID) }

// AdLibPiece is optional content the operator may trigger while a part plays.
type AdLibPiece struct {
	ID         AdLibPieceID   `json:"_id"`
	RundownID  RundownID      `json:"rundownId"`
	PartID     PartID         `json:"partId"`
	ExternalID string         `json:"externalId"`
	Name       string         `json:"name"`
	Rank       float64        `json:"rank"`
	Content    map[string]any `json:"content,omitempty"`
}

func (a AdLibPiece) DocID() string { return string(a.ID) }

// PartInstanceTimings records playback timing of an instance.
type PartInstanceTimings struct {
	PlannedStartedPlayback int64 `json:"plannedStartedPlayback,omitempty"`
	PlannedStoppedPlayback int64 `json:"plannedStoppedPlayback,omitempty"`
}

// PartInstance is the live copy of a Part, decoupled from the ingested definition.
type PartInstance struct {
	ID         PartInstanceID             `json:"_id"`
	PlaylistID PlaylistID                 `json:"playlistId"`
	RundownID  RundownID                  `json:"rundownId"`
	SegmentID  SegmentID                  `json:"segmentId"`
	TakeCount  int                        `json:"takeCount"`
	Part       Part                       `json:"part"`
	Reset      bool                       `json:"reset"`
	Orphaned   PartInstanceOrphanedReason `json:"orphaned,omitempty"`
	Timings    PartInstanceTimings        `json:"timings"`
}

func (p PartInstance) DocID() string { return string(p.ID) }

// PieceInstance is the live copy of a Piece within a PartInstance.
type PieceInstance struct {
	ID             PieceInstanceID            `json:"_id"`
	PlaylistID     PlaylistID                 `json:"playlistId"`
	RundownID      RundownID                  `json:"rundownId"`
	PartInstanceID PartInstanceID             `json:"partInstanceId"`
	Piece          Piece                      `json:"piece"`
	Reset          bool                       `json:"reset"`
	Orphaned       PartInstanceOrphanedReason `json:"orphaned,omitempty"`
}

func (p PieceInstance) DocID() string { return string(p.ID) }
