package model

import (
	"strings"

	"github.com/google/uuid"
)

// idNamespace seeds the name-based ids so the same external identity always maps
// to the same internal id across ingest operations.
var idNamespace = uuid.MustParse("6f1e3c2a-8d4b-4f3e-9b1a-2c7d5e8f0a13")

func deriveID(kind string, parts ...string) string {
	name := kind + "\x00" + strings.Join(parts, "\x00")
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

// RundownIDFor derives the rundown id for an external rundown identity within a studio.
func RundownIDFor(studioID StudioID, externalID string) RundownID {
	return RundownID(deriveID("rundown", string(studioID), externalID))
}

// PlaylistIDFor derives the playlist id for an external playlist identity within a studio.
func PlaylistIDFor(studioID StudioID, externalID string) PlaylistID {
	return PlaylistID(deriveID("playlist", string(studioID), externalID))
}

// SegmentIDFor derives the segment id for an external segment identity within a rundown.
func SegmentIDFor(rundownID RundownID, externalID string) SegmentID {
	return SegmentID(deriveID("segment", string(rundownID), externalID))
}

// PartIDFor derives the part id. Parts are keyed by rundown, not segment, so a part
// that moves between segments keeps its identity.
func PartIDFor(rundownID RundownID, externalID string) PartID {
	return PartID(deriveID("part", string(rundownID), externalID))
}

// PieceIDFor derives a piece id within a part.
func PieceIDFor(partID PartID, externalID string) PieceID {
	return PieceID(deriveID("piece", string(partID), externalID))
}

// AdLibPieceIDFor derives an adlib piece id within a part.
func AdLibPieceIDFor(partID PartID, externalID string) AdLibPieceID {
	return AdLibPieceID(deriveID("adlib", string(partID), externalID))
}

// NewPartInstanceID returns a random part instance id.
func NewPartInstanceID() PartInstanceID {
	return PartInstanceID(uuid.NewString())
}

// NewPieceInstanceID returns a random piece instance id.
func NewPieceInstanceID() PieceInstanceID {
	return PieceInstanceID(uuid.NewString())
}
