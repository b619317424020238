package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"

	"rundown-orchestrator/internal/ingest"
	"rundown-orchestrator/internal/model"
)

// ErrInvalidPayload is returned when a payload cannot be interpreted.
var ErrInvalidPayload = errors.New("invalid payload")

// Transformer turns the external representation of a rundown into show structure.
type Transformer interface {
	TransformRundown(rundownID model.RundownID, rundown model.IngestRundown) (ingest.RundownContents, error)
	TransformSegment(rundownID model.RundownID, segment model.IngestSegment) (ingest.SegmentContents, error)
}

// DefaultTransformer maps payload fields one to one. Part payloads may carry:
//
//	{"autonext": true, "expectedDurationMs": 15000, "invalid": false, "floated": false,
//	 "pieces": [{"externalId": "cam", "name": "Camera 1", "layer": "camera", "content": {...}}],
//	 "adlibs": [{"externalId": "gfx", "name": "Lower third", "rank": 0, "content": {...}}]}
//
// A segment payload may carry {"hidden": true}.
type DefaultTransformer struct{}

type segmentPayload struct {
	Hidden bool `json:"hidden"`
}

type partPayload struct {
	Autonext           bool           `json:"autonext"`
	ExpectedDurationMs int64          `json:"expectedDurationMs"`
	Invalid            bool           `json:"invalid"`
	Floated            bool           `json:"floated"`
	Pieces             []piecePayload `json:"pieces"`
	AdLibs             []piecePayload `json:"adlibs"`
}

type piecePayload struct {
	ExternalID string         `json:"externalId"`
	Name       string         `json:"name"`
	Layer      string         `json:"layer"`
	Rank       float64        `json:"rank"`
	Content    map[string]any `json:"content"`
}

// TransformRundown implements Transformer.
func (DefaultTransformer) TransformRundown(_ model.RundownID, rundown model.IngestRundown) (ingest.RundownContents, error) {
	out := ingest.RundownContents{Name: rundown.Name, Payload: rundown.Payload}
	if rundown.Name == "" {
		out.Name = rundown.ExternalID
		out.Notes = append(out.Notes, model.Note{Severity: model.NoteWarning, Message: "rundown has no name"})
	}
	return out, nil
}

// TransformSegment implements Transformer.
func (DefaultTransformer) TransformSegment(rundownID model.RundownID, segment model.IngestSegment) (ingest.SegmentContents, error) {
	var sp segmentPayload
	if err := decodePayload(segment.Payload, &sp); err != nil {
		return ingest.SegmentContents{}, fmt.Errorf("segment %s: %w", segment.ExternalID, err)
	}
	segID := model.SegmentIDFor(rundownID, segment.ExternalID)
	out := ingest.SegmentContents{Segment: model.Segment{
		ID:         segID,
		RundownID:  rundownID,
		ExternalID: segment.ExternalID,
		Rank:       segment.Rank,
		Name:       segment.Name,
		IsHidden:   sp.Hidden,
	}}
	if len(segment.Parts) == 0 {
		out.Segment.Notes = append(out.Segment.Notes, model.Note{Severity: model.NoteWarning, Message: "segment has no parts"})
	}

	for _, p := range segment.Parts {
		var pp partPayload
		if err := decodePayload(p.Payload, &pp); err != nil {
			return ingest.SegmentContents{}, fmt.Errorf("part %s: %w", p.ExternalID, err)
		}
		partID := model.PartIDFor(rundownID, p.ExternalID)
		pc := ingest.PartContents{Part: model.Part{
			ID:                 partID,
			RundownID:          rundownID,
			SegmentID:          segID,
			ExternalID:         p.ExternalID,
			Rank:               p.Rank,
			Title:              p.Name,
			Invalid:            pp.Invalid,
			Floated:            pp.Floated,
			Autonext:           pp.Autonext,
			ExpectedDurationMs: pp.ExpectedDurationMs,
			Payload:            p.Payload,
		}}
		for _, piece := range pp.Pieces {
			if piece.ExternalID == "" {
				return ingest.SegmentContents{}, fmt.Errorf("part %s: piece without externalId: %w", p.ExternalID, ErrInvalidPayload)
			}
			pc.Pieces = append(pc.Pieces, model.Piece{
				ID:             model.PieceIDFor(partID, piece.ExternalID),
				StartRundownID: rundownID,
				StartSegmentID: segID,
				StartPartID:    partID,
				ExternalID:     piece.ExternalID,
				Name:           piece.Name,
				Layer:          piece.Layer,
				Content:        piece.Content,
			})
		}
		for _, adlib := range pp.AdLibs {
			if adlib.ExternalID == "" {
				return ingest.SegmentContents{}, fmt.Errorf("part %s: adlib without externalId: %w", p.ExternalID, ErrInvalidPayload)
			}
			pc.AdLibs = append(pc.AdLibs, model.AdLibPiece{
				ID:         model.AdLibPieceIDFor(partID, adlib.ExternalID),
				RundownID:  rundownID,
				PartID:     partID,
				ExternalID: adlib.ExternalID,
				Name:       adlib.Name,
				Rank:       adlib.Rank,
				Content:    adlib.Content,
			})
		}
		out.Parts = append(out.Parts, pc)
	}
	return out, nil
}

func decodePayload(payload map[string]any, v any) error {
	if len(payload) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
