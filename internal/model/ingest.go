package model

import "sort"

// IngestPart is the external representation of one part.
type IngestPart struct {
	ExternalID string         `json:"externalId"`
	Name       string         `json:"name"`
	Rank       float64        `json:"rank"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// IngestSegment is the external representation of one segment and its parts.
type IngestSegment struct {
	ExternalID string         `json:"externalId"`
	Name       string         `json:"name"`
	Rank       float64        `json:"rank"`
	Modified   int64          `json:"modified,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Parts      []IngestPart   `json:"parts,omitempty"`
}

// IngestRundown is the last-known external representation of a rundown.
type IngestRundown struct {
	ExternalID         string          `json:"externalId"`
	Name               string          `json:"name"`
	PlaylistExternalID string          `json:"playlistExternalId,omitempty"`
	Modified           int64           `json:"modified,omitempty"`
	Payload            map[string]any  `json:"payload,omitempty"`
	Segments           []IngestSegment `json:"segments,omitempty"`
}

// IngestSnapshot is the stored form of an IngestRundown, keyed by the rundown it produced.
type IngestSnapshot struct {
	ID       RundownID     `json:"_id"`
	StudioID StudioID      `json:"studioId"`
	Rundown  IngestRundown `json:"rundown"`
}

func (s IngestSnapshot) DocID() string { return string(s.ID) }

// Normalize returns a copy with explicit nil values and empty containers removed,
// so that an absent field and a nil field compare equal.
func (p IngestPart) Normalize() IngestPart {
	p.Payload = normalizeMap(p.Payload)
	return p
}

// Normalize returns a normalized deep copy of the segment.
func (s IngestSegment) Normalize() IngestSegment {
	s.Payload = normalizeMap(s.Payload)
	if len(s.Parts) == 0 {
		s.Parts = nil
		return s
	}
	parts := make([]IngestPart, len(s.Parts))
	for i, p := range s.Parts {
		parts[i] = p.Normalize()
	}
	s.Parts = parts
	return s
}

// Normalize returns a normalized deep copy of the rundown.
func (r IngestRundown) Normalize() IngestRundown {
	r.Payload = normalizeMap(r.Payload)
	if len(r.Segments) == 0 {
		r.Segments = nil
		return r
	}
	segments := make([]IngestSegment, len(r.Segments))
	for i, s := range r.Segments {
		segments[i] = s.Normalize()
	}
	r.Segments = segments
	return r
}

// SortedSegments returns the segments ordered by rank, then external id.
func (r IngestRundown) SortedSegments() []IngestSegment {
	out := append([]IngestSegment(nil), r.Segments...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

// UpsertSegment replaces the segment with the same external id, or appends it.
func (r *IngestRundown) UpsertSegment(seg IngestSegment) {
	for i := range r.Segments {
		if r.Segments[i].ExternalID == seg.ExternalID {
			r.Segments[i] = seg
			return
		}
	}
	r.Segments = append(r.Segments, seg)
}

// RemoveSegment drops the segment with the given external id. It reports whether one was found.
func (r *IngestRundown) RemoveSegment(externalID string) bool {
	for i := range r.Segments {
		if r.Segments[i].ExternalID == externalID {
			r.Segments = append(r.Segments[:i], r.Segments[i+1:]...)
			return true
		}
	}
	return false
}

func normalizeMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, keep := normalizeValue(v)
		if keep {
			out[k] = nv
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		m := normalizeMap(t)
		if m == nil {
			return nil, false
		}
		return m, true
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			// nil inside an array is positional data, keep it
			if e == nil {
				out = append(out, nil)
				continue
			}
			ne, keep := normalizeValue(e)
			if !keep {
				ne = nil
			}
			out = append(out, ne)
		}
		return out, true
	default:
		return v, true
	}
}
