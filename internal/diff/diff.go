// Package diff classifies the segment level changes between two ingest snapshots.
package diff

import (
	"bytes"
	"encoding/json"
	"sort"

	"rundown-orchestrator/internal/model"
)

// Result classifies every segment of two snapshots, keyed by segment external id.
// Each id is in exactly one of Added, Changed, Removed and Unchanged.
type Result struct {
	Added     map[string]model.IngestSegment
	Changed   map[string]model.IngestSegment
	Removed   map[string]model.IngestSegment
	Unchanged map[string]model.IngestSegment

	// OnlyRankChanged holds the new rank of changed segments whose content is identical.
	OnlyRankChanged map[string]float64

	// Renamed maps a removed segment id to the added segment id that replaces it.
	Renamed map[string]string
}

// HasChanges reports whether anything other than Unchanged is set.
func (r Result) HasChanges() bool {
	return len(r.Added) > 0 || len(r.Changed) > 0 || len(r.Removed) > 0
}

// RemovedNotRenamed returns the ids of removed segments that were not renamed, sorted.
func (r Result) RemovedNotRenamed() []string {
	var out []string
	for id := range r.Removed {
		if _, ok := r.Renamed[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AddedOrChanged returns the ids of added and changed segments, sorted.
func (r Result) AddedOrChanged() []string {
	out := make([]string, 0, len(r.Added)+len(r.Changed))
	for id := range r.Added {
		out = append(out, id)
	}
	for id := range r.Changed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CompareSegments diffs the segments of an old and a new snapshot. It is pure and its
// output depends only on the segment ids and contents, not on slice order.
func CompareSegments(oldSegs, newSegs []model.IngestSegment) Result {
	res := Result{
		Added:           make(map[string]model.IngestSegment),
		Changed:         make(map[string]model.IngestSegment),
		Removed:         make(map[string]model.IngestSegment),
		Unchanged:       make(map[string]model.IngestSegment),
		OnlyRankChanged: make(map[string]float64),
		Renamed:         make(map[string]string),
	}

	oldByID := index(oldSegs)
	newByID := index(newSegs)

	for id, seg := range newByID {
		old, ok := oldByID[id]
		if !ok {
			res.Added[id] = seg
			continue
		}
		switch {
		case old.Modified != seg.Modified || !sameContent(old, seg):
			res.Changed[id] = seg
		case old.Rank != seg.Rank:
			res.Changed[id] = seg
			res.OnlyRankChanged[id] = seg.Rank
		default:
			res.Unchanged[id] = seg
		}
	}
	for id, seg := range oldByID {
		if _, ok := newByID[id]; !ok {
			res.Removed[id] = seg
		}
	}

	detectRenames(&res)
	return res
}

// index keys normalized segments by external id. On duplicate ids the last one wins.
func index(segs []model.IngestSegment) map[string]model.IngestSegment {
	out := make(map[string]model.IngestSegment, len(segs))
	for _, s := range segs {
		out[s.ExternalID] = s.Normalize()
	}
	return out
}

// sameContent compares everything except rank.
func sameContent(a, b model.IngestSegment) bool {
	a.Rank, b.Rank = 0, 0
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// detectRenames pairs removed segments with added ones: first by identical non-empty name, then
// by a shared part id. Removed segments are visited in rank order and each added segment
// is used at most once. This is a heuristic; two segments renamed and reordered in the
// same change can be paired the wrong way round.
func detectRenames(res *Result) {
	removed := ordered(res.Removed)
	added := ordered(res.Added)
	used := make(map[string]bool, len(added))

	match := func(pred func(model.IngestSegment) bool) (string, bool) {
		for _, a := range added {
			if !used[a.ExternalID] && pred(a) {
				return a.ExternalID, true
			}
		}
		return "", false
	}

	for _, r := range removed {
		id, ok := match(func(a model.IngestSegment) bool { return r.Name != "" && a.Name == r.Name })
		if !ok {
			parts := partIDs(r)
			id, ok = match(func(a model.IngestSegment) bool {
				for _, p := range a.Parts {
					if parts[p.ExternalID] {
						return true
					}
				}
				return false
			})
		}
		if ok {
			used[id] = true
			res.Renamed[r.ExternalID] = id
		}
	}
}

func ordered(m map[string]model.IngestSegment) []model.IngestSegment {
	out := make([]model.IngestSegment, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}

func partIDs(s model.IngestSegment) map[string]bool {
	out := make(map[string]bool, len(s.Parts))
	for _, p := range s.Parts {
		out[p.ExternalID] = true
	}
	return out
}
