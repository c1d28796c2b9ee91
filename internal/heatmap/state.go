package heatmap

import "github.com/hurttlocker/adage/internal/activity"

// Model identifies the mlmodel a heatmap is drawn for.
type Model struct {
	ID int64 `json:"id"`
}

// State is the data behind one heatmap selection.
//
// Samples and MissingActivity are disjoint once the heatmap has been rebuilt.
// Activity is the concatenation of each present sample's cached records in
// Samples order; SignatureOrder has one entry per record of any present sample.
type State struct {
	Model           Model             `json:"mlmodel"`
	Samples         []int64           `json:"samples"`
	SignatureOrder  []int64           `json:"signature_order"`
	MissingActivity []int64           `json:"samples_missing_activity"`
	Activity        []activity.Record `json:"activity"`
}

// NewState starts a selection. Duplicate sample ids are dropped, keeping the
// first occurrence.
func NewState(model int64, samples []int64) State {
	seen := make(map[int64]struct{}, len(samples))
	list := make([]int64, 0, len(samples))
	for _, id := range samples {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		list = append(list, id)
	}
	return State{
		Model:           Model{ID: model},
		Samples:         list,
		SignatureOrder:  []int64{},
		MissingActivity: []int64{},
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	return State{
		Model:           s.Model,
		Samples:         append([]int64{}, s.Samples...),
		SignatureOrder:  append([]int64{}, s.SignatureOrder...),
		MissingActivity: append([]int64{}, s.MissingActivity...),
		Activity:        append([]activity.Record(nil), s.Activity...),
	}
}

// markMissing adds id to MissingActivity unless it is already there.
func (s *State) markMissing(id int64) {
	for _, m := range s.MissingActivity {
		if m == id {
			return
		}
	}
	s.MissingActivity = append(s.MissingActivity, id)
}

// removeSamples drops ids from Samples, preserving the order of the rest.
func (s *State) removeSamples(ids []int64) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := s.Samples[:0]
	for _, id := range s.Samples {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	s.Samples = kept
}
