package heatmap

import (
	"fmt"
	"log/slog"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/sample"
)

// SampleObject is one row of the sample-major view. Until sample metadata has
// been loaded only ID is set.
type SampleObject struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name,omitempty"`
	MLDataSource string            `json:"ml_data_source,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
	Activity     []float64         `json:"activity,omitempty"`
}

// SignatureObject is one row of the signature-major view: the activity of a
// signature across Samples, in Samples order.
type SignatureObject struct {
	ID       int64     `json:"id"`
	Activity []float64 `json:"activity"`
}

// IntegrityWarning reports a sample whose record at Position does not carry
// the signature the reference sample has there. Got is 0 when the sample has
// fewer records than the reference.
type IntegrityWarning struct {
	Sample   int64
	Position int
	Want     int64
	Got      int64
}

func (w IntegrityWarning) String() string {
	return fmt.Sprintf("sample %d position %d: signature %d, expected %d", w.Sample, w.Position, w.Got, w.Want)
}

// SampleActivity returns the sample-major view of the heatmap.
func (h *Heatmap) SampleActivity() []SampleObject {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sampleObjects(&h.state, h.cache, h.sampleCache())
}

// SignatureObjects returns the signature-major view of the heatmap, the
// transpose of SampleActivity. Signatures are enumerated from the first
// sample; samples whose signatures do not line up are logged and their value
// at that position is used anyway.
func (h *Heatmap) SignatureObjects() []SignatureObject {
	h.mu.Lock()
	objs, warnings := signatureObjects(&h.state, h.cache)
	h.mu.Unlock()

	logIntegrity(h.logger, warnings)
	return objs
}

func logIntegrity(logger *slog.Logger, warnings []IntegrityWarning) {
	for _, w := range warnings {
		logger.Warn("signature ids do not match across samples",
			"sample", w.Sample, "position", w.Position, "want", w.Want, "got", w.Got)
	}
}

func sampleObjects(st *State, cache activityLookup, meta *sample.Cache) []SampleObject {
	out := make([]SampleObject, 0, len(st.Samples))
	for _, id := range st.Samples {
		var smp sample.Sample
		ok := false
		if meta != nil {
			smp, ok = meta.GetCached(id)
		}
		if !ok {
			out = append(out, SampleObject{ID: id})
			continue
		}
		obj := SampleObject{
			ID:           id,
			Name:         smp.Name,
			MLDataSource: smp.MLDataSource,
			Annotations:  smp.Annotations,
		}
		if records, ok := cache.Get(st.Model.ID, id); ok {
			obj.Activity = activity.Values(records)
		}
		out = append(out, obj)
	}
	return out
}

func signatureObjects(st *State, cache activityLookup) ([]SignatureObject, []IntegrityWarning) {
	if len(st.Samples) == 0 {
		return []SignatureObject{}, nil
	}
	reference, ok := cache.Get(st.Model.ID, st.Samples[0])
	if !ok {
		return []SignatureObject{}, nil
	}

	rows := make([][]activity.Record, len(st.Samples))
	for j, id := range st.Samples {
		rows[j], _ = cache.Get(st.Model.ID, id)
	}

	var warnings []IntegrityWarning
	out := make([]SignatureObject, len(reference))
	for i, ref := range reference {
		values := make([]float64, len(st.Samples))
		for j, id := range st.Samples {
			row := rows[j]
			if i >= len(row) {
				warnings = append(warnings, IntegrityWarning{Sample: id, Position: i, Want: ref.Signature})
				continue
			}
			if row[i].Signature != ref.Signature {
				warnings = append(warnings, IntegrityWarning{Sample: id, Position: i, Want: ref.Signature, Got: row[i].Signature})
			}
			values[j] = row[i].Value
		}
		out[i] = SignatureObject{ID: ref.Signature, Activity: values}
	}
	return out, warnings
}
