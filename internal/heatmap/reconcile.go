package heatmap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hurttlocker/adage/internal/activity"
)

// activityLookup is the read side of activity.Cache.
type activityLookup interface {
	Get(model, sample int64) ([]activity.Record, bool)
}

// Rebuild resolves activity for every sample in the selection, waits for all
// fetches to settle, and then rebuilds the heatmap from the cache:
//
//  1. samples with cached activity contribute their records to Activity, in
//     Samples order; the first of them initializes an empty SignatureOrder;
//  2. samples without cached activity (no data, or a failed fetch) are
//     removed from Samples and added to MissingActivity.
//
// Individual fetch failures are reported in the returned outcomes, never as
// an error. Rebuild fails only if ctx ends before the fetches settle, or with
// ErrStaleSelection if Init was called meanwhile; the state is then left
// untouched. Without a model or samples Rebuild logs a warning and does
// nothing.
func (h *Heatmap) Rebuild(ctx context.Context) ([]activity.Outcome, error) {
	h.mu.Lock()
	model := h.state.Model.ID
	samples := append([]int64(nil), h.state.Samples...)
	gen := h.gen
	h.mu.Unlock()

	if model == 0 {
		h.logger.Warn("heatmap rebuild skipped: no mlmodel selected")
		return nil, nil
	}
	if len(samples) == 0 {
		h.logger.Warn("heatmap rebuild skipped: empty sample list", "mlmodel", model)
		return nil, nil
	}

	outcomes := h.fetcher.ResolveAll(ctx, model, samples)
	if err := ctx.Err(); err != nil {
		return outcomes, fmt.Errorf("rebuilding heatmap: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return outcomes, ErrStaleSelection
	}
	reconcile(&h.state, h.cache, h.logger)
	return outcomes, nil
}

// reconcile rebuilds st.Activity from cache and moves samples without cached
// activity to st.MissingActivity.
func reconcile(st *State, cache activityLookup, logger *slog.Logger) {
	byMark := []activity.Record{}
	var excluded []int64

	for _, id := range st.Samples {
		records, ok := cache.Get(st.Model.ID, id)
		if !ok {
			logger.Error("no activity for sample, moving it out of the heatmap", "mlmodel", st.Model.ID, "sample", id)
			excluded = append(excluded, id)
			continue
		}
		byMark = append(byMark, records...)
		if len(st.SignatureOrder) == 0 {
			st.SignatureOrder = activity.Signatures(records)
		}
	}

	st.removeSamples(excluded)
	for _, id := range excluded {
		st.markMissing(id)
	}
	st.Activity = byMark
}
