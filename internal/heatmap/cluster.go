package heatmap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/hcluster"
)

// Axis is a heatmap dimension that can be reordered by clustering.
type Axis string

const (
	AxisSamples    Axis = "samples"
	AxisSignatures Axis = "signatures"
)

// ParseAxis accepts "samples" or "signatures".
func ParseAxis(s string) (Axis, error) {
	switch Axis(s) {
	case AxisSamples, AxisSignatures:
		return Axis(s), nil
	default:
		return "", fmt.Errorf("unknown axis %q (want samples or signatures)", s)
	}
}

// ClusterRequest is the input handed to a Clusterer: one position vector per
// id to be ordered.
type ClusterRequest struct {
	Distance hcluster.Distance
	Linkage  hcluster.Linkage
	Items    []hcluster.Item
}

// Clusterer orders ids so that similar items are adjacent. The result must be
// a permutation of the request's ids.
type Clusterer interface {
	Order(ctx context.Context, req ClusterRequest) ([]int64, error)
}

// HierarchicalClusterer orders items by the leaf order of an hcluster tree.
type HierarchicalClusterer struct{}

func (HierarchicalClusterer) Order(ctx context.Context, req ClusterRequest) ([]int64, error) {
	tree, err := hcluster.Cluster(req.Items, hcluster.Options{Distance: req.Distance, Linkage: req.Linkage})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	leaves := tree.OrderedNodes()
	ids := make([]int64, len(leaves))
	for i, leaf := range leaves {
		ids[i] = leaf.ID
	}
	return ids, nil
}

// Job is a clustering run in progress.
type Job struct {
	axis Axis
	done chan struct{}
	err  error
}

// Axis returns the axis being clustered.
func (j *Job) Axis() Axis { return j.axis }

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the job's error once Done is closed, and nil before.
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

// ClusterSamples reorders Samples by the similarity of their activity. It
// returns immediately; the clustering runs in the background.
func (h *Heatmap) ClusterSamples(ctx context.Context) *Job {
	return h.cluster(ctx, AxisSamples)
}

// ClusterSignatures reorders SignatureOrder by the similarity of each
// signature's activity across samples. It returns immediately; the clustering
// runs in the background.
func (h *Heatmap) ClusterSignatures(ctx context.Context) *Job {
	return h.cluster(ctx, AxisSignatures)
}

// Clustering returns the axes currently being clustered.
func (h *Heatmap) Clustering() []Axis {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Axis, 0, len(h.running))
	for axis := range h.running {
		out = append(out, axis)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Heatmap) cluster(ctx context.Context, axis Axis) *Job {
	job := &Job{axis: axis, done: make(chan struct{})}

	h.mu.Lock()
	if h.running[axis] {
		h.mu.Unlock()
		job.finish(ErrClusteringBusy)
		return job
	}
	var items []hcluster.Item
	var err error
	switch axis {
	case AxisSamples:
		items, err = sampleVectors(&h.state, h.cache)
	case AxisSignatures:
		objs, warnings := signatureObjects(&h.state, h.cache)
		logIntegrity(h.logger, warnings)
		items = signatureVectors(objs)
	default:
		err = fmt.Errorf("unknown axis %q", axis)
	}
	if err != nil {
		h.mu.Unlock()
		h.metrics.ClusterRuns.WithLabelValues(string(axis), "error").Inc()
		job.finish(err)
		return job
	}
	gen := h.gen
	h.running[axis] = true
	h.mu.Unlock()

	go func() {
		start := time.Now()
		order, err := h.clusterer.Order(ctx, ClusterRequest{
			Distance: hcluster.Euclidean,
			Linkage:  hcluster.Average,
			Items:    items,
		})
		if err == nil && !isPermutation(itemIDs(items), order) {
			err = ErrNotPermutation
		}

		h.mu.Lock()
		delete(h.running, axis)
		if err == nil {
			err = h.applyOrder(axis, gen, order)
		}
		h.mu.Unlock()

		outcome := "ok"
		if err != nil {
			outcome = "error"
			h.logger.Error("clustering failed", "axis", axis, "error", err)
		} else {
			h.logger.Info("clustering finished", "axis", axis, "items", len(order), "elapsed", time.Since(start))
		}
		h.metrics.ClusterRuns.WithLabelValues(string(axis), outcome).Inc()
		h.metrics.ClusterSeconds.WithLabelValues(string(axis)).Observe(time.Since(start).Seconds())
		job.finish(err)
	}()
	return job
}

// applyOrder installs order on the clustered axis. h.mu must be held.
func (h *Heatmap) applyOrder(axis Axis, gen uint64, order []int64) error {
	if h.gen != gen {
		return ErrStaleSelection
	}
	target := &h.state.Samples
	if axis == AxisSignatures {
		target = &h.state.SignatureOrder
	}
	if !isPermutation(*target, order) {
		// Samples were excluded or reordered by a rebuild meanwhile.
		return ErrStaleSelection
	}
	*target = append([]int64{}, order...)
	return nil
}

// sampleVectors reads each sample's activity straight from the cache so that
// missing sample metadata never produces an empty vector.
func sampleVectors(st *State, cache activityLookup) ([]hcluster.Item, error) {
	items := make([]hcluster.Item, 0, len(st.Samples))
	for _, id := range st.Samples {
		records, ok := cache.Get(st.Model.ID, id)
		if !ok {
			return nil, fmt.Errorf("sample %d: %w", id, ErrNotReconciled)
		}
		items = append(items, hcluster.Item{ID: id, Position: activity.Values(records)})
	}
	return items, nil
}

func signatureVectors(objs []SignatureObject) []hcluster.Item {
	items := make([]hcluster.Item, len(objs))
	for i, o := range objs {
		items[i] = hcluster.Item{ID: o.ID, Position: o.Activity}
	}
	return items
}

func itemIDs(items []hcluster.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// isPermutation reports whether b contains exactly the ids of a.
func isPermutation(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[int64]int, len(a))
	for _, id := range a {
		counts[id]++
	}
	for _, id := range b {
		if counts[id] == 0 {
			return false
		}
		counts[id]--
	}
	return true
}
