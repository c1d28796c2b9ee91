// Package heatmap reconciles cached per-sample activity into the views a
// heatmap is drawn from, and reorders its axes by hierarchical clustering.
//
// A Heatmap owns one selection (an mlmodel plus a list of samples). Rebuild
// makes sure every sample's activity is cached, moves samples without
// activity out of the heatmap, and rebuilds the by-mark activity list.
// SampleActivity and SignatureObjects derive the sample-major and
// signature-major views on demand. ClusterSamples and ClusterSignatures run in
// the background and reorder Samples or SignatureOrder when they finish.
package heatmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/sample"
)

var (
	// ErrStaleSelection is returned when the selection changed while an
	// operation was running; its result was discarded.
	ErrStaleSelection = errors.New("heatmap selection changed")
	// ErrClusteringBusy is returned when the same axis is already being
	// clustered.
	ErrClusteringBusy = errors.New("clustering already in progress")
	// ErrNotPermutation is returned when a Clusterer's ordering is not a
	// permutation of its input ids.
	ErrNotPermutation = errors.New("cluster order is not a permutation of its input")
	// ErrNotReconciled is returned when clustering is requested for a sample
	// whose activity is not cached.
	ErrNotReconciled = errors.New("heatmap has samples without cached activity")
)

// Config configures a Heatmap.
type Config struct {
	Fetcher   *activity.Fetcher // required
	Samples   *sample.Loader    // optional sample metadata
	Clusterer Clusterer         // default: HierarchicalClusterer
	Metrics   *Metrics          // default: unregistered collectors
	Logger    *slog.Logger
}

// Heatmap owns the state of one heatmap selection. It is safe for concurrent
// use; network waits and clustering run without holding its lock.
type Heatmap struct {
	fetcher   *activity.Fetcher
	cache     *activity.Cache
	samples   *sample.Loader
	clusterer Clusterer
	metrics   *Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	running map[Axis]bool
}

// New creates a Heatmap with an empty selection.
func New(cfg Config) *Heatmap {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clusterer == nil {
		cfg.Clusterer = HierarchicalClusterer{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Heatmap{
		fetcher:   cfg.Fetcher,
		cache:     cfg.Fetcher.Cache(),
		samples:   cfg.Samples,
		clusterer: cfg.Clusterer,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		state:     NewState(0, nil),
		running:   make(map[Axis]bool),
	}
}

// Init replaces the selection. Operations started for the previous selection
// discard their results. Selecting a different mlmodel resets the activity
// cache.
func (h *Heatmap) Init(model int64, samples []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Model.ID != 0 && h.state.Model.ID != model {
		h.cache.Reset()
	}
	h.state = NewState(model, samples)
	h.gen++
}

// Snapshot returns a copy of the current state.
func (h *Heatmap) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// Fetcher returns the activity fetcher the heatmap resolves through.
func (h *Heatmap) Fetcher() *activity.Fetcher { return h.fetcher }

// LoadData loads sample metadata and rebuilds activity concurrently, waiting
// for both. Activity failures only exclude samples; a metadata failure is
// returned.
func (h *Heatmap) LoadData(ctx context.Context) error {
	h.mu.Lock()
	model, n := h.state.Model.ID, len(h.state.Samples)
	h.mu.Unlock()
	if model == 0 {
		h.logger.Warn("heatmap load skipped: no mlmodel selected")
		return nil
	}
	if n == 0 {
		h.logger.Warn("heatmap load skipped: empty sample list", "mlmodel", model)
		return nil
	}

	var g errgroup.Group
	g.Go(func() error { return h.LoadSampleObjects(ctx) })
	g.Go(func() error {
		_, err := h.Rebuild(ctx)
		return err
	})
	return g.Wait()
}

// LoadSampleObjects caches metadata for the current samples. It is a no-op
// when the heatmap has no sample loader.
func (h *Heatmap) LoadSampleObjects(ctx context.Context) error {
	if h.samples == nil {
		return nil
	}
	h.mu.Lock()
	ids := append([]int64(nil), h.state.Samples...)
	h.mu.Unlock()

	if _, err := h.samples.Load(ctx, ids); err != nil {
		return fmt.Errorf("loading sample objects: %w", err)
	}
	return nil
}

func (h *Heatmap) sampleCache() *sample.Cache {
	if h.samples == nil {
		return nil
	}
	return h.samples.Cache()
}
