package heatmap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func loadedHeatmap(t *testing.T, meta bool) (*Heatmap, *mapSource) {
	t.Helper()
	src := newMapSource()
	// Two groups: samples 1 and 3 are high on the first signature, 2 and 4
	// on the last.
	src.add(1, 9.0, 0.1, 0.0)
	src.add(2, 0.0, 0.2, 9.1)
	src.add(3, 8.8, 0.1, 0.2)
	src.add(4, 0.1, 0.3, 9.0)

	var h *Heatmap
	if meta {
		h = newTestHeatmap(src, metaSource{})
	} else {
		h = newTestHeatmap(src, nil)
	}
	h.Init(testModel, []int64{1, 2, 3, 4})
	if err := h.LoadData(context.Background()); err != nil {
		t.Fatalf("LoadData: %v", err)
	}
	return h, src
}

func TestSampleActivityStubsWithoutMetadata(t *testing.T) {
	h, _ := loadedHeatmap(t, false)
	objs := h.SampleActivity()
	if len(objs) != 4 {
		t.Fatalf("expected 4 sample objects, got %d", len(objs))
	}
	for _, o := range objs {
		if o.Activity != nil || o.Name != "" {
			t.Fatalf("expected stub for sample %d, got %+v", o.ID, o)
		}
	}
}

func TestSampleActivityWithMetadata(t *testing.T) {
	h, _ := loadedHeatmap(t, true)
	objs := h.SampleActivity()
	if objs[1].Name != "S2" {
		t.Fatalf("metadata not merged: %+v", objs[1])
	}
	if fmt.Sprint(objs[1].Activity) != "[0 0.2 9.1]" {
		t.Fatalf("activity = %v", objs[1].Activity)
	}
}

func TestSignatureObjectsTransposeRoundTrip(t *testing.T) {
	h, _ := loadedHeatmap(t, true)
	bySample := h.SampleActivity()
	bySignature := h.SignatureObjects()

	if len(bySignature) != 3 {
		t.Fatalf("expected 3 signatures, got %d", len(bySignature))
	}
	for i, sig := range bySignature {
		if sig.ID != int64(101+i) {
			t.Fatalf("signature %d has id %d", i, sig.ID)
		}
	}
	for j, s := range bySample {
		for i := range bySignature {
			if bySignature[i].Activity[j] != s.Activity[i] {
				t.Fatalf("transpose mismatch at sample %d signature %d", s.ID, bySignature[i].ID)
			}
		}
	}
}

func TestSignatureObjectsReportsIntegrityMismatch(t *testing.T) {
	cache := activity.NewCache(nil)
	cache.Put(testModel, 1, []activity.Record{{Sample: 1, Signature: 101, Value: 1}, {Sample: 1, Signature: 102, Value: 2}})
	cache.Put(testModel, 2, []activity.Record{{Sample: 2, Signature: 102, Value: 3}, {Sample: 2, Signature: 101, Value: 4}})
	cache.Put(testModel, 3, []activity.Record{{Sample: 3, Signature: 101, Value: 5}})

	st := NewState(testModel, []int64{1, 2, 3})
	objs, warnings := signatureObjects(&st, cache)

	if len(objs) != 2 {
		t.Fatalf("expected 2 signature objects, got %d", len(objs))
	}
	// Best effort: the value at the position is used even when ids disagree.
	if fmt.Sprint(objs[0].Activity) != "[1 3 5]" {
		t.Fatalf("signature 101 activity = %v", objs[0].Activity)
	}
	if fmt.Sprint(objs[1].Activity) != "[2 4 0]" {
		t.Fatalf("signature 102 activity = %v", objs[1].Activity)
	}
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %v", warnings)
	}
	if w := warnings[2]; w.Sample != 3 || w.Position != 1 || w.Got != 0 {
		t.Fatalf("short-row warning = %+v", w)
	}
}

func TestSignatureObjectsEmpty(t *testing.T) {
	st := NewState(testModel, nil)
	objs, warnings := signatureObjects(&st, activity.NewCache(nil))
	if len(objs) != 0 || warnings != nil {
		t.Fatalf("expected empty view, got %v %v", objs, warnings)
	}
}

func TestClusterSamplesGroupsSimilarRows(t *testing.T) {
	h, src := loadedHeatmap(t, false)
	before := h.Snapshot()
	fetches := src.calls

	if err := waitJob(t, h.ClusterSamples(context.Background())); err != nil {
		t.Fatalf("ClusterSamples: %v", err)
	}
	after := h.Snapshot()

	if !isPermutation(before.Samples, after.Samples) {
		t.Fatalf("cluster order %v is not a permutation of %v", after.Samples, before.Samples)
	}
	pos := make(map[int64]int)
	for i, id := range after.Samples {
		pos[id] = i
	}
	adjacent := func(a, b int64) bool { d := pos[a] - pos[b]; return d == 1 || d == -1 }
	if !adjacent(1, 3) || !adjacent(2, 4) {
		t.Fatalf("similar samples not adjacent: %v", after.Samples)
	}
	if fmt.Sprint(after.MissingActivity) != fmt.Sprint(before.MissingActivity) {
		t.Fatal("clustering must not touch MissingActivity")
	}
	if src.calls != fetches {
		t.Fatal("clustering must not fetch")
	}
	if len(h.Clustering()) != 0 {
		t.Fatalf("no clustering should be running, got %v", h.Clustering())
	}
	if v := testutil.ToFloat64(h.metrics.ClusterRuns.WithLabelValues("samples", "ok")); v != 1 {
		t.Fatalf("expected one successful run, got %v", v)
	}
}

func TestClusterSignaturesReordersSignatureOrder(t *testing.T) {
	h, _ := loadedHeatmap(t, false)
	if err := waitJob(t, h.ClusterSignatures(context.Background())); err != nil {
		t.Fatalf("ClusterSignatures: %v", err)
	}
	got := h.Snapshot().SignatureOrder
	if !isPermutation([]int64{101, 102, 103}, got) {
		t.Fatalf("SignatureOrder %v is not a permutation", got)
	}
}

func TestClusterBeforeRebuildFails(t *testing.T) {
	h := newTestHeatmap(newMapSource(), nil)
	h.Init(testModel, []int64{1, 2})
	err := waitJob(t, h.ClusterSamples(context.Background()))
	if !errors.Is(err, ErrNotReconciled) {
		t.Fatalf("expected ErrNotReconciled, got %v", err)
	}
}

// gatedClusterer blocks until release is closed, then returns order (or the
// reverse of its input when order is nil).
type gatedClusterer struct {
	started chan struct{}
	release chan struct{}
	order   []int64
}

func (g *gatedClusterer) Order(ctx context.Context, req ClusterRequest) ([]int64, error) {
	close(g.started)
	<-g.release
	if g.order != nil {
		return g.order, nil
	}
	ids := itemIDs(req.Items)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func gatedHeatmap(t *testing.T, order []int64) (*Heatmap, *gatedClusterer) {
	t.Helper()
	src := newMapSource()
	src.add(1, 1, 2)
	src.add(2, 3, 4)
	src.add(3, 5, 6)
	gc := &gatedClusterer{started: make(chan struct{}), release: make(chan struct{}), order: order}
	h := New(Config{
		Fetcher:   activity.NewFetcher(activity.FetcherConfig{Source: src}),
		Clusterer: gc,
	})
	h.Init(testModel, []int64{1, 2, 3})
	if _, err := h.Rebuild(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h, gc
}

func TestClusteringIsAsynchronous(t *testing.T) {
	h, gc := gatedHeatmap(t, nil)
	job := h.ClusterSamples(context.Background())
	<-gc.started

	if running := h.Clustering(); len(running) != 1 || running[0] != AxisSamples {
		t.Fatalf("Clustering() = %v while job runs", running)
	}
	if job.Err() != nil {
		t.Fatal("Err must be nil before the job finishes")
	}
	// The heatmap stays usable while clustering runs.
	if _, err := h.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild during clustering: %v", err)
	}
	if again := h.ClusterSamples(context.Background()); !errors.Is(waitJob(t, again), ErrClusteringBusy) {
		t.Fatal("expected ErrClusteringBusy for a second run on the same axis")
	}

	close(gc.release)
	if err := waitJob(t, job); err != nil {
		t.Fatalf("job: %v", err)
	}
	if got := h.Snapshot().Samples; fmt.Sprint(got) != "[3 2 1]" {
		t.Fatalf("Samples = %v, want [3 2 1]", got)
	}
}

func TestClusteringDiscardsResultForNewSelection(t *testing.T) {
	h, gc := gatedHeatmap(t, nil)
	job := h.ClusterSamples(context.Background())
	<-gc.started

	h.Init(testModel, []int64{1, 2, 3})
	close(gc.release)

	if err := waitJob(t, job); !errors.Is(err, ErrStaleSelection) {
		t.Fatalf("expected ErrStaleSelection, got %v", err)
	}
	if got := h.Snapshot().Samples; fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("stale result applied: %v", got)
	}
}

func TestClusteringRejectsNonPermutation(t *testing.T) {
	h, gc := gatedHeatmap(t, []int64{1, 1, 2})
	job := h.ClusterSamples(context.Background())
	close(gc.release)

	if err := waitJob(t, job); !errors.Is(err, ErrNotPermutation) {
		t.Fatalf("expected ErrNotPermutation, got %v", err)
	}
	if got := h.Snapshot().Samples; fmt.Sprint(got) != "[1 2 3]" {
		t.Fatalf("bad order applied: %v", got)
	}
}

func TestParseAxis(t *testing.T) {
	for _, s := range []string{"samples", "signatures"} {
		if _, err := ParseAxis(s); err != nil {
			t.Errorf("ParseAxis(%q): %v", s, err)
		}
	}
	if _, err := ParseAxis("genes"); err == nil {
		t.Error("expected error for unknown axis")
	}
}
