package sample

import (
	"context"
	"errors"
	"testing"
)

type stubSource struct {
	known    map[int64]Sample
	requests [][]int64
	err      error
}

func (s *stubSource) FetchSamples(ctx context.Context, ids []int64) ([]Sample, error) {
	s.requests = append(s.requests, append([]int64(nil), ids...))
	if s.err != nil {
		return nil, s.err
	}
	var out []Sample
	for _, id := range ids {
		if smp, ok := s.known[id]; ok {
			out = append(out, smp)
		}
	}
	return out, nil
}

func TestLoaderFetchesOnlyMissing(t *testing.T) {
	src := &stubSource{known: map[int64]Sample{
		1: {ID: 1, Name: "PA14 wt"},
		2: {ID: 2, Name: "PA14 ΔanR"},
		3: {ID: 3, Name: "PAO1"},
	}}
	l := NewLoader(src, nil, nil)
	l.Cache().Put(Sample{ID: 2, Name: "cached"})

	got, err := l.Load(context.Background(), []int64{3, 2, 1, 9})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(src.requests) != 1 || len(src.requests[0]) != 3 {
		t.Fatalf("expected one request for 3 missing ids, got %v", src.requests)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 known samples, got %d", len(got))
	}
	if got[0].ID != 3 || got[1].Name != "cached" || got[2].ID != 1 {
		t.Fatalf("unexpected order or content: %+v", got)
	}

	if _, err := l.Load(context.Background(), []int64{1, 2, 3}); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if len(src.requests) != 1 {
		t.Fatalf("fully cached Load must not fetch, got %d requests", len(src.requests))
	}
}

func TestLoaderPropagatesError(t *testing.T) {
	boom := errors.New("HTTP 502")
	l := NewLoader(&stubSource{err: boom}, nil, nil)

	_, err := l.Load(context.Background(), []int64{1})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
	if _, ok := l.Cache().GetCached(1); ok {
		t.Fatal("nothing should be cached after a failed load")
	}
}
