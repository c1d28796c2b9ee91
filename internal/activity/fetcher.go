package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultFetchTimeout bounds a single activity fetch.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxConcurrentFetches bounds ResolveAll's fan-out.
	DefaultMaxConcurrentFetches = 8
)

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	Source        Source
	Cache         *Cache        // default: a new empty cache
	Timeout       time.Duration // per fetch (default: 30s)
	MaxConcurrent int           // ResolveAll fan-out (default: 8)
	Metrics       *Metrics      // default: unregistered collectors
	Logger        *slog.Logger
}

// Fetcher resolves activity through its Cache, fetching misses from a Source.
// Concurrent misses for the same Key share a single fetch.
type Fetcher struct {
	source        Source
	cache         *Cache
	timeout       time.Duration
	maxConcurrent int
	metrics       *Metrics
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[Key]*call
}

// call is one in-flight fetch. records and err are written before done is
// closed and are read-only afterwards.
type call struct {
	done    chan struct{}
	gen     uint64
	records []Record
	err     error
}

// NewFetcher creates a Fetcher. cfg.Source is required.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache(cfg.Logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentFetches
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	return &Fetcher{
		source:        cfg.Source,
		cache:         cfg.Cache,
		timeout:       cfg.Timeout,
		maxConcurrent: cfg.MaxConcurrent,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		inflight:      make(map[Key]*call),
	}
}

// Cache returns the cache the fetcher populates.
func (f *Fetcher) Cache() *Cache { return f.cache }

// Resolve returns the activity of sample under model.
//
//  1. A cached entry is returned without touching the source.
//  2. If a fetch for the same key is already running, Resolve waits for it.
//  3. Otherwise exactly one fetch is started. A non-empty result is cached
//     and returned; an empty result is returned as nil and not cached, so a
//     later Resolve tries again; a failure is returned as *TransportError.
//
// The fetch itself is not cancelled when ctx is: other callers may be waiting
// on it. It is bounded by the fetcher's timeout instead.
func (f *Fetcher) Resolve(ctx context.Context, model, sample int64) ([]Record, error) {
	key := Key{Model: model, Sample: sample}

	f.mu.Lock()
	if records, ok := f.cache.Get(model, sample); ok {
		f.mu.Unlock()
		f.metrics.CacheHits.Inc()
		return records, nil
	}
	f.metrics.CacheMisses.Inc()
	// A call started before a Reset cannot populate the cache; start over.
	c, joined := f.inflight[key]
	if joined && c.gen != f.cache.generation() {
		joined = false
	}
	if joined {
		f.metrics.Coalesced.Inc()
	} else {
		c = &call{done: make(chan struct{}), gen: f.cache.generation()}
		f.inflight[key] = c
		f.logger.Info("activity cache miss", "mlmodel", model, "sample", sample)
		go f.fetch(context.WithoutCancel(ctx), key, c)
	}
	f.mu.Unlock()

	select {
	case <-c.done:
		return c.records, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("resolving activity %s: %w", key, ctx.Err())
	}
}

func (f *Fetcher) fetch(ctx context.Context, key Key, c *call) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	records, err := f.source.FetchActivity(ctx, key.Model, key.Sample)
	f.metrics.FetchSeconds.Observe(time.Since(start).Seconds())

	f.mu.Lock()
	switch {
	case err != nil:
		c.err = asTransportError(key, err)
		f.metrics.Fetches.WithLabelValues("error").Inc()
	case len(records) == 0:
		f.metrics.Fetches.WithLabelValues("empty").Inc()
	default:
		f.metrics.Fetches.WithLabelValues("ok").Inc()
		c.records = records
		if f.cache.generation() == c.gen {
			f.cache.Put(key.Model, key.Sample, records)
			c.records, _ = f.cache.Get(key.Model, key.Sample)
		}
	}
	if f.inflight[key] == c {
		delete(f.inflight, key)
	}
	f.mu.Unlock()

	close(c.done)
}

// ListUnresolved returns the samples that have no cached activity under
// model, in input order. It never fetches.
func (f *Fetcher) ListUnresolved(model int64, samples []int64) []int64 {
	var out []int64
	for _, s := range samples {
		if _, ok := f.cache.Get(model, s); !ok {
			out = append(out, s)
		}
	}
	return out
}

// Status classifies the outcome of resolving one sample.
type Status int

const (
	Resolved Status = iota
	NoData
	Failed
)

func (s Status) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case NoData:
		return "no_data"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets Status appear as a string in JSON payloads.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{Resolved, NoData, Failed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Outcome is the settled result of resolving one sample.
type Outcome struct {
	Sample  int64    `json:"sample"`
	Status  Status   `json:"status"`
	Records []Record `json:"-"`
	Err     error    `json:"-"`
	Message string   `json:"error,omitempty"` // Err's text
}

// ResolveAll resolves every sample and waits for all of them to settle. One
// sample's failure does not affect the others. Resolves are started in input
// order, at most MaxConcurrent at a time; outcomes are returned in input order
// whatever order the fetches complete in.
func (f *Fetcher) ResolveAll(ctx context.Context, model int64, samples []int64) []Outcome {
	outcomes := make([]Outcome, len(samples))

	var g errgroup.Group
	g.SetLimit(f.maxConcurrent)
	for i, sample := range samples {
		g.Go(func() error {
			records, err := f.Resolve(ctx, model, sample)
			o := Outcome{Sample: sample, Records: records, Err: err}
			switch {
			case err != nil:
				o.Status = Failed
				o.Message = err.Error()
				f.logger.Warn("activity fetch failed", "mlmodel", model, "sample", sample, "error", err)
			case len(records) == 0:
				o.Status = NoData
			default:
				o.Status = Resolved
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
