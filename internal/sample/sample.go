// Package sample holds sample metadata fetched alongside heatmap activity.
//
// Heatmap views only read metadata through Cache.GetCached and tolerate its
// absence, so loading metadata never blocks activity reconciliation.
package sample

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sample is the metadata of one sample.
type Sample struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	MLDataSource string            `json:"ml_data_source,omitempty"`
	Annotations  map[string]string `json:"annotations,omitempty"`
}

// Source fetches metadata for a batch of sample ids. Unknown ids are
// omitted from the result.
type Source interface {
	FetchSamples(ctx context.Context, ids []int64) ([]Sample, error)
}

// Cache holds sample metadata by id.
type Cache struct {
	mu      sync.RWMutex
	samples map[int64]Sample
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{samples: make(map[int64]Sample)}
}

// GetCached returns the metadata of id if it has been loaded.
func (c *Cache) GetCached(id int64) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[id]
	return s, ok
}

// Put stores samples, replacing earlier metadata for the same ids.
func (c *Cache) Put(samples ...Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range samples {
		c.samples[s.ID] = s
	}
}

// Len returns the number of cached samples.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.samples)
}

// Loader fills a Cache from a Source, fetching only ids it does not hold.
type Loader struct {
	source Source
	cache  *Cache
	logger *slog.Logger
}

// NewLoader creates a Loader. A nil cache gets a fresh one.
func NewLoader(source Source, cache *Cache, logger *slog.Logger) *Loader {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: source, cache: cache, logger: logger}
}

// Cache returns the loader's cache.
func (l *Loader) Cache() *Cache { return l.cache }

// Load makes sure metadata for ids is cached and returns what is known, in
// input order. Ids the source does not know are skipped.
func (l *Loader) Load(ctx context.Context, ids []int64) ([]Sample, error) {
	var missing []int64
	for _, id := range ids {
		if _, ok := l.cache.GetCached(id); !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		fetched, err := l.source.FetchSamples(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("loading %d samples: %w", len(missing), err)
		}
		l.cache.Put(fetched...)
		if len(fetched) < len(missing) {
			l.logger.Warn("sample metadata incomplete", "requested", len(missing), "received", len(fetched))
		}
	}

	out := make([]Sample, 0, len(ids))
	for _, id := range ids {
		if s, ok := l.cache.GetCached(id); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
