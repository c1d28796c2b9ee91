package activity

import (
	"log/slog"
	"sync"
)

// Cache memoizes activity records by Key. Entries are never evicted; Reset
// drops everything when the heatmap selection changes. A present entry always
// holds at least one record: "no data" is represented by absence.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key][]Record
	gen     uint64
	logger  *slog.Logger
}

// NewCache creates an empty cache. A nil logger uses slog.Default().
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[Key][]Record),
		logger:  logger,
	}
}

// Put stores a copy of records for (model, sample), replacing any previous
// entry. Empty record lists are not stored; Put reports whether it stored.
func (c *Cache) Put(model, sample int64, records []Record) bool {
	if len(records) == 0 {
		return false
	}
	cp := make([]Record, len(records))
	copy(cp, records)

	c.mu.Lock()
	c.entries[Key{Model: model, Sample: sample}] = cp
	c.mu.Unlock()

	c.logger.Debug("activity cached", "mlmodel", model, "sample", sample, "records", len(cp))
	return true
}

// Get returns the cached records for (model, sample). Callers must not modify
// the returned slice.
func (c *Cache) Get(model, sample int64) ([]Record, bool) {
	c.mu.RLock()
	records, ok := c.entries[Key{Model: model, Sample: sample}]
	c.mu.RUnlock()
	return records, ok
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[Key][]Record)
	c.gen++
	c.mu.Unlock()
}

// Len returns the number of cached samples.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// generation changes on every Reset. Fetches that started before a Reset do
// not populate the cache after it.
func (c *Cache) generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}
