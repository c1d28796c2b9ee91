package activity

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the activity fetcher's Prometheus collectors. One Metrics
// value may be shared by many fetchers.
type Metrics struct {
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	Coalesced    prometheus.Counter
	Fetches      *prometheus.CounterVec
	FetchSeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and one-shot commands want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adage",
			Subsystem: "activity",
			Name:      "cache_hits_total",
			Help:      "Activity lookups served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adage",
			Subsystem: "activity",
			Name:      "cache_misses_total",
			Help:      "Activity lookups not found in the cache.",
		}),
		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adage",
			Subsystem: "activity",
			Name:      "coalesced_total",
			Help:      "Cache misses that joined an in-flight fetch instead of starting one.",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adage",
			Subsystem: "activity",
			Name:      "fetches_total",
			Help:      "Activity fetches issued to the source, by outcome.",
		}, []string{"outcome"}),
		FetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adage",
			Subsystem: "activity",
			Name:      "fetch_seconds",
			Help:      "Latency of activity fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.CacheHits, m.CacheMisses, m.Coalesced, m.Fetches, m.FetchSeconds)
	}
	return m
}
