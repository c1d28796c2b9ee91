package heatmap

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds clustering collectors shared by every Heatmap of a process.
type Metrics struct {
	ClusterRuns    *prometheus.CounterVec
	ClusterSeconds *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClusterRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adage",
			Subsystem: "heatmap",
			Name:      "cluster_runs_total",
			Help:      "Clustering runs by axis and outcome.",
		}, []string{"axis", "outcome"}),
		ClusterSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "adage",
			Subsystem: "heatmap",
			Name:      "cluster_seconds",
			Help:      "Duration of clustering runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"axis"}),
	}
	if reg != nil {
		reg.MustRegister(m.ClusterRuns, m.ClusterSeconds)
	}
	return m
}
