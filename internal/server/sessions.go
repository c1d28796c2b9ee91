package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/heatmap"
	"github.com/hurttlocker/adage/internal/sample"
)

// Session is one client's heatmap. Each session has its own activity cache,
// since selecting another mlmodel resets it.
type Session struct {
	ID      string
	Created time.Time
	Heatmap *heatmap.Heatmap

	mu       sync.Mutex
	jobs     map[heatmap.Axis]*heatmap.Job
	lastUsed time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// track remembers job as the latest run for its axis.
func (s *Session) track(job *heatmap.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Axis()] = job
}

// lastErrors returns the error of each axis' latest finished run.
func (s *Session) lastErrors() map[heatmap.Axis]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out map[heatmap.Axis]string
	for axis, job := range s.jobs {
		if err := job.Err(); err != nil {
			if out == nil {
				out = make(map[heatmap.Axis]string)
			}
			out[axis] = err.Error()
		}
	}
	return out
}

// DefaultSessionTTL is how long a session may go unused before it is expired.
const DefaultSessionTTL = 30 * time.Minute

// SessionConfig holds what every new session is built from.
type SessionConfig struct {
	Activity       activity.Source
	Samples        sample.Source // optional
	FetchTimeout   time.Duration
	MaxFetches     int
	ActivityMetric *activity.Metrics
	HeatmapMetric  *heatmap.Metrics
	IdleTTL        time.Duration // default: DefaultSessionTTL
	Logger         *slog.Logger
}

// Sessions is the registry of live heatmap sessions. A session that has not
// been used for IdleTTL is dropped by Expire, along with its activity cache.
type Sessions struct {
	cfg SessionConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry.
func NewSessions(cfg SessionConfig) *Sessions {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultSessionTTL
	}
	return &Sessions{cfg: cfg, sessions: make(map[string]*Session)}
}

// Create builds a session with an empty selection.
func (m *Sessions) Create() *Session {
	id := uuid.NewString()
	logger := m.cfg.Logger.With("session", id)

	fetcher := activity.NewFetcher(activity.FetcherConfig{
		Source:        m.cfg.Activity,
		Timeout:       m.cfg.FetchTimeout,
		MaxConcurrent: m.cfg.MaxFetches,
		Metrics:       m.cfg.ActivityMetric,
		Logger:        logger,
	})
	hcfg := heatmap.Config{Fetcher: fetcher, Metrics: m.cfg.HeatmapMetric, Logger: logger}
	if m.cfg.Samples != nil {
		hcfg.Samples = sample.NewLoader(m.cfg.Samples, nil, logger)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:       id,
		Created:  now,
		Heatmap:  heatmap.New(hcfg),
		jobs:     make(map[heatmap.Axis]*heatmap.Job),
		lastUsed: now,
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with id and marks it as used.
func (m *Sessions) Get(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch(time.Now().UTC())
	}
	return s, ok
}

// Delete drops the session with id and reports whether it existed.
func (m *Sessions) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// IDs returns the ids of all sessions, oldest first.
func (m *Sessions) IDs() []string {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Created.Before(list[j].Created) })
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

// Expire drops every session unused since now minus the idle TTL and returns
// how many were dropped.
func (m *Sessions) Expire(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.cfg.Logger.Info("expired idle heatmap sessions", "count", n, "remaining", len(m.sessions))
	}
	return n
}

// RunExpiry calls Expire every interval until ctx is done.
func (m *Sessions) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Expire(now.UTC())
		}
	}
}
