// Package server exposes adage over HTTP: the activity/sample resource API
// backed by the local store, heatmap sessions, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hurttlocker/adage/internal/activity"
	"github.com/hurttlocker/adage/internal/heatmap"
	"github.com/hurttlocker/adage/internal/rest"
	"github.com/hurttlocker/adage/internal/sample"
	"github.com/hurttlocker/adage/internal/store"
)

// maxRequestBytes caps JSON request bodies.
const maxRequestBytes = 1 << 20

// Config holds settings for the HTTP server.
type Config struct {
	// Store serves the resource API. When nil the resource routes are not
	// mounted and Activity must be set.
	Store store.Store
	// Activity and Samples feed heatmap sessions; they default to Store.
	Activity activity.Source
	Samples  sample.Source

	FetchTimeout time.Duration
	MaxFetches   int

	// SessionTTL expires heatmap sessions left unused (default: 30m).
	SessionTTL time.Duration

	Registry *prometheus.Registry // default: a new registry
	Logger   *slog.Logger
}

// Server is the adage HTTP API.
type Server struct {
	store    store.Store
	sessions *Sessions
	registry *prometheus.Registry
	router   chi.Router
	logger   *slog.Logger
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Activity == nil && cfg.Store != nil {
		cfg.Activity = cfg.Store
	}
	if cfg.Samples == nil && cfg.Store != nil {
		cfg.Samples = cfg.Store
	}
	if cfg.Activity == nil {
		return nil, fmt.Errorf("server needs a store or an activity source")
	}

	s := &Server{
		store:    cfg.Store,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		sessions: NewSessions(SessionConfig{
			Activity:       cfg.Activity,
			Samples:        cfg.Samples,
			FetchTimeout:   cfg.FetchTimeout,
			MaxFetches:     cfg.MaxFetches,
			ActivityMetric: activity.NewMetrics(cfg.Registry),
			HeatmapMetric:  heatmap.NewMetrics(cfg.Registry),
			IdleTTL:        cfg.SessionTTL,
			Logger:         cfg.Logger,
		}),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions returns the heatmap session registry.
func (s *Server) Sessions() *Sessions { return s.sessions }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go s.sessions.RunExpiry(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("adage API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down API server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.store != nil {
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/mlmodel/", s.handleModels)
			r.Get("/signature/", s.handleSignatures)
			r.Get("/sample/", s.handleSamples)
			r.Get("/activity/", s.handleActivity)
		})
	}

	r.Route("/api/heatmaps", func(r chi.Router) {
		r.Get("/", s.handleListHeatmaps)
		r.Post("/", s.handleCreateHeatmap)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetHeatmap)
			r.Delete("/", s.handleDeleteHeatmap)
			r.Get("/samples", s.handleHeatmapSamples)
			r.Get("/signatures", s.handleHeatmapSignatures)
			r.Post("/cluster", s.handleCluster)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"elapsed", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- resource API ---

func listResponse[T any](objects []T) rest.ListResponse[T] {
	if objects == nil {
		objects = []T{}
	}
	return rest.ListResponse[T]{
		Meta:    rest.ListMeta{TotalCount: len(objects)},
		Objects: objects,
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(models))
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	model, err := parseID(r.URL.Query().Get("mlmodel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "mlmodel parameter required")
		return
	}
	sigs, err := s.store.ListSignatures(r.Context(), model)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(sigs))
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	if raw := r.URL.Query().Get("id__in"); raw != "" {
		var err error
		if ids, err = parseIDList(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid id__in: "+err.Error())
			return
		}
	}
	samples, err := s.store.GetSamples(r.Context(), ids)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(samples))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model, err := parseID(q.Get("mlmodel"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "mlmodel parameter required")
		return
	}
	if ob := q.Get("order_by"); ob != "" && ob != activity.OrderBySignature {
		writeError(w, http.StatusBadRequest, "order_by must be "+activity.OrderBySignature)
		return
	}

	var samples []int64
	switch {
	case q.Get("sample") != "":
		id, err := parseID(q.Get("sample"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid sample")
			return
		}
		samples = []int64{id}
	case q.Get("sample__in") != "":
		if samples, err = parseIDList(q.Get("sample__in")); err != nil {
			writeError(w, http.StatusBadRequest, "invalid sample__in: "+err.Error())
			return
		}
	}

	records, err := s.store.ListActivity(r.Context(), model, samples)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(records))
}

// --- heatmap sessions ---

type createRequest struct {
	MLModel int64   `json:"mlmodel"`
	Samples []int64 `json:"samples"`
}

type heatmapResponse struct {
	ID          string                  `json:"id"`
	State       heatmap.State           `json:"state"`
	Clustering  []heatmap.Axis          `json:"clustering"`
	ClusterErrs map[heatmap.Axis]string `json:"cluster_errors,omitempty"`
	Outcomes    []activity.Outcome      `json:"outcomes,omitempty"`
	SampleError string                  `json:"sample_error,omitempty"`
}

func sessionResponse(sess *Session) heatmapResponse {
	return heatmapResponse{
		ID:          sess.ID,
		State:       sess.Heatmap.Snapshot(),
		Clustering:  sess.Heatmap.Clustering(),
		ClusterErrs: sess.lastErrors(),
	}
}

func (s *Server) handleListHeatmaps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"heatmaps": s.sessions.IDs()})
}

func (s *Server) handleCreateHeatmap(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.MLModel <= 0 {
		writeError(w, http.StatusBadRequest, "mlmodel is required")
		return
	}

	sess := s.sessions.Create()
	sess.Heatmap.Init(req.MLModel, req.Samples)

	// Activity failures only exclude samples; Rebuild fails when the
	// request itself goes away.
	var sampleErr error
	if err := sess.Heatmap.LoadSampleObjects(r.Context()); err != nil {
		sampleErr = err
		s.logger.Warn("loading sample metadata failed", "session", sess.ID, "error", err)
	}
	outcomes, err := sess.Heatmap.Rebuild(r.Context())
	if err != nil {
		s.sessions.Delete(sess.ID)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := sessionResponse(sess)
	resp.Outcomes = outcomes
	if sampleErr != nil {
		resp.SampleError = sampleErr.Error()
	}
	w.Header().Set("Location", "/api/heatmaps/"+sess.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "heatmap not found")
	}
	return sess, ok
}

func (s *Server) handleGetHeatmap(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, sessionResponse(sess))
	}
}

func (s *Server) handleDeleteHeatmap(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "heatmap not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeatmapSamples(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"samples": sess.Heatmap.SampleActivity()})
	}
}

func (s *Server) handleHeatmapSignatures(w http.ResponseWriter, r *http.Request) {
	if sess, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, map[string]any{"signatures": sess.Heatmap.SignatureObjects()})
	}
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	axis, err := heatmap.ParseAxis(r.URL.Query().Get("axis"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The job outlives this request.
	ctx := context.WithoutCancel(r.Context())
	var job *heatmap.Job
	if axis == heatmap.AxisSamples {
		job = sess.Heatmap.ClusterSamples(ctx)
	} else {
		job = sess.Heatmap.ClusterSignatures(ctx)
	}

	// Busy and not-reconciled are reported before the job starts.
	select {
	case <-job.Done():
		if err := job.Err(); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	default:
	}
	sess.track(job)
	writeJSON(w, http.StatusAccepted, map[string]any{"axis": axis, "status": "running"})
}

// --- helpers ---

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("id must be positive")
	}
	return id, nil
}

func parseIDList(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		id, err := parseID(p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
