package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/config"
	"github.com/JakeFAU/serialfetch/internal/jobs"
	"github.com/JakeFAU/serialfetch/internal/metrics"
	"github.com/JakeFAU/serialfetch/internal/serial"
	"github.com/JakeFAU/serialfetch/internal/site"
)

// JobService is the job store as seen by HTTP handlers.
type JobService interface {
	Submit(kind serial.Kind, source serial.Source, format serial.Format) (string, error)
	Status(id string) (serial.JobView, error)
	FetchResult(id string) (serial.StoredArtifact, error)
	Cancel(id string) bool
	Delete(id string)
	Stats() jobs.Stats
}

// ArtifactOpener reads stored artifacts.
type ArtifactOpener interface {
	Open(path string) (*os.File, error)
}

// Server wires HTTP handlers to the job store.
type Server struct {
	router    chi.Router
	jobs      JobService
	artifacts ArtifactOpener
	sites     *site.Registry
	cfg       config.Config
	logger    *zap.Logger
	draining  atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobService JobService,
	artifacts ArtifactOpener,
	sites *site.Registry,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:      jobService,
		artifacts: artifacts,
		sites:     sites,
		cfg:       cfg,
		logger:    logger,
	}
	requestTimeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	jobRoutes := func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Artifacts stream; everything else answers within the timeout.
		r.Get("/{job_id}/result", s.getJobResult)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/", s.submitJob)
			r.Get("/stats", s.getStats)
			r.Get("/{job_id}", s.getJobStatus)
			r.Delete("/{job_id}", s.cancelJob)
		})
	}
	r.Route("/jobs", jobRoutes)
	r.Route("/api/jobs", jobRoutes)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Drain makes readiness fail so load balancers stop routing new work here.
func (s *Server) Drain() {
	s.draining.Store(true)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// submitRequest accepts both the current field names and the ones older
// front ends send.
type submitRequest struct {
	Source string `json:"source"`
	URL    string `json:"url"`
	Kind   string `json:"kind"`
	Type   string `json:"type"`
	Format string `json:"format"`
}

type submitResponse struct {
	JobID  string        `json:"jobId"`
	Status serial.Status `json:"status"`
}

type cancelResponse struct {
	JobID  string        `json:"jobId"`
	Status serial.Status `json:"status"`
	Error  string        `json:"error,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	kind, source, format, err := s.validate(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.jobs.Submit(kind, source, format)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, jobs.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: id, Status: serial.StatusPending})
}

func (s *Server) validate(req submitRequest) (serial.Kind, serial.Source, serial.Format, error) {
	rawURL := strings.TrimSpace(req.Source)
	if rawURL == "" {
		rawURL = strings.TrimSpace(req.URL)
	}
	if rawURL == "" {
		return "", serial.Source{}, "", errors.New("source URL is required")
	}
	rawKind := req.Kind
	if rawKind == "" {
		rawKind = req.Type
	}
	kind, err := serial.ParseKind(rawKind)
	if err != nil {
		return "", serial.Source{}, "", err
	}
	format, err := serial.ParseFormat(req.Format)
	if err != nil {
		return "", serial.Source{}, "", err
	}
	adapter, err := s.sites.Lookup(rawURL)
	if err != nil {
		return "", serial.Source{}, "", fmt.Errorf("unsupported site: supported sites are %s",
			strings.Join(s.sites.Names(), ", "))
	}
	if kind == serial.KindSeries {
		if _, ok := adapter.(site.SeriesWalker); !ok {
			return "", serial.Source{}, "", fmt.Errorf("series downloads are not supported for %s", adapter.Name())
		}
	}
	return kind, serial.Source{URL: rawURL, Site: adapter.Name()}, format, nil
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.Stats())
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Status(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// getJobResult streams the artifact once, then deletes the job and file.
func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	artifact, err := s.jobs.FetchResult(jobID)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, jobs.ErrNotReady):
		writeError(w, http.StatusBadRequest, "job is not completed")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view, err := s.jobs.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	f, err := s.artifacts.Open(artifact.Path)
	if err != nil {
		s.logger.Warn("artifact missing", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusNotFound, "result file not found")
		return
	}
	defer f.Close() //nolint:errcheck // read-only

	size := artifact.SizeBytes
	if info, statErr := f.Stat(); statErr == nil {
		size = info.Size()
	}
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, downloadName(view)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		// The client went away; keep the job so it can retry.
		s.logger.Warn("artifact stream interrupted", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	s.jobs.Delete(jobID)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.jobs.Status(jobID); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !s.jobs.Cancel(jobID) {
		writeError(w, http.StatusBadRequest, "only pending jobs can be cancelled")
		return
	}
	view, err := s.jobs.Status(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{JobID: jobID, Status: view.Status, Error: view.Error})
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// downloadName derives an ASCII filename from the work title.
func downloadName(view serial.JobView) string {
	base := ""
	if view.Metadata != nil && view.Metadata.Title != serial.DefaultTitle {
		base = strings.Trim(unsafeFilename.ReplaceAllString(view.Metadata.Title, "_"), "_.")
	}
	if base == "" {
		base = "serialfetch-" + view.ID
	}
	if len(base) > 100 {
		base = base[:100]
	}
	return base + "." + view.Format.Extension()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
