package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/config"
	"sentiment-dispatcher/internal/dispatch"
	"sentiment-dispatcher/internal/ingest"
	"sentiment-dispatcher/internal/models"
	"sentiment-dispatcher/internal/query"
	"sentiment-dispatcher/internal/ratelimit"
	"sentiment-dispatcher/internal/telemetry"
)

// JobInspector is the read side of the job queue used by the HTTP surface.
type JobInspector interface {
	Available() bool
	Fetch(ctx context.Context, id string) (models.JobHandle, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}

// HealthChecker probes the classifier service.
type HealthChecker interface {
	Health(ctx context.Context) error
	BaseURL() string
}

// Archiver snapshots records ahead of a bulk clear.
type Archiver interface {
	Snapshot(ctx context.Context, records []models.Record) (string, error)
}

// Deps are the collaborators the server routes to. Jobs, Limiter and Archiver
// may be left nil to disable the corresponding feature.
type Deps struct {
	Config     config.Config
	Router     *dispatch.Router
	Query      *query.Service
	Jobs       JobInspector
	Classifier HealthChecker
	Limiter    *ratelimit.TokenBucket
	Archiver   Archiver
	Logger     *slog.Logger
}

// Server wires HTTP handlers for the analysis API.
type Server struct {
	cfg        config.Config
	router     *dispatch.Router
	query      *query.Service
	jobs       JobInspector
	classifier HealthChecker
	limiter    *ratelimit.TokenBucket
	archiver   Archiver
	logger     *slog.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        d.Config,
		router:     d.Router,
		query:      d.Query,
		jobs:       d.Jobs,
		classifier: d.Classifier,
		limiter:    d.Limiter,
		archiver:   d.Archiver,
		logger:     logger,
	}
}

var endpoints = []string{
	"GET /health",
	"GET /stats",
	"POST /analyze",
	"POST /analyze-csv",
	"GET /results",
	"DELETE /results",
	"GET /search",
	"GET /movies",
	"GET /summary",
	"GET /jobs/{id}",
	"GET /queue/stats",
	"GET /metrics",
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/analyze-csv", s.handleAnalyzeCSV)
	})

	r.Get("/results", s.handleResults)
	r.Delete("/results", s.handleClear)
	r.Get("/search", s.handleSearch)
	r.Get("/movies", s.handleMovies)
	r.Get("/summary", s.handleSummary)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/queue/stats", s.handleQueueStats)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":               "Endpoint not found",
			"available_endpoints": endpoints,
			"success":             false,
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			// A broken limiter must not block analysis.
			s.logger.Warn("rate limiter unavailable, allowing request", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Rate limit exceeded, retry later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func (s *Server) queueAvailable() bool {
	return s.jobs != nil && s.jobs.Available()
}

type errorResponse struct {
	Error           string   `json:"error"`
	Details         string   `json:"details,omitempty"`
	Status          string   `json:"status,omitempty"`
	Recoverable     bool     `json:"recoverable,omitempty"`
	FoundColumns    []string `json:"found_columns,omitempty"`
	RequiredColumns []string `json:"required_columns,omitempty"`
	Success         bool     `json:"success"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindDispatchTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindDispatchUnavailable, apperr.KindQueueUnavailable, apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindDispatchUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code := statusFor(kind)
	resp := errorResponse{Error: "Internal server error"}

	var ae *apperr.Error
	if errors.As(err, &ae) && kind != apperr.KindInternal {
		resp.Error = ae.Message
		resp.Details = ae.Detail
	}
	switch kind {
	case apperr.KindDispatchPersist:
		resp.Recoverable = true
	case apperr.KindQueueUnavailable, apperr.KindStoreUnavailable, apperr.KindDispatchUnavailable:
		resp.Status = "unavailable"
	}
	if mc, ok := ingest.MissingColumns(err); ok {
		resp.FoundColumns = mc.Found
		resp.RequiredColumns = mc.Required
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "kind", kind, "status", code, "err", err)
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
