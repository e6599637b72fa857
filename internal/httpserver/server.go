package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/netauto/fleetctl/pkg/outcome"
)

// JobStatusReader is the narrow read surface the status endpoints need
// from a job store (satisfied by both pkg/store.Memory and
// pkg/store.Postgres).
type JobStatusReader interface {
	Record(ctx context.Context, jobID string) (outcome.JobRecord, bool, error)
	Outcomes(ctx context.Context, jobID string) ([]outcome.DeviceOutcome, error)
	ListRecords(ctx context.Context, offset, limit int) ([]outcome.JobRecord, int, error)
}

// Server holds the admin HTTP server's dependencies. Unlike the teacher's
// tenant-scoped API surface, this is a single unauthenticated operator
// surface: health, readiness, metrics, and job status lookups.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	Jobs      JobStatusReader
	startedAt time.Time
}

// ServerConfig bundles the admin server's configurable knobs.
type ServerConfig struct {
	CORSAllowedOrigins []string
}

// NewServer creates the admin HTTP server with health/ready/metrics/status
// routes mounted.
func NewServer(cfg ServerConfig, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, jobs JobStatusReader) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		Jobs:      jobs,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET"},
		AllowedHeaders:   []string{"Accept", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleJobStatus)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.DB != nil {
		if err := s.DB.Ping(ctx); err != nil {
			s.Logger.Error("readiness check: database ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
			return
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Logger.Error("readiness check: redis ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
			return
		}
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// jobStatusResponse is the JSON shape for GET /api/v1/jobs/{jobID}. spec.md names
// no transport for job status, leaving it to the Job Store's Push/Finalize
// contract; this is SPEC_FULL's supplemented read surface over that store.
type jobStatusResponse struct {
	Job      outcome.JobRecord       `json:"job"`
	Outcomes []outcome.DeviceOutcome `json:"outcomes"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ctx := r.Context()

	record, ok, err := s.Jobs.Record(ctx, jobID)
	if err != nil {
		s.Logger.Error("job status: fetching job record", "job_id", jobID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to fetch job record")
		return
	}
	if !ok {
		RespondError(w, http.StatusNotFound, "not_found", "job not found or not yet finalized")
		return
	}

	outcomes, err := s.Jobs.Outcomes(ctx, jobID)
	if err != nil {
		s.Logger.Error("job status: fetching device outcomes", "job_id", jobID, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to fetch device outcomes")
		return
	}

	Respond(w, http.StatusOK, jobStatusResponse{Job: record, Outcomes: outcomes})
}

// handleListJobs lists recently finalized jobs with offset pagination,
// newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	records, total, err := s.Jobs.ListRecords(r.Context(), params.Offset, params.PageSize)
	if err != nil {
		s.Logger.Error("listing job records", "error", err)
		RespondError(w, http.StatusInternalServerError, "internal", "failed to list job records")
		return
	}

	Respond(w, http.StatusOK, NewOffsetPage(records, params, total))
}
