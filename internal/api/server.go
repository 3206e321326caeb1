package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trailsync/internal/models"
	"trailsync/internal/ratelimit"
	"trailsync/internal/store"
	"trailsync/internal/syncer"
	"trailsync/internal/telemetry"
)

// JobReader looks up jobs for status polling.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.SyncJob, error)
	FindLatestFor(ctx context.Context, userID string) (*models.SyncJob, error)
}

// Starter creates and queues sync jobs.
type Starter interface {
	Start(ctx context.Context, userID string, src models.DataSource, opts syncer.StartOptions) (models.SyncJob, error)
}

// Limiter guards on-demand starts per user and source.
type Limiter interface {
	Allow(ctx context.Context, userID string, src models.DataSource) (ratelimit.Decision, error)
}

// Users resolves the caller named by the auth header.
type Users interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the sync API.
type Server struct {
	jobs    JobReader
	starter Starter
	users   Users
	limiter Limiter
	deps    map[string]Pinger
	log     *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(jobs JobReader, starter Starter, users Users, limiter Limiter, deps map[string]Pinger, log *slog.Logger) *Server {
	return &Server{
		jobs:    jobs,
		starter: starter,
		users:   users,
		limiter: limiter,
		deps:    deps,
		log:     log.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/start", s.handleStart)
		r.Get("/status/{jobId}", s.handleStatus)
		r.Get("/latest", s.handleLatest)
	})
	return r
}

type startRequest struct {
	DataSource string `json:"dataSource"`
}

type startResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

type conflictResponse struct {
	Error  string           `json:"error"`
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	req := startRequest{DataSource: string(models.SourceSwarm)}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	src, err := models.ParseDataSource(req.DataSource)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), userID, src)
		if err != nil {
			s.log.Error("rate limiter", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.starter.Start(r.Context(), userID, src, syncer.StartOptions{})
	var inProgress *syncer.InProgressError
	switch {
	case errors.As(err, &inProgress):
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error:  "sync already in progress",
			JobID:  inProgress.Job.ID,
			Status: inProgress.Job.Status,
		})
	case err != nil:
		s.log.Error("start sync", "user_id", userID, "source", src, "error", err)
		writeError(w, http.StatusInternalServerError, "could not start sync")
	default:
		writeJSON(w, http.StatusAccepted, startResponse{JobID: job.ID, Status: job.Status})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	if job.UserID != userFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "job belongs to another user")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.FindLatestFor(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.log.Error("latest job", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]*models.SyncJob{"job": job})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	code := http.StatusOK
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
