// Package api serves the worker's operations endpoints: health, metrics, queue
// inspection and a thin submission surface over the pipeline facade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"casework-pipeline/internal/jobtypes"
	"casework-pipeline/internal/models"
	"casework-pipeline/internal/pipeline"
	"casework-pipeline/internal/telemetry"
)

const defaultListLimit = 50

// Pinger is a dependency the health check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobLister lists the most recent jobs of a queue. *jobs.Client satisfies it.
type JobLister interface {
	Jobs(ctx context.Context, name jobtypes.Name, limit int) ([]models.Job, error)
}

// Server wires HTTP handlers for the operations API.
type Server struct {
	svc     *pipeline.Service
	jobs    JobLister
	checks  map[string]Pinger
	metrics *telemetry.Metrics
	log     *slog.Logger
}

// New constructs the API server. checks are pinged by /healthz under their map key.
func New(svc *pipeline.Service, jobs JobLister, checks map[string]Pinger, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:     svc,
		jobs:    jobs,
		checks:  checks,
		metrics: metrics,
		log:     logger.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/queues", s.handleQueueSizes)
		r.Get("/queues/{name}/jobs", s.handleListJobs)

		r.Route("/offices/{office}", func(r chi.Router) {
			r.Post("/sync", s.handleSyncAll)
			r.Post("/sync/{entity}/cancel", s.handleCancelSync)
			r.Post("/emails/{email}/process", s.handleProcessEmail)
			r.Get("/emails/{email}/triage", s.handleCachedTriage)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, c := range s.checks {
		if err := c.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", "check", name, "error", err)
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"healthy": healthy, "checks": status})
}

func (s *Server) handleQueueSizes(w http.ResponseWriter, r *http.Request) {
	sizes, err := s.svc.QueueSizes(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sizes)
}

// handleListJobs returns the newest jobs of a queue, dead-letter queues included.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	name := jobtypes.Name(chi.URLParam(r, "name"))
	if _, ok := jobtypes.Lookup(name); !ok {
		http.Error(w, "unknown queue", http.StatusNotFound)
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.jobs.Jobs(r.Context(), name, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type syncRequest struct {
	Mode models.SyncMode `json:"mode"`
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	office, ok := officeParam(w, r)
	if !ok {
		return
	}
	var req syncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	switch req.Mode {
	case "", models.SyncFull, models.SyncIncremental:
	default:
		http.Error(w, "mode must be full or incremental", http.StatusBadRequest)
		return
	}
	sub, err := s.svc.ScheduleSyncAll(r.Context(), office, req.Mode)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeSubmission(w, sub)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	office, ok := officeParam(w, r)
	if !ok {
		return
	}
	entity, err := models.ParseSyncEntity(chi.URLParam(r, "entity"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.svc.CancelSync(r.Context(), office, entity); err != nil {
		if errors.Is(err, pipeline.ErrSyncUnavailable) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleProcessEmail(w http.ResponseWriter, r *http.Request) {
	office, ok := officeParam(w, r)
	if !ok {
		return
	}
	email, ok := emailParam(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	sub, err := s.svc.ScheduleEmailProcessing(r.Context(), office, email, force)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeSubmission(w, sub)
}

func (s *Server) handleCachedTriage(w http.ResponseWriter, r *http.Request) {
	office, ok := officeParam(w, r)
	if !ok {
		return
	}
	email, ok := emailParam(w, r)
	if !ok {
		return
	}
	res, found := s.svc.CachedTriage(office, email)
	if !found {
		http.Error(w, "not processed", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.log.Error("request failed", "error", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func officeParam(w http.ResponseWriter, r *http.Request) (models.OfficeID, bool) {
	office, err := models.ParseOfficeID(chi.URLParam(r, "office"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return office, true
}

func emailParam(w http.ResponseWriter, r *http.Request) (models.ExternalID, bool) {
	id, err := models.ParseExternalID(chi.URLParam(r, "email"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeSubmission answers 202 for a new job and 200 when a pending one absorbed it.
func writeSubmission(w http.ResponseWriter, sub pipeline.Submission) {
	code := http.StatusAccepted
	if sub.AlreadyScheduled {
		code = http.StatusOK
	}
	writeJSON(w, code, sub)
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
