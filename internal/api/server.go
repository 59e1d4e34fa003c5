package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"jobservice/internal/domain"
	"jobservice/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// Scheduler is the part of *scheduler.Scheduler the HTTP surface calls.
type Scheduler interface {
	Schedule(ctx context.Context, job domain.Job) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	Cancel(ctx context.Context, id string) (domain.Job, error)
	ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Job, error)
	Stats() scheduler.Stats
}

type Options struct {
	CORSAllowedOrigins []string
}

type Server struct {
	r     *chi.Mux
	sched Scheduler
}

func NewServer(sched Scheduler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	s := &Server{r: r, sched: sched}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/job", s.createJob)
	r.Get("/job/{id}", s.getJob)
	r.Delete("/job/{id}", s.cancelJob)
	r.Get("/jobs", s.listJobs)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "jobservice_up 1\n")
	fmt.Fprintf(w, "jobservice_timers_armed %d\n", st.Armed)
	fmt.Fprintf(w, "jobservice_workers_busy %d\n", st.Busy)
	fmt.Fprintf(w, "jobservice_workers_total %d\n", st.Workers)
	fmt.Fprintf(w, "jobservice_fires_total %d\n", st.Fired)
	fmt.Fprintf(w, "jobservice_deliveries_total{result=\"ok\"} %d\n", st.Delivered)
	fmt.Fprintf(w, "jobservice_deliveries_total{result=\"failed\"} %d\n", st.Failed)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var job domain.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&job); err != nil {
		if !domain.IsValidation(err) {
			err = &domain.ValidationError{Field: "body", Reason: err.Error()}
		}
		writeError(w, r, err)
		return
	}
	created, err := s.sched.Schedule(r.Context(), job)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("correlationId")
	if cid == "" {
		http.Error(w, "correlationId is required", http.StatusBadRequest)
		return
	}
	jobs, err := s.sched.ListByCorrelationID(r.Context(), cid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrAlreadyExists), domain.IsTerminal(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
