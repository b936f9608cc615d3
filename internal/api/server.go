package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"novaagent/internal/domain"
	"novaagent/internal/gateway"
	"novaagent/internal/idempotency"
	"novaagent/internal/logging"
	"novaagent/internal/queue"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodySize      = 1 << 20
)

// Jobs is the queue surface the admin API needs.
type Jobs interface {
	Enqueue(ctx context.Context, payload json.RawMessage, opts queue.EnqueueOptions) (string, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Job, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
}

type Options struct {
	Jobs        Jobs
	Idempotency *idempotency.Store
	// Health reports connector health; nil means no connectors.
	Health func(ctx context.Context) map[string]gateway.Health
	Logger zerolog.Logger
	Debug  bool
}

type Server struct {
	r    *chi.Mux
	jobs Jobs
	idem *idempotency.Store
	hc   func(ctx context.Context) map[string]gateway.Health
}

func NewServer(opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.AccessLog(opts.Logger), middleware.Recoverer)

	s := &Server{r: r, jobs: opts.Jobs, idem: opts.Idempotency, hc: opts.Health}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/jobs", s.submitJob)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)

	if opts.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	connectors := map[string]gateway.Health{}
	if s.hc != nil {
		connectors = s.hc(r.Context())
	}
	ok := true
	for _, h := range connectors {
		if h.Enabled && !h.OK {
			ok = false
		}
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": ok, "connectors": connectors})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.jobs.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "novaagent_up 1")
	for _, st := range statuses {
		fmt.Fprintf(w, "novaagent_jobs{status=%q} %d\n", st, counts[domain.JobStatus(st)])
	}
}

type submitReq struct {
	Objective   string          `json:"objective,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	ProfileName string          `json:"profile_name,omitempty"`
	ReplyTo     *domain.ReplyTo `json:"reply_to,omitempty"`
}

type submitResp struct {
	JobID string `json:"job_id"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	payload := req.Payload
	if len(payload) == 0 && req.Objective != "" {
		payload, _ = json.Marshal(map[string]string{"objective": req.Objective})
	}

	enqueue := func(ctx context.Context) (int, any, error) {
		id, err := s.jobs.Enqueue(ctx, payload, queue.EnqueueOptions{
			WorkspaceID: req.WorkspaceID,
			ProfileName: req.ProfileName,
			ReplyTo:     req.ReplyTo,
		})
		if err != nil {
			return 0, nil, err
		}
		return http.StatusAccepted, submitResp{JobID: id}, nil
	}

	key := r.Header.Get("Idempotency-Key")
	if s.idem == nil {
		key = ""
	}
	var (
		out idempotency.Outcome
		err error
	)
	if key == "" {
		code, body, opErr := enqueue(r.Context())
		if opErr == nil {
			writeJSON(w, code, body)
			return
		}
		err = opErr
	} else {
		out, err = s.idem.Execute(r.Context(), key, r.Method, r.URL.Path, req, enqueue)
	}
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case out.Err != nil:
		writeError(w, http.StatusConflict, out.Err.Error())
		return
	}
	if out.State == idempotency.StateReplay {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(out.StatusCode)
	w.Write(out.Payload)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	jobs, err := s.jobs.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJob(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
