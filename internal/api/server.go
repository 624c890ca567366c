package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/controller"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/history"
	"github.com/mproffitt/pyccata-sub001/internal/scheduler"
)

// Runner runs batches in the background. *controller.Runner satisfies it.
type Runner interface {
	RunWithID(ctx context.Context, target, id string) (domain.Run, error)
	Stats() controller.Stats
}

type Options struct {
	// BaseContext bounds batches started over HTTP; they outlive the request.
	BaseContext context.Context
	Runner      Runner
	History     history.Repository
	// Schedules lists cron entries, nil when no scheduler runs.
	Schedules   func() []scheduler.Entry
	EnableDebug bool
}

type Server struct {
	r    *chi.Mux
	opts Options
}

func NewServer(opts Options) http.Handler {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, opts: opts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/runs", s.submitRun)
	r.Get("/api/runs", s.listRuns)
	r.Get("/api/runs/{id}", s.getRun)
	r.Get("/api/schedules", s.listSchedules)

	if opts.EnableDebug {
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
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "pyccata_up 1")
	if s.opts.Runner == nil {
		return
	}
	st := s.opts.Runner.Stats()
	busy := 0
	if st.Busy {
		busy = 1
	}
	fmt.Fprintf(w, "pyccata_runs_total %d\n", st.Runs)
	fmt.Fprintf(w, "pyccata_run_failures_total %d\n", st.Failures)
	fmt.Fprintf(w, "pyccata_run_busy %d\n", busy)
}

type submitReq struct {
	Target string `json:"target"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runner == nil {
		http.Error(w, "runs are disabled", http.StatusServiceUnavailable)
		return
	}
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Target != config.TargetPipeline && req.Target != config.TargetReport {
		http.Error(w, `target must be "pipeline" or "report"`, 400)
		return
	}

	id := domain.NewRunID()
	go func() {
		run, err := s.opts.Runner.RunWithID(s.opts.BaseContext, req.Target, id)
		if err != nil {
			log.Error().Err(err).Str("run", id).Str("target", req.Target).Msg("run failed")
			return
		}
		log.Info().Str("run", run.ID).Bool("ok", run.OK).Msg("run finished")
	}()
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, 200, []domain.Run{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	runs, err := s.opts.History.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, 200, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		http.Error(w, "not found", 404)
		return
	}
	run, err := s.opts.History.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, run)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	entries := []scheduler.Entry{}
	if s.opts.Schedules != nil {
		if e := s.opts.Schedules(); e != nil {
			entries = e
		}
	}
	writeJSON(w, 200, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
