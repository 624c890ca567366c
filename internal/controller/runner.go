package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/history"
	"github.com/mproffitt/pyccata-sub001/internal/manager"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
	"github.com/mproffitt/pyccata-sub001/internal/worker"
)

// ErrUnknownTarget is returned for a batch target other than pipeline or
// report.
var ErrUnknownTarget = errors.New("unknown target")

// Stats counts batches run by a Runner.
type Stats struct {
	Runs     int64 `json:"runs"`
	Failures int64 `json:"failures"`
	Busy     bool  `json:"busy"`
}

// Runner serialises batches onto one pool. The pool is cleared between
// batches so two of them can never share it.
type Runner struct {
	mu      sync.Mutex
	cfgMu   sync.RWMutex
	cfg     *config.Config
	pool    *worker.Pool
	history history.Repository
	out     io.Writer

	runs     atomic.Int64
	failures atomic.Int64
	busy     atomic.Bool
}

// NewRunner builds a runner. repo may be nil when no history is kept.
func NewRunner(cfg *config.Config, pool *worker.Pool, repo history.Repository) *Runner {
	return &Runner{cfg: cfg, pool: pool, history: repo}
}

// SetOutput sets where report documents go when the config names no output
// file.
func (r *Runner) SetOutput(w io.Writer) { r.out = w }

// SetConfig swaps the config used by the next batch.
func (r *Runner) SetConfig(cfg *config.Config) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Runner) Config() *config.Config {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

func (r *Runner) Stats() Stats {
	return Stats{Runs: r.runs.Load(), Failures: r.failures.Load(), Busy: r.busy.Load()}
}

// Registry builds the replacement registry for cfg.
func Registry(cfg *config.Config) *replace.Registry {
	values := make(map[string]string, len(cfg.Replacements)+1)
	if cfg.LogDir != "" {
		values["LOGDIR"] = cfg.LogDir
	}
	for k, v := range cfg.Replacements {
		values[k] = v
	}
	return replace.New(values)
}

// Client builds the issue tracker client named by cfg.Manager.
func Client(cfg *config.Config) (manager.Client, error) {
	return manager.New(cfg.Manager, manager.Options{
		URL:        cfg.Jira.URL,
		Username:   cfg.Jira.Username,
		Token:      cfg.Jira.Token,
		RatePerSec: cfg.Jira.RatePerSec,
		Timeout:    cfg.Jira.Timeout.Duration,
	})
}

// Run executes one batch of target and records it in history. The returned
// run is valid even when err is non-nil.
func (r *Runner) Run(ctx context.Context, target string) (domain.Run, error) {
	return r.run(ctx, target, "")
}

// RunWithID is Run with a caller chosen run id.
func (r *Runner) RunWithID(ctx context.Context, target, id string) (domain.Run, error) {
	return r.run(ctx, target, id)
}

func (r *Runner) run(ctx context.Context, target, id string) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy.Store(true)
	defer r.busy.Store(false)

	started := time.Now()
	cfg := r.Config()
	run, err := r.dispatch(ctx, cfg, target)
	if err != nil {
		run = domain.Run{Target: target, StartedAt: started, FinishedAt: time.Now(), Error: err.Error()}
	}
	if id != "" {
		run.ID = id
	}
	if run.ID == "" {
		run.ID = domain.NewRunID()
	}

	r.runs.Add(1)
	if !run.OK {
		r.failures.Add(1)
	}
	if r.history != nil {
		// Record even when the batch was cancelled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if herr := r.history.Record(rctx, run); herr != nil {
			log.Error().Err(herr).Str("run", run.ID).Msg("failed to record run")
		}
		cancel()
	}
	return run, err
}

func (r *Runner) dispatch(ctx context.Context, cfg *config.Config, target string) (domain.Run, error) {
	reg := Registry(cfg)
	switch target {
	case config.TargetPipeline:
		return NewPipeline(r.pool, reg, cfg).Run(ctx)
	case config.TargetReport:
		client, err := Client(cfg)
		if err != nil {
			return domain.Run{}, err
		}
		rep := NewReport(r.pool, reg, client, cfg)
		run, doc, err := rep.Run(ctx)
		if err != nil {
			return run, err
		}
		var werr error
		switch {
		case cfg.Report.Output != "":
			werr = writeDocument(reg, cfg.Report.Output, doc)
		case r.out != nil:
			werr = doc.Write(r.out)
		}
		if werr != nil {
			run.OK = false
			run.Error = werr.Error()
		}
		return run, nil
	}
	return domain.Run{}, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
}

func writeDocument(reg *replace.Registry, path string, doc *Document) error {
	path, err := reg.Replace(path, nil)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := doc.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
