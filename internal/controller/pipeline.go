package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	"github.com/mproffitt/pyccata-sub001/internal/handlers/shell"
	"github.com/mproffitt/pyccata-sub001/internal/replace"
	"github.com/mproffitt/pyccata-sub001/internal/worker"
)

// Pipeline runs the configured shell commands and fileloops on a pool.
type Pipeline struct {
	pool     *worker.Pool
	reg      *replace.Registry
	commands []config.Command
	logDir   string
}

func NewPipeline(pool *worker.Pool, reg *replace.Registry, cfg *config.Config) *Pipeline {
	return &Pipeline{
		pool:     pool,
		reg:      reg,
		commands: cfg.Pipeline.Commands,
		logDir:   cfg.LogDir,
	}
}

// Build turns every command into a unit and submits it. wait_for names are
// resolved against commands submitted earlier.
func (p *Pipeline) Build() ([]domain.Unit, error) {
	units := make([]domain.Unit, 0, len(p.commands))
	for i, cmd := range p.commands {
		u, err := p.unit(cmd)
		if err != nil {
			return units, fmt.Errorf("pipeline command %d: %w", i, err)
		}
		if err := p.pool.Submit(u); err != nil {
			return units, err
		}
		units = append(units, u)
	}
	return units, nil
}

func (p *Pipeline) unit(cmd config.Command) (domain.Unit, error) {
	var dep domain.Unit
	if cmd.WaitFor != "" {
		u, err := p.pool.Find(cmd.WaitFor)
		if err != nil {
			return nil, fmt.Errorf("wait_for: %w", err)
		}
		dep = u
	}
	if cmd.Type == config.CommandFileloop {
		logDir := cmd.LogDirectory
		if logDir == "" {
			logDir = p.logDir
		}
		return shell.NewFileloop(p.pool, p.reg, shell.FileloopOptions{
			Name:            cmd.Name,
			InputDir:        cmd.InputDirectory,
			Pattern:         cmd.InputPattern,
			Command:         cmd.Command,
			OutputDir:       cmd.OutputDirectory,
			Strip:           cmd.Strip,
			OutputExtension: cmd.OutputExtension,
			MaxThreads:      cmd.MaxThreads,
			WaitFor:         dep,
			Priority:        cmd.Priority,
			IgnoreStderr:    cmd.IgnoreStderr,
			LogDir:          logDir,
		})
	}
	return shell.New(p.reg, shell.Options{
		Name:         cmd.Name,
		Command:      cmd.Command,
		Priority:     cmd.Priority,
		WaitFor:      dep,
		IgnoreStderr: cmd.IgnoreStderr,
	})
}

// Run clears the pool, builds the pipeline and drains it.
func (p *Pipeline) Run(ctx context.Context) (domain.Run, error) {
	started := time.Now()
	p.pool.Clear()
	if _, err := p.Build(); err != nil {
		p.pool.Clear()
		return domain.Run{}, err
	}
	ok := p.pool.Start(ctx)
	run := domain.Summarize(config.TargetPipeline, started, p.pool.Units(), ok)
	log.Info().
		Str("run", run.ID).
		Bool("ok", ok).
		Int("units", len(run.Units)).
		Int("failed", len(run.Failed())).
		Dur("took", run.FinishedAt.Sub(started)).
		Msg("pipeline finished")
	return run, nil
}
