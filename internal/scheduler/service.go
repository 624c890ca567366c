package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

// Trigger runs one batch of a target. *controller.Runner satisfies it.
type Trigger interface {
	Run(ctx context.Context, target string) (domain.Run, error)
}

// Entry describes a registered schedule.
type Entry struct {
	Name   string    `json:"name"`
	Cron   string    `json:"cron"`
	Target string    `json:"target"`
	Next   time.Time `json:"next"`
	Prev   time.Time `json:"prev,omitempty"`
}

// Service fires configured batches on their cron expressions.
type Service struct {
	trigger Trigger
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	entries map[cron.EntryID]config.Schedule
}

func NewService(trigger Trigger) *Service {
	return &Service{
		trigger: trigger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{}),
			cron.SkipIfStillRunning(cronLogger{}),
		)),
		ctx:     context.Background(),
		entries: make(map[cron.EntryID]config.Schedule),
	}
}

// Load replaces all registered schedules.
func (s *Service) Load(schedules []config.Schedule) error {
	parsed := make([]cron.Schedule, len(schedules))
	for i, sc := range schedules {
		p, err := cron.ParseStandard(sc.Cron)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		parsed[i] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		s.cron.Remove(id)
	}
	clear(s.entries)
	for i, sc := range schedules {
		id := s.cron.Schedule(parsed[i], s.job(sc))
		s.entries[id] = sc
	}
	log.Info().Int("schedules", len(schedules)).Msg("schedules loaded")
	return nil
}

func (s *Service) job(sc config.Schedule) cron.Job {
	return cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		log.Info().Str("schedule", sc.Name).Str("target", sc.Target).Msg("scheduled batch starting")
		run, err := s.trigger.Run(ctx, sc.Target)
		if err != nil {
			log.Error().Err(err).Str("schedule", sc.Name).Msg("scheduled batch failed")
			return
		}
		log.Info().
			Str("schedule", sc.Name).
			Str("run", run.ID).
			Bool("ok", run.OK).
			Msg("scheduled batch finished")
	})
}

// Start runs the cron loop until ctx is done, then waits for running jobs.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Msg("schedule service started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
}

func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.cron.Entries() {
		sc, ok := s.entries[e.ID]
		if !ok {
			continue
		}
		out = append(out, Entry{Name: sc.Name, Cron: sc.Cron, Target: sc.Target, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sc, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sc.Next(from), nil
}

// cronLogger routes cron's own logging to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
