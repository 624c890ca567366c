package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mproffitt/pyccata-sub001/internal/api"
	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/controller"
	"github.com/mproffitt/pyccata-sub001/internal/history"
	"github.com/mproffitt/pyccata-sub001/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run scheduled batches and serve the HTTP API",
	RunE:  doServe,
}

func openHistory() (history.Repository, func(), error) {
	if cfg.History.Path == "" {
		return nil, func() {}, nil
	}
	db, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.NewSQLiteRepo(db), func() { _ = db.Close() }, nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	repo, closeDB, err := openHistory()
	if err != nil {
		return err
	}
	defer closeDB()

	runner := controller.NewRunner(cfg, newPool(), repo)
	sched := scheduler.NewService(runner)
	if err := sched.Load(cfg.Schedules); err != nil {
		return err
	}

	addr := cfg.Server.Addr
	if flagAddr != "" {
		addr = flagAddr
	}
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewServer(api.Options{
			BaseContext: ctx,
			Runner:      runner,
			History:     repo,
			Schedules:   sched.Entries,
			EnableDebug: flagDebug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return config.Watch(ctx, flagConfig, func(next *config.Config) {
			if flagWorkers > 0 {
				next.Workers = flagWorkers
			}
			if err := sched.Load(next.Schedules); err != nil {
				log.Warn().Err(err).Msg("keeping previous schedules")
				return
			}
			runner.SetConfig(next)
		})
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
