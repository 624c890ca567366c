package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mproffitt/pyccata-sub001/internal/config"
	"github.com/mproffitt/pyccata-sub001/internal/controller"
	"github.com/mproffitt/pyccata-sub001/internal/domain"
	_ "github.com/mproffitt/pyccata-sub001/internal/manager/jira"
	"github.com/mproffitt/pyccata-sub001/internal/worker"
)

// errBatchFailed makes the process exit non-zero after a batch with failed
// units. The failures themselves are already logged.
var errBatchFailed = errors.New("batch finished with failed units")

var (
	cfg *config.Config

	flagConfig  string
	flagVerbose bool
	flagWorkers int
	flagOutput  string
	flagAddr    string
	flagDebug   bool
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (JSON or YAML), defaults to $PYCCATA_CONFIG or pyccata.json")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "maximum units in flight, overrides the config")
	reportCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "write the report to this file instead of stdout")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP bind address, overrides server.addr")
	serveCmd.Flags().BoolVar(&flagDebug, "debug", false, "expose pprof handlers")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = setup
	rootCmd.AddCommand(pipelineCmd, reportCmd, serveCmd, validateCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errBatchFailed) {
			log.Error().Err(err).Msg("pyccata failed")
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pyccata",
	Short:        "Run shell pipelines and issue tracker reports on a shared work pool",
	SilenceUsage: true,
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "run the configured pipeline commands",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runBatch(cmd.Context(), config.TargetPipeline)
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "run the configured report sections and write the collated results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if flagOutput != "" {
			cfg.Report.Output = flagOutput
		}
		return runBatch(cmd.Context(), config.TargetReport)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "check the config file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d pipeline commands, %d report sections, %d schedules)\n",
			flagConfig, len(cfg.Pipeline.Commands), len(cfg.Report.Sections), len(cfg.Schedules))
		return nil
	},
}

func setup(cmd *cobra.Command, _ []string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if flagVerbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if flagConfig == "" {
		flagConfig = "pyccata.json"
		if env, ok := os.LookupEnv("PYCCATA_CONFIG"); ok {
			flagConfig = env
		}
	}
	var err error
	if cfg, err = config.Load(flagConfig); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	log.Debug().Str("config", flagConfig).Msg("config loaded")
	return nil
}

func newPool() *worker.Pool {
	return worker.NewPool(worker.WithSize(cfg.Workers))
}

func runBatch(ctx context.Context, target string) error {
	repo, closeDB, err := openHistory()
	if err != nil {
		return err
	}
	defer closeDB()

	r := controller.NewRunner(cfg, newPool(), repo)
	r.SetOutput(os.Stdout)
	run, err := r.Run(ctx, target)
	if err != nil {
		return err
	}
	report(run)
	if !run.OK {
		return errBatchFailed
	}
	return nil
}

func report(run domain.Run) {
	for _, u := range run.Failed() {
		log.Error().
			Str("unit", u.UnitID).
			Str("name", u.Name).
			Str("status", u.Status).
			Str("error", u.Error).
			Msg("unit did not complete")
	}
	if run.Error != "" {
		log.Error().Str("run", run.ID).Str("error", run.Error).Msg("run error")
	}
}
