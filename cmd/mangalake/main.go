// Package main is the entry point for the mangalake binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/hellstation/mangalake/internal/api"
	"github.com/hellstation/mangalake/internal/config"
	"github.com/hellstation/mangalake/internal/db"
	"github.com/hellstation/mangalake/internal/db/repository"
	"github.com/hellstation/mangalake/internal/domain"
	"github.com/hellstation/mangalake/internal/fetch"
	"github.com/hellstation/mangalake/internal/landing"
	"github.com/hellstation/mangalake/internal/pipeline"
	"github.com/hellstation/mangalake/internal/storage"
	"github.com/hellstation/mangalake/internal/warehouse"
)

func main() {
	os.Exit(execute())
}

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mangalake",
		Short:         "Manga metadata lakehouse pipeline",
		Long:          "Batch ETL pipeline: manga API → S3 landing zone → DuckDB warehouse and marts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStageCmd(domain.StageExtract, "Fetch from the API and land raw JSONL files"))
	rootCmd.AddCommand(newStageCmd(domain.StageTransform, "Normalize landed records and merge into the fact table"))
	rootCmd.AddCommand(newStageCmd(domain.StageMart, "Recompute the daily marts from the fact table"))
	return rootCmd
}

// app holds the wired components for one invocation.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	runner    *pipeline.Runner
	runs      domain.RunRepository
	def       *pipeline.Definition
	warehouse *warehouse.Warehouse
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// newApp loads configuration and wires the pipeline. The API fetcher and
// the S3 landing zone are optional; stages that need a missing boundary
// fail with a clear error instead of failing at startup.
func newApp() (*app, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	a := &app{cfg: cfg, logger: logger}

	var fetcher *fetch.Fetcher
	if cfg.HasAPIConfig() {
		fetcher, err = fetch.New(cfg, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no API endpoint configured, extract stage disabled")
	}

	var writer *landing.Writer
	var reader *landing.Reader
	if cfg.HasS3Config() {
		store, err := storage.NewS3Store(cfg)
		if err != nil {
			return nil, err
		}
		writer = landing.NewWriter(store, cfg.BatchSize, logger)
		reader = landing.NewReader(store, logger)
	} else {
		logger.Warn("S3 landing zone not configured, extract and transform stages disabled")
	}

	wh, err := warehouse.Open(cfg.WarehouseDBPath, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, wh.Close)
	a.warehouse = wh

	writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 4)
	if err != nil {
		return nil, fmt.Errorf("open control-plane database: %w", err)
	}
	a.closers = append(a.closers, writeDB.Close, readDB.Close)
	if err := db.RunMigrations(writeDB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	a.runs = repository.NewRunRepo(writeDB)

	def, err := pipeline.LoadDefinition(cfg.PipelineFile)
	if err != nil {
		return nil, err
	}
	a.def = def
	a.runner = pipeline.NewRunner(def, fetcher, writer, reader, wh, a.runs, logger)

	return a, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API and the cron scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler := pipeline.NewScheduler(a.runner, a.def, a.logger)
			if err := scheduler.Start(); err != nil {
				return err
			}
			defer scheduler.Stop()

			handler := api.NewHandler(a.runner, a.runs, a.logger)
			srv := &http.Server{
				Addr:              a.cfg.ListenAddr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("HTTP API listening", "addr", a.cfg.ListenAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				a.logger.Info("shutting down", "signal", sig.String())
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newRunCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the full pipeline for one load date",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.runner.Run(cmd.Context(), loadDateOrToday(date), domain.TriggerTypeManual)
			if run != nil {
				a.logger.Info("run finished", "run_id", run.ID, "status", run.Status)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Load date (YYYY-MM-DD, default today UTC)")
	return cmd
}

func newStageCmd(stage, short string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   stage,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.runner.RunStage(cmd.Context(), loadDateOrToday(date), domain.TriggerTypeManual, stage)
			if run != nil {
				a.logger.Info("run finished", "run_id", run.ID, "stage", stage, "status", run.Status)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Load date (YYYY-MM-DD, default today UTC)")
	return cmd
}

func loadDateOrToday(date string) string {
	if date == "" {
		return time.Now().UTC().Format("2006-01-02")
	}
	return date
}
