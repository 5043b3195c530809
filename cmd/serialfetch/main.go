// Package main wires together the serialfetch service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serialfetch/internal/api"
	"github.com/JakeFAU/serialfetch/internal/browser"
	"github.com/JakeFAU/serialfetch/internal/clock/system"
	"github.com/JakeFAU/serialfetch/internal/config"
	"github.com/JakeFAU/serialfetch/internal/engine"
	"github.com/JakeFAU/serialfetch/internal/id/uuid"
	"github.com/JakeFAU/serialfetch/internal/jobs"
	"github.com/JakeFAU/serialfetch/internal/logging"
	"github.com/JakeFAU/serialfetch/internal/metrics"
	"github.com/JakeFAU/serialfetch/internal/progress"
	"github.com/JakeFAU/serialfetch/internal/render"
	"github.com/JakeFAU/serialfetch/internal/site"
	"github.com/JakeFAU/serialfetch/internal/site/ao3"
	"github.com/JakeFAU/serialfetch/internal/site/ffn"
	"github.com/JakeFAU/serialfetch/internal/storage/local"
	"github.com/JakeFAU/serialfetch/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "serialfetch: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifacts, err := local.New(local.Config{BaseDir: cfg.Storage.Dir})
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	factory, err := browser.NewFactory(browser.Config{
		MaxSessions:       cfg.Browser.MaxSessions,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.NavTimeout(),
		OriginRPS:         cfg.Browser.OriginRPS,
		ExecPath:          cfg.Browser.ExecPath,
		Headless:          cfg.Browser.Headless,
	}, logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("browser factory: %w", err)
	}
	defer factory.Close()

	sites := site.NewRegistry(
		ao3.New(logger.Named("ao3")),
		ffn.New(logger.Named("ffn"), ffn.DefaultOptions()),
	)

	engineOpts := engine.DefaultOptions()
	engineOpts.PagesPerWorker = cfg.Fetch.PagesPerWorker
	engineOpts.MaxWorkers = cfg.Fetch.MaxWorkers
	engineOpts.MaxSeriesWorks = cfg.Fetch.MaxSeriesWorks
	eng := engine.New(factory, engineOpts, logger.Named("engine"))

	exec := worker.New(
		sites,
		eng,
		render.New(factory, logger.Named("render")),
		worker.Config{ParallelEnabled: cfg.Fetch.ParallelEnabled, MaxFailedRatio: cfg.Fetch.MaxFailedRatio},
		logger.Named("worker"),
	)

	store := jobs.New(
		jobs.Config{
			Capacity:      cfg.Jobs.MaxConcurrent,
			Timeout:       cfg.JobTimeout(),
			Retention:     cfg.Retention(),
			SweepInterval: cfg.SweepInterval(),
		},
		exec,
		artifacts,
		progress.NewChannel(0, logger.Named("progress")),
		system.New(),
		uuid.New(),
		logger.Named("jobs"),
	)
	store.Start(ctx)

	apiServer := api.NewServer(store, artifacts, sites, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started",
			zap.Int("port", cfg.Server.Port),
			zap.Int("max_concurrent_jobs", cfg.Jobs.MaxConcurrent),
			zap.String("storage_dir", artifacts.Dir()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	apiServer.Drain()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("job store shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
