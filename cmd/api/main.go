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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/db"
	"github.com/Novo967/Tripping-app-sub001/internal/dispatch"
	httpapi "github.com/Novo967/Tripping-app-sub001/internal/http"
	"github.com/Novo967/Tripping-app-sub001/internal/logging"
	"github.com/Novo967/Tripping-app-sub001/internal/metrics"
	"github.com/Novo967/Tripping-app-sub001/internal/provider"
	"github.com/Novo967/Tripping-app-sub001/internal/report"
	"github.com/Novo967/Tripping-app-sub001/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config")
	withWorker := flag.Bool("worker", false, "also drain the outbox in this process")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	closeLog, err := logging.Init(cfg.LogFile, cfg.LogLevel, "api")
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()
	log := logging.Get()

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.Open(rootCtx, cfg.DatabaseURL, 0)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(rootCtx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	metrics.MustRegister()
	stopStats := make(chan struct{})
	defer close(stopStats)
	go metrics.NewPGXPoolStats(database.Pool, prometheus.DefaultRegisterer).Start(5*time.Second, stopStats)

	store := &core.Store{DB: database.Pool}
	dispatcher := dispatch.New(store, provider.FromConfig(cfg.Expo), dispatch.OptionsFromConfig(cfg))
	reporter := report.New(store, cfg.SMTP, log)

	if *withWorker {
		workerDone := make(chan struct{})
		go func() {
			defer close(workerDone)
			err := worker.RunWorker(rootCtx, store, dispatcher, worker.OptionsFromConfig(cfg.Worker))
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("worker exited")
			}
		}()
		// Runs before database.Close: in-flight rows must be settled first.
		defer func() {
			cancel()
			<-workerDone
		}()
	}

	srv := httpapi.NewServer(dispatcher, reporter, store, database.Pool)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	log.Info().Msg("shutting down")
	return server.Shutdown(shutdownCtx)
}
