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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
	"github.com/Novo967/Tripping-app-sub001/internal/core"
	"github.com/Novo967/Tripping-app-sub001/internal/db"
	"github.com/Novo967/Tripping-app-sub001/internal/dispatch"
	httpapi "github.com/Novo967/Tripping-app-sub001/internal/http"
	"github.com/Novo967/Tripping-app-sub001/internal/logging"
	"github.com/Novo967/Tripping-app-sub001/internal/metrics"
	"github.com/Novo967/Tripping-app-sub001/internal/provider"
	wpkg "github.com/Novo967/Tripping-app-sub001/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		exitCode = 1
		return
	}
	closeLog, err := logging.Init(cfg.LogFile, cfg.LogLevel, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		exitCode = 1
		return
	}
	defer closeLog()
	log := logging.Get()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := db.Open(rootCtx, cfg.DatabaseURL, int32(cfg.Worker.Concurrency+4))
	if err != nil {
		log.Error().Err(err).Msg("db")
		exitCode = 1
		return
	}
	defer database.Close()

	// ---- Metrics ----
	metrics.MustRegister()
	stopStats := make(chan struct{})
	defer close(stopStats)
	go metrics.NewPGXPoolStats(database.Pool, prometheus.DefaultRegisterer).Start(5*time.Second, stopStats)

	store := &core.Store{DB: database.Pool}
	dispatcher := dispatch.New(store, provider.FromConfig(cfg.Expo), dispatch.OptionsFromConfig(cfg))

	// ---- Healthz ----
	health := serveHealthz(cfg.HealthAddr)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = health.Shutdown(ctx)
	}()

	// ---- Worker ----
	log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	if err := wpkg.RunWorker(rootCtx, store, dispatcher, wpkg.OptionsFromConfig(cfg.Worker)); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exited")
		exitCode = 1
		return
	}
}

func serveHealthz(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpapi.Healthz)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get().Error().Err(err).Str("addr", addr).Msg("health server")
		}
	}()
	return srv
}
