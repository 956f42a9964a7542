package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Priya8975/redirect-tracker/internal/api"
	"github.com/Priya8975/redirect-tracker/internal/app"
	"github.com/Priya8975/redirect-tracker/internal/config"
	"github.com/Priya8975/redirect-tracker/internal/observe"
	"github.com/Priya8975/redirect-tracker/internal/tracking"
	ws "github.com/Priya8975/redirect-tracker/internal/websocket"
	"github.com/Priya8975/redirect-tracker/internal/worker"
)

const version = "1.0.0"

func main() {
	bootLogger := app.NewLogger("info")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := observe.New(logger, reg)

	rules, err := tracking.NewRules(cfg.Tracking.AllowedDomains, cfg.Tracking.SourcePattern)
	if err != nil {
		logger.Error("invalid tracking rules", "error", err)
		os.Exit(1)
	}

	opts := tracking.SubmitterOptions{
		Buffer:      cfg.Tracking.SubmitBuffer,
		Workers:     cfg.Tracking.SubmitWorkers,
		Timeout:     cfg.Tracking.SubmitTimeout,
		DedupWindow: cfg.Tracking.DedupWindow(),
		RateLimit:   cfg.Tracking.RateLimit,
	}
	if backends.Limiter != nil {
		opts.Limiter = backends.Limiter
	}
	submitter := tracking.NewSubmitter(backends.Queue, sink, opts)
	submitter.Start()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	reprocessor := worker.NewReprocessor(worker.ReprocessorConfig{
		DeadLetter:  backends.DeadLetter,
		Store:       backends.Store,
		Ledger:      backends.Store,
		Sink:        sink,
		Publisher:   hub,
		BatchSize:   cfg.Queue.BatchSize,
		MaxAttempts: cfg.Reprocessor.MaxAttempts,
		BaseBackoff: cfg.Reprocessor.BaseBackoff,
		MaxBackoff:  cfg.Reprocessor.MaxBackoff,
		// Each upsert attempt gets the same bound as a consumer persist.
		MessageTimeout: cfg.Consumer.MessageTimeout,
	})

	queues := backends.Queues(cfg)
	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		Version:     version,
		CORSOrigins: cfg.Server.CORSOrigins,
		Redirect:    api.NewRedirectHandler(rules, tracking.NewNormalizer(cfg.Tracking.TTL), submitter, logger),
		Reader:      backends.Store,
		DeadLetters: api.NewDeadLetterHandler(reprocessor, backends.Store, queues, logger),
		Dashboard:   api.NewDashboardHandler(backends.Stats, queues, backends.Breaker, hub),
		Hub:         hub,
		Checks:      backends.Checks,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "queue", cfg.Queue.Backend, "store", cfg.Store.Backend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// Flush clicks accepted before shutdown.
	submitter.Close()

	logger.Info("server stopped")
}
