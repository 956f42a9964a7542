package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Priya8975/redirect-tracker/internal/api"
	"github.com/Priya8975/redirect-tracker/internal/app"
	"github.com/Priya8975/redirect-tracker/internal/config"
	"github.com/Priya8975/redirect-tracker/internal/observe"
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

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	consumerCfg := worker.ConsumerConfig{
		Queue:          backends.Queue,
		DeadLetter:     backends.DeadLetter,
		Store:          backends.Store,
		Sink:           sink,
		Publisher:      hub,
		BatchSize:      cfg.Queue.BatchSize,
		Workers:        cfg.Consumer.Workers,
		MessageTimeout: cfg.Consumer.MessageTimeout,
	}
	if backends.Breaker != nil {
		consumerCfg.Breaker = backends.Breaker
	}
	consumer := worker.NewConsumer(consumerCfg)

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
		Interval:    cfg.Reprocessor.Interval,
		// Each upsert attempt gets the same bound as a consumer persist.
		MessageTimeout: cfg.Consumer.MessageTimeout,
	})

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(consumer.Start)
	run(reprocessor.Start)
	if backends.Purger != nil {
		run(worker.NewSweeper(backends.Purger, cfg.Store.PurgeInterval, logger).Start)
	}

	queues := backends.Queues(cfg)
	admin := &http.Server{
		Addr: ":" + cfg.Server.AdminPort,
		Handler: api.NewRouter(api.RouterConfig{
			Logger:      logger,
			Version:     version,
			CORSOrigins: cfg.Server.CORSOrigins,
			DeadLetters: api.NewDeadLetterHandler(reprocessor, backends.Store, queues, logger),
			Dashboard:   api.NewDashboardHandler(backends.Stats, queues, backends.Breaker, hub),
			Hub:         hub,
			Checks:      backends.Checks,
			Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("worker admin listener starting", "port", cfg.Server.AdminPort)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin listener error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin listener forced to shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("timed out waiting for in-flight messages")
	}

	logger.Info("worker stopped")
}
