// Package app opens the backends both binaries share, as selected by
// configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/Priya8975/redirect-tracker/internal/api"
	"github.com/Priya8975/redirect-tracker/internal/config"
	"github.com/Priya8975/redirect-tracker/internal/engine"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
	"github.com/Priya8975/redirect-tracker/migrations"
)

// NewLogger returns the JSON logger at the named level.
func NewLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// Backends are the connections a binary works against. Redis, Breaker,
// Limiter, Stats and Purger are nil when the configuration leaves them out.
type Backends struct {
	Redis      *store.RedisStore
	Queue      queue.Queue
	DeadLetter queue.Queue
	Store      store.Backend
	Stats      store.StatsReader
	Purger     store.Purger
	Breaker    *engine.CircuitBreaker
	Limiter    *engine.RateLimiter
	Checks     map[string]api.Pinger

	closers []func()
}

// Open connects to everything cfg selects. On error, whatever was already
// opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Backends, err error) {
	b := &Backends{Checks: map[string]api.Pinger{}}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.Redis.URL != "" {
		rs, err := store.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
		if err != nil {
			return nil, err
		}
		b.Redis = rs
		b.closers = append(b.closers, func() { rs.Close() })
		b.Checks["redis"] = rs
		logger.Info("connected to Redis")

		b.Breaker = engine.NewCircuitBreaker(rs.Client(), engine.CircuitBreakerOptions{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		}, logger)
		b.Limiter = engine.NewRateLimiter(rs.Client(), 0, logger)
	}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	switch cfg.Queue.Backend {
	case config.QueueRedis:
		dlq := queue.NewRedisQueue(b.Redis.Client(), cfg.Queue.DeadLetterName, queue.RedisOptions{
			DedupWindow:       cfg.Tracking.DedupWindow(),
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
			WaitTime:          cfg.Queue.ReceiveWait,
		}, logger)
		b.DeadLetter = dlq
		b.Queue = queue.NewRedisQueue(b.Redis.Client(), cfg.Queue.Name, queue.RedisOptions{
			DedupWindow:       cfg.Tracking.DedupWindow(),
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
			WaitTime:          cfg.Queue.ReceiveWait,
			DeadLetter:        dlq,
		}, logger)
	case config.QueueSQS:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(c, func(o *sqs.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		opts := queue.SQSOptions{
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			WaitTime:          cfg.Queue.ReceiveWait,
		}
		b.Queue = queue.NewSQSQueue(client, cfg.Queue.SQSURL, opts, logger)
		b.DeadLetter = queue.NewSQSQueue(client, cfg.Queue.SQSDeadLetterURL, opts, logger)
	}

	switch cfg.Store.Backend {
	case config.StorePostgres:
		pg, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		logger.Info("connected to PostgreSQL")

		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database migrations applied")

		b.Store, b.Stats, b.Purger = pg, pg, pg
		b.Checks["postgres"] = pg
	case config.StoreDynamoDB:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(c, func(o *dynamodb.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
			}
		})
		// Expiry is the table's native TTL on the ttl attribute.
		b.Store = store.NewDynamo(client, cfg.Store.EventsTable, cfg.Store.EscalationsTable)
	case config.StoreMemory:
		mem := store.NewMemory()
		b.Store, b.Stats, b.Purger = mem, mem, mem
		logger.Warn("using in-memory store, events are lost on restart")
	}

	return b, nil
}

// Queues names the tracking and dead-letter queues for the admin API.
func (b *Backends) Queues(cfg *config.Config) map[string]queue.Queue {
	return map[string]queue.Queue{
		cfg.Queue.Name:           b.Queue,
		cfg.Queue.DeadLetterName: b.DeadLetter,
	}
}

// Close releases connections in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
