package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/engine"
	"github.com/Priya8975/redirect-tracker/internal/observe"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
	"github.com/Priya8975/redirect-tracker/internal/validation"
	ws "github.com/Priya8975/redirect-tracker/internal/websocket"
)

// Metric operations recorded by the consumer.
const (
	OpPersist        = "consumer.persist"
	OpConsumeMessage = "consumer.message"
	OpDeadLetter     = "consumer.dead_letter"
)

// Message outcomes.
const (
	OutcomePersisted    = "persisted"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRetry        = "retry"
	OutcomeInterrupted  = "interrupted"
)

// settleTimeout bounds acknowledgements and dead-letter forwards, which run
// detached from the caller's context so shutdown does not strand them.
const settleTimeout = 5 * time.Second

// Breaker gates calls to a dependency.
type Breaker interface {
	Execute(ctx context.Context, dependency string, fn func(context.Context) error) error
}

// ConsumerConfig wires a Consumer. Breaker and Publisher are optional.
type ConsumerConfig struct {
	Queue      queue.Queue
	DeadLetter queue.Queue
	Store      store.EventStore
	Breaker    Breaker
	Sink       observe.Sink
	Publisher  ws.Publisher

	BatchSize      int
	Workers        int
	MessageTimeout time.Duration
	// ErrorBackoff is the pause after a failed Receive.
	ErrorBackoff time.Duration
}

// BatchResult counts what happened to one received batch.
type BatchResult struct {
	Persisted    int `json:"persisted"`
	DeadLettered int `json:"dead_lettered"`
	Retry        int `json:"retry"`
	Interrupted  int `json:"interrupted"`
}

// Consumer drains the tracking queue into the event store. A message that
// cannot be persisted is forwarded to the dead-letter queue before it is
// acknowledged, so a failure is dead-lettered exactly once by the consumer;
// the queue's own redelivery exhaustion is only a backstop.
type Consumer struct {
	cfg  ConsumerConfig
	pool *Pool
	now  func() time.Time
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > queue.MaxBatchSize {
		cfg.BatchSize = queue.MaxBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.BatchSize
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 10 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.Publisher == nil {
		cfg.Publisher = ws.Discard
	}
	return &Consumer{
		cfg:  cfg,
		pool: NewPool(cfg.Workers, cfg.Sink.Logger()),
		now:  time.Now,
	}
}

// Start receives and processes batches until ctx is cancelled. Messages
// already handed to workers finish before Start returns.
func (c *Consumer) Start(ctx context.Context) {
	logger := c.cfg.Sink.Logger()
	c.pool.Start()
	defer c.pool.Stop()
	logger.Info("consumer started", "batch_size", c.cfg.BatchSize, "workers", c.cfg.Workers)

	for {
		if ctx.Err() != nil {
			logger.Info("consumer stopping")
			return
		}

		msgs, err := c.cfg.Queue.Receive(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopping")
				return
			}
			logger.Error("failed to receive tracking messages", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		res := c.processOnPool(ctx, c.pool, msgs)
		logger.Debug("batch processed",
			"received", len(msgs),
			"persisted", res.Persisted,
			"dead_lettered", res.DeadLettered,
			"retry", res.Retry,
			"interrupted", res.Interrupted,
		)
	}
}

// ProcessBatch handles msgs concurrently, each independently, and returns
// once all of them are settled. It is used outside Start, on its own pool.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []queue.Message) BatchResult {
	pool := NewPool(c.cfg.Workers, c.cfg.Sink.Logger())
	pool.Start()
	defer pool.Stop()
	return c.processOnPool(ctx, pool, msgs)
}

func (c *Consumer) processOnPool(ctx context.Context, pool *Pool, msgs []queue.Message) BatchResult {
	var (
		mu  sync.Mutex
		res BatchResult
		wg  sync.WaitGroup
	)
	record := func(outcome string) {
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case OutcomePersisted:
			res.Persisted++
		case OutcomeDeadLettered:
			res.DeadLettered++
		case OutcomeRetry:
			res.Retry++
		case OutcomeInterrupted:
			res.Interrupted++
		}
	}

	for _, msg := range msgs {
		msg := msg
		wg.Add(1)
		job := func() {
			defer wg.Done()
			record(c.handle(ctx, msg))
		}
		if !pool.Submit(ctx, job) {
			wg.Done()
			record(OutcomeInterrupted)
		}
	}
	wg.Wait()
	return res
}

// handle settles one message and returns its outcome.
func (c *Consumer) handle(ctx context.Context, msg queue.Message) string {
	start := c.now()
	logger := c.cfg.Sink.Logger().With(
		"message_id", msg.ID,
		"tracking_id", msg.Attr(queue.AttrTrackingID),
		"correlation_id", msg.Attr(queue.AttrCorrelationID),
		"group_key", msg.GroupKey,
		"receive_count", msg.ReceiveCount,
	)

	outcome := c.settle(ctx, msg, logger)
	c.cfg.Sink.Count(OpConsumeMessage, outcome)
	logger.Info("tracking message handled",
		"outcome", outcome,
		"duration_ms", c.now().Sub(start).Milliseconds(),
	)
	return outcome
}

func (c *Consumer) settle(ctx context.Context, msg queue.Message, logger *slog.Logger) string {
	evt, err := queue.DecodeEvent(msg)
	if err != nil {
		return c.deadLetter(ctx, msg, queue.ErrorTypeMalformedBody, err, logger)
	}
	if err := validation.ValidateEvent(evt); err != nil {
		return c.deadLetter(ctx, msg, queue.ErrorTypeValidation, err, logger)
	}

	start := c.now()
	err = c.cfg.Sink.Timed(ctx, OpPersist, func(ctx context.Context) error {
		mctx, cancel := context.WithTimeout(ctx, c.cfg.MessageTimeout)
		defer cancel()
		return c.upsert(mctx, evt)
	})
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("persist interrupted by shutdown, leaving message for redelivery", "error", err)
			return OutcomeInterrupted
		}
		return c.deadLetter(ctx, msg, queue.ErrorTypeStorageUnavailable, err, logger)
	}

	c.acknowledge(ctx, msg, logger)
	c.cfg.Publisher.Broadcast(ws.PipelineEvent{
		Type:              ws.EventClickPersisted,
		TrackingID:        evt.TrackingID,
		CorrelationID:     evt.CorrelationID,
		SourceAttribution: evt.SourceAttribution,
		DestinationURL:    evt.DestinationURL,
		DurationMs:        c.now().Sub(start).Milliseconds(),
	})
	return OutcomePersisted
}

func (c *Consumer) upsert(ctx context.Context, evt domain.TrackingEvent) error {
	if c.cfg.Breaker == nil {
		return c.cfg.Store.UpsertEvent(ctx, evt)
	}
	return c.cfg.Breaker.Execute(ctx, engine.DependencyEventStore, func(ctx context.Context) error {
		return c.cfg.Store.UpsertEvent(ctx, evt)
	})
}

// deadLetter forwards msg with its failure and then acknowledges it. If the
// forward fails the original stays unacknowledged and will be redelivered.
func (c *Consumer) deadLetter(ctx context.Context, msg queue.Message, errorType string, cause error, logger *slog.Logger) string {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	dl := queue.NewDeadLetter(msg, errorType, cause.Error(), c.now())
	if err := c.cfg.DeadLetter.Enqueue(dctx, dl); err != nil {
		c.cfg.Sink.Count(OpDeadLetter, observe.OutcomeError)
		logger.Error("failed to forward to dead-letter queue, leaving for redelivery",
			"error_type", errorType,
			"cause", cause,
			"error", err,
		)
		return OutcomeRetry
	}
	c.cfg.Sink.Count(OpDeadLetter, observe.OutcomeSuccess)

	logger.Warn("tracking message dead-lettered", "error_type", errorType, "error", cause)
	c.acknowledge(ctx, msg, logger)
	c.cfg.Publisher.Broadcast(ws.PipelineEvent{
		Type:          ws.EventClickDeadLettered,
		TrackingID:    msg.Attr(queue.AttrTrackingID),
		CorrelationID: msg.Attr(queue.AttrCorrelationID),
		ErrorType:     errorType,
		Error:         cause.Error(),
		Attempts:      msg.ReceiveCount,
	})
	return OutcomeDeadLettered
}

func (c *Consumer) acknowledge(ctx context.Context, msg queue.Message, logger *slog.Logger) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := c.cfg.Queue.Acknowledge(actx, msg); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			// Redelivered meanwhile; the next delivery repeats an idempotent upsert.
			logger.Warn("acknowledge with stale receipt")
			return
		}
		logger.Error("failed to acknowledge tracking message", "error", err)
	}
}
