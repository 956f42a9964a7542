package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/observe"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
	"github.com/Priya8975/redirect-tracker/internal/validation"
	ws "github.com/Priya8975/redirect-tracker/internal/websocket"
)

// Metric operations recorded by the reprocessor.
const (
	OpReprocess       = "reprocessor.message"
	OpReprocessUpsert = "reprocessor.upsert"
	OpEscalationAlert = "reprocessor.alert"
)

// Reprocess outcomes.
const (
	OutcomeRecovered = "recovered"
	OutcomeDiscarded = "discarded"
	OutcomeEscalated = "escalated"
	OutcomeDeferred  = "deferred"
)

// ErrReplayInvalid is returned when an escalated event still fails validation.
var ErrReplayInvalid = errors.New("escalated event is not valid")

// ReprocessorConfig wires a Reprocessor. Ledger and Publisher are optional.
type ReprocessorConfig struct {
	DeadLetter queue.Queue
	Store      store.EventStore
	Ledger     store.EscalationStore
	Sink       observe.Sink
	Publisher  ws.Publisher

	BatchSize   int
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MessageTimeout bounds each upsert attempt.
	MessageTimeout time.Duration
	Interval       time.Duration
	// MaxBatches bounds one RunOnce so a flooded dead-letter queue cannot
	// hold it forever.
	MaxBatches int
}

// ReprocessResult counts what one RunOnce did.
type ReprocessResult struct {
	Received  int `json:"received"`
	Recovered int `json:"recovered"`
	Discarded int `json:"discarded"`
	Escalated int `json:"escalated"`
	Deferred  int `json:"deferred"`
}

func (r *ReprocessResult) add(outcome string) {
	switch outcome {
	case OutcomeRecovered:
		r.Recovered++
	case OutcomeDiscarded:
		r.Discarded++
	case OutcomeEscalated:
		r.Escalated++
	case OutcomeDeferred:
		r.Deferred++
	}
}

// Reprocessor drains the dead-letter queue back into the event store.
//
//   - undecodable bodies are logged and removed without a store write;
//   - events that fail validation are recorded in the ledger, if any, and removed;
//   - valid events are upserted with exponential backoff and jitter;
//   - events still failing are escalated to the ledger with an alert and
//     removed, or left in the queue when no ledger write is possible.
//
// Messages of a batch are handled concurrently and every upsert attempt has
// its own timeout, so one stuck write cannot hold the rest of the batch.
// A structurally valid event is never dropped. Several reprocessors may run
// at once; the queue's visibility timeout keeps them off each other's messages.
type Reprocessor struct {
	cfg        ReprocessorConfig
	newBackOff func() backoff.BackOff
	now        func() time.Time
	running    atomic.Int32
}

func NewReprocessor(cfg ReprocessorConfig) *Reprocessor {
	if cfg.BatchSize <= 0 || cfg.BatchSize > queue.MaxBatchSize {
		cfg.BatchSize = queue.MaxBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 10 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 100
	}
	if cfg.Publisher == nil {
		cfg.Publisher = ws.Discard
	}

	r := &Reprocessor{cfg: cfg, now: time.Now}
	r.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.BaseBackoff
		b.MaxInterval = cfg.MaxBackoff
		b.RandomizationFactor = 0.5
		b.Multiplier = 2
		b.MaxElapsedTime = 0
		return b
	}
	return r
}

// Start runs RunOnce every interval until ctx is cancelled.
func (r *Reprocessor) Start(ctx context.Context) {
	logger := r.cfg.Sink.Logger()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	logger.Info("reprocessor started", "interval", r.cfg.Interval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("reprocessor stopping")
			return
		case <-ticker.C:
			res, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("reprocessing run failed", "error", err)
			}
			if res.Received > 0 {
				logger.Info("reprocessing run finished",
					"received", res.Received,
					"recovered", res.Recovered,
					"discarded", res.Discarded,
					"escalated", res.Escalated,
					"deferred", res.Deferred,
				)
			}
		}
	}
}

// Running reports how many RunOnce calls are in progress.
func (r *Reprocessor) Running() int {
	return int(r.running.Load())
}

// RunOnce drains the dead-letter queue until it returns an empty batch.
func (r *Reprocessor) RunOnce(ctx context.Context) (ReprocessResult, error) {
	r.running.Add(1)
	defer r.running.Add(-1)

	pool := NewPool(r.cfg.Workers, r.cfg.Sink.Logger())
	pool.Start()
	defer pool.Stop()

	var res ReprocessResult
	for batch := 0; batch < r.cfg.MaxBatches; batch++ {
		msgs, err := r.cfg.DeadLetter.Receive(ctx, r.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("receiving dead letters: %w", err)
		}
		if len(msgs) == 0 {
			return res, nil
		}

		r.processBatch(ctx, pool, msgs, &res)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

// processBatch handles msgs on pool and returns once all of them are settled.
// Messages the pool never started are left for redelivery.
func (r *Reprocessor) processBatch(ctx context.Context, pool *Pool, msgs []queue.Message, res *ReprocessResult) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, msg := range msgs {
		msg := msg
		wg.Add(1)
		job := func() {
			defer wg.Done()
			outcome := r.handle(ctx, msg)
			r.cfg.Sink.Count(OpReprocess, outcome)
			mu.Lock()
			res.Received++
			res.add(outcome)
			mu.Unlock()
		}
		if !pool.Submit(ctx, job) {
			wg.Done()
		}
	}
	wg.Wait()
}

func (r *Reprocessor) handle(ctx context.Context, msg queue.Message) string {
	env := queue.ParseDeadLetter(msg)
	logger := r.cfg.Sink.Logger().With(
		"message_id", msg.ID,
		"tracking_id", msg.Attr(queue.AttrTrackingID),
		"correlation_id", msg.Attr(queue.AttrCorrelationID),
		"error_type", env.ErrorType,
		"original_error", env.ErrorMessage,
		"original_timestamp", env.OriginalTimestamp,
		"dead_letter_receives", env.Attempts,
	)

	evt, err := queue.DecodeEvent(msg)
	if err != nil {
		logger.Error("discarding undecodable dead letter",
			"error", err,
			"body", preview(msg.Body),
			"attributes", msg.Attributes,
		)
		r.acknowledge(ctx, msg, logger)
		r.publish(ws.EventDeadLetterDiscarded, msg, env.ErrorType, err, env.Attempts)
		return OutcomeDiscarded
	}

	if err := validation.ValidateEvent(evt); err != nil {
		if r.cfg.Ledger != nil {
			if _, lerr := r.escalate(ctx, msg, evt, queue.ErrorTypeValidation, err, 0); lerr != nil {
				logger.Error("failed to record invalid dead letter in escalation ledger", "error", lerr)
			}
		}
		logger.Error("discarding invalid dead letter", "error", err)
		r.acknowledge(ctx, msg, logger)
		r.publish(ws.EventDeadLetterDiscarded, msg, queue.ErrorTypeValidation, err, env.Attempts)
		return OutcomeDiscarded
	}

	attempts, err := r.upsertWithRetry(ctx, evt)
	if err == nil {
		logger.Info("dead letter recovered", "attempts", attempts)
		r.acknowledge(ctx, msg, logger)
		r.publish(ws.EventDeadLetterRecovered, msg, env.ErrorType, nil, attempts)
		return OutcomeRecovered
	}
	if ctx.Err() != nil {
		logger.Warn("reprocessing interrupted, leaving dead letter", "error", err)
		return OutcomeDeferred
	}

	if r.cfg.Ledger == nil {
		logger.Error("dead letter still failing and no escalation ledger, leaving in queue",
			"attempts", attempts,
			"error", err,
		)
		return OutcomeDeferred
	}

	esc, lerr := r.escalate(ctx, msg, evt, queue.ErrorTypeStorageUnavailable, err, attempts)
	if lerr != nil {
		logger.Error("failed to escalate dead letter, leaving in queue",
			"attempts", attempts,
			"error", err,
			"ledger_error", lerr,
		)
		return OutcomeDeferred
	}

	r.cfg.Sink.Count(OpEscalationAlert, observe.OutcomeSuccess)
	logger.Error("ALERT: dead letter escalated after exhausting retries",
		"alert", true,
		"escalation_id", esc.ID,
		"attempts", attempts,
		"error", err,
	)
	r.acknowledge(ctx, msg, logger)
	r.publish(ws.EventDeadLetterEscalated, msg, queue.ErrorTypeStorageUnavailable, err, attempts)
	return OutcomeEscalated
}

// upsertWithRetry returns the number of attempts made and the last error.
func (r *Reprocessor) upsertWithRetry(ctx context.Context, evt domain.TrackingEvent) (int, error) {
	attempts := 0
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.cfg.MaxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		attempts++
		return r.cfg.Sink.Timed(ctx, OpReprocessUpsert, func(ctx context.Context) error {
			actx, cancel := context.WithTimeout(ctx, r.cfg.MessageTimeout)
			defer cancel()
			return r.cfg.Store.UpsertEvent(actx, evt)
		})
	}, b)
	return attempts, err
}

func (r *Reprocessor) escalate(ctx context.Context, msg queue.Message, evt domain.TrackingEvent, errorType string, cause error, attempts int) (*domain.Escalation, error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	lastErr := cause.Error()
	return r.cfg.Ledger.CreateEscalation(lctx, domain.Escalation{
		TrackingID:    evt.TrackingID,
		CorrelationID: evt.CorrelationID,
		ErrorType:     errorType,
		LastError:     &lastErr,
		Body:          string(msg.Body),
		TotalAttempts: attempts,
	})
}

func (r *Reprocessor) acknowledge(ctx context.Context, msg queue.Message, logger *slog.Logger) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := r.cfg.DeadLetter.Acknowledge(actx, msg); err != nil {
		logger.Error("failed to acknowledge dead letter", "error", err)
	}
}

func (r *Reprocessor) publish(eventType string, msg queue.Message, errorType string, cause error, attempts int) {
	e := ws.PipelineEvent{
		Type:          eventType,
		TrackingID:    msg.Attr(queue.AttrTrackingID),
		CorrelationID: msg.Attr(queue.AttrCorrelationID),
		ErrorType:     errorType,
		Attempts:      attempts,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	r.cfg.Publisher.Broadcast(e)
}

// ReplayEscalation re-validates and stores an escalated event, then resolves
// the escalation.
func (r *Reprocessor) ReplayEscalation(ctx context.Context, id, resolvedBy string) (*domain.TrackingEvent, error) {
	if r.cfg.Ledger == nil {
		return nil, fmt.Errorf("no escalation ledger configured")
	}

	esc, err := r.cfg.Ledger.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc == nil || esc.ResolvedAt != nil {
		return nil, fmt.Errorf("escalation %s: %w", id, store.ErrNotFound)
	}

	var evt domain.TrackingEvent
	if err := json.Unmarshal([]byte(esc.Body), &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayInvalid, err)
	}
	if err := validation.ValidateEvent(evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayInvalid, err)
	}

	uctx, cancel := context.WithTimeout(ctx, r.cfg.MessageTimeout)
	defer cancel()
	if err := r.cfg.Store.UpsertEvent(uctx, evt); err != nil {
		return nil, fmt.Errorf("replaying escalation %s: %w", id, err)
	}
	if err := r.cfg.Ledger.ResolveEscalation(ctx, id, resolvedBy); err != nil {
		return nil, err
	}

	r.cfg.Sink.Logger().Info("escalation replayed",
		"escalation_id", id,
		"tracking_id", evt.TrackingID,
		"correlation_id", evt.CorrelationID,
		"resolved_by", resolvedBy,
	)
	r.cfg.Publisher.Broadcast(ws.PipelineEvent{
		Type:          ws.EventEscalationReplayed,
		TrackingID:    evt.TrackingID,
		CorrelationID: evt.CorrelationID,
	})
	return &evt, nil
}

func preview(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
