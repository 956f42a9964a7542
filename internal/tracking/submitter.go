package tracking

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Priya8975/redirect-tracker/internal/dedup"
	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/observe"
	"github.com/Priya8975/redirect-tracker/internal/queue"
)

// Metric operation and outcomes recorded by the Submitter.
const (
	OpEnqueue        = "gateway.enqueue"
	OutcomeDropped   = "dropped"
	OutcomeThrottled = "throttled"
)

// Limiter caps how often one client may enqueue.
type Limiter interface {
	Allow(ctx context.Context, groupKey string, limit int) bool
}

// SubmitterOptions configures a Submitter. Zero fields take the defaults.
type SubmitterOptions struct {
	// Buffer is the total capacity, split evenly across the workers.
	Buffer      int
	Workers     int
	Timeout     time.Duration
	DedupWindow time.Duration
	// RateLimit is events per client per limiter window; 0 disables it.
	RateLimit int
	Limiter   Limiter
}

// Submitter enqueues events in the background. Submit never blocks the
// caller: events go into bounded buffers, one per worker, and an event that
// cannot be buffered is dropped and counted. Every event from one client
// lands on the same shard, so a client's events are enqueued in the order
// they were submitted.
type Submitter struct {
	q    queue.Queue
	sink observe.Sink
	opts SubmitterOptions

	mu     sync.RWMutex
	closed bool
	shards []chan domain.TrackingEvent
	wg     sync.WaitGroup
}

func NewSubmitter(q queue.Queue, sink observe.Sink, opts SubmitterOptions) *Submitter {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = dedup.DefaultWindow
	}
	perShard := (opts.Buffer + opts.Workers - 1) / opts.Workers
	shards := make([]chan domain.TrackingEvent, opts.Workers)
	for i := range shards {
		shards[i] = make(chan domain.TrackingEvent, perShard)
	}
	return &Submitter{
		q:      q,
		sink:   sink,
		opts:   opts,
		shards: shards,
	}
}

// Start launches one worker per shard.
func (s *Submitter) Start() {
	for _, shard := range s.shards {
		s.wg.Add(1)
		go s.worker(shard)
	}
	s.sink.Logger().Info("submitter started", "workers", s.opts.Workers, "buffer", s.opts.Buffer)
}

// Submit buffers evt for enqueueing and reports whether it was accepted.
func (s *Submitter) Submit(evt domain.TrackingEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(evt, "submitter closed")
		return false
	}

	select {
	case s.shardFor(evt.ClientIP) <- evt:
		return true
	default:
		s.drop(evt, "submit buffer full")
		return false
	}
}

// Close stops accepting events, lets the workers drain the buffer and waits
// for them.
func (s *Submitter) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, shard := range s.shards {
		close(shard)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.sink.Logger().Info("submitter stopped")
}

func (s *Submitter) drop(evt domain.TrackingEvent, reason string) {
	s.sink.Count(OpEnqueue, OutcomeDropped)
	s.sink.Logger().Warn("tracking event dropped",
		"reason", reason,
		"tracking_id", evt.TrackingID,
		"correlation_id", evt.CorrelationID,
	)
}

// shardFor picks the buffer for a client. The group key is derived from the
// client IP alone, so hashing the IP keeps each group on one worker.
func (s *Submitter) shardFor(clientIP string) chan domain.TrackingEvent {
	h := fnv.New32a()
	h.Write([]byte(clientIP))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Submitter) worker(events <-chan domain.TrackingEvent) {
	defer s.wg.Done()
	for evt := range events {
		s.enqueue(evt)
	}
}

// enqueue runs on its own timeout, detached from any request.
func (s *Submitter) enqueue(evt domain.TrackingEvent) {
	logger := s.sink.Logger().With("tracking_id", evt.TrackingID, "correlation_id", evt.CorrelationID)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	dedupKey, err := dedup.DedupKey(evt.ClientIP, evt.DestinationURL, evt.SourceAttribution, evt.Timestamp, s.opts.DedupWindow)
	if err != nil {
		s.sink.Count(OpEnqueue, observe.OutcomeError)
		logger.Error("failed to derive dedup key", "error", err)
		return
	}
	groupKey, err := dedup.GroupKey(evt.ClientIP)
	if err != nil {
		s.sink.Count(OpEnqueue, observe.OutcomeError)
		logger.Error("failed to derive group key", "error", err)
		return
	}

	if s.opts.Limiter != nil && !s.opts.Limiter.Allow(ctx, groupKey, s.opts.RateLimit) {
		s.sink.Count(OpEnqueue, OutcomeThrottled)
		logger.Warn("tracking event throttled", "group_key", groupKey)
		return
	}

	msg, err := queue.NewTrackingMessage(evt, dedupKey, groupKey)
	if err != nil {
		s.sink.Count(OpEnqueue, observe.OutcomeError)
		logger.Error("failed to build queue message", "error", err)
		return
	}

	err = s.sink.Timed(ctx, OpEnqueue, func(ctx context.Context) error {
		return s.q.Enqueue(ctx, msg)
	})
	if err != nil {
		logger.Error("failed to enqueue tracking event", "group_key", groupKey, "error", err)
		return
	}
	logger.Debug("tracking event enqueued", "group_key", groupKey, "dedup_key", dedupKey)
}
