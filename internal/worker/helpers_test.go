package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/redirect-tracker/internal/domain"
	"github.com/Priya8975/redirect-tracker/internal/observe"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
)

var errStorageDown = errors.New("storage down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSink() *observe.PrometheusSink {
	return observe.New(testLogger(), nil)
}

// setupTestQueues returns a tracking queue and its dead-letter queue on one
// miniredis instance.
func setupTestQueues(t *testing.T) (*queue.RedisQueue, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	dlq := queue.NewRedisQueue(client, "clicks-dlq", queue.RedisOptions{}, testLogger())
	q := queue.NewRedisQueue(client, "clicks", queue.RedisOptions{DeadLetter: dlq}, testLogger())
	return q, dlq
}

func testEvent(ip string) domain.TrackingEvent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return domain.TrackingEvent{
		TrackingID:         uuid.NewString(),
		Timestamp:          now,
		FormattedTimestamp: now.Format("2006-01-02 15:04:05 UTC"),
		DestinationURL:     "https://example.com/landing?id=1",
		ClientIP:           ip,
		SourceAttribution:  "CampaignA",
		TTL:                now.Add(24 * time.Hour).Unix(),
		CorrelationID:      "corr-" + ip,
	}
}

func trackingMessage(t *testing.T, evt domain.TrackingEvent) queue.Message {
	t.Helper()
	msg, err := queue.NewTrackingMessage(evt, "dedup-"+evt.TrackingID, "group-"+evt.ClientIP)
	if err != nil {
		t.Fatalf("building message: %v", err)
	}
	return msg
}

func enqueue(t *testing.T, q queue.Queue, msgs ...queue.Message) {
	t.Helper()
	for _, msg := range msgs {
		if err := q.Enqueue(context.Background(), msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func receive(t *testing.T, q queue.Queue) []queue.Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), queue.MaxBatchSize)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msgs
}

func depth(t *testing.T, q queue.Queue) int64 {
	t.Helper()
	n, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	return n
}

// flakyStore fails the first failures upserts, or every upsert when
// failures is negative.
type flakyStore struct {
	*store.MemoryStore

	mu       sync.Mutex
	failures int
	calls    int
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemory(), failures: failures}
}

func (s *flakyStore) UpsertEvent(ctx context.Context, evt domain.TrackingEvent) error {
	s.mu.Lock()
	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return errStorageDown
	}
	s.mu.Unlock()
	return s.MemoryStore.UpsertEvent(ctx, evt)
}

func (s *flakyStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingStore holds every upsert until its context ends.
type blockingStore struct {
	entered chan struct{}
}

func (s *blockingStore) UpsertEvent(ctx context.Context, _ domain.TrackingEvent) error {
	s.entered <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(context.Context, queue.Message) error {
	return errors.New("dead-letter queue unavailable")
}
