package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Priya8975/redirect-tracker/internal/observe"
	"github.com/Priya8975/redirect-tracker/internal/queue"
	"github.com/Priya8975/redirect-tracker/internal/store"
)

func newTestConsumer(q, dlq queue.Queue, st store.EventStore, sink observe.Sink) *Consumer {
	return NewConsumer(ConsumerConfig{
		Queue:      q,
		DeadLetter: dlq,
		Store:      st,
		Sink:       sink,
		Workers:    4,
	})
}

func TestConsumer_PersistsAndAcknowledges(t *testing.T) {
	q, dlq := setupTestQueues(t)
	mem := store.NewMemory()
	sink := testSink()
	c := newTestConsumer(q, dlq, mem, sink)

	events := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, ip := range events {
		enqueue(t, q, trackingMessage(t, testEvent(ip)))
	}

	res := c.ProcessBatch(context.Background(), receive(t, q))
	if res.Persisted != 3 {
		t.Fatalf("expected 3 persisted, got %+v", res)
	}
	if mem.Len() != 3 {
		t.Errorf("expected 3 stored events, got %d", mem.Len())
	}
	if n := depth(t, q); n != 0 {
		t.Errorf("expected empty queue after acknowledge, got depth %d", n)
	}
	if n := depth(t, dlq); n != 0 {
		t.Errorf("expected empty dead-letter queue, got depth %d", n)
	}
	if got := testutil.ToFloat64(sink.Counter(OpConsumeMessage, OutcomePersisted)); got != 3 {
		t.Errorf("persisted counter = %v, want 3", got)
	}
}

func TestConsumer_RedeliveredEventStoredOnce(t *testing.T) {
	q, dlq := setupTestQueues(t)
	mem := store.NewMemory()
	c := newTestConsumer(q, dlq, mem, testSink())

	evt := testEvent("10.0.0.1")
	first := trackingMessage(t, evt)
	second, err := queue.NewTrackingMessage(evt, "another-dedup-key", "another-group")
	if err != nil {
		t.Fatalf("building message: %v", err)
	}
	enqueue(t, q, first, second)

	res := c.ProcessBatch(context.Background(), receive(t, q))
	if res.Persisted != 2 {
		t.Fatalf("expected both deliveries persisted, got %+v", res)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected one record for one tracking id, got %d", mem.Len())
	}
	got, ok := mem.Get(evt.TrackingID)
	if !ok || got.DestinationURL != evt.DestinationURL {
		t.Errorf("stored event = %+v, want %+v", got, evt)
	}
}

func TestConsumer_StorageFailureDeadLettersOnce(t *testing.T) {
	q, dlq := setupTestQueues(t)
	st := newFlakyStore(-1)
	c := newTestConsumer(q, dlq, st, testSink())

	evt := testEvent("10.0.0.1")
	enqueue(t, q, trackingMessage(t, evt))

	res := c.ProcessBatch(context.Background(), receive(t, q))
	if res.DeadLettered != 1 {
		t.Fatalf("expected 1 dead-lettered, got %+v", res)
	}
	if n := depth(t, q); n != 0 {
		t.Errorf("expected original acknowledged, got depth %d", n)
	}

	dead := receive(t, dlq)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	env := queue.ParseDeadLetter(dead[0])
	if env.ErrorType != queue.ErrorTypeStorageUnavailable {
		t.Errorf("ErrorType = %q, want %q", env.ErrorType, queue.ErrorTypeStorageUnavailable)
	}
	if env.ErrorMessage == "" || env.OriginalTimestamp == "" {
		t.Errorf("expected error message and original timestamp, got %+v", env)
	}
	if dead[0].Attr(queue.AttrTrackingID) != evt.TrackingID {
		t.Errorf("tracking_id attribute = %q, want %q", dead[0].Attr(queue.AttrTrackingID), evt.TrackingID)
	}
}

func TestConsumer_MalformedBodyDeadLettered(t *testing.T) {
	q, dlq := setupTestQueues(t)
	mem := store.NewMemory()
	c := newTestConsumer(q, dlq, mem, testSink())

	enqueue(t, q, queue.Message{Body: []byte("{not json"), DedupKey: "d1", GroupKey: "g1"})
	enqueue(t, q, trackingMessage(t, testEvent("10.0.0.2")))

	res := c.ProcessBatch(context.Background(), receive(t, q))
	if res.DeadLettered != 1 || res.Persisted != 1 {
		t.Fatalf("expected one dead-lettered and one persisted, got %+v", res)
	}

	dead := receive(t, dlq)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if got := queue.ParseDeadLetter(dead[0]).ErrorType; got != queue.ErrorTypeMalformedBody {
		t.Errorf("ErrorType = %q, want %q", got, queue.ErrorTypeMalformedBody)
	}
}

func TestConsumer_InvalidEventDeadLettered(t *testing.T) {
	q, dlq := setupTestQueues(t)
	mem := store.NewMemory()
	c := newTestConsumer(q, dlq, mem, testSink())

	evt := testEvent("10.0.0.1")
	evt.DestinationURL = "not a url"
	enqueue(t, q, trackingMessage(t, evt))

	res := c.ProcessBatch(context.Background(), receive(t, q))
	if res.DeadLettered != 1 {
		t.Fatalf("expected 1 dead-lettered, got %+v", res)
	}
	if mem.Len() != 0 {
		t.Errorf("invalid event must not be stored")
	}
	dead := receive(t, dlq)
	if len(dead) != 1 || queue.ParseDeadLetter(dead[0]).ErrorType != queue.ErrorTypeValidation {
		t.Fatalf("expected one validation dead letter, got %+v", dead)
	}
}

func TestConsumer_DeadLetterForwardFailureLeavesMessage(t *testing.T) {
	q, dlq := setupTestQueues(t)
	c := newTestConsumer(q, failingQueue{dlq}, newFlakyStore(-1), testSink())

	enqueue(t, q, trackingMessage(t, testEvent("10.0.0.1")))

	res := c.ProcessBatch(context.Background(), receive(t, q))
	if res.Retry != 1 {
		t.Fatalf("expected 1 retry, got %+v", res)
	}
	if n := depth(t, q); n != 1 {
		t.Errorf("expected message left for redelivery, got depth %d", n)
	}
}

func TestConsumer_ShutdownInterruptsWithoutDeadLettering(t *testing.T) {
	q, dlq := setupTestQueues(t)
	st := &blockingStore{entered: make(chan struct{}, 1)}
	c := newTestConsumer(q, dlq, st, testSink())

	enqueue(t, q, trackingMessage(t, testEvent("10.0.0.1")))
	msgs := receive(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-st.entered
		cancel()
	}()

	res := c.ProcessBatch(ctx, msgs)
	if res.Interrupted != 1 {
		t.Fatalf("expected 1 interrupted, got %+v", res)
	}
	if n := depth(t, q); n != 1 {
		t.Errorf("expected message left in flight, got depth %d", n)
	}
	if n := depth(t, dlq); n != 0 {
		t.Errorf("interrupted message must not be dead-lettered, got depth %d", n)
	}
}

func TestConsumer_StartDrainsManyClients(t *testing.T) {
	q, dlq := setupTestQueues(t)
	mem := store.NewMemory()
	c := newTestConsumer(q, dlq, mem, testSink())

	const clients = 25
	for i := 0; i < clients; i++ {
		enqueue(t, q, trackingMessage(t, testEvent(fmt.Sprintf("10.0.1.%d", i))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for mem.Len() < clients && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
	if mem.Len() != clients {
		t.Fatalf("expected %d stored events, got %d", clients, mem.Len())
	}
}

func TestConsumer_GroupDeliveredInOrder(t *testing.T) {
	q, dlq := setupTestQueues(t)
	mem := store.NewMemory()
	c := newTestConsumer(q, dlq, mem, testSink())

	first := testEvent("10.0.0.9")
	second := testEvent("10.0.0.9")
	enqueue(t, q, trackingMessage(t, first), trackingMessage(t, second))

	msgs := receive(t, q)
	if len(msgs) != 1 || msgs[0].Attr(queue.AttrTrackingID) != first.TrackingID {
		t.Fatalf("expected only the first click of the group, got %d messages", len(msgs))
	}
	c.ProcessBatch(context.Background(), msgs)

	msgs = receive(t, q)
	if len(msgs) != 1 || msgs[0].Attr(queue.AttrTrackingID) != second.TrackingID {
		t.Fatalf("expected the second click after the first was settled")
	}
	c.ProcessBatch(context.Background(), msgs)

	if mem.Len() != 2 {
		t.Errorf("expected 2 stored events, got %d", mem.Len())
	}
}
