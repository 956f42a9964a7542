// Package queue is the ordered, deduplicating, redelivering queue the
// gateway publishes clicks to and the consumer drains.
//
// Two properties hold for every backend:
//   - a second message with the same DedupKey inside the dedup window is
//     absorbed, and the first body is the one delivered;
//   - messages sharing a GroupKey are delivered one at a time in enqueue
//     order, while distinct groups are delivered in parallel.
package queue

import (
	"context"
	"errors"
	"time"
)

// MaxBatchSize is the most messages a single Receive returns.
const MaxBatchSize = 10

// Defaults applied when options are left zero.
const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxReceiveCount   = 3
	DefaultDedupWindow       = 300 * time.Second
)

var (
	// ErrStaleReceipt is returned when acknowledging a message whose receipt
	// was superseded by a redelivery.
	ErrStaleReceipt = errors.New("queue: receipt is stale")

	// ErrMalformedMessage wraps any failure to turn a message body back into
	// a tracking event.
	ErrMalformedMessage = errors.New("queue: malformed message")

	// ErrMissingKeys is returned when a message is built or enqueued
	// without its dedup or group key.
	ErrMissingKeys = errors.New("queue: dedup and group keys are required")
)

// Queue is implemented by RedisQueue and SQSQueue.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Receive(ctx context.Context, max int) ([]Message, error)
	Acknowledge(ctx context.Context, msg Message) error
	Depth(ctx context.Context) (int64, error)
}

func clampBatch(max int) int {
	if max <= 0 {
		return 1
	}
	if max > MaxBatchSize {
		return MaxBatchSize
	}
	return max
}
