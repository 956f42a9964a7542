package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisQueue. Zero fields take the package
// defaults.
type RedisOptions struct {
	DedupWindow       time.Duration
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	// WaitTime is how long Receive long-polls for an empty queue.
	WaitTime     time.Duration
	PollInterval time.Duration
	// DeadLetter receives messages that exhaust MaxReceiveCount. When nil
	// they are parked under the queue's parked list.
	DeadLetter Queue
}

// RedisQueue is a self-hosted FIFO queue with content deduplication.
//
// Layout, all keys under the hash tag tq:{name}: so a cluster keeps them in
// one slot:
//
//	dedup:<key>   string, SET NX PX window; presence absorbs duplicates
//	msg:<id>      hash of body, group, dedup, attrs, enqueued_at, receives, receipt
//	group:<g>     list of message ids in enqueue order
//	ready         zset of groups whose head is deliverable, scored by head enqueue time
//	inflight      zset of message ids scored by visibility deadline (ms)
//	exhausted     list of ids that ran out of receives, awaiting dead-lettering
//	parked        list of exhausted ids with nowhere to go
//	count         number of messages held
type RedisQueue struct {
	client *redis.Client
	name   string
	prefix string
	opts   RedisOptions
	logger *slog.Logger
	now    func() time.Time
}

// enqueueScript stores the message and appends it to its group. A group that
// was empty becomes ready immediately; otherwise its head is either in
// flight or already ready.
var enqueueScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
if not redis.call('SET', p .. 'dedup:' .. ARGV[3], id, 'NX', 'PX', ARGV[8]) then
    return 0
end
redis.call('HSET', p .. 'msg:' .. id,
    'body', ARGV[5], 'group', ARGV[4], 'dedup', ARGV[3],
    'attrs', ARGV[6], 'enqueued_at', ARGV[7], 'receives', '0')
redis.call('INCR', p .. 'count')
if redis.call('RPUSH', p .. 'group:' .. ARGV[4], id) == 1 then
    redis.call('ZADD', p .. 'ready', ARGV[7], ARGV[4])
end
return 1
`)

// receiveScript first reclaims in-flight messages whose visibility lapsed,
// moving the ones out of receives to the exhausted list, then hands out the
// head of up to ARGV[4] ready groups.
var receiveScript = redis.NewScript(`
local p = ARGV[1]
local now = tonumber(ARGV[2])
local visibility = tonumber(ARGV[3])
local max = tonumber(ARGV[4])
local maxReceives = tonumber(ARGV[5])

local expired = redis.call('ZRANGEBYSCORE', p .. 'inflight', '-inf', now)
for _, id in ipairs(expired) do
    redis.call('ZREM', p .. 'inflight', id)
    local key = p .. 'msg:' .. id
    local group = redis.call('HGET', key, 'group')
    if group then
        local receives = tonumber(redis.call('HGET', key, 'receives'))
        if receives >= maxReceives then
            redis.call('LREM', p .. 'group:' .. group, 1, id)
            redis.call('HDEL', key, 'receipt')
            redis.call('RPUSH', p .. 'exhausted', id)
        end
        local head = redis.call('LINDEX', p .. 'group:' .. group, 0)
        if head then
            redis.call('ZADD', p .. 'ready', redis.call('HGET', p .. 'msg:' .. head, 'enqueued_at'), group)
        end
    end
end

local out = {}
local groups = redis.call('ZRANGE', p .. 'ready', 0, max - 1)
for _, group in ipairs(groups) do
    redis.call('ZREM', p .. 'ready', group)
    local id = redis.call('LINDEX', p .. 'group:' .. group, 0)
    if id then
        local key = p .. 'msg:' .. id
        local receives = redis.call('HINCRBY', key, 'receives', 1)
        local receipt = id .. ':' .. receives
        redis.call('HSET', key, 'receipt', receipt)
        redis.call('ZADD', p .. 'inflight', now + visibility, id)
        local f = redis.call('HMGET', key, 'body', 'group', 'dedup', 'attrs', 'enqueued_at')
        table.insert(out, {id, f[1], f[2], f[3], f[4], f[5], receives, receipt})
    end
end
return out
`)

// ackScript deletes a message if the receipt is still current and releases
// the next message of its group.
var ackScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local key = p .. 'msg:' .. id
if redis.call('HGET', key, 'receipt') ~= ARGV[3] then
    return 0
end
local group = redis.call('HGET', key, 'group')
redis.call('ZREM', p .. 'inflight', id)
redis.call('LREM', p .. 'group:' .. group, 1, id)
redis.call('DEL', key)
redis.call('DECR', p .. 'count')
local head = redis.call('LINDEX', p .. 'group:' .. group, 0)
if head then
    redis.call('ZADD', p .. 'ready', redis.call('HGET', p .. 'msg:' .. head, 'enqueued_at'), group)
end
return 1
`)

// NewRedisQueue creates a queue named name on client.
func NewRedisQueue(client *redis.Client, name string, opts RedisOptions, logger *slog.Logger) *RedisQueue {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.MaxReceiveCount <= 0 {
		opts.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}

	return &RedisQueue{
		client: client,
		name:   name,
		prefix: fmt.Sprintf("tq:{%s}:", name),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.name
}

// Enqueue stores msg unless its DedupKey was seen inside the dedup window.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.DedupKey == "" || msg.GroupKey == "" {
		return ErrMissingKeys
	}
	attrs, err := encodeAttributes(msg.Attributes)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	accepted, err := enqueueScript.Run(ctx, q.client, []string{q.prefix + "count"},
		q.prefix,
		id,
		msg.DedupKey,
		msg.GroupKey,
		string(msg.Body),
		attrs,
		q.now().UnixMilli(),
		q.opts.DedupWindow.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("enqueueing to %s: %w", q.name, err)
	}

	if accepted == 0 {
		q.logger.Debug("duplicate message absorbed",
			"queue", q.name,
			"dedup_key", msg.DedupKey,
			"tracking_id", msg.Attr(AttrTrackingID),
		)
	}
	return nil
}

// Receive returns up to max visible messages, waiting up to the configured
// wait time for one to appear.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	max = clampBatch(max)
	deadline := time.Now().Add(q.opts.WaitTime)

	for {
		msgs, err := q.receiveOnce(ctx, max)
		if err != nil {
			return nil, err
		}
		if err := q.drainExhausted(ctx); err != nil {
			q.logger.Warn("failed to drain exhausted messages", "queue", q.name, "error", err)
		}
		if len(msgs) > 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

func (q *RedisQueue) receiveOnce(ctx context.Context, max int) ([]Message, error) {
	raw, err := receiveScript.Run(ctx, q.client, []string{q.prefix + "ready"},
		q.prefix,
		q.now().UnixMilli(),
		q.opts.VisibilityTimeout.Milliseconds(),
		max,
		q.opts.MaxReceiveCount,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("receiving from %s: %w", q.name, err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		fields, ok := r.([]interface{})
		if !ok || len(fields) < 8 {
			continue
		}
		receives, _ := fields[6].(int64)
		msgs = append(msgs, Message{
			ID:            asString(fields[0]),
			Body:          []byte(asString(fields[1])),
			GroupKey:      asString(fields[2]),
			DedupKey:      asString(fields[3]),
			Attributes:    decodeAttributes(asString(fields[4])),
			EnqueuedAt:    parseMillis(asString(fields[5])),
			ReceiveCount:  int(receives),
			ReceiptHandle: asString(fields[7]),
		})
	}
	return msgs, nil
}

// Acknowledge removes a received message and releases its group.
func (q *RedisQueue) Acknowledge(ctx context.Context, msg Message) error {
	ok, err := ackScript.Run(ctx, q.client, []string{q.prefix + "msg:" + msg.ID},
		q.prefix,
		msg.ID,
		msg.ReceiptHandle,
	).Int64()
	if err != nil {
		return fmt.Errorf("acknowledging %s on %s: %w", msg.ID, q.name, err)
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// Depth returns the number of messages held, in flight, waiting or parked.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.Get(ctx, q.prefix+"count").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading depth of %s: %w", q.name, err)
	}
	return n, nil
}

// drainExhausted forwards exhausted messages to the dead-letter queue. A
// message is only deleted after the forward succeeds; a crash in between
// forwards it again and the dead-letter queue's dedup absorbs the repeat.
func (q *RedisQueue) drainExhausted(ctx context.Context) error {
	ids, err := q.client.LRange(ctx, q.prefix+"exhausted", 0, 99).Result()
	if err != nil {
		return fmt.Errorf("reading exhausted list: %w", err)
	}

	for _, id := range ids {
		if q.opts.DeadLetter == nil {
			if err := q.client.LMove(ctx, q.prefix+"exhausted", q.prefix+"parked", "LEFT", "RIGHT").Err(); err != nil {
				return fmt.Errorf("parking %s: %w", id, err)
			}
			q.logger.Warn("message exhausted receives with no dead-letter queue, parked",
				"queue", q.name,
				"message_id", id,
			)
			continue
		}

		fields, err := q.client.HGetAll(ctx, q.prefix+"msg:"+id).Result()
		if err != nil {
			return fmt.Errorf("reading exhausted message %s: %w", id, err)
		}

		if len(fields) > 0 {
			receives, _ := strconv.Atoi(fields["receives"])
			msg := Message{
				ID:           id,
				Body:         []byte(fields["body"]),
				GroupKey:     fields["group"],
				DedupKey:     fields["dedup"],
				Attributes:   decodeAttributes(fields["attrs"]),
				EnqueuedAt:   parseMillis(fields["enqueued_at"]),
				ReceiveCount: receives,
			}
			errMsg := fmt.Sprintf("not acknowledged after %d receives", receives)
			if err := q.opts.DeadLetter.Enqueue(ctx, NewDeadLetter(msg, ErrorTypeRedeliveryExhausted, errMsg, q.now())); err != nil {
				return fmt.Errorf("dead-lettering %s: %w", id, err)
			}
			q.logger.Warn("message exhausted receives, moved to dead-letter queue",
				"queue", q.name,
				"message_id", id,
				"tracking_id", msg.Attr(AttrTrackingID),
				"correlation_id", msg.Attr(AttrCorrelationID),
				"receives", receives,
			)
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.prefix+"exhausted", 1, id)
		if len(fields) > 0 {
			pipe.Del(ctx, q.prefix+"msg:"+id)
			pipe.Decr(ctx, q.prefix+"count")
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("removing exhausted %s: %w", id, err)
		}
	}
	return nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
