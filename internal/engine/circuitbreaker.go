package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Circuit breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// DependencyEventStore is the breaker key guarding event store writes.
const DependencyEventStore = "event_store"

// ErrCircuitOpen is returned by Execute while the dependency's circuit is open.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreakerOptions tunes a CircuitBreaker. Zero fields take the defaults
// (5 failures, 30s cooldown).
type CircuitBreakerOptions struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// CircuitBreaker tracks the health of a downstream dependency in Redis so
// every worker process shares one view of it.
//
//   - Closed: calls pass; consecutive failures are counted.
//   - Open: calls are rejected until the cooldown has passed.
//   - Half-open: a single probe is let through per cooldown. Success closes
//     the circuit, failure opens it again.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitBreakerState is the current state of one dependency's circuit.
type CircuitBreakerState struct {
	Dependency   string `json:"dependency"`
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, opts CircuitBreakerOptions, logger *slog.Logger) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: opts.FailureThreshold,
		cooldownPeriod:   opts.Cooldown,
		now:              time.Now,
	}
}

func cbKey(dependency string) string {
	return fmt.Sprintf("tracker:cb:%s", dependency)
}

// allowScript decides admission atomically so concurrent workers cannot all
// take the half-open probe.
//
// Returns {state, allowed}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
    return {'closed', 1}
end

local lastFailed = tonumber(redis.call('HGET', key, 'last_failed_at') or '0')
local probeUntil = tonumber(redis.call('HGET', key, 'probe_until') or '0')

if state == 'open' then
    if now - lastFailed < cooldown then
        return {'open', 0}
    end
    redis.call('HSET', key, 'state', 'half-open', 'probe_until', now + cooldown)
    return {'half-open', 1}
end

-- half-open: a probe is already out until probe_until
if now < probeUntil then
    return {'half-open', 0}
end
redis.call('HSET', key, 'probe_until', now + cooldown)
return {'half-open', 1}
`)

// AllowRequest reports the dependency's state and whether a call may proceed.
// Redis errors fail open.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, dependency string) (string, bool) {
	res, err := allowScript.Run(ctx, cb.redisClient, []string{cbKey(dependency)},
		cb.now().UnixMilli(),
		cb.cooldownPeriod.Milliseconds(),
	).Slice()
	if err != nil || len(res) != 2 {
		if err != nil {
			cb.logger.Error("circuit breaker check failed", "dependency", dependency, "error", err)
		}
		return StateClosed, true
	}

	state, _ := res[0].(string)
	allowed, _ := res[1].(int64)
	if state == StateHalfOpen && allowed == 1 {
		cb.logger.Info("circuit breaker half-open, probing", "dependency", dependency)
	}
	return state, allowed == 1
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, dependency string) {
	key := cbKey(dependency)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	if state == StateClosed || state == "" {
		// Avoid a write per call on the hot path.
		failures, _ := cb.redisClient.HGet(ctx, key, "failures").Int()
		if failures == 0 {
			return
		}
	}

	cb.redisClient.HSet(ctx, key,
		"state", StateClosed,
		"failures", 0,
		"probe_until", 0,
	)

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "dependency", dependency)
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold or
// when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, dependency string) {
	key := cbKey(dependency)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "dependency", dependency, "error", err)
		return
	}

	cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().UnixMilli())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()

	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (probe failed)", "dependency", dependency)
	case state != StateOpen && failures >= int64(cb.failureThreshold):
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"dependency", dependency,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// Execute runs fn if the circuit admits it and records the outcome. A
// cancelled context is not held against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, dependency string, fn func(context.Context) error) error {
	if _, ok := cb.AllowRequest(ctx, dependency); !ok {
		return fmt.Errorf("%s: %w", dependency, ErrCircuitOpen)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess(ctx, dependency)
	case ctx.Err() != nil:
	default:
		cb.RecordFailure(ctx, dependency)
	}
	return err
}

// GetState returns the current state of a dependency's circuit.
func (cb *CircuitBreaker) GetState(ctx context.Context, dependency string) CircuitBreakerState {
	key := cbKey(dependency)
	result := CircuitBreakerState{Dependency: dependency, State: StateClosed}

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return result
	}

	result.Failures, _ = strconv.Atoi(data["failures"])
	if s := data["state"]; s != "" {
		result.State = s
	}

	lastFailed, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	if result.State == StateOpen && cb.now().UnixMilli()-lastFailed >= cb.cooldownPeriod.Milliseconds() {
		result.State = StateHalfOpen
	}
	if lastFailed > 0 {
		result.LastFailedAt = time.UnixMilli(lastFailed).UTC().Format(time.RFC3339)
	}

	return result
}
