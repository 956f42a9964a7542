package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a sliding-window limiter in Redis, keyed by client group key.
// Each admitted call is a member of a sorted set scored by its time; one Lua
// call trims the window, counts and admits.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
	now         func() time.Time
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
else
    return 0
end
`)

// NewRateLimiter creates a limiter counting over window; 0 means one second.
func NewRateLimiter(redisClient *redis.Client, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		window:      window,
		now:         time.Now,
	}
}

func rlKey(groupKey string) string {
	return fmt.Sprintf("tracker:rl:%s", groupKey)
}

// Allow reports whether groupKey is still under limit calls per window.
// A limit of 0 or less disables limiting; Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, groupKey string, limit int) bool {
	if limit <= 0 {
		return true
	}

	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(groupKey)},
		rl.now().UnixMilli(), rl.window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "group_key", groupKey)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited",
			"group_key", groupKey,
			"limit", limit,
		)
		return false
	}

	return true
}
