package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/biomex/biomex/internal/config"
)

// takeScript performs the refill-then-spend atomically on the Redis side,
// so multiple API processes share one bucket without races. Timestamps are
// microseconds supplied by the caller; state expires after two full refill
// periods of inactivity.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = capacity
local last = now
local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
if state[1] then
  tokens = tonumber(state[1])
  last = tonumber(state[2])
end

local elapsed = math.max(0, now - last) / 1000000
tokens = math.min(capacity, tokens + elapsed * refill)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / refill * 2000))

return {allowed, tostring(tokens)}
`)

// RedisStore shares token buckets across processes through Redis. The
// caller decides what to do when Redis is unreachable; Take reports the
// error instead of guessing.
type RedisStore struct {
	rdb    redis.UniversalClient
	clock  clock.Clock
	prefix string
}

// NewRedisStore creates a store on an existing client. Keys are written
// under "ratelimit:".
func NewRedisStore(rdb redis.UniversalClient, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{rdb: rdb, clock: clk, prefix: "ratelimit:"}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, b config.Bucket, cost int) (Result, error) {
	now := s.clock.Now()

	vals, err := takeScript.Run(ctx, s.rdb, []string{s.prefix + key},
		b.Capacity, b.RefillPerSec, cost, now.UnixMicro()).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}

	allowed, ok := vals[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("unexpected allowed flag type %T", vals[0])
	}
	tokensStr, ok := vals[1].(string)
	if !ok {
		return Result{}, fmt.Errorf("unexpected tokens type %T", vals[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Result{}, fmt.Errorf("failed to parse remaining tokens: %w", err)
	}

	res := Result{
		Allowed:   allowed == 1,
		Limit:     b.Capacity,
		Remaining: int(tokens),
		ResetAt:   now.Add(secondsToDuration((float64(b.Capacity) - tokens) / b.RefillPerSec)),
	}
	if !res.Allowed {
		res.RetryAfter = secondsToDuration((float64(cost) - tokens) / b.RefillPerSec)
	}
	return res, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
