package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
else
  local delta = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return allowed
`

// RedisLimiter keeps token buckets in Redis so replicas share one budget.
type RedisLimiter struct {
	client *redis.Client
	script *redis.Script
	cfg    Config
	prefix string
}

func NewRedisLimiter(client *redis.Client, cfg Config, prefix string) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		cfg:    cfg,
		prefix: prefix,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("ratelimit: empty key")
	}
	rate := r.cfg.perSecond()
	if rate <= 0 || r.cfg.BurstSize <= 0 {
		return false, errors.New("ratelimit: rate and burst must be positive")
	}
	ttl := bucketTTL(rate, r.cfg.BurstSize)
	n, err := r.script.Run(ctx, r.client, []string{r.prefix + key},
		rate, r.cfg.BurstSize, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// bucketTTL keeps a key around for twice the time a bucket takes to refill.
func bucketTTL(rate float64, burst int) time.Duration {
	secs := math.Ceil(float64(burst) / rate * 2)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
