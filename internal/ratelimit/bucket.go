// Package ratelimit throttles conversion uploads per client with a token
// bucket kept in Redis, so every gateway replica shares the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "pixelconvert:uploads"

// Decision is the outcome of a single Take call.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// Limiter is what the web gateway depends on.
type Limiter interface {
	Take(ctx context.Context, subject string) (Decision, error)
}

// takeScript refills the bucket for the time elapsed since the last take and
// spends one token if available. It returns {allowed, remaining, retry_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "updated_ms")
local tokens = tonumber(state[1]) or capacity
local updated = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - updated) * per_ms)

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "updated_ms", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens), wait}
`)

// UploadBucket allows Capacity uploads per Window for each subject.
type UploadBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMS     float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewUploadBucket(client redis.UniversalClient, capacity int, window time.Duration) (*UploadBucket, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive")
	}
	if window < time.Millisecond {
		return nil, fmt.Errorf("window must be at least 1ms")
	}

	return &UploadBucket{
		client:    client,
		capacity:  int64(capacity),
		perMS:     float64(capacity) / float64(window.Milliseconds()),
		ttl:       2 * window,
		keyPrefix: defaultKeyPrefix,
		now:       time.Now,
	}, nil
}

func (b *UploadBucket) Take(ctx context.Context, subject string) (Decision, error) {
	raw, err := takeScript.Run(
		ctx,
		b.client,
		[]string{b.key(subject)},
		b.capacity,
		b.perMS,
		b.now().UTC().UnixMilli(),
		b.ttl.Milliseconds(),
	).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("take upload token: %w", err)
	}
	return parseDecision(raw)
}

func (b *UploadBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return b.keyPrefix + ":" + subject
}

func parseDecision(raw any) (Decision, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected token bucket reply %v", raw)
	}

	var parsed [3]int64
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("token bucket reply field %d: %w", i, err)
		}
		parsed[i] = n
	}

	return Decision{
		Allowed:    parsed[0] == 1,
		Remaining:  parsed[1],
		RetryAfter: time.Duration(parsed[2]) * time.Millisecond,
	}, nil
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
