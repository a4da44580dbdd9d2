package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Policy sizes the bucket of one trigger route.
type Policy struct {
	Capacity        int
	RefillPerSecond float64
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket throttles job triggers with one token bucket per route and
// caller, kept in Redis so every API replica shares one budget. Routes
// without their own policy use the default one.
type TokenBucket struct {
	client *redis.Client
	def    Policy
	routes map[string]Policy
	ttl    time.Duration
	prefix string
}

// NewTokenBucket constructs a limiter whose routes share def until WithRoute
// overrides them.
func NewTokenBucket(client *redis.Client, def Policy, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client: client,
		def:    def,
		routes: make(map[string]Policy),
		ttl:    ttl,
		prefix: "cob:rl:",
	}
}

// WithRoute gives route its own capacity and refill rate.
func (b *TokenBucket) WithRoute(route string, p Policy) *TokenBucket {
	b.routes[route] = p
	return b
}

// Policy returns the policy applied to route.
func (b *TokenBucket) Policy(route string) Policy {
	if p, ok := b.routes[route]; ok {
		return p
	}
	return b.def
}

// BucketKey names the bucket of caller on route. The route is a hash tag so
// a route's buckets and its reject counter share one cluster slot.
func (b *TokenBucket) BucketKey(route, caller string) string {
	if caller == "" {
		caller = "anonymous"
	}
	return fmt.Sprintf("%s{%s}:%s", b.prefix, route, caller)
}

// RejectsKey names the counter of requests route turned away.
func (b *TokenBucket) RejectsKey(route string) string {
	return fmt.Sprintf("%s{%s}:rejected", b.prefix, route)
}

// Allow consumes a single token from caller's bucket on route if available.
// A rejected call reports how long until the next token, or until the bucket
// expires when the route never refills.
func (b *TokenBucket) Allow(ctx context.Context, route, caller string) (Decision, error) {
	p := b.Policy(route)
	keys := []string{b.BucketKey(route, caller), b.RejectsKey(route)}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, keys, p.Capacity, p.RefillPerSecond, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", route, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %T", route, res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(string)
	tokens, err := strconv.ParseFloat(remaining, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: tokens %q: %w", route, remaining, err)
	}
	retryMs, _ := arr[2].(int64)
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  tokens,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

// Rejected returns how many requests route has turned away within the ttl.
func (b *TokenBucket) Rejected(ctx context.Context, route string) (int64, error) {
	n, err := b.client.Get(ctx, b.RejectsKey(route)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// ParseRoute reads a "route=capacity:refill_per_sec" override.
func ParseRoute(entry string) (string, Policy, error) {
	route, spec, ok := strings.Cut(entry, "=")
	if !ok || strings.TrimSpace(route) == "" {
		return "", Policy{}, fmt.Errorf("rate limit route %q: want route=capacity:refill", entry)
	}
	capStr, refillStr, ok := strings.Cut(spec, ":")
	if !ok {
		return "", Policy{}, fmt.Errorf("rate limit route %q: want route=capacity:refill", entry)
	}
	capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
	if err != nil || capacity <= 0 {
		return "", Policy{}, fmt.Errorf("rate limit route %q: capacity must be a positive integer", entry)
	}
	refill, err := strconv.ParseFloat(strings.TrimSpace(refillStr), 64)
	if err != nil || refill < 0 {
		return "", Policy{}, fmt.Errorf("rate limit route %q: refill must be a non-negative number", entry)
	}
	return strings.TrimSpace(route), Policy{Capacity: capacity, RefillPerSecond: refill}, nil
}

// Tokens travel back as a string; Lua numbers would be truncated to integers.
var bucketScript = redis.NewScript(`
local bucket = KEYS[1]
local rejects = KEYS[2]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', bucket, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
local retry = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  if refill > 0 then
    retry = math.ceil((1 - tokens) / refill * 1000)
  else
    retry = ttl
  end
  redis.call('INCR', rejects)
  if ttl > 0 then redis.call('PEXPIRE', rejects, ttl) end
end

redis.call('HSET', bucket, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', bucket, ttl) end
return {allowed, tostring(tokens), retry}
`)
