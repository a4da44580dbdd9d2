package cob

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisGuard holds the catch-up marker in Redis so only one process in the
// cluster replays at a time. The marker expires after ttl unless refreshed.
type RedisGuard struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, jobName string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{
		client: client,
		key:    "cob:catch-up:" + jobName,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire sets the marker if absent.
func (g *RedisGuard) Acquire(ctx context.Context) (bool, error) {
	return g.client.SetNX(ctx, g.key, g.token, g.ttl).Result()
}

// Refresh extends the marker while this guard owns it.
func (g *RedisGuard) Refresh(ctx context.Context) error {
	return refreshScript.Run(ctx, g.client, []string{g.key}, g.token, g.ttl.Milliseconds()).Err()
}

// Release removes the marker if this guard still owns it.
func (g *RedisGuard) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, g.client, []string{g.key}, g.token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Held reports whether any process holds the marker.
func (g *RedisGuard) Held(ctx context.Context) (bool, error) {
	n, err := g.client.Exists(ctx, g.key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
