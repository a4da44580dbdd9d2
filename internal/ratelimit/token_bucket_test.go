package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, def Policy) (*TokenBucket, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, def, time.Minute), mr
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, Policy{Capacity: 2, RefillPerSecond: 0.001})

	d, err := bucket.Allow(ctx, "catch-up", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 1, d.Remaining, 0.01)

	d, err = bucket.Allow(ctx, "catch-up", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.RetryAfter)

	d, err = bucket.Allow(ctx, "catch-up", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	// one token at 0.001/s takes up to 1000s to come back
	assert.Greater(t, d.RetryAfter, 900*time.Second)
	assert.LessOrEqual(t, d.RetryAfter, 1000*time.Second)

	// The script reads time from the caller, so refill cannot be driven with
	// miniredis.FastForward.
}

func TestTokenBucketRoutePolicies(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, Policy{Capacity: 3, RefillPerSecond: 1})
	bucket.WithRoute("catch-up", Policy{Capacity: 1, RefillPerSecond: 0})

	assert.Equal(t, Policy{Capacity: 1}, bucket.Policy("catch-up"))
	assert.Equal(t, Policy{Capacity: 3, RefillPerSecond: 1}, bucket.Policy("run"))

	d, err := bucket.Allow(ctx, "catch-up", "ops")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = bucket.Allow(ctx, "catch-up", "ops")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// the same caller keeps its own budget on other routes
	for i := 0; i < 3; i++ {
		d, err = bucket.Allow(ctx, "run", "ops")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "run call %d", i)
	}

	n, err := bucket.Rejected(ctx, "catch-up")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = bucket.Rejected(ctx, "run")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTokenBucketKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	bucket, mr := newBucket(t, Policy{Capacity: 1, RefillPerSecond: 0.001})

	d, err := bucket.Allow(ctx, "run", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = bucket.Allow(ctx, "run", "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	assert.True(t, mr.Exists("cob:rl:{run}:a"))
	assert.True(t, mr.Exists("cob:rl:{run}:b"))
	assert.False(t, mr.Exists("cob:rl:{run}:rejected"))
	assert.Greater(t, mr.TTL("cob:rl:{run}:a"), time.Duration(0))

	d, err = bucket.Allow(ctx, "run", "a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, mr.TTL("cob:rl:{run}:rejected"), time.Duration(0))
}

func TestBucketKey(t *testing.T) {
	bucket := NewTokenBucket(nil, Policy{}, time.Minute)
	assert.Equal(t, "cob:rl:{run}:anonymous", bucket.BucketKey("run", ""))
	assert.Equal(t, "cob:rl:{inline}:1.2.3.4", bucket.BucketKey("inline", "1.2.3.4"))
	assert.Equal(t, "cob:rl:{inline}:rejected", bucket.RejectsKey("inline"))
}

func TestParseRoute(t *testing.T) {
	route, p, err := ParseRoute(" catch-up = 1:0.5")
	require.NoError(t, err)
	assert.Equal(t, "catch-up", route)
	assert.Equal(t, Policy{Capacity: 1, RefillPerSecond: 0.5}, p)

	for _, bad := range []string{"catch-up", "=1:1", "run=1", "run=0:1", "run=x:1", "run=1:-1"} {
		_, _, err := ParseRoute(bad)
		assert.Error(t, err, bad)
	}
}
