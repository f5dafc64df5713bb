package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, l Limiter, p Policy, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := l.Allow(context.Background(), p, key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter(t *testing.T) {
	m := NewMemory()
	assert.Equal(t, Login.Limit, drain(t, m, Login, "10.0.0.1", Login.Limit+5))

	// Keys and policies have separate buckets.
	assert.Equal(t, 1, drain(t, m, Login, "10.0.0.2", 1))
	assert.Equal(t, 1, drain(t, m, APIKey, "10.0.0.1", 1))
}

func TestMemoryLimiterRefills(t *testing.T) {
	m := NewMemory()
	p := Policy{Name: "fast", Limit: 2, Window: 100 * time.Millisecond}
	assert.Equal(t, 2, drain(t, m, p, "k", 3))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, drain(t, m, p, "k", 1))
}

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Unix(1_700_000_000, 0)
	r := NewRedis(client, "test")
	r.now = func() time.Time { return now }
	return r, mr, &now
}

func TestRedisFixedWindow(t *testing.T) {
	r, mr, now := newRedis(t)

	assert.Equal(t, ResetRequest.Limit, drain(t, r, ResetRequest, "1.2.3.4", ResetRequest.Limit+3))
	assert.Equal(t, 1, drain(t, r, ResetRequest, "5.6.7.8", 1))

	key := r.key(ResetRequest, "1.2.3.4")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, ResetRequest.Window, mr.TTL(key))

	*now = now.Add(ResetRequest.Window)
	assert.Equal(t, 1, drain(t, r, ResetRequest, "1.2.3.4", 1))
}

func TestRedisFailsOpen(t *testing.T) {
	r, mr, _ := newRedis(t)
	mr.Close()

	ok, err := r.Allow(context.Background(), Login, "1.2.3.4")
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestNewRedisFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedisFromURL(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))

	_, err = NewRedisFromURL(context.Background(), "not a url")
	assert.Error(t, err)
}
