// Package ratelimit bounds brute-force attempts against the credential
// endpoints. Limits are per policy and per key (normally the client IP).
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"
)

// Policy is a request budget over a window.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	Login        = Policy{Name: "login", Limit: 10, Window: time.Minute}
	APIKey       = Policy{Name: "api_key", Limit: 20, Window: time.Minute}
	ResetRequest = Policy{Name: "password_reset", Limit: 5, Window: time.Hour}
)

// Limiter decides whether one more request under p is allowed for key.
// On backend errors implementations return true together with the error.
type Limiter interface {
	Allow(ctx context.Context, p Policy, key string) (bool, error)
}

// Memory is an in-process token-bucket limiter. Buckets refill at
// Limit/Window and hold at most Limit tokens.
type Memory struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{limiters: make(map[string]*rate.Limiter)}
}

func (m *Memory) getLimiter(p Policy, key string) *rate.Limiter {
	id := p.Name + ":" + key
	m.mu.RLock()
	limiter, exists := m.limiters[id]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		limiter, exists = m.limiters[id]
		if !exists {
			limiter = rate.NewLimiter(rate.Every(p.Window/time.Duration(p.Limit)), p.Limit)
			m.limiters[id] = limiter
		}
		m.mu.Unlock()
	}
	return limiter
}

func (m *Memory) Allow(_ context.Context, p Policy, key string) (bool, error) {
	return m.getLimiter(p, key).Allow(), nil
}

// Redis is a fixed-window counter shared by every instance using the same server.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// NewRedisFromURL connects to url (redis://...) and checks connectivity.
func NewRedisFromURL(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedis(client, ""), nil
}

func (r *Redis) key(p Policy, key string) string {
	window := r.now().Unix() / int64(p.Window/time.Second)
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, p.Name, key, strconv.FormatInt(window, 10))
}

func (r *Redis) Allow(ctx context.Context, p Policy, key string) (bool, error) {
	redisKey := r.key(p, key)

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, p.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}
	return incr.Val() <= int64(p.Limit), nil
}

// Ping checks the redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
