// Package ratelimit throttles sensitive actions per key using Redis counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTimeout = 5 * time.Second

// Config captures the settings for establishing a Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Connect initialises a Redis client and validates connectivity with a ping.
// An empty address returns a nil client: throttling is then disabled.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Counter is the subset of the Redis client the window uses.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Window allows at most Limit hits per key within each fixed window.
// Key format: throttle:<key>
type Window struct {
	client Counter
	limit  int64
	window time.Duration
}

// NewWindow returns a fixed-window throttle. A nil client yields a nil *Window,
// which allows everything.
func NewWindow(client Counter, limit int, window time.Duration) *Window {
	if client == nil {
		return nil
	}
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Window{client: client, limit: int64(limit), window: window}
}

// Allow records a hit for key and reports whether it is within the limit.
func (w *Window) Allow(ctx context.Context, key string) (bool, error) {
	if w == nil {
		return true, nil
	}
	k := "throttle:" + key
	n, err := w.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("throttle incr: %w", err)
	}
	if n == 1 {
		if err := w.client.Expire(ctx, k, w.window).Err(); err != nil {
			return false, fmt.Errorf("throttle expire: %w", err)
		}
	}
	return n <= w.limit, nil
}
