package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeCounter keeps counters in memory and records expirations.
type fakeCounter struct {
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.err != nil {
		cmd := redis.NewIntCmd(ctx)
		cmd.SetErr(f.err)
		return cmd
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.expires[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestWindow_Allow(t *testing.T) {
	fc := newFakeCounter()
	w := NewWindow(fc, 3, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		ok, err := w.Allow(ctx, "reset:sam@example.com")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if want := i <= 3; ok != want {
			t.Errorf("Allow #%d: got %v, want %v", i, ok, want)
		}
	}
	if got := fc.expires["throttle:reset:sam@example.com"]; got != time.Minute {
		t.Errorf("window expiry: got %v, want 1m", got)
	}
	if len(fc.expires) != 1 {
		t.Errorf("expire should be set once per window, keys: %v", fc.expires)
	}

	if ok, _ := w.Allow(ctx, "reset:other@example.com"); !ok {
		t.Error("keys must be throttled independently")
	}
}

func TestWindow_Errors(t *testing.T) {
	fc := newFakeCounter()
	fc.err = errors.New("connection refused")
	if _, err := NewWindow(fc, 1, time.Minute).Allow(context.Background(), "k"); err == nil {
		t.Error("expected error from failing counter")
	}
}

func TestWindow_NilAllowsAll(t *testing.T) {
	w := NewWindow(nil, 1, time.Minute)
	if w != nil {
		t.Fatal("nil client should yield a nil window")
	}
	for i := 0; i < 10; i++ {
		if ok, err := w.Allow(context.Background(), "k"); !ok || err != nil {
			t.Fatalf("nil window: got %v, %v", ok, err)
		}
	}
}

func TestNewWindow_Defaults(t *testing.T) {
	w := NewWindow(newFakeCounter(), 0, 0)
	if w.limit != 5 || w.window != 15*time.Minute {
		t.Errorf("defaults: limit=%d window=%v", w.limit, w.window)
	}
}

func TestConnect_EmptyAddr(t *testing.T) {
	c, err := Connect(context.Background(), Config{})
	if c != nil || err != nil {
		t.Errorf("empty addr: got %v, %v", c, err)
	}
}
