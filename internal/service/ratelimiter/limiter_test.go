package ratelimiter

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, defaults BucketConfig) *PollLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewPollLimiter(rdb, defaults)
}

func TestAllow_NilLimiter_FailOpen(t *testing.T) {
	var limiter *PollLimiter

	allowed, retryAfter, err := limiter.Allow(context.Background(), "agent-1", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true for nil limiter")
	}
	if retryAfter != 0 {
		t.Fatalf("expected zero retryAfter, got %v", retryAfter)
	}
}

func TestAllow_ZeroDefaults_FailOpen(t *testing.T) {
	limiter := newTestLimiter(t, BucketConfig{})

	allowed, _, err := limiter.Allow(context.Background(), "agent-1", 1)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed to be true without a bucket config")
	}
}

func TestAllow_DefaultsApplyPerAgent(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, BucketConfig{Capacity: 2, RefillRate: 0.000001})

	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "agent-a", 1)
		if err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true on call %d", i)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "agent-a", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected agent-a to be denied once capacity exhausted")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retryAfter, got %v", retryAfter)
	}

	// Buckets are per agent: a different id still has a full budget.
	allowed, _, err = limiter.Allow(ctx, "agent-b", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected agent-b to have its own bucket")
	}
}

func TestAllow_OverrideBeatsDefaults(t *testing.T) {
	ctx := context.Background()
	limiter := newTestLimiter(t, BucketConfig{Capacity: 100, RefillRate: 1})
	limiter.SetBucketConfig("noisy", BucketConfig{Capacity: 1, RefillRate: 0.000001})

	allowed, _, err := limiter.Allow(ctx, "noisy", 1)
	if err != nil || !allowed {
		t.Fatalf("expected first call allowed, got allowed=%v err=%v", allowed, err)
	}
	allowed, _, err = limiter.Allow(ctx, "noisy", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected override capacity of 1 to deny the second call")
	}
}

func TestAllow_RedisDown_FailOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	limiter := NewPollLimiter(rdb, BucketConfig{Capacity: 1, RefillRate: 1})
	mr.Close()

	allowed, _, err := limiter.Allow(context.Background(), "agent-1", 1)
	if err == nil {
		t.Fatalf("expected a script error with redis down")
	}
	if !allowed {
		t.Fatalf("expected allowed=true when redis is unreachable")
	}
}

func TestNewBucketConfigFromPerMinute(t *testing.T) {
	cfg := NewBucketConfigFromPerMinute(30)
	if cfg.Capacity != 30 {
		t.Fatalf("expected capacity 30, got %d", cfg.Capacity)
	}
	if cfg.RefillRate != 0.5 {
		t.Fatalf("expected refill rate 0.5, got %f", cfg.RefillRate)
	}
	if zero := NewBucketConfigFromPerMinute(0); zero.Capacity != 0 {
		t.Fatalf("expected zero config for non-positive per-minute")
	}
}
