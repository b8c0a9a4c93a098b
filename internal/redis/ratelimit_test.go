package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRequestLimiter_AllowsWithinLimit(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRequestLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  5,
		Window: time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "tenant-1")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRequestLimiter_BlocksOverLimit(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRequestLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := limiter.Allow(ctx, "tenant-1"); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}

	result, err := limiter.Allow(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("over-limit request failed: %v", err)
	}
	if result.Allowed {
		t.Error("request over the limit should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRequestLimiter_KeysAreIndependent(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	limiter := NewRequestLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  1,
		Window: time.Minute,
	})

	ctx := context.Background()
	if _, err := limiter.Allow(ctx, "tenant-1"); err != nil {
		t.Fatal(err)
	}

	result, err := limiter.Allow(ctx, "tenant-2")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Allowed {
		t.Error("another tenant's budget should be untouched")
	}
}
