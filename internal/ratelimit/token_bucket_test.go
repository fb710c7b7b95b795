package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xihreaux01/pixel-art-platform/internal/clock"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, clk, 2, 1, time.Minute)

	d, err := bucket.Allow(ctx, "u1")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got %+v err=%v", d, err)
	}
	d, _ = bucket.Allow(ctx, "u1")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "u1")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Fatalf("unexpected retry after %v", d.RetryAfter)
	}

	other, _ := bucket.Allow(ctx, "u2")
	if !other.Allowed {
		t.Fatalf("buckets must be per user")
	}

	// the script takes time from the injected clock, so refill is deterministic
	clk.Advance(1500 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "u1")
	if !d.Allowed {
		t.Fatalf("expected token after refill")
	}
}
