package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	bucket.now = clock.Now

	d, err := bucket.Allow(ctx, "submit:tenant")
	if err != nil || !d.Allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", d.Allowed, err)
	}
	d, _ = bucket.Allow(ctx, "submit:tenant")
	if !d.Allowed {
		t.Fatalf("expected second token allowed")
	}
	d, _ = bucket.Allow(ctx, "submit:tenant")
	if d.Allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if d.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s got %v", d.RetryAfter)
	}

	// The script takes time from the caller, so advance the injected clock.
	clock.Advance(1500 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "submit:tenant")
	if !d.Allowed {
		t.Fatalf("expected token after refill")
	}
	if d.Remaining < 0.49 || d.Remaining > 0.51 {
		t.Fatalf("expected half a token left got %v", d.Remaining)
	}
}
