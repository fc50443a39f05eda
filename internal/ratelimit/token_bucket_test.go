package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, capacity, refill, time.Minute)
	clock := time.Now()
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 2, 1)

	allowed, err := bucket.Allow(ctx, "dispatch")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _ = bucket.Allow(ctx, "dispatch")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _ = bucket.Allow(ctx, "dispatch")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
}

func TestTakePartialGrantAndRefill(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 10, 5)

	granted, err := bucket.Take(ctx, "dispatch", 50)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if granted != 10 {
		t.Fatalf("expected full capacity granted, got %d", granted)
	}
	granted, _ = bucket.Take(ctx, "dispatch", 50)
	if granted != 0 {
		t.Fatalf("expected empty bucket, got %d", granted)
	}

	*clock = clock.Add(time.Second)
	granted, _ = bucket.Take(ctx, "dispatch", 50)
	if granted != 5 {
		t.Fatalf("expected 5 refilled tokens, got %d", granted)
	}
}

func TestTakeZero(t *testing.T) {
	bucket, _ := newBucket(t, 1, 1)
	granted, err := bucket.Take(context.Background(), "dispatch", 0)
	if err != nil || granted != 0 {
		t.Fatalf("expected no-op, got %d %v", granted, err)
	}
}

func TestReturnRestoresUnusedTokens(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newBucket(t, 10, 0)

	if granted, _ := bucket.Take(ctx, "dispatch", 10); granted != 10 {
		t.Fatalf("expected 10 granted, got %d", granted)
	}
	if err := bucket.Return(ctx, "dispatch", 7); err != nil {
		t.Fatalf("return: %v", err)
	}
	if granted, _ := bucket.Take(ctx, "dispatch", 10); granted != 7 {
		t.Fatalf("expected 7 returned tokens, got %d", granted)
	}
	if err := bucket.Return(ctx, "dispatch", 50); err != nil {
		t.Fatalf("return: %v", err)
	}
	if granted, _ := bucket.Take(ctx, "dispatch", 50); granted != 10 {
		t.Fatalf("return must not exceed capacity, got %d", granted)
	}
}
