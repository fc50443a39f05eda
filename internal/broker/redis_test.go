package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisTransport(t *testing.T, opts RedisOptions) (*RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return NewRedisTransport(client, opts, zap.NewNop()), mr
}

func TestRedisLaneIsStablePerKey(t *testing.T) {
	tr, _ := newRedisTransport(t, RedisOptions{Lanes: 8})
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("entry-%d", i)
		if tr.Lane(key) != tr.Lane(key) {
			t.Fatalf("lane for %s not stable", key)
		}
		if l := tr.Lane(key); l < 0 || l >= 8 {
			t.Fatalf("lane %d out of range", l)
		}
	}
}

func TestRedisPublishSubscribePreservesKeyOrder(t *testing.T) {
	tr, _ := newRedisTransport(t, RedisOptions{Lanes: 4})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := tr.Publish(ctx, "jobs", "same-key", []byte(fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		_ = tr.Subscribe(ctx, "jobs", func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg.Body))
			if len(got) == 5 {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out, got %v", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, body := range got {
		if body != fmt.Sprintf("%d", i) {
			t.Fatalf("out of order delivery %v", got)
		}
	}
	depth, err := tr.Depth(context.Background(), "jobs")
	if err != nil || depth != 0 {
		t.Fatalf("expected drained lanes, depth=%d err=%v", depth, err)
	}
}

func TestRedisDeadLettersAfterMaxDeliveries(t *testing.T) {
	tr, _ := newRedisTransport(t, RedisOptions{Lanes: 1, MaxDeliveries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Publish(ctx, "jobs", "k", []byte(`{"jobType":"x"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var mu sync.Mutex
	attempts := 0
	go func() {
		_ = tr.Subscribe(ctx, "jobs", func(context.Context, Message) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("boom")
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		depth, _ := tr.Depth(context.Background(), DLQTopic("jobs"))
		if depth == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs, err := tr.Peek(context.Background(), DLQTopic("jobs"), 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Key != "k" || string(msgs[0].Body) != `{"jobType":"x"}` {
		t.Fatalf("expected verbatim message on dlq, got %+v", msgs)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected 3 deliveries before dead-lettering, got %d", attempts)
	}
}

func TestRedisRequeueExpiredLease(t *testing.T) {
	tr, _ := newRedisTransport(t, RedisOptions{Lanes: 1, Lease: time.Minute})
	ctx := context.Background()
	if err := tr.Publish(ctx, "jobs", "k", []byte("body")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, id, ok, err := tr.lease(ctx, "jobs", 0)
	if err != nil || !ok {
		t.Fatalf("lease: ok=%v err=%v", ok, err)
	}
	if msg.Deliveries != 1 {
		t.Fatalf("expected first delivery, got %d", msg.Deliveries)
	}

	moved, err := tr.RequeueExpired(ctx, "jobs", time.Now(), 10)
	if err != nil || len(moved) != 0 {
		t.Fatalf("lease still valid, moved=%v err=%v", moved, err)
	}
	moved, err = tr.RequeueExpired(ctx, "jobs", time.Now().Add(2*time.Minute), 10)
	if err != nil || len(moved) != 1 || moved[0] != id {
		t.Fatalf("expected expired lease requeued, moved=%v err=%v", moved, err)
	}
	again, _, ok, err := tr.lease(ctx, "jobs", 0)
	if err != nil || !ok || again.Deliveries != 2 || string(again.Body) != "body" {
		t.Fatalf("expected redelivery, got %+v ok=%v err=%v", again, ok, err)
	}
}

func TestDLQReprocessorRepublishesVerbatim(t *testing.T) {
	tr, _ := newRedisTransport(t, RedisOptions{Lanes: 2})
	ctx := context.Background()
	r := NewDLQReprocessor(tr, tr, "jobs", zap.NewNop())
	if err := r.Handle(ctx, Message{Topic: DLQTopic("jobs"), Key: "abc", Body: []byte("raw")}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	msgs, err := tr.Peek(ctx, "jobs", 5)
	if err != nil || len(msgs) != 1 || msgs[0].Key != "abc" || string(msgs[0].Body) != "raw" {
		t.Fatalf("expected republished message, got %+v err=%v", msgs, err)
	}
}
