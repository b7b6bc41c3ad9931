package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, 30*time.Second)
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "job-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 2 {
		t.Fatalf("expected depth 2 got %d err=%v", depth, err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != "job-1" {
		t.Fatalf("expected job-1 got %q err=%v", id, err)
	}
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	id, _ = q.DequeueWithLease(ctx)
	if id != "job-2" {
		t.Fatalf("expected job-2 got %q", id)
	}
	id, err = q.DequeueWithLease(ctx)
	if err != nil || id != "" {
		t.Fatalf("expected empty queue got %q err=%v", id, err)
	}
}

func TestEnqueueSkipsQueuedAndLeasedJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	_ = q.Enqueue(ctx, "job-1")
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("duplicate enqueue should be ignored, depth=%d", depth)
	}

	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1 got %q", id)
	}
	_ = q.Enqueue(ctx, "job-1")
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("leased job should not be re-queued, depth=%d", depth)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected job-1 got %q", id)
	}

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	if err != nil || len(ids) != 0 {
		t.Fatalf("lease should still be live, got %v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil || len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expected job-1 requeued got %v err=%v", ids, err)
	}
	if id, _ := q.DequeueWithLease(ctx); id != "job-1" {
		t.Fatalf("expected requeued job-1 got %q", id)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1")
	if err := q.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty queue, depth=%d", depth)
	}
	_ = q.Enqueue(ctx, "job-1")
	if depth, _ := q.ReadyDepth(ctx); depth != 1 {
		t.Fatalf("cancelled job should be enqueueable again, depth=%d", depth)
	}
}
