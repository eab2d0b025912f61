package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewWithClient(client, Options{Name: "test", ResultTTL: time.Hour, VisibilityTimeout: time.Minute})
	return q, mr
}

func TestProbeIsSticky(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	if q.Available() {
		t.Fatalf("queue must be unavailable before probing")
	}
	if !q.Probe(ctx) || !q.Available() {
		t.Fatalf("expected probe to succeed")
	}
	mr.Close()
	if !q.Available() {
		t.Fatalf("availability is sticky after startup probe")
	}
	if err := q.Ping(ctx); !errors.Is(err, apperr.ErrQueueUnavailable) {
		t.Fatalf("expected queue unavailable from live ping, got %v", err)
	}
}

func TestEnqueueAndFetch(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, err := q.Enqueue(ctx, "classify_review", map[string]any{"text": "great film", "movie_name": "Nova"}, 5*time.Minute)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h.ID == "" || h.Status != models.JobQueued {
		t.Fatalf("unexpected handle %+v", h)
	}

	got, err := q.Fetch(ctx, h.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Task != "classify_review" || got.Status != models.JobQueued || got.Timeout != 5*time.Minute {
		t.Fatalf("unexpected fetched handle %+v", got)
	}
	if got.Payload["movie_name"] != "Nova" {
		t.Fatalf("payload not preserved: %+v", got.Payload)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("expected 1 pending, got %+v", stats)
	}
}

func TestFetchUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Fetch(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLifecycleFinish(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)

	h, _ := q.Enqueue(ctx, "classify_review", map[string]any{"text": "x"}, time.Minute)
	id, err := q.DequeueWithLease(ctx)
	if err != nil || id != h.ID {
		t.Fatalf("DequeueWithLease got %q,%v", id, err)
	}
	if err := q.MarkStarted(ctx, id, 1); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	started, _ := q.Fetch(ctx, id)
	if started.Status != models.JobStarted || started.StartedAt == nil || started.Attempts != 1 {
		t.Fatalf("unexpected started handle %+v", started)
	}

	if err := q.Finish(ctx, id, map[string]any{"sentiment": "positive", "confidence": 0.9}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	done, _ := q.Fetch(ctx, id)
	if done.Status != models.JobFinished || done.Result["sentiment"] != "positive" || done.EndedAt == nil {
		t.Fatalf("unexpected finished handle %+v", done)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 0 || stats.Started != 0 || stats.Finished != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := q.Fetch(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected expired handle to be not found, got %v", err)
	}
}

func TestRetryPromoteAndFail(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	h, _ := q.Enqueue(ctx, "classify_review", nil, time.Minute)
	id, _ := q.DequeueWithLease(ctx)

	runAt := time.Now().Add(-time.Second)
	if err := q.Retry(ctx, id, runAt, "upstream 500"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	deferred, _ := q.Fetch(ctx, h.ID)
	if deferred.Status != models.JobDeferred || deferred.Error != "upstream 500" {
		t.Fatalf("unexpected deferred handle %+v", deferred)
	}
	stats, _ := q.Stats(ctx)
	if stats.Deferred != 1 || stats.Started != 0 {
		t.Fatalf("unexpected stats after retry %+v", stats)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil || n != 1 {
		t.Fatalf("PromoteScheduled got %d,%v", n, err)
	}
	id, _ = q.DequeueWithLease(ctx)
	if id != h.ID {
		t.Fatalf("expected promoted job to be dequeued, got %q", id)
	}
	if err := q.Fail(ctx, id, "gave up"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	failed, _ := q.Fetch(ctx, h.ID)
	if failed.Status != models.JobFailed || failed.Error != "gave up" {
		t.Fatalf("unexpected failed handle %+v", failed)
	}
	stats, _ = q.Stats(ctx)
	if stats.Failed != 1 || stats.Deferred != 0 {
		t.Fatalf("unexpected stats after fail %+v", stats)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	h, _ := q.Enqueue(ctx, "classify_review", nil, time.Minute)
	if id, _ := q.DequeueWithLease(ctx); id != h.ID {
		t.Fatalf("dequeue mismatch")
	}
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil || len(ids) != 1 {
		t.Fatalf("RequeueExpired got %v,%v", ids, err)
	}
	depth, _ := q.ReadyDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected job back on ready list, depth=%d", depth)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	id, err := q.DequeueWithLease(context.Background())
	if err != nil || id != "" {
		t.Fatalf("expected empty dequeue, got %q,%v", id, err)
	}
}

func TestHeartbeatCountsWorkers(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	_ = q.Heartbeat(ctx, "w1", time.Minute)
	_ = q.Heartbeat(ctx, "w2", time.Minute)
	stats, _ := q.Stats(ctx)
	if stats.ActiveWorkers != 2 {
		t.Fatalf("expected 2 workers, got %d", stats.ActiveWorkers)
	}
	_ = q.Deregister(ctx, "w1")
	stats, _ = q.Stats(ctx)
	if stats.ActiveWorkers != 1 {
		t.Fatalf("expected 1 worker after deregister, got %d", stats.ActiveWorkers)
	}
}

func TestEnqueueFailsWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	mr.Close()
	if _, err := q.Enqueue(ctx, "classify_review", nil, time.Minute); !errors.Is(err, apperr.ErrQueueUnavailable) {
		t.Fatalf("expected queue unavailable, got %v", err)
	}
	if _, err := q.Stats(ctx); !errors.Is(err, apperr.ErrQueueUnavailable) {
		t.Fatalf("expected queue unavailable from stats, got %v", err)
	}
}
