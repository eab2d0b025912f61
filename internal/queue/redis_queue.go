package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/config"
	"sentiment-dispatcher/internal/models"
)

// RedisQueue stores job handles as hashes and coordinates ready, in-flight,
// scheduled, finished and failed registries in Redis.
type RedisQueue struct {
	client    *redis.Client
	prefix    string
	resultTTL time.Duration
	leaseTTL  time.Duration
	available atomic.Bool
}

// Options tunes a queue built around an existing client.
type Options struct {
	Name              string
	ResultTTL         time.Duration
	VisibilityTimeout time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, Options{
		Name:              cfg.QueueName,
		ResultTTL:         cfg.JobResultTTL,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
}

// NewWithClient wraps client. The queue reports unavailable until Probe succeeds.
func NewWithClient(client *redis.Client, opts Options) *RedisQueue {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.ResultTTL == 0 {
		opts.ResultTTL = 24 * time.Hour
	}
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	return &RedisQueue{
		client:    client,
		prefix:    "rq:" + opts.Name,
		resultTTL: opts.ResultTTL,
		leaseTTL:  opts.VisibilityTimeout,
	}
}

// Client exposes the underlying redis client for components sharing the connection.
func (q *RedisQueue) Client() *redis.Client { return q.client }

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) jobKey(id string) string { return q.prefix + ":job:" + id }
func (q *RedisQueue) readyKey() string        { return q.prefix + ":ready" }
func (q *RedisQueue) inflightKey() string     { return q.prefix + ":started" }
func (q *RedisQueue) scheduledKey() string    { return q.prefix + ":deferred" }
func (q *RedisQueue) finishedKey() string     { return q.prefix + ":finished" }
func (q *RedisQueue) failedKey() string       { return q.prefix + ":failed" }
func (q *RedisQueue) workersKey() string      { return q.prefix + ":workers" }

// Probe pings Redis once and records the outcome. Availability is sticky for the
// process lifetime; there is no reconnection loop.
func (q *RedisQueue) Probe(ctx context.Context) bool {
	ok := q.client.Ping(ctx).Err() == nil
	q.available.Store(ok)
	return ok
}

// Available reports the startup probe result.
func (q *RedisQueue) Available() bool { return q.available.Load() }

// Ping checks the transport right now without touching the sticky gate.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return apperr.Wrap(apperr.KindQueueUnavailable, "job queue "+op+" failed", err)
}

// Enqueue stores a new handle for task and pushes it onto the ready list.
// It never waits for the job to run.
func (q *RedisQueue) Enqueue(ctx context.Context, task string, payload map[string]any, timeout time.Duration) (models.JobHandle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.JobHandle{}, fmt.Errorf("marshal payload: %w", err)
	}
	h := models.JobHandle{
		ID:        uuid.New().String(),
		Task:      task,
		Status:    models.JobQueued,
		Payload:   payload,
		Timeout:   timeout,
		CreatedAt: time.Now().UTC(),
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(h.ID), map[string]any{
		"task":       task,
		"payload":    string(raw),
		"status":     h.Status,
		"attempts":   0,
		"timeout_ms": timeout.Milliseconds(),
		"created_at": h.CreatedAt.Format(time.RFC3339Nano),
	})
	pipe.RPush(ctx, q.readyKey(), h.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.JobHandle{}, unavailable("enqueue", err)
	}
	return h, nil
}

// Fetch re-reads the handle for id. Unknown or expired ids yield apperr.KindNotFound.
func (q *RedisQueue) Fetch(ctx context.Context, id string) (models.JobHandle, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.JobHandle{}, unavailable("fetch", err)
	}
	if len(fields) == 0 {
		return models.JobHandle{}, apperr.New(apperr.KindNotFound, "job "+id+" not found")
	}
	return decodeHandle(id, fields)
}

func decodeHandle(id string, f map[string]string) (models.JobHandle, error) {
	h := models.JobHandle{
		ID:     id,
		Task:   f["task"],
		Status: f["status"],
		Error:  f["error"],
	}
	h.Attempts, _ = strconv.Atoi(f["attempts"])
	if ms, err := strconv.ParseInt(f["timeout_ms"], 10, 64); err == nil {
		h.Timeout = time.Duration(ms) * time.Millisecond
	}
	if v := f["payload"]; v != "" {
		if err := json.Unmarshal([]byte(v), &h.Payload); err != nil {
			return models.JobHandle{}, fmt.Errorf("decode payload of job %s: %w", id, err)
		}
	}
	if v := f["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &h.Result); err != nil {
			return models.JobHandle{}, fmt.Errorf("decode result of job %s: %w", id, err)
		}
	}
	h.CreatedAt = parseTime(f["created_at"])
	if t := parseTime(f["started_at"]); !t.IsZero() {
		h.StartedAt = &t
	}
	if t := parseTime(f["ended_at"]); !t.IsZero() {
		h.EndedAt = &t
	}
	return h, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Stats reports registry sizes and the number of workers with a live heartbeat.
func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.readyKey())
	started := pipe.ZCard(ctx, q.inflightKey())
	deferred := pipe.ZCard(ctx, q.scheduledKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	finished := pipe.ZCard(ctx, q.finishedKey())
	workers := pipe.ZCount(ctx, q.workersKey(), "("+now, "+inf")
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, unavailable("stats", err)
	}
	return models.QueueStats{
		Pending:       pending.Val(),
		Started:       started.Val(),
		Deferred:      deferred.Val(),
		Failed:        failed.Val(),
		Finished:      finished.Val(),
		ActiveWorkers: workers.Val(),
	}, nil
}

// DequeueWithLease pops the next ready job and places it into the started registry
// with a visibility deadline.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey(), q.inflightKey()},
		time.Now().Add(q.leaseTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// MarkStarted records that a worker picked the job up.
func (q *RedisQueue) MarkStarted(ctx context.Context, jobID string, attempts int) error {
	return q.client.HSet(ctx, q.jobKey(jobID), map[string]any{
		"status":     models.JobStarted,
		"attempts":   attempts,
		"started_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Finish stores the job result and starts the retention clock on the handle.
func (q *RedisQueue) Finish(ctx context.Context, jobID string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"status":   models.JobFinished,
		"result":   string(raw),
		"error":    "",
		"ended_at": now.UTC().Format(time.RFC3339Nano),
	})
	pipe.PExpire(ctx, q.jobKey(jobID), q.resultTTL)
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZAdd(ctx, q.finishedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.ZRemRangeByScore(ctx, q.finishedKey(), "-inf", strconv.FormatInt(now.Add(-q.resultTTL).UnixMilli(), 10))
	_, err = pipe.Exec(ctx)
	return err
}

// Fail marks the job permanently failed.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"status":   models.JobFailed,
		"error":    reason,
		"ended_at": now.UTC().Format(time.RFC3339Nano),
	})
	pipe.PExpire(ctx, q.jobKey(jobID), q.resultTTL)
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.ZRemRangeByScore(ctx, q.failedKey(), "-inf", strconv.FormatInt(now.Add(-q.resultTTL).UnixMilli(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry moves a leased job into the deferred registry until runAt.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, runAt time.Time, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"status": models.JobDeferred,
		"error":  reason,
	})
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due deferred jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "status", models.JobQueued)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.HSet(ctx, q.jobKey(id), "status", models.JobQueued)
		pipe.RPush(ctx, q.readyKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Heartbeat registers workerID as alive for ttl and drops stale workers.
func (q *RedisQueue) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, q.workersKey(), redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: workerID})
	pipe.ZRemRangeByScore(ctx, q.workersKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// Deregister removes workerID from the presence registry on shutdown.
func (q *RedisQueue) Deregister(ctx context.Context, workerID string) error {
	return q.client.ZRem(ctx, q.workersKey(), workerID).Err()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
