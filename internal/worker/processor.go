package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/config"
	"sentiment-dispatcher/internal/models"
	"sentiment-dispatcher/internal/queue"
	"sentiment-dispatcher/internal/telemetry"
)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[string]Handler
	workerID string
	logger   *slog.Logger
}

// Handler executes a job and returns the result stored on its handle.
type Handler func(ctx context.Context, job models.JobHandle) (map[string]any, error)

// NewProcessor creates a processor that reports presence as workerID.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger.With("worker_id", workerID),
	}
}

// RegisterHandler binds a handler to a task name.
func (p *Processor) RegisterHandler(task string, handler Handler) {
	if task == "" || handler == nil {
		return
	}
	p.handlers[task] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	go p.heartbeat(ctx)
	defer func() {
		_ = p.queue.Deregister(context.Background(), p.workerID)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Warn("worker iteration failed", "err", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) heartbeat(ctx context.Context) {
	ttl := p.cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		if err := p.queue.Heartbeat(ctx, p.workerID, ttl); err != nil && ctx.Err() == nil {
			p.logger.Warn("heartbeat failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne runs housekeeping and at most one job. It reports whether a job was taken.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		return false, fmt.Errorf("promote scheduled: %w", err)
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
		p.logger.Info("requeued expired leases", "count", len(reclaimed))
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.queue.Fetch(ctx, jobID)
	if errors.Is(err, apperr.ErrNotFound) {
		// Handle expired while the id sat in the ready list.
		_ = p.queue.Fail(ctx, jobID, "expired")
		return true, nil
	}
	if err != nil {
		return true, err
	}

	attempts := job.Attempts + 1
	if err := p.queue.MarkStarted(ctx, job.ID, attempts); err != nil {
		return true, fmt.Errorf("mark started: %w", err)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := p.runJob(ctx, job)
	if err == nil {
		if err := p.queue.Finish(ctx, job.ID, result); err != nil {
			return true, fmt.Errorf("finish job %s: %w", job.ID, err)
		}
		telemetry.WorkerSuccess.Inc()
		return true, nil
	}

	if attempts >= p.cfg.MaxAttempts || permanent(err) {
		p.logger.Error("job failed permanently", "job_id", job.ID, "task", job.Task, "attempts", attempts, "err", err)
		telemetry.WorkerDeadLetter.Inc()
		return true, p.queue.Fail(ctx, job.ID, failureReason(err))
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	p.logger.Warn("job failed, retry scheduled", "job_id", job.ID, "attempts", attempts, "next_run", nextRun.UTC().Format(time.RFC3339), "err", err)
	telemetry.WorkerFailures.Inc()
	return true, p.queue.Retry(ctx, job.ID, nextRun, failureReason(err))
}

func (p *Processor) runJob(ctx context.Context, job models.JobHandle) (map[string]any, error) {
	handler, ok := p.handlers[job.Task]
	if !ok {
		return nil, apperr.Validation("no handler registered for task %q", job.Task)
	}
	if job.Timeout > 0 {
		if job.Timeout > p.cfg.VisibilityTimeout/2 {
			_ = p.queue.ExtendLease(ctx, job.ID, job.Timeout+p.cfg.VisibilityTimeout/2)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	return handler(ctx, job)
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return apperr.KindOf(err) == apperr.KindValidation
}

func failureReason(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.Detail != "" {
			return ae.Message + ": " + ae.Detail
		}
		return ae.Message
	}
	return err.Error()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
