// Package dispatch routes a validated review batch either straight to the
// classifier or onto the job queue, one job per review.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/classifier"
	"sentiment-dispatcher/internal/models"
	"sentiment-dispatcher/internal/telemetry"
)

// TaskClassifyReview is the job name consumed by the worker.
const TaskClassifyReview = "classify_review"

// Classifier is the synchronous sentiment service.
type Classifier interface {
	Classify(ctx context.Context, items []models.ReviewItem) ([]classifier.Result, error)
}

// JobQueue is the subset of the queue the router produces into.
type JobQueue interface {
	Available() bool
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, task string, payload map[string]any, timeout time.Duration) (models.JobHandle, error)
}

// RecordWriter persists classification records.
type RecordWriter interface {
	InsertRecords(ctx context.Context, records []models.Record) (int, error)
}

// Options configures the routing rule.
type Options struct {
	// Threshold is the largest batch still sent synchronously.
	Threshold int
	// Concurrency bounds the per-review enqueue fan-out.
	Concurrency int
	// JobTimeout is recorded on every enqueued job.
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Decision is computed once per batch and never revisited.
type Decision struct {
	Mode   string
	Reason string
}

// Outcome is the uniform result of both dispatch paths.
type Outcome struct {
	Mode           string          `json:"mode"`
	Reason         string          `json:"reason"`
	ProcessedCount int             `json:"processed_count,omitempty"`
	QueuedCount    int             `json:"queued_count,omitempty"`
	SkippedCount   int             `json:"skipped_count,omitempty"`
	OrphanedJobs   []string        `json:"orphaned_jobs,omitempty"`
	TotalRows      int             `json:"total_rows"`
	Records        []models.Record `json:"-"`
	JobIDs         []string        `json:"job_ids,omitempty"`
}

// Router decides between synchronous and background dispatch.
type Router struct {
	classifier Classifier
	queue      JobQueue
	store      RecordWriter
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewRouter wires the router. queue may be nil when background dispatch is disabled.
func NewRouter(c Classifier, q JobQueue, st RecordWriter, opts Options) *Router {
	if opts.Threshold <= 0 {
		opts.Threshold = 1000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		classifier: c,
		queue:      q,
		store:      st,
		opts:       opts,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Decide applies the routing rule for a batch of n items.
func (r *Router) Decide(ctx context.Context, n int) Decision {
	if r.queue == nil || !r.queue.Available() {
		return Decision{Mode: models.ModeSynchronous, Reason: "job queue unavailable"}
	}
	if n <= r.opts.Threshold {
		return Decision{Mode: models.ModeSynchronous, Reason: fmt.Sprintf("batch of %d within threshold %d", n, r.opts.Threshold)}
	}
	if err := r.queue.Ping(ctx); err != nil {
		r.logger.Warn("job queue unreachable, forcing synchronous dispatch", "batch_size", n, "err", err)
		telemetry.DispatchErrors.WithLabelValues(string(apperr.KindQueueUnavailable)).Inc()
		return Decision{Mode: models.ModeSynchronous, Reason: "job queue unreachable"}
	}
	return Decision{Mode: models.ModeBackground, Reason: fmt.Sprintf("batch of %d exceeds threshold %d", n, r.opts.Threshold)}
}

// Dispatch validates the batch, routes it and persists what the chosen path produced.
func (r *Router) Dispatch(ctx context.Context, batch []models.ReviewItem) (Outcome, error) {
	if err := Validate(batch); err != nil {
		return Outcome{}, err
	}
	d := r.Decide(ctx, len(batch))
	var (
		out Outcome
		err error
	)
	if d.Mode == models.ModeBackground {
		out, err = r.dispatchBackground(ctx, batch)
	} else {
		out, err = r.dispatchSync(ctx, batch)
	}
	if err != nil {
		telemetry.DispatchErrors.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return Outcome{}, err
	}
	out.Mode = d.Mode
	out.Reason = d.Reason
	out.TotalRows = len(batch)
	telemetry.DispatchCounter.WithLabelValues(d.Mode).Inc()
	return out, nil
}

// Validate rejects batches that must never reach the classifier.
func Validate(batch []models.ReviewItem) error {
	if len(batch) == 0 {
		return apperr.Validation("No valid data found after removing empty rows")
	}
	for i, it := range batch {
		if strings.TrimSpace(it.Text) == "" || strings.TrimSpace(it.Label) == "" {
			return apperr.Validation("review %d is missing text or movie_name", i)
		}
	}
	return nil
}

func (r *Router) dispatchSync(ctx context.Context, batch []models.ReviewItem) (Outcome, error) {
	start := time.Now()
	results, err := r.classifier.Classify(ctx, batch)
	telemetry.ClassifierLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("classifier call failed", "batch_size", len(batch), "kind", apperr.KindOf(err), "err", err)
		return Outcome{}, err
	}
	if len(results) != len(batch) {
		r.logger.Warn("classifier result count differs from batch", "batch_size", len(batch), "results", len(results))
	}

	ts := r.now()
	records := make([]models.Record, 0, len(results))
	for i, res := range results {
		text := res.Text
		if text == "" && len(results) == len(batch) {
			text = batch[i].Text
		}
		c := res.Confidence
		records = append(records, models.Record{
			ID:             uuid.New().String(),
			Label:          res.Label,
			Text:           text,
			Sentiment:      res.Sentiment,
			Confidence:     &c,
			Status:         models.StatusSucceeded,
			Timestamp:      ts,
			ProcessingMode: models.ModeSynchronous,
		})
	}

	if _, err := r.store.InsertRecords(ctx, records); err != nil {
		r.logger.Error("classified results not persisted", "count", len(records), "err", err)
		return Outcome{}, &apperr.Error{
			Kind:    apperr.KindDispatchPersist,
			Message: "Results processed but failed to save to database",
			Detail:  err.Error(),
			Cause:   err,
		}
	}
	return Outcome{ProcessedCount: len(records), Records: records}, nil
}

func (r *Router) dispatchBackground(ctx context.Context, batch []models.ReviewItem) (Outcome, error) {
	var (
		mu       sync.Mutex
		records  = make([]*models.Record, len(batch))
		skipped  int
		orphaned []string
		lastErr  error
	)
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, item := range batch {
		i, item := i, item
		g.Go(func() error {
			rec, orphan, err := r.enqueueOne(ctx, item)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				records[i] = rec
			case orphan != "":
				orphaned = append(orphaned, orphan)
				lastErr = err
			default:
				skipped++
				lastErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	out := Outcome{SkippedCount: skipped, OrphanedJobs: orphaned}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		out.Records = append(out.Records, *rec)
		out.JobIDs = append(out.JobIDs, rec.JobID)
	}
	out.QueuedCount = len(out.Records)

	if out.QueuedCount == 0 {
		if len(orphaned) > 0 {
			return Outcome{}, &apperr.Error{
				Kind:    apperr.KindDispatchPersist,
				Message: "Jobs queued but pending results could not be saved",
				Detail:  strings.Join(orphaned, ","),
				Cause:   lastErr,
			}
		}
		return Outcome{}, apperr.Wrap(apperr.KindQueueUnavailable, "no reviews could be queued", lastErr)
	}
	if skipped > 0 || len(orphaned) > 0 {
		r.logger.Warn("batch partially queued", "queued", out.QueuedCount, "skipped", skipped, "orphaned", len(orphaned), "total", len(batch))
	}
	return out, nil
}

// enqueueOne enqueues a single review and writes its pending record. The two
// writes form one unit; a failed record write after a successful enqueue is
// reported as a reconciliation gap along with the orphaned job id.
func (r *Router) enqueueOne(ctx context.Context, item models.ReviewItem) (*models.Record, string, error) {
	recordID := uuid.New().String()
	h, err := r.queue.Enqueue(ctx, TaskClassifyReview, map[string]any{
		"record_id":  recordID,
		"text":       item.Text,
		"movie_name": item.Label,
	}, r.opts.JobTimeout)
	if err != nil {
		telemetry.EnqueueFailures.Inc()
		r.logger.Warn("enqueue failed, skipping review", "movie_name", item.Label, "err", err)
		return nil, "", err
	}
	telemetry.EnqueueCounter.Inc()

	rec := models.Record{
		ID:             recordID,
		Label:          item.Label,
		Text:           item.Text,
		Status:         models.StatusQueued,
		Timestamp:      r.now(),
		ProcessingMode: models.ModeBackground,
		JobID:          h.ID,
	}
	if _, err := r.store.InsertRecords(ctx, []models.Record{rec}); err != nil {
		telemetry.ReconciliationGaps.Inc()
		r.logger.Error("reconciliation gap: job queued but pending record not saved",
			"job_id", h.ID, "record_id", recordID, "movie_name", item.Label, "err", err)
		return nil, h.ID, &apperr.Error{
			Kind:    apperr.KindReconciliationGap,
			Message: "pending record not saved for job " + h.ID,
			Detail:  h.ID,
			Cause:   err,
		}
	}
	return &rec, "", nil
}
