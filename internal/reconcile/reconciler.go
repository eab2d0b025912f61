// Package reconcile folds finished background jobs back into pending records at read time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
	"sentiment-dispatcher/internal/telemetry"
)

// ReasonExpired is recorded when the queue no longer knows the job.
const ReasonExpired = "expired"

// JobFetcher re-reads a job handle. Handles are never cached between passes.
type JobFetcher interface {
	Fetch(ctx context.Context, id string) (models.JobHandle, error)
}

// RecordUpdater applies the single pending to terminal transition. When the
// guarded update reports false, the stored record is re-read with GetRecord.
type RecordUpdater interface {
	CompleteRecord(ctx context.Context, id, sentiment string, confidence float64) (bool, error)
	FailRecord(ctx context.Context, id, reason string) (bool, error)
	GetRecord(ctx context.Context, id string) (models.Record, error)
}

// availability is implemented by fetchers with a sticky connectivity gate.
type availability interface {
	Available() bool
}

type Reconciler struct {
	jobs   JobFetcher
	store  RecordUpdater
	logger *slog.Logger
}

// New builds a reconciler. jobs may be nil when background dispatch is disabled,
// in which case pending records are returned untouched. The same holds when
// jobs reports itself unavailable.
func New(jobs JobFetcher, store RecordUpdater, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{jobs: jobs, store: store, logger: logger}
}

// Reconcile returns records with every pending entry whose job has settled
// replaced by its terminal form. Order and length are preserved. Records that
// are already terminal pass through unchanged.
func (r *Reconciler) Reconcile(ctx context.Context, records []models.Record) []models.Record {
	out := make([]models.Record, len(records))
	copy(out, records)
	if r.jobs == nil {
		return out
	}
	if a, ok := r.jobs.(availability); ok && !a.Available() {
		return out
	}
	for i, rec := range out {
		if !rec.Pending() {
			continue
		}
		out[i] = r.reconcileOne(ctx, rec)
	}
	return out
}

func (r *Reconciler) reconcileOne(ctx context.Context, rec models.Record) models.Record {
	h, err := r.jobs.Fetch(ctx, rec.JobID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return r.fail(ctx, rec, ReasonExpired)
	case err != nil:
		r.logger.Warn("job lookup failed, leaving record pending", "record_id", rec.ID, "job_id", rec.JobID, "err", err)
		return rec
	}

	switch h.Status {
	case models.JobFinished:
		sentiment, confidence, err := resultFields(h.Result)
		if err != nil {
			return r.fail(ctx, rec, err.Error())
		}
		return r.complete(ctx, rec, sentiment, confidence)
	case models.JobFailed:
		reason := h.Error
		if reason == "" {
			reason = "job failed"
		}
		return r.fail(ctx, rec, reason)
	default:
		return rec
	}
}

func (r *Reconciler) complete(ctx context.Context, rec models.Record, sentiment string, confidence float64) models.Record {
	applied, err := r.store.CompleteRecord(ctx, rec.ID, sentiment, confidence)
	if err != nil {
		r.logger.Error("could not persist reconciled result", "record_id", rec.ID, "job_id", rec.JobID, "err", err)
		return rec
	}
	if !applied {
		return r.stored(ctx, rec)
	}
	telemetry.ReconciledCounter.WithLabelValues(models.StatusSucceeded).Inc()
	rec.Sentiment = sentiment
	rec.Confidence = &confidence
	rec.Status = models.StatusSucceeded
	rec.Error = ""
	rec.ProcessingMode = models.ModeBackground
	rec.JobID = ""
	return rec
}

func (r *Reconciler) fail(ctx context.Context, rec models.Record, reason string) models.Record {
	applied, err := r.store.FailRecord(ctx, rec.ID, reason)
	if err != nil {
		r.logger.Error("could not persist failed record", "record_id", rec.ID, "job_id", rec.JobID, "err", err)
		return rec
	}
	if !applied {
		return r.stored(ctx, rec)
	}
	telemetry.ReconciledCounter.WithLabelValues(models.StatusFailed).Inc()
	r.logger.Info("background classification failed", "record_id", rec.ID, "job_id", rec.JobID, "reason", reason)
	rec.Sentiment = ""
	rec.Confidence = nil
	rec.Status = models.StatusFailed
	rec.Error = reason
	rec.ProcessingMode = models.ModeBackground
	rec.JobID = ""
	return rec
}

// stored returns the record as another reader settled it. If it cannot be
// re-read the pending copy is returned unchanged.
func (r *Reconciler) stored(ctx context.Context, rec models.Record) models.Record {
	cur, err := r.store.GetRecord(ctx, rec.ID)
	if err != nil {
		r.logger.Warn("could not re-read settled record", "record_id", rec.ID, "job_id", rec.JobID, "err", err)
		return rec
	}
	return cur
}

// resultFields extracts the classifier output the worker wrote into a finished handle.
func resultFields(result map[string]any) (string, float64, error) {
	sentiment, _ := result["sentiment"].(string)
	if !models.ValidSentiment(sentiment) {
		return "", 0, fmt.Errorf("invalid result: sentiment %q", sentiment)
	}
	var confidence float64
	switch v := result["confidence"].(type) {
	case float64:
		confidence = v
	case int:
		confidence = float64(v)
	default:
		return "", 0, fmt.Errorf("invalid result: confidence %v", result["confidence"])
	}
	if confidence < 0 || confidence > 1 {
		return "", 0, fmt.Errorf("invalid result: confidence %v out of range", confidence)
	}
	return sentiment, confidence, nil
}
