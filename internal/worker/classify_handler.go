package worker

import (
	"context"
	"strings"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/classifier"
	"sentiment-dispatcher/internal/models"
)

// Classifier is the sentiment service as seen by the worker.
type Classifier interface {
	Classify(ctx context.Context, items []models.ReviewItem) ([]classifier.Result, error)
}

// ClassifyHandler classifies the single review carried by a classify_review job.
type ClassifyHandler struct {
	client Classifier
}

func NewClassifyHandler(c Classifier) *ClassifyHandler {
	return &ClassifyHandler{client: c}
}

// Handle returns {sentiment, confidence, movie_name, record_id} for the job's review.
func (h *ClassifyHandler) Handle(ctx context.Context, job models.JobHandle) (map[string]any, error) {
	text, _ := job.Payload["text"].(string)
	label, _ := job.Payload["movie_name"].(string)
	if strings.TrimSpace(text) == "" || strings.TrimSpace(label) == "" {
		return nil, apperr.Validation("job %s payload is missing text or movie_name", job.ID)
	}
	results, err := h.client.Classify(ctx, []models.ReviewItem{{Text: text, Label: label}})
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, apperr.New(apperr.KindDispatchUpstream, "ML service returned an unexpected number of results")
	}
	res := results[0]
	out := map[string]any{
		"sentiment":  res.Sentiment,
		"confidence": res.Confidence,
		"movie_name": label,
	}
	if id, ok := job.Payload["record_id"].(string); ok {
		out["record_id"] = id
	}
	return out, nil
}
