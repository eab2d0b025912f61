package models

import (
	"time"
)

// Sentiment labels produced by the classifier.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
)

// Processing modes stamped on a record at dispatch time.
const (
	ModeSynchronous = "synchronous"
	ModeBackground  = "background"
)

// Record lifecycle states persisted in the result store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ReviewItem is one row of a validated batch. It is never persisted on its own.
type ReviewItem struct {
	Text  string `json:"text"`
	Label string `json:"movie_name"`
}

// Record is the durable classification result for a single review.
//
// A pending record (queued or running) carries a JobID and no sentiment.
// Once terminal, JobID is cleared and the record is never mutated again.
type Record struct {
	ID             string    `json:"id"`
	Label          string    `json:"movie_name"`
	Text           string    `json:"text,omitempty"`
	Sentiment      string    `json:"sentiment,omitempty"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessingMode string    `json:"processing_mode"`
	JobID          string    `json:"job_id,omitempty"`
}

// Pending reports whether the record still waits on a background job.
func (r Record) Pending() bool {
	return r.JobID != "" && (r.Status == StatusQueued || r.Status == StatusRunning)
}

// Terminal reports whether the record reached succeeded or failed.
func (r Record) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// ValidSentiment reports whether s is one of the two classifier labels.
func ValidSentiment(s string) bool {
	return s == SentimentPositive || s == SentimentNegative
}

// SentimentGroup is one (label, sentiment) bucket of the first aggregation stage.
type SentimentGroup struct {
	Label         string
	Sentiment     string
	Count         int64
	AvgConfidence float64
}

// StoreStats summarises the result store contents.
type StoreStats struct {
	Status          string           `json:"status"`
	TotalDocuments  int64            `json:"total_documents"`
	UniqueMovies    int64            `json:"unique_movies"`
	SentimentCounts map[string]int64 `json:"sentiment_distribution"`
	PendingCount    int64            `json:"pending_count"`
	FailedCount     int64            `json:"failed_count"`
	Error           string           `json:"error,omitempty"`
}
