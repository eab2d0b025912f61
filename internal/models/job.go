package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of a queue-owned job handle.
const (
	JobQueued   = "queued"
	JobStarted  = "started"
	JobDeferred = "deferred"
	JobFinished = "finished"
	JobFailed   = "failed"
)

// JobHandle is the queue's view of one background classification.
// The queue owns it; records only keep the ID.
type JobHandle struct {
	ID        string         `json:"job_id"`
	Task      string         `json:"task"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Attempts  int            `json:"attempts"`
	Timeout   time.Duration  `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Done reports whether the handle reached finished or failed.
func (h JobHandle) Done() bool {
	return h.Status == JobFinished || h.Status == JobFailed
}

// QueueStats are the queue-wide counters exposed to operators.
type QueueStats struct {
	Pending       int64 `json:"pending"`
	Started       int64 `json:"started"`
	Deferred      int64 `json:"deferred"`
	Failed        int64 `json:"failed"`
	Finished      int64 `json:"finished"`
	ActiveWorkers int64 `json:"active_workers"`
}
