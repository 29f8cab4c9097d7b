// Package stream publishes job and batch lifecycle events to in-process
// subscribers by topic.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobQueued    EventType = "job.queued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventJobRetried   EventType = "job.retried"

	EventBatchStarted  EventType = "batch.started"
	EventBatchFinished EventType = "batch.finished"
)

// Terminal reports whether t ends a job's event sequence.
func (t EventType) Terminal() bool {
	return t == EventJobCompleted || t == EventJobFailed || t == EventJobCancelled
}

// Event is what subscribers receive. Topic is the topic of the record the
// event describes; Data holds a JobEventData or BatchEventData.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID     string  `json:"job_id"`
	BatchID   string  `json:"batch_id,omitempty"`
	ClientID  string  `json:"client_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Stage     string  `json:"stage,omitempty"`
	ElapsedMs int64   `json:"elapsed_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// BatchEventData is the payload for batch lifecycle events.
type BatchEventData struct {
	BatchID       string `json:"batch_id"`
	ClientID      string `json:"client_id"`
	Status        string `json:"status"`
	TotalJobs     int    `json:"total_jobs"`
	CompletedJobs int    `json:"completed_jobs"`
	FailedJobs    int    `json:"failed_jobs"`
	CancelledJobs int    `json:"cancelled_jobs"`
	ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
	Message       string `json:"message,omitempty"`
}
