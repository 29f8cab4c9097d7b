package job

import (
	"encoding/json"
	"time"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is admitted and waiting for an executor.
	StatusQueued Status = "queued"
	// StatusProcessing means an executor holds the claim.
	StatusProcessing Status = "processing"
	// StatusCompleted means the executor finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed. It may be retried.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled by its client.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is completed, failed or cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses lists the non-terminal statuses.
var ActiveStatuses = []Status{StatusQueued, StatusProcessing}

// Priority selects the queue tier a job is dispatched to.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Rank orders priorities; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// WebhookEvent names a lifecycle point a client can subscribe to.
type WebhookEvent string

const (
	WebhookQueued     WebhookEvent = "queued"
	WebhookProcessing WebhookEvent = "processing"
	WebhookComplete   WebhookEvent = "complete"
	WebhookError      WebhookEvent = "error"
)

// DefaultWebhookEvents is used when a webhook URL is given without an
// explicit subscription.
var DefaultWebhookEvents = []WebhookEvent{WebhookComplete, WebhookError}

// Valid reports whether e is a known webhook event.
func (e WebhookEvent) Valid() bool {
	switch e {
	case WebhookQueued, WebhookProcessing, WebhookComplete, WebhookError:
		return true
	}
	return false
}

// Metrics are the quality and output measurements reported at completion.
type Metrics struct {
	VMAF            *float64 `json:"vmaf,omitempty"`
	PSNR            *float64 `json:"psnr,omitempty"`
	SSIM            *float64 `json:"ssim,omitempty"`
	OutputSizeBytes int64    `json:"output_size_bytes,omitempty"`
}

// Progress is a single progress report from the claim owner.
type Progress struct {
	Percent    float64  `json:"percent"`
	Stage      string   `json:"stage,omitempty"`
	FPS        *float64 `json:"fps,omitempty"`
	ETASeconds *int64   `json:"eta_seconds,omitempty"`
}

// Failure describes why a job failed.
type Failure struct {
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Job is one unit of media work.
type Job struct {
	conductor.Entity

	ID            id.JobID        `json:"id"`
	BatchID       id.BatchID      `json:"batch_id,omitempty"`
	ClientID      string          `json:"client_id"`
	Status        Status          `json:"status"`
	Priority      Priority        `json:"priority"`
	InputRef      string          `json:"input_ref"`
	OutputRef     string          `json:"output_ref"`
	Operation     json.RawMessage `json:"operation,omitempty"`
	Progress      float64         `json:"progress"`
	Stage         string          `json:"stage,omitempty"`
	FPS           *float64        `json:"fps,omitempty"`
	ETASeconds    *int64          `json:"eta_seconds,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorDetail   json.RawMessage `json:"error_detail,omitempty"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	WorkerToken   string          `json:"-"`
	WebhookURL    string          `json:"webhook_url,omitempty"`
	WebhookEvents []WebhookEvent  `json:"webhook_events,omitempty"`
	Metrics       *Metrics        `json:"metrics,omitempty"`
	Version       int64           `json:"-"`
}

// Subscribed reports whether the job's webhook subscription includes e.
func (j *Job) Subscribed(e WebhookEvent) bool {
	if j.WebhookURL == "" {
		return false
	}
	for _, s := range j.WebhookEvents {
		if s == e {
			return true
		}
	}
	return false
}

// ProcessingTime is the time between claim and completion, or zero if the
// job never ran to an end.
func (j *Job) ProcessingTime() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Operation = cloneRaw(j.Operation)
	cp.ErrorDetail = cloneRaw(j.ErrorDetail)
	if j.WebhookEvents != nil {
		cp.WebhookEvents = append([]WebhookEvent(nil), j.WebhookEvents...)
	}
	if j.FPS != nil {
		v := *j.FPS
		cp.FPS = &v
	}
	if j.ETASeconds != nil {
		v := *j.ETASeconds
		cp.ETASeconds = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	if j.Metrics != nil {
		m := *j.Metrics
		cp.Metrics = &m
	}
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
