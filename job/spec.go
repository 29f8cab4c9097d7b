package job

import (
	"encoding/json"
	"strings"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/id"
)

// Spec is a client's request for one unit of media work.
type Spec struct {
	InputRef      string          `json:"input_ref"`
	OutputRef     string          `json:"output_ref"`
	Operation     json.RawMessage `json:"operation,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	MaxRetries    *int            `json:"max_retries,omitempty"`
	WebhookURL    string          `json:"webhook_url,omitempty"`
	WebhookEvents []WebhookEvent  `json:"webhook_events,omitempty"`
}

// MaxRetryCeiling bounds the per-job retry ceiling a client may request.
const MaxRetryCeiling = 10

// Validate checks the structural fields of a spec. Network checks on the
// webhook URL are the admission controller's job.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.InputRef) == "" {
		return conductor.NewValidationError("input_ref", "is required")
	}
	if strings.TrimSpace(s.OutputRef) == "" {
		return conductor.NewValidationError("output_ref", "is required")
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return conductor.NewValidationError("priority", "unknown priority %q", s.Priority)
	}
	if s.MaxRetries != nil && (*s.MaxRetries < 0 || *s.MaxRetries > MaxRetryCeiling) {
		return conductor.NewValidationError("max_retries", "must be within 0..%d", MaxRetryCeiling)
	}
	if len(s.Operation) > 0 && !json.Valid(s.Operation) {
		return conductor.NewValidationError("operation", "must be valid JSON")
	}
	if s.WebhookURL == "" && len(s.WebhookEvents) > 0 {
		return conductor.NewValidationError("webhook_events", "require a webhook_url")
	}
	for _, e := range s.WebhookEvents {
		if !e.Valid() {
			return conductor.NewValidationError("webhook_events", "unknown event %q", e)
		}
	}
	return nil
}

// New builds a queued job for clientID from s. defaultRetries applies when
// s carries no retry ceiling.
func New(clientID string, s Spec, defaultRetries int) *Job {
	j := &Job{
		Entity:     conductor.NewEntity(),
		ID:         id.NewJobID(),
		ClientID:   clientID,
		Status:     StatusQueued,
		Priority:   s.Priority,
		InputRef:   s.InputRef,
		OutputRef:  s.OutputRef,
		Operation:  cloneRaw(s.Operation),
		MaxRetries: defaultRetries,
		WebhookURL: s.WebhookURL,
	}
	if j.Priority == "" {
		j.Priority = PriorityNormal
	}
	if s.MaxRetries != nil {
		j.MaxRetries = *s.MaxRetries
	}
	if s.WebhookURL != "" {
		events := s.WebhookEvents
		if len(events) == 0 {
			events = DefaultWebhookEvents
		}
		j.WebhookEvents = append([]WebhookEvent(nil), events...)
	}
	return j
}
