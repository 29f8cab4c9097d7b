package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// EventType names a StreamEvents event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether t ends a stream.
func (t EventType) Terminal() bool { return t != EventProgress }

// Event is one update on a job stream.
type Event struct {
	Type      EventType  `json:"type"`
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	Progress  float64    `json:"progress"`
	Stage     string     `json:"stage,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// StreamEvents follows jobID. The channel yields a progress event whenever
// the percentage or stage changes, then exactly one terminal event, and is
// then closed. No event carries a lower percentage than one already sent. It is
// also closed when ctx is done. A missing job is reported synchronously.
func (s *Service) StreamEvents(ctx context.Context, jobID id.JobID) (<-chan Event, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go s.follow(ctx, j, out)
	return out, nil
}

func (s *Service) follow(ctx context.Context, j *job.Job, out chan<- Event) {
	defer close(out)

	lastPct, lastStage, sent := 0.0, "", false
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if t, ok := terminalType(j.Status); ok {
			s.send(ctx, out, s.event(t, j, max(j.Progress, lastPct)))
			return
		}
		if !sent || j.Progress > lastPct || j.Stage != lastStage {
			pct := j.Progress
			if pct < lastPct {
				pct = lastPct
			}
			if !s.send(ctx, out, s.event(EventProgress, j, pct)) {
				return
			}
			lastPct, lastStage, sent = pct, j.Stage, true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.store.GetJob(ctx, j.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream poll failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		j = next
	}
}

func (s *Service) event(t EventType, j *job.Job, pct float64) Event {
	return Event{
		Type:      t,
		JobID:     j.ID.String(),
		Status:    j.Status,
		Progress:  pct,
		Stage:     j.Stage,
		Error:     j.ErrorMessage,
		Timestamp: s.now().UTC(),
	}
}

func (s *Service) send(ctx context.Context, out chan<- Event, e Event) bool {
	select {
	case out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func terminalType(st job.Status) (EventType, bool) {
	switch st {
	case job.StatusCompleted:
		return EventCompleted, true
	case job.StatusFailed:
		return EventFailed, true
	case job.StatusCancelled:
		return EventCancelled, true
	}
	return "", false
}
