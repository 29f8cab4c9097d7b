package batch

import (
	"fmt"

	"github.com/rendiffdev/conductor"
	"github.com/rendiffdev/conductor/job"
)

// Counts is a tally of a batch's children by status.
type Counts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Terminal is the number of children in a terminal status.
func (c Counts) Terminal() int { return c.Completed + c.Failed + c.Cancelled }

// Done reports whether every child is terminal.
func (c Counts) Done() bool { return c.Total > 0 && c.Terminal() == c.Total }

// Tally counts jobs by status. Running counts processing children.
func Tally(jobs []*job.Job) Counts {
	c := Counts{Total: len(jobs)}
	for _, j := range jobs {
		switch j.Status {
		case job.StatusQueued:
			c.Queued++
		case job.StatusProcessing:
			c.Running++
		case job.StatusCompleted:
			c.Completed++
		case job.StatusFailed:
			c.Failed++
		case job.StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// Resolve derives the terminal status of a batch whose children are all
// terminal: all completed is COMPLETED, none completed is FAILED, and a
// mix is COMPLETED with a degraded message. Cancelled children count as
// unsuccessful. Resolve returns false when children are still running.
func Resolve(c Counts) (Status, string, bool) {
	if !c.Done() {
		return "", "", false
	}
	unsuccessful := c.Failed + c.Cancelled
	switch {
	case unsuccessful == 0:
		return StatusCompleted, "", true
	case c.Completed == 0:
		return StatusFailed, fmt.Sprintf("all %d jobs failed", c.Total), true
	default:
		return StatusCompleted, fmt.Sprintf("%d of %d jobs failed", unsuccessful, c.Total), true
	}
}

func fmtRetryCeiling(b *Batch) error {
	return fmt.Errorf("%w: %w: batch %s used %d of %d retries",
		conductor.ErrValidation, conductor.ErrBatchRetryExhausted, b.ID, b.RetryCount, b.MaxRetries)
}
