package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
	"github.com/rendiffdev/conductor/notify"
)

// ListOptions filters and pages list calls.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

func (o ListOptions) params() map[string]string {
	p := make(map[string]string, 3)
	if o.Status != "" {
		p["status"] = o.Status
	}
	if o.Limit > 0 {
		p["limit"] = strconv.Itoa(o.Limit)
	}
	if o.Offset > 0 {
		p["offset"] = strconv.Itoa(o.Offset)
	}
	return p
}

// Submit submits a job.
func (c *Client) Submit(ctx context.Context, spec job.Spec) (*job.Job, error) {
	var out job.Job
	resp, err := c.request(ctx).SetBody(spec).SetResult(&out).Post("/v1/jobs")
	if err := check("submit job", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob retrieves a job by ID.
func (c *Client) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.jobCall(ctx, "get job", "GET", "/v1/jobs/{jobId}", jobID)
}

// ListJobs lists the caller's jobs.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]*job.Job, error) {
	var out []*job.Job
	resp, err := c.request(ctx).SetQueryParams(opts.params()).SetResult(&out).Get("/v1/jobs")
	if err := check("list jobs", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelJob cancels a job.
func (c *Client) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.jobCall(ctx, "cancel job", "POST", "/v1/jobs/{jobId}/cancel", jobID)
}

// RetryJob returns a failed job to the queue.
func (c *Client) RetryJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return c.jobCall(ctx, "retry job", "POST", "/v1/jobs/{jobId}/retry", jobID)
}

func (c *Client) jobCall(ctx context.Context, op, method, path string, jobID id.JobID) (*job.Job, error) {
	var out job.Job
	resp, err := c.request(ctx).
		SetPathParam("jobId", jobID.String()).
		SetResult(&out).
		Execute(method, path)
	if err := check(op, resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events follows a job's server-sent event stream. The channel is closed
// after the terminal event, when the connection drops or when ctx is done.
func (c *Client) Events(ctx context.Context, jobID id.JobID) (<-chan notify.Event, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetError(&APIError{}).
		SetHeader("Accept", "text/event-stream").
		SetPathParam("jobId", jobID.String()).
		SetDoNotParseResponse(true).
		Get("/v1/jobs/{jobId}/events")
	if err != nil {
		return nil, fmt.Errorf("conductor/client: job events: %w", err)
	}
	body := resp.RawBody()
	if resp.IsError() {
		defer body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if derr := json.NewDecoder(body).Decode(apiErr); derr != nil {
			apiErr.Message = resp.Status()
		}
		return nil, apiErr
	}

	out := make(chan notify.Event, 16)
	go func() {
		defer close(out)
		defer body.Close()

		var data strings.Builder
		sc := bufio.NewScanner(body)
		for sc.Scan() {
			line := sc.Text()
			if rest, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimPrefix(rest, " "))
				continue
			}
			if line != "" || data.Len() == 0 {
				continue
			}
			var e notify.Event
			err := json.Unmarshal([]byte(data.String()), &e)
			data.Reset()
			if err != nil {
				c.logger.Warn("malformed job event", slog.String("error", err.Error()))
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if e.Type.Terminal() {
				return
			}
		}
	}()
	return out, nil
}
