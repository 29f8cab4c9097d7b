package client

import (
	"context"

	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// Claim records that the executor holding token has started jobID.
func (c *Client) Claim(ctx context.Context, jobID id.JobID, token string) (*job.Job, error) {
	return c.report(ctx, "claim", jobID, map[string]any{"worker_token": token})
}

// ReportProgress records a progress report for a claimed job.
func (c *Client) ReportProgress(ctx context.Context, jobID id.JobID, token string, p job.Progress) (*job.Job, error) {
	return c.report(ctx, "progress", jobID, struct {
		WorkerToken string `json:"worker_token"`
		job.Progress
	}{token, p})
}

// Complete finishes a claimed job.
func (c *Client) Complete(ctx context.Context, jobID id.JobID, token string, m *job.Metrics) (*job.Job, error) {
	return c.report(ctx, "complete", jobID, map[string]any{"worker_token": token, "metrics": m})
}

// Fail records an executor failure for a claimed job.
func (c *Client) Fail(ctx context.Context, jobID id.JobID, token string, f job.Failure) (*job.Job, error) {
	return c.report(ctx, "fail", jobID, struct {
		WorkerToken string `json:"worker_token"`
		job.Failure
	}{token, f})
}

func (c *Client) report(ctx context.Context, action string, jobID id.JobID, body any) (*job.Job, error) {
	var out job.Job
	resp, err := c.executorRequest(ctx).
		SetPathParam("jobId", jobID.String()).
		SetBody(body).
		SetResult(&out).
		Post("/v1/executor/jobs/{jobId}/" + action)
	if err := check(action+" job", resp, err); err != nil {
		return nil, err
	}
	return &out, nil
}
