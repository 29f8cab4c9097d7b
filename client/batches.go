package client

import (
	"context"

	"github.com/rendiffdev/conductor/admission"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

// BatchProgress is a batch's live completion state.
type BatchProgress struct {
	BatchID string       `json:"batch_id"`
	Status  batch.Status `json:"status"`
	Percent float64      `json:"percent"`
	Counts  batch.Counts `json:"counts"`
}

// BatchStats summarises the outcome of a batch's children.
type BatchStats struct {
	BatchID              string       `json:"batch_id"`
	Status               batch.Status `json:"status"`
	Counts               batch.Counts `json:"counts"`
	SuccessRate          float64      `json:"success_rate"`
	AvgProcessingSeconds float64      `json:"avg_processing_seconds"`
	AvgVMAF              *float64     `json:"avg_vmaf,omitempty"`
	AvgPSNR              *float64     `json:"avg_psnr,omitempty"`
	AvgSSIM              *float64     `json:"avg_ssim,omitempty"`
	TotalOutputBytes     int64        `json:"total_output_bytes"`
}

type batchWithJobs struct {
	Batch   *batch.Batch `json:"batch"`
	Jobs    []*job.Job   `json:"jobs"`
	Retried []*job.Job   `json:"retried"`
}

// SubmitBatch submits a batch and returns it with its children.
func (c *Client) SubmitBatch(ctx context.Context, req admission.BatchRequest) (*batch.Batch, []*job.Job, error) {
	var out batchWithJobs
	resp, err := c.request(ctx).SetBody(req).SetResult(&out).Post("/v1/batches")
	if err := check("submit batch", resp, err); err != nil {
		return nil, nil, err
	}
	return out.Batch, out.Jobs, nil
}

// GetBatch retrieves a batch by ID.
func (c *Client) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	var out batch.Batch
	if err := c.batchCall(ctx, "get batch", "GET", "", batchID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBatches lists the caller's batches.
func (c *Client) ListBatches(ctx context.Context, opts ListOptions) ([]*batch.Batch, error) {
	var out []*batch.Batch
	resp, err := c.request(ctx).SetQueryParams(opts.params()).SetResult(&out).Get("/v1/batches")
	if err := check("list batches", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// BatchJobs lists the children of a batch.
func (c *Client) BatchJobs(ctx context.Context, batchID id.BatchID, opts ListOptions) ([]*job.Job, error) {
	var out []*job.Job
	resp, err := c.request(ctx).
		SetPathParam("batchId", batchID.String()).
		SetQueryParams(opts.params()).
		SetResult(&out).
		Get("/v1/batches/{batchId}/jobs")
	if err := check("list batch jobs", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBatch edits a non-terminal batch.
func (c *Client) UpdateBatch(ctx context.Context, batchID id.BatchID, u batch.Update) (*batch.Batch, error) {
	var out batch.Batch
	if err := c.batchCall(ctx, "update batch", "PATCH", "", batchID, u, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelBatch cancels a batch and its unfinished children.
func (c *Client) CancelBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	var out batch.Batch
	if err := c.batchCall(ctx, "cancel batch", "POST", "/cancel", batchID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RetryBatch requeues the failed children of a batch.
func (c *Client) RetryBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, []*job.Job, error) {
	var out batchWithJobs
	if err := c.batchCall(ctx, "retry batch", "POST", "/retry", batchID, nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Batch, out.Retried, nil
}

// BatchProgress returns the live progress of a batch.
func (c *Client) BatchProgress(ctx context.Context, batchID id.BatchID) (*BatchProgress, error) {
	var out BatchProgress
	if err := c.batchCall(ctx, "batch progress", "GET", "/progress", batchID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchStats returns outcome statistics for a batch.
func (c *Client) BatchStats(ctx context.Context, batchID id.BatchID) (*BatchStats, error) {
	var out BatchStats
	if err := c.batchCall(ctx, "batch stats", "GET", "/stats", batchID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) batchCall(ctx context.Context, op, method, suffix string, batchID id.BatchID, body, out any) error {
	r := c.request(ctx).
		SetPathParam("batchId", batchID.String()).
		SetResult(out)
	if body != nil {
		r.SetBody(body)
	}
	resp, err := r.Execute(method, "/v1/batches/{batchId}"+suffix)
	return check(op, resp, err)
}
