package api

import (
	"github.com/gin-gonic/gin"

	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/id"
	"github.com/rendiffdev/conductor/job"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ListRequest is the query of the list endpoints.
type ListRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

func defaultLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

// ClaimRequest is the body of an executor claim.
type ClaimRequest struct {
	WorkerToken string `json:"worker_token"`
}

// ProgressRequest is the body of an executor progress report.
type ProgressRequest struct {
	WorkerToken string `json:"worker_token"`
	job.Progress
}

// CompleteRequest is the body of an executor completion report.
type CompleteRequest struct {
	WorkerToken string       `json:"worker_token"`
	Metrics     *job.Metrics `json:"metrics,omitempty"`
}

// FailRequest is the body of an executor failure report.
type FailRequest struct {
	WorkerToken string `json:"worker_token"`
	job.Failure
}

// RetryBatchResponse is returned by the batch retry endpoint.
type RetryBatchResponse struct {
	Batch   *batch.Batch `json:"batch"`
	Retried []*job.Job   `json:"retried"`
}

// CreateBatchResponse is returned by the batch submission endpoint.
type CreateBatchResponse struct {
	Batch *batch.Batch `json:"batch"`
	Jobs  []*job.Job   `json:"jobs"`
}

// StatsResponse carries the caller's job counts by status.
type StatsResponse struct {
	Jobs map[job.Status]int64 `json:"jobs"`
}

func (a *API) jobID(c *gin.Context) (id.JobID, bool) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		a.badRequest(c, "job_id", "invalid job ID: %v", err)
		return id.Nil, false
	}
	return jobID, true
}

func (a *API) batchID(c *gin.Context) (id.BatchID, bool) {
	batchID, err := id.ParseBatchID(c.Param("batchId"))
	if err != nil {
		a.badRequest(c, "batch_id", "invalid batch ID: %v", err)
		return id.Nil, false
	}
	return batchID, true
}

func (a *API) bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		a.badRequest(c, "body", "malformed request body: %v", err)
		return false
	}
	return true
}
