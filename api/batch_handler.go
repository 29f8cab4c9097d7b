package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendiffdev/conductor/admission"
	"github.com/rendiffdev/conductor/batch"
	"github.com/rendiffdev/conductor/job"
)

func (a *API) createBatch(c *gin.Context) {
	var req admission.BatchRequest
	if !a.bindJSON(c, &req) {
		return
	}
	b, children, err := a.eng.SubmitBatch(c.Request.Context(), clientID(c), req)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Location", "/v1/batches/"+b.ID.String())
	c.JSON(http.StatusCreated, CreateBatchResponse{Batch: b, Jobs: children})
}

func (a *API) listBatches(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		a.badRequest(c, "query", "%v", err)
		return
	}
	status := batch.Status(req.Status)
	switch status {
	case "", batch.StatusPending, batch.StatusProcessing,
		batch.StatusCompleted, batch.StatusFailed, batch.StatusCancelled:
	default:
		a.badRequest(c, "status", "unknown status %q", req.Status)
		return
	}

	batches, err := a.eng.ListBatches(c.Request.Context(), clientID(c), batch.ListOpts{
		Limit:  defaultLimit(req.Limit),
		Offset: req.Offset,
		Status: status,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, batches)
}

func (a *API) getBatch(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	b, err := a.eng.GetBatch(c.Request.Context(), clientID(c), batchID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (a *API) updateBatch(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	var u batch.Update
	if !a.bindJSON(c, &u) {
		return
	}
	b, err := a.eng.UpdateBatch(c.Request.Context(), clientID(c), batchID, u)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (a *API) cancelBatch(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	b, err := a.eng.CancelBatch(c.Request.Context(), clientID(c), batchID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (a *API) retryBatch(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	b, retried, err := a.eng.RetryBatch(c.Request.Context(), clientID(c), batchID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RetryBatchResponse{Batch: b, Retried: retried})
}

func (a *API) batchProgress(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	p, err := a.eng.BatchProgress(c.Request.Context(), clientID(c), batchID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (a *API) batchStats(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	s, err := a.eng.BatchStats(c.Request.Context(), clientID(c), batchID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *API) batchJobs(c *gin.Context) {
	batchID, ok := a.batchID(c)
	if !ok {
		return
	}
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		a.badRequest(c, "query", "%v", err)
		return
	}
	status := job.Status(req.Status)
	if status != "" && !status.Valid() {
		a.badRequest(c, "status", "unknown status %q", req.Status)
		return
	}
	jobs, err := a.eng.BatchJobs(c.Request.Context(), clientID(c), batchID, job.ListOpts{
		Limit:  defaultLimit(req.Limit),
		Offset: req.Offset,
		Status: status,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}
