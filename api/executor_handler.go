package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Executor callbacks are authorised by the shared key and by the worker
// token presented with each report. They are not scoped to a client.

func (a *API) claimJob(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	var req ClaimRequest
	if !a.bindJSON(c, &req) || !a.requireToken(c, req.WorkerToken) {
		return
	}
	j, err := a.eng.Notify().Claim(c.Request.Context(), jobID, req.WorkerToken)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) reportProgress(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	var req ProgressRequest
	if !a.bindJSON(c, &req) || !a.requireToken(c, req.WorkerToken) {
		return
	}
	j, err := a.eng.Notify().Progress(c.Request.Context(), jobID, req.WorkerToken, req.Progress)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) completeJob(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	var req CompleteRequest
	if !a.bindJSON(c, &req) || !a.requireToken(c, req.WorkerToken) {
		return
	}
	j, err := a.eng.Notify().Complete(c.Request.Context(), jobID, req.WorkerToken, req.Metrics)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) failJob(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	var req FailRequest
	if !a.bindJSON(c, &req) || !a.requireToken(c, req.WorkerToken) {
		return
	}
	if req.Message == "" {
		req.Message = "executor reported failure"
	}
	j, err := a.eng.Notify().Fail(c.Request.Context(), jobID, req.WorkerToken, req.Failure)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) requireToken(c *gin.Context, token string) bool {
	if token == "" {
		a.badRequest(c, "worker_token", "is required")
		return false
	}
	return true
}
