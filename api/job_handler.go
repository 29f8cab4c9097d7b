package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendiffdev/conductor/job"
)

func (a *API) createJob(c *gin.Context) {
	var spec job.Spec
	if !a.bindJSON(c, &spec) {
		return
	}
	j, err := a.eng.Submit(c.Request.Context(), clientID(c), spec)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.Header("Location", "/v1/jobs/"+j.ID.String())
	c.JSON(http.StatusCreated, j)
}

func (a *API) listJobs(c *gin.Context) {
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

	jobs, err := a.eng.ListJobs(c.Request.Context(), clientID(c), job.ListOpts{
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

func (a *API) getJob(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	j, err := a.eng.GetJob(c.Request.Context(), clientID(c), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) cancelJob(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	j, err := a.eng.CancelJob(c.Request.Context(), clientID(c), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (a *API) retryJob(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	j, err := a.eng.RetryJob(c.Request.Context(), clientID(c), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

// jobEvents streams a job's progress as server-sent events until the job
// is terminal or the client goes away.
func (a *API) jobEvents(c *gin.Context) {
	jobID, ok := a.jobID(c)
	if !ok {
		return
	}
	events, err := a.eng.StreamJobEvents(c.Request.Context(), clientID(c), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(io.Writer) bool {
		e, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(e.Type), e)
		return !e.Type.Terminal()
	})
}
