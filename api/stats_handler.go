package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

func (a *API) stats(c *gin.Context) {
	counts, err := a.eng.JobStats(c.Request.Context(), clientID(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{Jobs: counts})
}

func (a *API) quota(c *gin.Context) {
	q, err := a.eng.Quota(c.Request.Context(), clientID(c))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (a *API) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := a.eng.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
