// Package api exposes the engine over HTTP with gin.
//
// Client routes live under /v1 and authenticate with an HS256 bearer token
// whose subject is the client ID. Executor callbacks live under
// /v1/executor and authenticate with a shared key checked against a bcrypt
// hash.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rendiffdev/conductor/engine"
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng             *engine.Engine
	logger          *slog.Logger
	jwtSecret       []byte
	executorKeyHash []byte
	corsOrigins     []string
	keys            *keyCache
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for request logs.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithJWTSecret sets the HMAC secret client tokens are signed with.
func WithJWTSecret(secret []byte) Option {
	return func(a *API) { a.jwtSecret = secret }
}

// WithExecutorKeyHash sets the bcrypt hash of the executor key. Without it
// the executor routes are not mounted.
func WithExecutorKeyHash(hash string) Option {
	return func(a *API) { a.executorKeyHash = []byte(hash) }
}

// WithCORSOrigins sets the origins allowed to call the client routes from a
// browser.
func WithCORSOrigins(origins ...string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

// New creates an API from a Conductor Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:    eng,
		logger: slog.Default(),
		keys:   newKeyCache(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(a.logger))
	if len(a.corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  a.corsOrigins,
			AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", HeaderRequestID},
			ExposeHeaders: []string{HeaderRequestID},
			MaxAge:        12 * time.Hour,
		}))
	}
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all Conductor routes on r.
func (a *API) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", a.healthz)

	v1 := r.Group("/v1", a.clientAuth())
	a.registerJobRoutes(v1)
	a.registerBatchRoutes(v1)
	a.registerStatsRoutes(v1)
	v1.GET("/stream", a.stream)

	if len(a.executorKeyHash) > 0 {
		a.registerExecutorRoutes(r.Group("/v1/executor", a.executorAuth()))
	} else {
		a.logger.Warn("executor key hash not set; executor routes disabled")
	}
}

func (a *API) registerJobRoutes(g *gin.RouterGroup) {
	g.POST("/jobs", a.createJob)
	g.GET("/jobs", a.listJobs)
	g.GET("/jobs/:jobId", a.getJob)
	g.POST("/jobs/:jobId/cancel", a.cancelJob)
	g.DELETE("/jobs/:jobId", a.cancelJob)
	g.POST("/jobs/:jobId/retry", a.retryJob)
	g.GET("/jobs/:jobId/events", a.jobEvents)
}

func (a *API) registerBatchRoutes(g *gin.RouterGroup) {
	g.POST("/batches", a.createBatch)
	g.GET("/batches", a.listBatches)
	g.GET("/batches/:batchId", a.getBatch)
	g.PATCH("/batches/:batchId", a.updateBatch)
	g.POST("/batches/:batchId/cancel", a.cancelBatch)
	g.POST("/batches/:batchId/retry", a.retryBatch)
	g.GET("/batches/:batchId/progress", a.batchProgress)
	g.GET("/batches/:batchId/stats", a.batchStats)
	g.GET("/batches/:batchId/jobs", a.batchJobs)
}

func (a *API) registerStatsRoutes(g *gin.RouterGroup) {
	g.GET("/stats", a.stats)
	g.GET("/quota", a.quota)
}

func (a *API) registerExecutorRoutes(g *gin.RouterGroup) {
	g.POST("/jobs/:jobId/claim", a.claimJob)
	g.POST("/jobs/:jobId/progress", a.reportProgress)
	g.POST("/jobs/:jobId/complete", a.completeJob)
	g.POST("/jobs/:jobId/fail", a.failJob)
}
