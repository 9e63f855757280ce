package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrel-edge/sentryd/internal/breaker"
	"github.com/kestrel-edge/sentryd/internal/metrics"
	"github.com/kestrel-edge/sentryd/internal/orchestrator"
)

// QueueDepther reports the persistent queue's current depth.
// telemetry.Client satisfies this.
type QueueDepther interface {
	QueueDepth(ctx context.Context) (int, error)
}

// Router exposes the read-mostly admin surface over a running supervisor:
// worker table, breaker state, queue depth, Prometheus metrics, and
// pause/resume controls.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/status
//	GET  {basePath}/metrics
//	POST {basePath}/workers/:name/pause
//	POST {basePath}/workers/:name/resume
type Router struct {
	orch     *orchestrator.Orchestrator
	breaker  *breaker.Breaker
	queue    QueueDepther
	basePath string
}

// NewRouter constructs a new Router with configurable basePath. queue may
// be nil, in which case status responses omit queue_depth.
func NewRouter(orch *orchestrator.Orchestrator, br *breaker.Breaker, queue QueueDepther, basePath string) *Router {
	bp := sanitizeBase(basePath)
	return &Router{orch: orch, breaker: br, queue: queue, basePath: bp}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.POST("/workers/:name/pause", r.handlePause)
	group.POST("/workers/:name/resume", r.handleResume)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, orch *orchestrator.Orchestrator, br *breaker.Breaker, queue QueueDepther) (*http.Server, error) {
	r := NewRouter(orch, br, queue, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv, nil
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type statusResp struct {
	Workers      []orchestrator.Snapshot `json:"workers"`
	BreakerState string                  `json:"breaker_state"`
	QueueDepth   int                     `json:"queue_depth"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{Workers: r.orch.Status()}
	if r.breaker != nil {
		resp.BreakerState = r.breaker.State().String()
	}
	if r.queue != nil {
		if depth, err := r.queue.QueueDepth(c.Request.Context()); err == nil {
			resp.QueueDepth = depth
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handlePause(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid worker name"})
		return
	}
	if err := r.orch.Pause(name); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResume(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid worker name"})
		return
	}
	if err := r.orch.Resume(name); err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}
