package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/procmesh/internal/cluster"
	"github.com/ChuLiYu/procmesh/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Node is the part of cluster.Manager the API reads from
type Node interface {
	NodeID() string
	GetLocalProcesses() []types.LocalProcessInfo
	GetGlobalInfo() types.GlobalInfo
	GetLeaderProcesses() []types.GlobalProcessInfo
	RequestProcess(ctx context.Context, name string, online bool) error
}

var _ Node = (*cluster.Manager)(nil)

// API serves the status and operations endpoints of one node
type API struct {
	node     Node
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewAPI creates a new API instance. A nil gatherer serves the default
// Prometheus registry on /metrics.
func NewAPI(node Node, gatherer prometheus.Gatherer, logger *slog.Logger) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		node:     node,
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
	}
}

// Router builds a gin engine with every route installed
func (a *API) Router() *gin.Engine {
	router := gin.New()
	// process names may contain escaped slashes
	router.UseRawPath = true
	router.Use(gin.Recovery(), a.requestLogger())
	a.SetupRoutes(router)
	return router
}

// SetupRoutes configures all API routes
func (a *API) SetupRoutes(router *gin.Engine) {
	// Status endpoints
	router.GET("/status/local", a.getLocal)
	router.GET("/status/global", a.getGlobal)
	router.GET("/status/leader", a.getLeader)

	// Process endpoints
	router.POST("/processes/:name/request", a.requestProcess)

	router.GET("/healthz", a.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
}

// ProcessRequest is the payload of POST /processes/:name/request
type ProcessRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// getLocal handles GET /status/local
func (a *API) getLocal(c *gin.Context) {
	procs := a.node.GetLocalProcesses()

	c.JSON(http.StatusOK, gin.H{
		"node_id":   a.node.NodeID(),
		"count":     len(procs),
		"processes": procs,
	})
}

// getGlobal handles GET /status/global
func (a *API) getGlobal(c *gin.Context) {
	c.JSON(http.StatusOK, a.node.GetGlobalInfo())
}

// getLeader handles GET /status/leader. The placement view is only
// authoritative when served by the leader.
func (a *API) getLeader(c *gin.Context) {
	info := a.node.GetGlobalInfo()
	procs := a.node.GetLeaderProcesses()

	c.JSON(http.StatusOK, gin.H{
		"node_id":       info.NodeID,
		"leader_id":     info.LeaderID,
		"authoritative": info.IsLeader,
		"count":         len(procs),
		"processes":     procs,
	})
}

// requestProcess handles POST /processes/:name/request
func (a *API) requestProcess(c *gin.Context) {
	name := c.Param("name")

	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := a.node.RequestProcess(c.Request.Context(), name, *req.Online)
	switch {
	case errors.Is(err, cluster.ErrUnknownProcess):
		c.JSON(http.StatusNotFound, gin.H{"error": "global process not found"})
		return
	case err != nil:
		a.logger.Warn("Process request failed", "process", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"process": name,
		"online":  *req.Online,
		"message": "request broadcast to the cluster",
	})
}

// healthCheck handles GET /healthz
func (a *API) healthCheck(c *gin.Context) {
	info := a.node.GetGlobalInfo()
	if info.ShuttingDown {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "shutting_down",
			"node":   info.NodeID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"node":      info.NodeID,
		"leader_id": info.LeaderID,
	})
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
