package daemon

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/driftsync/driftsync/internal/sync"
	"github.com/driftsync/driftsync/internal/version"
)

// SetupRoutes builds the control plane handler.
func (d *Daemon) SetupRoutes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(cors.Default())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(RateLimiter())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":     version.AppName,
			"version": version.Version,
		})
	})

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(d.cfg.AuthToken))
	{
		v1.GET("/status", d.handleStatus)
		v1.POST("/sync", d.handleSyncNow)

		v1Ops := v1.Group("/operations")
		{
			v1Ops.POST("", d.handleEnqueue)
			v1Ops.GET("/:id", d.handleGetOperation)
		}

		v1Conflicts := v1.Group("/conflicts")
		{
			v1Conflicts.GET("", d.handleListConflicts)
			v1Conflicts.POST("/:id/decision", d.handleDecision)
		}

		v1.GET("/history", d.handleHistory)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

func (d *Daemon) handleStatus(c *gin.Context) {
	status := d.pipeline.Status()
	status["uptime"] = humanize.Time(d.startedAt)
	c.JSON(http.StatusOK, status)
}

func (d *Daemon) handleSyncNow(c *gin.Context) {
	select {
	case d.syncNow <- struct{}{}:
		c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
	default:
		c.JSON(http.StatusConflict, gin.H{"error": "sync already scheduled"})
	}
}

type enqueueRequest struct {
	Type         string         `json:"type" binding:"required"`
	EntityKind   string         `json:"entityKind" binding:"required"`
	EntityID     string         `json:"entityId" binding:"required"`
	Payload      map[string]any `json:"payload"`
	Priority     string         `json:"priority"`
	Dependencies []string       `json:"dependencies"`
}

func (d *Daemon) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op := sync.NewOperation(sync.OpType(req.Type), req.EntityKind, req.EntityID, req.Payload)
	if req.Priority != "" {
		op.Priority = sync.ParsePriority(req.Priority)
	}
	for _, dep := range req.Dependencies {
		op.Dependencies.Add(dep)
	}

	if err := d.pipeline.Enqueue(op); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": op.ID})
}

func (d *Daemon) handleGetOperation(c *gin.Context) {
	op, status, ok := d.oplog.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "operation not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         op.ID,
		"type":       op.Type,
		"entityKind": op.EntityKind,
		"entityId":   op.EntityID,
		"priority":   op.Priority.String(),
		"status":     status,
		"retryCount": op.RetryCount,
		"createdAt":  op.CreatedAt,
		"age":        humanize.Time(op.CreatedAt),
	})
}

func (d *Daemon) handleListConflicts(c *gin.Context) {
	conflicts := d.pipeline.PendingConflicts()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(conflicts),
		"conflicts": conflicts,
	})
}

type decisionRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

func (d *Daemon) handleDecision(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := d.pipeline.ApplyManualDecision(c.Param("id"), sync.ResolutionStrategy(req.Strategy))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (d *Daemon) handleHistory(c *gin.Context) {
	history := d.resolver.History()
	c.JSON(http.StatusOK, gin.H{
		"records":         history.Records(),
		"successRate":     history.SuccessRate(),
		"averageDuration": history.AverageDuration().Round(time.Millisecond).String(),
	})
}
