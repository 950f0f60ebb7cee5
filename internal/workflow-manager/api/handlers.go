package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"workflow-engine-service/internal/workflow-manager/services"
)

const (
	HeaderFirmID  = "X-Firm-ID"
	HeaderActorID = "X-Actor-ID"
)

// RegisterRoutes mounts every engine endpoint on h.
func RegisterRoutes(h *server.Hertz, templates *TemplateHandler, workflow *WorkflowHandler) {
	templateGroup := h.Group("/templates")
	{
		templateGroup.POST("", templates.CreateTemplate)
		templateGroup.GET("", templates.ListTemplates)
		templateGroup.GET("/:id", templates.GetTemplate)
		templateGroup.PUT("/:id", templates.UpdateTemplate)
		templateGroup.DELETE("/:id", templates.DeleteTemplate)
	}
	h.POST("/work-items", workflow.CreateWorkItem)
	taskGroup := h.Group("/tasks")
	{
		taskGroup.PUT("/:id/status", workflow.UpdateTaskStatus)
		taskGroup.GET("/:id/blocked", workflow.GetBlocked)
		taskGroup.POST("/:id/dependencies", workflow.AddDependency)
		taskGroup.DELETE("/:id/dependencies/:predecessor", workflow.RemoveDependency)
	}
	h.GET("/overdue-tasks", workflow.ListOverdue)
	h.POST("/admin/scheduler/run", workflow.RunScheduler)

	h.GET("/metrics", adaptor.HertzHandler(promhttp.Handler()))
	h.GET("/ping", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, utils.H{"message": "pong"})
	})
}

func firmID(c *app.RequestContext) (uint, bool) {
	id, err := strconv.ParseUint(string(c.GetHeader(HeaderFirmID)), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Missing or invalid " + HeaderFirmID + " header"})
		return 0, false
	}
	return uint(id), true
}

func actorID(c *app.RequestContext) uint {
	id, _ := strconv.ParseUint(string(c.GetHeader(HeaderActorID)), 10, 32)
	return uint(id)
}

func pathID(c *app.RequestContext, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid ID format"})
		return 0, false
	}
	return uint(id), true
}

// bindRequest binds the body into req and runs its vd rules.
func bindRequest(ctx context.Context, c *app.RequestContext, req interface{}) bool {
	if err := c.Bind(req); err != nil {
		hlog.CtxWarnf(ctx, "Bind failed for %s: %v", c.FullPath(), err)
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request format: " + err.Error()})
		return false
	}
	if err := c.Validate(req); err != nil {
		hlog.CtxWarnf(ctx, "Validation failed for %s: %v, request: %+v", c.FullPath(), err, req)
		c.JSON(http.StatusBadRequest, utils.H{"error": "Invalid request payload: " + err.Error()})
		return false
	}
	return true
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// writeError maps engine errors to HTTP responses.
func writeError(ctx context.Context, c *app.RequestContext, err error) {
	var blocked *services.BlockedError
	var cascade *services.CascadeError
	switch {
	case errors.As(err, &blocked):
		c.JSON(http.StatusConflict, utils.H{"error": err.Error(), "blocked_by": blocked.Predecessors})
	case errors.As(err, &cascade):
		c.JSON(http.StatusUnprocessableEntity, utils.H{"error": err.Error(), "applied": cascade.Applied})
	case errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrClientNotFound),
		errors.Is(err, services.ErrWrongFirm):
		c.JSON(http.StatusNotFound, utils.H{"error": err.Error()})
	case errors.Is(err, services.ErrStatusConflict),
		errors.Is(err, services.ErrConcurrentRun):
		c.JSON(http.StatusConflict, utils.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidTemplate),
		errors.Is(err, services.ErrInvalidDueDateRule),
		errors.Is(err, services.ErrUnknownRecurrenceRule),
		errors.Is(err, services.ErrUnknownStatus),
		errors.Is(err, services.ErrStartDateRequired),
		errors.Is(err, services.ErrDependencyCycle):
		c.JSON(http.StatusBadRequest, utils.H{"error": err.Error()})
	default:
		hlog.CtxErrorf(ctx, "Unhandled error: %v", err)
		c.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
	}
}
