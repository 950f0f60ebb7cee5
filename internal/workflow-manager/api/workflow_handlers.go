package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
	"workflow-engine-service/internal/workflow-manager/services"
)

type WorkflowHandler struct {
	Workflow *services.WorkflowService
}

func NewWorkflowHandler(workflow *services.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{Workflow: workflow}
}

type CreateWorkItemRequest struct {
	TemplateID uint   `json:"template_id" vd:"$>0"`
	ClientID   uint   `json:"client_id" vd:"$>0"`
	StartDate  string `json:"start_date" vd:"len($)>0"`
	DueDate    string `json:"due_date,omitempty"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" vd:"len($)>0"`
}

type AddDependencyRequest struct {
	PredecessorID uint `json:"predecessor_id" vd:"$>0"`
}

type RunSchedulerRequest struct {
	Now string `json:"now,omitempty"`
}

func (h *WorkflowHandler) CreateWorkItem(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	var req CreateWorkItemRequest
	if !bindRequest(ctx, c, &req) {
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil || start == nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "start_date must be a YYYY-MM-DD date"})
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, utils.H{"error": "due_date must be a YYYY-MM-DD date"})
		return
	}

	work, err := h.Workflow.CreateWorkItem(ctx, services.CreateWorkItemRequest{
		FirmID:     firm,
		TemplateID: req.TemplateID,
		ClientID:   req.ClientID,
		StartDate:  *start,
		DueDate:    due,
		ActorID:    actorID(c),
	})
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusCreated, work)
}

func (h *WorkflowHandler) UpdateTaskStatus(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateTaskStatusRequest
	if !bindRequest(ctx, c, &req) {
		return
	}
	applied, err := h.Workflow.UpdateTaskStatus(ctx, firm, id, req.Status, actorID(c))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if applied == nil {
		applied = []services.AppliedAction{}
	}
	c.JSON(http.StatusOK, utils.H{"task_id": id, "status": req.Status, "applied_actions": applied})
}

func (h *WorkflowHandler) GetBlocked(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	blocked, preds, err := h.Workflow.IsBlocked(ctx, firm, id)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if preds == nil {
		preds = []wfDB.Task{}
	}
	c.JSON(http.StatusOK, utils.H{"task_id": id, "blocked": blocked, "incomplete_predecessors": preds})
}

func (h *WorkflowHandler) AddDependency(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req AddDependencyRequest
	if !bindRequest(ctx, c, &req) {
		return
	}
	if err := h.Workflow.AddDependency(ctx, firm, req.PredecessorID, id, actorID(c)); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusCreated, utils.H{"predecessor_id": req.PredecessorID, "successor_id": id})
}

func (h *WorkflowHandler) RemoveDependency(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	pred, ok := pathID(c, "predecessor")
	if !ok {
		return
	}
	if err := h.Workflow.RemoveDependency(ctx, firm, pred, id, actorID(c)); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Dependency removed"})
}

func (h *WorkflowHandler) ListOverdue(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	tasks, err := h.Workflow.OverdueTasks(ctx, firm)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if tasks == nil {
		tasks = []wfDB.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

// RunScheduler triggers a recurrence run. An optional "now" (RFC 3339 or YYYY-MM-DD) replays a
// specific evaluation time.
func (h *WorkflowHandler) RunScheduler(ctx context.Context, c *app.RequestContext) {
	now := h.Workflow.Now()
	if len(c.Request.Body()) > 0 {
		var req RunSchedulerRequest
		if !bindRequest(ctx, c, &req) {
			return
		}
		if req.Now != "" {
			t, err := time.Parse(time.RFC3339, req.Now)
			if err != nil {
				t, err = time.Parse(time.DateOnly, req.Now)
			}
			if err != nil {
				c.JSON(http.StatusBadRequest, utils.H{"error": "now must be RFC 3339 or YYYY-MM-DD"})
				return
			}
			now = t
		}
	}
	created, err := h.Workflow.RunScheduledRecurrence(ctx, now)
	if created == nil {
		created = []wfDB.WorkItem{}
	}
	resp := utils.H{"created": created, "count": len(created)}
	if err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}
