package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"workflow-engine-service/internal/workflow-manager/services"
)

type TemplateHandler struct {
	Store *services.TemplateStore
}

func NewTemplateHandler(store *services.TemplateStore) *TemplateHandler {
	return &TemplateHandler{Store: store}
}

func (h *TemplateHandler) CreateTemplate(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	var def services.TemplateDefinition
	if !bindRequest(ctx, c, &def) {
		return
	}
	def.FirmID = firm
	def.CreatedBy = actorID(c)

	tmpl, err := h.Store.Create(ctx, def)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if tmpl.RecurrenceRule != "" {
		hlog.CtxInfof(ctx, "Template ID %d created with recurrence rule '%s'", tmpl.ID, tmpl.RecurrenceRule)
	}
	c.JSON(http.StatusCreated, tmpl)
}

func (h *TemplateHandler) ListTemplates(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	templates, err := h.Store.List(ctx, firm)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusOK, templates)
}

func (h *TemplateHandler) GetTemplate(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tmpl, err := h.Store.Get(ctx, firm, id)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *TemplateHandler) UpdateTemplate(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var def services.TemplateDefinition
	if !bindRequest(ctx, c, &def) {
		return
	}
	def.FirmID = firm
	tmpl, err := h.Store.Update(ctx, id, def)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *TemplateHandler) DeleteTemplate(ctx context.Context, c *app.RequestContext) {
	firm, ok := firmID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.Store.Delete(ctx, firm, id); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(http.StatusOK, utils.H{"message": "Template deleted successfully"})
}
