package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildsvc/guild"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/scheduler"
	"go.uber.org/zap"
)

// AdminHandler handles operator-only REST endpoints.
// Routes should be protected by the AdminKey middleware.
type AdminHandler struct {
	svc    *guild.Service
	exec   *guild.Executor
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc *guild.Service, exec *guild.Executor, sched *scheduler.Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, exec: exec, sched: sched, logger: logger}
}

// Register mounts the admin routes on a protected group.
func (h *AdminHandler) Register(admin *gin.RouterGroup) {
	admin.PUT("/guilds/:id/frozen", h.SetFrozen)
	admin.PUT("/guilds/:id/level", h.SetLevel)
	admin.PUT("/guilds/:id/max_members", h.SetMaxMembers)
	admin.PUT("/guilds/:id/banner", h.SetBanner)
	admin.PUT("/relations/:rid/status", h.SetRelationStatus)
	admin.DELETE("/relations/:rid", h.DeleteRelation)
	admin.GET("/scheduler", h.ListSchedulerTasks)
	admin.POST("/scheduler/:name/run", h.RunTask)
}

func (h *AdminHandler) apply(c *gin.Context, name string, op func(context.Context) error) {
	if err := h.exec.Do(c.Request.Context(), name, op); err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("admin action", zap.String("op", name), zap.String("path", c.Request.URL.Path))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// SetFrozen freezes or unfreezes a guild.
// PUT /api/admin/guilds/:id/frozen
func (h *AdminHandler) SetFrozen(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Frozen *bool `json:"frozen" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.apply(c, "admin.set_frozen", func(ctx context.Context) error {
		return h.svc.SetFrozen(ctx, id, *req.Frozen)
	})
}

// SetLevel changes a guild's level.
// PUT /api/admin/guilds/:id/level
func (h *AdminHandler) SetLevel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Level int `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.apply(c, "admin.set_level", func(ctx context.Context) error {
		return h.svc.SetLevel(ctx, id, req.Level)
	})
}

// SetMaxMembers changes a guild's capacity.
// PUT /api/admin/guilds/:id/max_members
func (h *AdminHandler) SetMaxMembers(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		MaxMembers int `json:"max_members" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.apply(c, "admin.set_max_members", func(ctx context.Context) error {
		return h.svc.SetMaxMembers(ctx, id, req.MaxMembers)
	})
}

// SetBanner replaces a guild's banner.
// PUT /api/admin/guilds/:id/banner
func (h *AdminHandler) SetBanner(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Data string          `json:"data"`
		Doc  json.RawMessage `json:"doc"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.apply(c, "admin.set_banner", func(ctx context.Context) error {
		return h.svc.SetBanner(ctx, id, req.Data, req.Doc)
	})
}

// SetRelationStatus forces a relation into a status.
// PUT /api/admin/relations/:rid/status
func (h *AdminHandler) SetRelationStatus(c *gin.Context) {
	rid, ok := paramID(c, "rid")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.apply(c, "admin.set_relation_status", func(ctx context.Context) error {
		return h.svc.SetRelationStatus(ctx, rid, model.RelationStatus(req.Status))
	})
}

// DeleteRelation removes a relation row.
// DELETE /api/admin/relations/:rid
func (h *AdminHandler) DeleteRelation(c *gin.Context) {
	rid, ok := paramID(c, "rid")
	if !ok {
		return
	}
	h.apply(c, "admin.delete_relation", func(ctx context.Context) error {
		return h.svc.DeleteRelation(ctx, rid)
	})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}

// RunTask runs a maintenance task immediately.
// POST /api/admin/scheduler/:name/run
func (h *AdminHandler) RunTask(c *gin.Context) {
	name := c.Param("name")
	known := false
	for _, t := range h.sched.ListTickers() {
		if t == name {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	if err := h.sched.RunNow(name); err != nil {
		h.logger.Error("admin task run failed", zap.String("task", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "task": name})
}
