package rest

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/guildsvc/guild"
	mw "github.com/kasuganosora/guildsvc/middleware"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/permission"
	"go.uber.org/zap"
)

// LogReader serves pages of a guild's audit log.
type LogReader interface {
	List(ctx context.Context, guildID int64, limit, offset int) ([]model.GuildLog, error)
}

// GuildHandler handles guild REST endpoints. Mutations run on the executor
// so a burst of requests cannot exhaust the store.
type GuildHandler struct {
	svc    *guild.Service
	exec   *guild.Executor
	perms  *permission.Resolver
	logs   LogReader
	logger *zap.Logger
}

// NewGuildHandler creates a new GuildHandler.
func NewGuildHandler(svc *guild.Service, exec *guild.Executor, perms *permission.Resolver, logs LogReader, logger *zap.Logger) *GuildHandler {
	return &GuildHandler{svc: svc, exec: exec, perms: perms, logs: logs, logger: logger}
}

// Register mounts the player-facing routes on an authenticated group.
func (h *GuildHandler) Register(api *gin.RouterGroup) {
	g := api.Group("/guilds")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.POST("/leave", h.Leave)
	g.GET("/:id", h.Detail)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.GET("/:id/members", h.Members)
	g.DELETE("/:id/members/:pid", h.Kick)
	g.PUT("/:id/members/:pid/role", h.ChangeRole)
	g.POST("/:id/applications", h.Apply)
	g.GET("/:id/applications", h.Applications)
	g.POST("/:id/invitations", h.Invite)
	g.POST("/:id/relations", h.ProposeRelation)
	g.GET("/:id/relations", h.Relations)
	g.GET("/:id/logs", h.Logs)

	api.POST("/applications/:aid/review", h.Review)
	api.POST("/invitations/respond", h.RespondInvitation)
	api.DELETE("/invitations/:iid", h.CancelInvitation)
	api.POST("/relations/:rid/accept", h.AcceptRelation)
	api.POST("/relations/:rid/terminate", h.TerminateRelation)

	api.GET("/me/guild", h.MyGuild)
	api.GET("/me/permissions", h.MyPermissions)
	api.GET("/me/invitations", h.MyInvitations)
	api.GET("/me/applications", h.MyApplications)
}

func (h *GuildHandler) do(c *gin.Context, name string, op func(context.Context) error) bool {
	if err := h.exec.Do(c.Request.Context(), name, op); err != nil {
		writeError(c, err)
		return false
	}
	return true
}

// doWith runs op once the caller holds capability in the configured matrix.
// The service still applies its own role checks afterwards.
func (h *GuildHandler) doWith(c *gin.Context, name string, capability permission.Capability, op func(context.Context) error) bool {
	me, _ := mw.GetPlayer(c)
	return h.do(c, name, func(ctx context.Context) error {
		if err := h.perms.Require(ctx, me, capability); err != nil {
			return err
		}
		return op(ctx)
	})
}

// staffOf ensures the caller holds a staff role in guildID.
func (h *GuildHandler) staffOf(c *gin.Context, guildID int64) bool {
	me, _ := mw.GetPlayer(c)
	m, err := h.svc.GetGuildMember(c.Request.Context(), guildID, me)
	if err != nil || !m.Role.IsStaff() {
		c.JSON(http.StatusForbidden, gin.H{"error": "guild staff only"})
		return false
	}
	return true
}

type createGuildRequest struct {
	Name        string `json:"name"        binding:"required,max=32"`
	Tag         string `json:"tag"         binding:"required,max=8"`
	Description string `json:"description" binding:"max=500"`
}

// Create handles POST /api/guilds.
func (h *GuildHandler) Create(c *gin.Context) {
	var req createGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me, name := mw.GetPlayer(c)
	var g *model.Guild
	ok := h.doWith(c, "guild.create", permission.CreateGuild, func(ctx context.Context) (err error) {
		g, err = h.svc.Create(ctx, req.Name, req.Tag, req.Description, me, name)
		return err
	})
	if ok {
		c.JSON(http.StatusCreated, g)
	}
}

// List handles GET /api/guilds?limit=&offset=.
func (h *GuildHandler) List(c *gin.Context) {
	guilds, err := h.svc.List(c.Request.Context(), queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guilds": guilds})
}

// Detail handles GET /api/guilds/:id.
func (h *GuildHandler) Detail(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	g, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	n, err := h.svc.CountMembers(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild": g, "member_count": n})
}

type updateGuildRequest struct {
	Name        *string `json:"name"`
	Tag         *string `json:"tag"`
	Description *string `json:"description"`
}

// Update handles PATCH /api/guilds/:id.
func (h *GuildHandler) Update(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req updateGuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me, _ := mw.GetPlayer(c)
	in := guild.UpdateGuildInput{Name: req.Name, Tag: req.Tag, Description: req.Description}
	if h.doWith(c, "guild.update", permission.EditGuild, func(ctx context.Context) error {
		return h.svc.Update(ctx, id, in, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Delete handles DELETE /api/guilds/:id.
func (h *GuildHandler) Delete(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.do(c, "guild.delete", func(ctx context.Context) error {
		return h.svc.Delete(ctx, id, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Members handles GET /api/guilds/:id/members.
func (h *GuildHandler) Members(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, err := h.svc.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	members, err := h.svc.ListMembers(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// Leave handles POST /api/guilds/leave.
func (h *GuildHandler) Leave(c *gin.Context) {
	me, _ := mw.GetPlayer(c)
	if h.do(c, "guild.leave", func(ctx context.Context) error {
		return h.svc.Leave(ctx, me, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Kick handles DELETE /api/guilds/:id/members/:pid.
func (h *GuildHandler) Kick(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	target := c.Param("pid")
	if _, err := h.svc.GetGuildMember(c.Request.Context(), id, target); err != nil {
		writeError(c, err)
		return
	}
	me, _ := mw.GetPlayer(c)
	kick := func(ctx context.Context) error { return h.svc.Leave(ctx, target, me) }
	var done bool
	if target == me {
		done = h.do(c, "guild.leave", kick)
	} else {
		done = h.doWith(c, "guild.kick", permission.Kick, kick)
	}
	if done {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type changeRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// ChangeRole handles PUT /api/guilds/:id/members/:pid/role.
func (h *GuildHandler) ChangeRole(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	role, valid := model.ParseRole(req.Role)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	target := c.Param("pid")
	if _, err := h.svc.GetGuildMember(c.Request.Context(), id, target); err != nil {
		writeError(c, err)
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.doWith(c, "guild.change_role", permission.ManageRoles, func(ctx context.Context) error {
		return h.svc.ChangeRole(ctx, target, role, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "role": role})
	}
}

type applyRequest struct {
	Message string `json:"message" binding:"max=200"`
}

// Apply handles POST /api/guilds/:id/applications.
func (h *GuildHandler) Apply(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me, name := mw.GetPlayer(c)
	var app *model.GuildApplication
	if h.do(c, "guild.apply", func(ctx context.Context) (err error) {
		app, err = h.svc.Submit(ctx, id, me, name, req.Message)
		return err
	}) {
		c.JSON(http.StatusCreated, app)
	}
}

// Applications handles GET /api/guilds/:id/applications?view=history.
func (h *GuildHandler) Applications(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok || !h.staffOf(c, id) {
		return
	}
	list := h.svc.ListPending
	if c.Query("view") == "history" {
		list = h.svc.ListHistory
	}
	apps, err := list(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

type reviewRequest struct {
	Decision string `json:"decision" binding:"required,oneof=APPROVED REJECTED"`
}

// Review handles POST /api/applications/:aid/review.
func (h *GuildHandler) Review(c *gin.Context) {
	aid, ok := paramID(c, "aid")
	if !ok {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.do(c, "guild.review", func(ctx context.Context) error {
		return h.svc.Review(ctx, aid, model.ApplicationStatus(req.Decision), me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": req.Decision})
	}
}

type inviteRequest struct {
	PlayerID   string `json:"player_id"   binding:"required,uuid"`
	PlayerName string `json:"player_name" binding:"max=32"`
}

// Invite handles POST /api/guilds/:id/invitations.
func (h *GuildHandler) Invite(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me, name := mw.GetPlayer(c)
	var inv *model.GuildInvitation
	if h.doWith(c, "guild.invite", permission.Invite, func(ctx context.Context) (err error) {
		inv, err = h.svc.Invite(ctx, id, me, name, req.PlayerID, req.PlayerName)
		return err
	}) {
		c.JSON(http.StatusCreated, inv)
	}
}

// respondRequest names the invitation either by guild or by inviter.
type respondRequest struct {
	GuildID   int64  `json:"guild_id"`
	InviterID string `json:"inviter_id"`
	Accept    bool   `json:"accept"`
}

// RespondInvitation handles POST /api/invitations/respond.
func (h *GuildHandler) RespondInvitation(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.GuildID == 0 && req.InviterID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "guild_id or inviter_id required"})
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.do(c, "guild.respond_invitation", func(ctx context.Context) error {
		if req.GuildID != 0 {
			return h.svc.RespondToGuild(ctx, me, req.GuildID, req.Accept)
		}
		return h.svc.Respond(ctx, me, req.InviterID, req.Accept)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "accepted": req.Accept})
	}
}

// CancelInvitation handles DELETE /api/invitations/:iid.
func (h *GuildHandler) CancelInvitation(c *gin.Context) {
	iid, ok := paramID(c, "iid")
	if !ok {
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.do(c, "guild.cancel_invitation", func(ctx context.Context) error {
		return h.svc.Cancel(ctx, iid, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

type proposeRequest struct {
	TargetGuildID int64  `json:"target_guild_id" binding:"required"`
	Type          string `json:"type"            binding:"required"`
}

// ProposeRelation handles POST /api/guilds/:id/relations.
func (h *GuildHandler) ProposeRelation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	me, name := mw.GetPlayer(c)
	var rel *model.GuildRelation
	if h.doWith(c, "guild.propose_relation", permission.ManageRelations, func(ctx context.Context) (err error) {
		rel, err = h.svc.Propose(ctx, id, req.TargetGuildID, model.RelationType(req.Type), me, name)
		return err
	}) {
		c.JSON(http.StatusCreated, rel)
	}
}

// Relations handles GET /api/guilds/:id/relations.
func (h *GuildHandler) Relations(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rels, err := h.svc.ListRelations(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relations": rels})
}

// AcceptRelation handles POST /api/relations/:rid/accept.
func (h *GuildHandler) AcceptRelation(c *gin.Context) {
	rid, ok := paramID(c, "rid")
	if !ok {
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.doWith(c, "guild.accept_relation", permission.ManageRelations, func(ctx context.Context) error {
		return h.svc.Accept(ctx, rid, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": model.RelationActive})
	}
}

// TerminateRelation handles POST /api/relations/:rid/terminate.
func (h *GuildHandler) TerminateRelation(c *gin.Context) {
	rid, ok := paramID(c, "rid")
	if !ok {
		return
	}
	me, _ := mw.GetPlayer(c)
	if h.doWith(c, "guild.terminate_relation", permission.ManageRelations, func(ctx context.Context) error {
		return h.svc.Terminate(ctx, rid, me)
	}) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "status": model.RelationTerminated})
	}
}

// Logs handles GET /api/guilds/:id/logs?limit=&offset=. Members only.
func (h *GuildHandler) Logs(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	me, _ := mw.GetPlayer(c)
	if _, err := h.svc.GetGuildMember(c.Request.Context(), id, me); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "guild members only"})
		return
	}
	limit := queryInt(c, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	logs, err := h.logs.List(c.Request.Context(), id, limit, queryInt(c, "offset", 0))
	if err != nil {
		h.logger.Error("guild log read failed", zap.Int64("guild_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// MyGuild handles GET /api/me/guild.
func (h *GuildHandler) MyGuild(c *gin.Context) {
	me, _ := mw.GetPlayer(c)
	m, err := h.svc.GetMember(c.Request.Context(), me)
	if err != nil {
		writeError(c, err)
		return
	}
	g, err := h.svc.Get(c.Request.Context(), m.GuildID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild": g, "member": m})
}

// MyPermissions handles GET /api/me/permissions.
func (h *GuildHandler) MyPermissions(c *gin.Context) {
	me, _ := mw.GetPlayer(c)
	snap, err := h.perms.Snapshot(c.Request.Context(), me)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// MyInvitations handles GET /api/me/invitations.
func (h *GuildHandler) MyInvitations(c *gin.Context) {
	me, _ := mw.GetPlayer(c)
	invs, err := h.svc.ListPendingForPlayer(c.Request.Context(), me)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invs})
}

// MyApplications handles GET /api/me/applications.
func (h *GuildHandler) MyApplications(c *gin.Context) {
	me, _ := mw.GetPlayer(c)
	apps, err := h.svc.ListForPlayer(c.Request.Context(), me)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}
