package guild

import (
	"context"
	"fmt"

	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"go.uber.org/zap"
)

// Submit files a join application from playerID to guildID.
func (svc *Service) Submit(ctx context.Context, guildID int64, playerID, playerName, message string) (app *model.GuildApplication, err error) {
	const op = "submit_application"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID), zap.String("player", playerID))

	if err := validPlayer(op, playerID); err != nil {
		return nil, err
	}
	release, err := svc.locks.acquire(ctx, op, playerKey(playerID))
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := svc.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.GetMember(ctx, playerID); err == nil {
		return nil, rejectf(op, "player already belongs to a guild")
	} else if KindOf(err) != KindNotFound {
		return nil, err
	}
	var pending int64
	if err := svc.db.WithContext(ctx).Model(&model.GuildApplication{}).
		Where("guild_id = ? AND player_uuid = ? AND status = ?", guildID, playerID, model.ApplicationPending).
		Count(&pending).Error; err != nil {
		return nil, storeErr(op, err)
	}
	if pending > 0 {
		return nil, rejectf(op, "an application to this guild is already pending")
	}

	app = &model.GuildApplication{
		GuildID:    guildID,
		PlayerUUID: playerID,
		PlayerName: playerName,
		Message:    message,
		Status:     model.ApplicationPending,
		CreatedAt:  svc.timestamp(),
	}
	if err := svc.db.WithContext(ctx).Create(app).Error; err != nil {
		return nil, storeErr(op, err)
	}

	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: playerID, ActorName: playerName,
		Type: model.LogApplicationSubmitted, Description: playerName + " applied",
		Details: fmt.Sprintf("application=%d", app.ID),
	})
	svc.notifyGuild(ctx, g.ID, notify.EventApplicationSubmitted, app)
	return app, nil
}

// Review approves or rejects an application. Approval adds the applicant as
// a MEMBER; if that join fails after the approval was stored the returned
// error satisfies IsPartial.
func (svc *Service) Review(ctx context.Context, applicationID int64, decision model.ApplicationStatus, reviewerID string) (err error) {
	const op = "review_application"
	defer svc.observe(op, &err, zap.Int64("application_id", applicationID), zap.String("reviewer", reviewerID))

	if !decision.Terminal() {
		return rejectf(op, "decision must be %s or %s", model.ApplicationApproved, model.ApplicationRejected)
	}
	app, err := svc.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}
	reviewer, err := svc.requireStaff(ctx, op, app.GuildID, reviewerID)
	if err != nil {
		return err
	}
	g, err := svc.Get(ctx, app.GuildID)
	if err != nil {
		return err
	}

	release, err := svc.locks.acquire(ctx, op, playerKey(app.PlayerUUID))
	if err != nil {
		return err
	}
	defer release()

	q := svc.db.WithContext(ctx).Model(&model.GuildApplication{}).Where("id = ?", app.ID)
	if svc.cfg.GuardResolvedRequests {
		q = q.Where("status = ?", model.ApplicationPending)
	}
	res := q.Update("status", decision)
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if svc.cfg.GuardResolvedRequests && res.RowsAffected == 0 {
		return rejectf(op, "application already resolved")
	}

	typ, desc := model.LogApplicationRejected, app.PlayerName+"'s application rejected"
	if decision == model.ApplicationApproved {
		typ, desc = model.LogApplicationApproved, app.PlayerName+"'s application approved"
	}
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: reviewer.PlayerUUID, ActorName: reviewer.PlayerName,
		Type: typ, Description: desc,
		Details: fmt.Sprintf("application=%d;player=%s", app.ID, app.PlayerUUID),
	})

	if decision == model.ApplicationRejected {
		svc.notifyPlayer(ctx, app.PlayerUUID, notify.EventApplicationRejected, g)
		return nil
	}
	if _, err := svc.joinLocked(ctx, op, app.GuildID, app.PlayerUUID, app.PlayerName, model.RoleMember); err != nil {
		return partial(op, "application approved", err)
	}
	return nil
}

// ListPending returns the guild's PENDING applications, newest first.
func (svc *Service) ListPending(ctx context.Context, guildID int64) ([]model.GuildApplication, error) {
	return svc.listApplications(ctx, "list_pending", "guild_id = ? AND status = ?", guildID, model.ApplicationPending)
}

// ListHistory returns the guild's resolved applications, newest first.
func (svc *Service) ListHistory(ctx context.Context, guildID int64) ([]model.GuildApplication, error) {
	return svc.listApplications(ctx, "list_history", "guild_id = ? AND status <> ?", guildID, model.ApplicationPending)
}

// ListForPlayer returns every application the player filed, newest first.
func (svc *Service) ListForPlayer(ctx context.Context, playerID string) ([]model.GuildApplication, error) {
	return svc.listApplications(ctx, "list_for_player", "player_uuid = ?", playerID)
}

func (svc *Service) listApplications(ctx context.Context, op, where string, args ...any) ([]model.GuildApplication, error) {
	var apps []model.GuildApplication
	if err := svc.db.WithContext(ctx).Where(where, args...).
		Order("created_at DESC").Order("id DESC").
		Find(&apps).Error; err != nil {
		return nil, storeErr(op, err)
	}
	return apps, nil
}

// GetApplication returns one application by id.
func (svc *Service) GetApplication(ctx context.Context, applicationID int64) (*model.GuildApplication, error) {
	var app model.GuildApplication
	if err := svc.db.WithContext(ctx).First(&app, applicationID).Error; err != nil {
		return nil, lookupErr("get_application", "application", err)
	}
	return &app, nil
}
