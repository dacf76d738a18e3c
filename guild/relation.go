package guild

import (
	"context"
	"fmt"

	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Propose opens a relation of type relType from guild1ID to guild2ID. The
// initiator must be LEADER or OFFICER of guild1ID.
func (svc *Service) Propose(ctx context.Context, guild1ID, guild2ID int64, relType model.RelationType, initiatorID, initiatorName string) (rel *model.GuildRelation, err error) {
	const op = "propose_relation"
	defer svc.observe(op, &err, zap.Int64("guild1_id", guild1ID), zap.Int64("guild2_id", guild2ID))

	if !relType.Valid() {
		return nil, rejectf(op, "unknown relation type %q", relType)
	}
	if guild1ID == guild2ID {
		return nil, rejectf(op, "a guild cannot have a relation with itself")
	}
	g1, err := svc.Get(ctx, guild1ID)
	if err != nil {
		return nil, err
	}
	g2, err := svc.Get(ctx, guild2ID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.requireStaff(ctx, op, guild1ID, initiatorID); err != nil {
		return nil, err
	}

	release, err := svc.locks.acquire(ctx, op, pairKey(guild1ID, guild2ID))
	if err != nil {
		return nil, err
	}
	defer release()

	if svc.cfg.RejectDuplicateRelations {
		var n int64
		if err := svc.pair(ctx, guild1ID, guild2ID).
			Where("status IN ?", model.CurrentRelationStatuses).
			Count(&n).Error; err != nil {
			return nil, storeErr(op, err)
		}
		if n > 0 {
			return nil, rejectf(op, "guilds already have a current relation")
		}
	}

	now := svc.now()
	expires := model.FormatTime(now.Add(svc.cfg.RelationTTL))
	rel = &model.GuildRelation{
		Guild1ID:      g1.ID,
		Guild2ID:      g2.ID,
		Guild1Name:    g1.Name,
		Guild2Name:    g2.Name,
		RelationType:  relType,
		Status:        model.RelationProposed,
		InitiatorUUID: initiatorID,
		InitiatorName: initiatorName,
		CreatedAt:     model.FormatTime(now),
		UpdatedAt:     model.FormatTime(now),
		ExpiresAt:     &expires,
	}
	if err := svc.db.WithContext(ctx).Create(rel).Error; err != nil {
		return nil, storeErr(op, err)
	}

	svc.logger.Info("guild relation proposed", zap.Int64("relation_id", rel.ID),
		zap.String("type", string(relType)), zap.Int64("guild1_id", g1.ID), zap.Int64("guild2_id", g2.ID))
	svc.record(audit.Entry{
		GuildID: g1.ID, GuildName: g1.Name, ActorID: initiatorID, ActorName: initiatorName,
		Type: model.LogRelationProposed, Description: fmt.Sprintf("%s proposed to %s", relType, g2.Name),
		Details: fmt.Sprintf("relation=%d;other=%d", rel.ID, g2.ID),
	})
	if relType == model.RelationWar {
		svc.notifyGuild(ctx, g1.ID, notify.EventWarDeclared, rel)
		svc.notifyGuild(ctx, g2.ID, notify.EventWarDeclared, rel)
	} else {
		svc.notifyGuild(ctx, g2.ID, notify.EventRelationProposed, rel)
	}
	svc.after(ctx, hook.AfterRelationPropose, *rel)
	return rel, nil
}

// Accept activates a PROPOSED relation. Only staff of the receiving guild
// may accept, and only before the proposal expires.
func (svc *Service) Accept(ctx context.Context, relationID int64, requesterID string) (err error) {
	const op = "accept_relation"
	defer svc.observe(op, &err, zap.Int64("relation_id", relationID))

	rel, err := svc.getRelationByID(ctx, op, relationID)
	if err != nil {
		return err
	}
	staff, err := svc.requireStaff(ctx, op, rel.Guild2ID, requesterID)
	if err != nil {
		return err
	}
	if rel.Status != model.RelationProposed {
		return rejectf(op, "relation is %s", rel.Status)
	}
	if rel.ExpiresAt != nil && !model.ParseTime(*rel.ExpiresAt).After(svc.now()) {
		return rejectf(op, "proposal has expired")
	}
	now := svc.timestamp()

	res := svc.db.WithContext(ctx).Model(&model.GuildRelation{}).
		Where("id = ? AND status = ?", rel.ID, model.RelationProposed).
		Updates(map[string]any{"status": model.RelationActive, "updated_at": now, "expires_at": nil})
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return conflict(op, "relation changed concurrently", nil)
	}
	rel.Status, rel.UpdatedAt, rel.ExpiresAt = model.RelationActive, now, nil

	svc.record(audit.Entry{
		GuildID: rel.Guild2ID, GuildName: rel.Guild2Name, ActorID: staff.PlayerUUID, ActorName: staff.PlayerName,
		Type: model.LogRelationActivated, Description: fmt.Sprintf("%s with %s activated", rel.RelationType, rel.Guild1Name),
		Details: fmt.Sprintf("relation=%d;other=%d", rel.ID, rel.Guild1ID),
	})
	svc.notifyGuild(ctx, rel.Guild1ID, notify.EventRelationActivated, rel)
	svc.notifyGuild(ctx, rel.Guild2ID, notify.EventRelationActivated, rel)
	return nil
}

// Terminate ends a current relation. Staff of either guild may do this.
func (svc *Service) Terminate(ctx context.Context, relationID int64, requesterID string) (err error) {
	const op = "terminate_relation"
	defer svc.observe(op, &err, zap.Int64("relation_id", relationID))

	rel, err := svc.getRelationByID(ctx, op, relationID)
	if err != nil {
		return err
	}
	side, sideName := rel.Guild1ID, rel.Guild1Name
	staff, err := svc.requireStaff(ctx, op, rel.Guild1ID, requesterID)
	if KindOf(err) == KindPermission {
		side, sideName = rel.Guild2ID, rel.Guild2Name
		staff, err = svc.requireStaff(ctx, op, rel.Guild2ID, requesterID)
	}
	if err != nil {
		return err
	}
	if !rel.Status.Current() {
		return rejectf(op, "relation is %s", rel.Status)
	}

	now := svc.timestamp()
	res := svc.db.WithContext(ctx).Model(&model.GuildRelation{}).
		Where("id = ? AND status IN ?", rel.ID, model.CurrentRelationStatuses).
		Updates(map[string]any{"status": model.RelationTerminated, "updated_at": now})
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return conflict(op, "relation changed concurrently", nil)
	}
	rel.Status, rel.UpdatedAt = model.RelationTerminated, now

	otherID, otherName := rel.Other(side)
	svc.record(audit.Entry{
		GuildID: side, GuildName: sideName, ActorID: staff.PlayerUUID, ActorName: staff.PlayerName,
		Type: model.LogRelationTerminated, Description: fmt.Sprintf("%s with %s terminated", rel.RelationType, otherName),
		Details: fmt.Sprintf("relation=%d;other=%d", rel.ID, otherID),
	})
	svc.notifyGuild(ctx, rel.Guild1ID, notify.EventRelationTerminated, rel)
	svc.notifyGuild(ctx, rel.Guild2ID, notify.EventRelationTerminated, rel)
	return nil
}

// SetRelationStatus writes status without checking the transition.
func (svc *Service) SetRelationStatus(ctx context.Context, relationID int64, status model.RelationStatus) (err error) {
	const op = "set_relation_status"
	defer svc.observe(op, &err, zap.Int64("relation_id", relationID))

	if !status.Valid() {
		return rejectf(op, "unknown relation status %q", status)
	}
	res := svc.db.WithContext(ctx).Model(&model.GuildRelation{}).Where("id = ?", relationID).
		Updates(map[string]any{"status": status, "updated_at": svc.timestamp()})
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(op, "relation")
	}
	return nil
}

// GetRelation returns the newest relation between a and b in either
// direction.
func (svc *Service) GetRelation(ctx context.Context, a, b int64) (*model.GuildRelation, error) {
	var rel model.GuildRelation
	if err := svc.pair(ctx, a, b).Order("created_at DESC").Order("id DESC").First(&rel).Error; err != nil {
		return nil, lookupErr("get_relation", "relation", err)
	}
	return &rel, nil
}

// ListRelations returns every relation the guild is a party to, newest first.
func (svc *Service) ListRelations(ctx context.Context, guildID int64) ([]model.GuildRelation, error) {
	var rels []model.GuildRelation
	if err := svc.db.WithContext(ctx).
		Where("guild1_id = ? OR guild2_id = ?", guildID, guildID).
		Order("created_at DESC").Order("id DESC").
		Find(&rels).Error; err != nil {
		return nil, storeErr("list_relations", err)
	}
	return rels, nil
}

// DeleteRelation removes a relation row.
func (svc *Service) DeleteRelation(ctx context.Context, relationID int64) (err error) {
	const op = "delete_relation"
	defer svc.observe(op, &err, zap.Int64("relation_id", relationID))

	res := svc.db.WithContext(ctx).Delete(&model.GuildRelation{}, relationID)
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(op, "relation")
	}
	return nil
}

// WarsFor returns the guild's current WAR relations.
func (svc *Service) WarsFor(ctx context.Context, guildID int64) ([]model.GuildRelation, error) {
	var rels []model.GuildRelation
	if err := svc.db.WithContext(ctx).
		Where("(guild1_id = ? OR guild2_id = ?) AND relation_type = ? AND status IN ?",
			guildID, guildID, model.RelationWar, model.CurrentRelationStatuses).
		Order("created_at DESC").Order("id DESC").
		Find(&rels).Error; err != nil {
		return nil, storeErr("wars_for", err)
	}
	return rels, nil
}

// WarTarget is one opponent reported to a player.
type WarTarget struct {
	RelationID int64                `json:"relation_id"`
	GuildID    int64                `json:"guild_id"`
	GuildName  string               `json:"guild_name"`
	Status     model.RelationStatus `json:"status"`
}

// NotifyWars tells a player which guilds their guild is at war with. Nothing
// is sent when there are none.
func (svc *Service) NotifyWars(ctx context.Context, playerID string) error {
	m, err := svc.GetMember(ctx, playerID)
	if err != nil {
		return err
	}
	wars, err := svc.WarsFor(ctx, m.GuildID)
	if err != nil || len(wars) == 0 {
		return err
	}
	targets := make([]WarTarget, len(wars))
	for i := range wars {
		id, name := wars[i].Other(m.GuildID)
		targets[i] = WarTarget{RelationID: wars[i].ID, GuildID: id, GuildName: name, Status: wars[i].Status}
	}
	svc.notifyPlayer(ctx, playerID, notify.EventWarStatus, targets)
	return nil
}

// ExpireRelations marks PROPOSED relations whose expiry has passed as
// EXPIRED and returns how many were changed.
func (svc *Service) ExpireRelations(ctx context.Context) (n int64, err error) {
	const op = "expire_relations"
	defer svc.observe(op, &err)

	now := svc.timestamp()
	var due []model.GuildRelation
	if err := svc.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", model.RelationProposed, now).
		Find(&due).Error; err != nil {
		return 0, storeErr(op, err)
	}
	for i := range due {
		rel := &due[i]
		res := svc.db.WithContext(ctx).Model(&model.GuildRelation{}).
			Where("id = ? AND status = ?", rel.ID, model.RelationProposed).
			Updates(map[string]any{"status": model.RelationExpired, "updated_at": now})
		if res.Error != nil {
			return n, storeErr(op, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		n++
		svc.record(audit.SystemEntry(rel.Guild1ID, rel.Guild1Name, model.LogRelationExpired,
			fmt.Sprintf("%s proposal to %s expired", rel.RelationType, rel.Guild2Name),
			fmt.Sprintf("relation=%d;other=%d", rel.ID, rel.Guild2ID)))
	}
	if n > 0 {
		svc.logger.Info("guild relations expired", zap.Int64("count", n))
	}
	return n, nil
}

func (svc *Service) pair(ctx context.Context, a, b int64) *gorm.DB {
	return svc.db.WithContext(ctx).Model(&model.GuildRelation{}).
		Where("(guild1_id = ? AND guild2_id = ?) OR (guild1_id = ? AND guild2_id = ?)", a, b, b, a)
}

func (svc *Service) getRelationByID(ctx context.Context, op string, id int64) (*model.GuildRelation, error) {
	var rel model.GuildRelation
	if err := svc.db.WithContext(ctx).First(&rel, id).Error; err != nil {
		return nil, lookupErr(op, "relation", err)
	}
	return &rel, nil
}
