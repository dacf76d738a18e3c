package guild

import (
	"context"
	"fmt"
	"sort"

	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetGuildOf returns the guild the player belongs to.
func (svc *Service) GetGuildOf(ctx context.Context, playerID string) (*model.Guild, error) {
	m, err := svc.GetMember(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return svc.Get(ctx, m.GuildID)
}

// GetMember returns the player's membership row.
func (svc *Service) GetMember(ctx context.Context, playerID string) (*model.GuildMember, error) {
	var m model.GuildMember
	if err := svc.db.WithContext(ctx).Where("player_uuid = ?", playerID).First(&m).Error; err != nil {
		return nil, lookupErr("get_member", "membership", err)
	}
	return &m, nil
}

// GetGuildMember returns the player's membership only if it is in guildID.
func (svc *Service) GetGuildMember(ctx context.Context, guildID int64, playerID string) (*model.GuildMember, error) {
	var m model.GuildMember
	if err := svc.db.WithContext(ctx).
		Where("guild_id = ? AND player_uuid = ?", guildID, playerID).
		First(&m).Error; err != nil {
		return nil, lookupErr("get_guild_member", "membership", err)
	}
	return &m, nil
}

// ListMembers returns the guild's members, leader first, then by role rank
// and join time.
func (svc *Service) ListMembers(ctx context.Context, guildID int64) ([]model.GuildMember, error) {
	var members []model.GuildMember
	if err := svc.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("joined_at ASC").Order("id ASC").
		Find(&members).Error; err != nil {
		return nil, storeErr("list_members", err)
	}
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].Role.Rank() < members[j].Role.Rank()
	})
	return members, nil
}

// CountMembers returns the number of members in the guild.
func (svc *Service) CountMembers(ctx context.Context, guildID int64) (int64, error) {
	var n int64
	if err := svc.db.WithContext(ctx).Model(&model.GuildMember{}).
		Where("guild_id = ?", guildID).Count(&n).Error; err != nil {
		return 0, storeErr("count_members", err)
	}
	return n, nil
}

// requireStaff returns the player's membership in guildID if they are its
// LEADER or an OFFICER.
func (svc *Service) requireStaff(ctx context.Context, op string, guildID int64, playerID string) (*model.GuildMember, error) {
	m, err := svc.GetGuildMember(ctx, guildID, playerID)
	if KindOf(err) == KindNotFound {
		return nil, deny(op, "not a member of this guild")
	}
	if err != nil {
		return nil, err
	}
	if !m.Role.IsStaff() {
		return nil, deny(op, "requires leader or officer")
	}
	return m, nil
}

// Join adds the player to a guild with the given role. LEADER is refused:
// the founding leader is written by Create and later leaders by ChangeRole.
func (svc *Service) Join(ctx context.Context, guildID int64, playerID, playerName string, role model.Role) (err error) {
	const op = "join"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID), zap.String("player", playerID))

	if !role.Valid() {
		return rejectf(op, "unknown role %q", role)
	}
	if role == model.RoleLeader {
		return rejectf(op, "guild already has a leader")
	}
	if err := validPlayer(op, playerID); err != nil {
		return err
	}
	release, err := svc.locks.acquire(ctx, op, playerKey(playerID))
	if err != nil {
		return err
	}
	defer release()

	_, err = svc.joinLocked(ctx, op, guildID, playerID, playerName, role)
	return err
}

// joinLocked performs the join. The caller holds the player's lock.
func (svc *Service) joinLocked(ctx context.Context, op string, guildID int64, playerID, playerName string, role model.Role) (*model.GuildMember, error) {
	g, err := svc.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if g.Frozen {
		return nil, rejectf(op, "guild is frozen")
	}
	if _, err := svc.GetMember(ctx, playerID); err == nil {
		return nil, rejectf(op, "player already belongs to a guild")
	} else if KindOf(err) != KindNotFound {
		return nil, err
	}

	ev := JoinEvent{GuildID: g.ID, GuildName: g.Name, PlayerID: playerID, PlayerName: playerName, Role: role}
	if err := svc.before(ctx, op, hook.BeforeGuildJoin, ev); err != nil {
		return nil, err
	}

	m := &model.GuildMember{
		GuildID:    guildID,
		PlayerUUID: playerID,
		PlayerName: playerName,
		Role:       role,
		JoinedAt:   svc.timestamp(),
	}
	err = svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked model.Guild
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&locked, guildID).Error; err != nil {
			return lookupErr(op, "guild", err)
		}
		var n int64
		if err := tx.Model(&model.GuildMember{}).Where("guild_id = ?", guildID).Count(&n).Error; err != nil {
			return err
		}
		if n >= int64(locked.MaxMembers) {
			return rejectf(op, "guild is full (%d/%d)", n, locked.MaxMembers)
		}
		return tx.Create(m).Error
	})
	if err != nil {
		return nil, storeErr(op, err)
	}

	svc.logger.Info("guild member joined", zap.Int64("guild_id", guildID), zap.String("player", playerID))
	svc.invalidate(ctx, playerID)
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: playerID, ActorName: playerName,
		Type: model.LogMemberJoined, Description: playerName + " joined",
		Details: "role=" + string(role),
	})
	svc.notifyGuild(ctx, guildID, notify.EventMemberJoined, m)
	svc.notifyPlayer(ctx, playerID, notify.EventMemberJoined, m)
	svc.after(ctx, hook.AfterGuildJoin, ev)
	if err := svc.NotifyWars(ctx, playerID); err != nil {
		svc.logger.Debug("war scan failed", zap.String("player", playerID), zap.Error(err))
	}
	return m, nil
}

// Leave removes playerID from their guild. When requesterID is someone else
// this is a kick: the requester must be staff of the same guild and outrank
// the target. The leader can only leave as the last member, which dissolves
// the guild.
func (svc *Service) Leave(ctx context.Context, playerID, requesterID string) (err error) {
	const op = "leave"
	defer svc.observe(op, &err, zap.String("player", playerID), zap.String("requester", requesterID))

	release, err := svc.locks.acquire(ctx, op, playerKey(playerID))
	if err != nil {
		return err
	}
	defer release()

	target, err := svc.GetMember(ctx, playerID)
	if err != nil {
		return err
	}
	g, err := svc.Get(ctx, target.GuildID)
	if err != nil {
		return err
	}

	kicked := requesterID != playerID
	actorID, actorName := playerID, target.PlayerName
	if kicked {
		kicker, err := svc.requireStaff(ctx, op, target.GuildID, requesterID)
		if err != nil {
			return err
		}
		if !kicker.Role.Outranks(target.Role) {
			return deny(op, "cannot remove a member of equal or higher rank")
		}
		actorID, actorName = kicker.PlayerUUID, kicker.PlayerName
	} else if target.Role == model.RoleLeader {
		n, err := svc.CountMembers(ctx, g.ID)
		if err != nil {
			return err
		}
		if n > 1 {
			return rejectf(op, "leader must transfer leadership before leaving")
		}
		return svc.dissolve(ctx, op, g, playerID)
	}

	res := svc.db.WithContext(ctx).
		Where("guild_id = ? AND player_uuid = ?", g.ID, playerID).
		Delete(&model.GuildMember{})
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(op, "membership")
	}

	svc.invalidate(ctx, playerID)
	typ, desc, event := model.LogMemberLeft, target.PlayerName+" left", notify.EventMemberLeft
	if kicked {
		typ, desc, event = model.LogMemberKicked, target.PlayerName+" was kicked", notify.EventMemberKicked
		svc.notifyPlayer(ctx, playerID, event, g)
	}
	svc.logger.Info("guild member removed", zap.Int64("guild_id", g.ID),
		zap.String("player", playerID), zap.Bool("kicked", kicked))
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: actorID, ActorName: actorName,
		Type: typ, Description: desc, Details: "target=" + playerID,
	})
	svc.notifyGuild(ctx, g.ID, event, target)
	svc.after(ctx, hook.AfterGuildLeave, LeaveEvent{
		GuildID: g.ID, GuildName: g.Name, PlayerID: playerID, PlayerName: target.PlayerName,
		ActorID: actorID, Kicked: kicked,
	})
	return nil
}

// ChangeRole sets another member's role. Only the guild LEADER may do this.
// Promoting someone to LEADER transfers leadership.
func (svc *Service) ChangeRole(ctx context.Context, playerID string, newRole model.Role, requesterID string) (err error) {
	const op = "change_role"
	defer svc.observe(op, &err, zap.String("player", playerID), zap.String("role", string(newRole)))

	if !newRole.Valid() {
		return rejectf(op, "unknown role %q", newRole)
	}
	if playerID == requesterID {
		return rejectf(op, "cannot change your own role")
	}
	release, err := svc.locks.acquire(ctx, op, playerKey(playerID), playerKey(requesterID))
	if err != nil {
		return err
	}
	defer release()

	target, err := svc.GetMember(ctx, playerID)
	if err != nil {
		return err
	}
	leader, err := svc.GetGuildMember(ctx, target.GuildID, requesterID)
	if err != nil && KindOf(err) != KindNotFound {
		return err
	}
	if leader == nil || leader.Role != model.RoleLeader {
		return deny(op, "only the guild leader can change roles")
	}
	if target.Role == newRole {
		return rejectf(op, "player already has role %s", newRole)
	}
	g, err := svc.Get(ctx, target.GuildID)
	if err != nil {
		return err
	}

	affected := []string{playerID}
	err = svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := setRole(tx, op, target, newRole); err != nil {
			return err
		}
		if newRole != model.RoleLeader {
			return nil
		}
		if svc.cfg.AtomicLeaderTransfer {
			affected = append(affected, requesterID)
			if err := setRole(tx, op, leader, model.RoleOfficer); err != nil {
				return err
			}
		}
		// The leader columns follow the newest LEADER in both modes.
		return tx.Model(&model.Guild{}).Where("id = ?", g.ID).Updates(map[string]any{
			"leader_uuid": target.PlayerUUID,
			"leader_name": target.PlayerName,
			"updated_at":  svc.timestamp(),
		}).Error
	})
	if err != nil {
		return storeErr(op, err)
	}

	svc.invalidate(ctx, affected...)
	var typ model.LogType
	switch {
	case newRole == model.RoleLeader:
		typ = model.LogLeaderTransferred
	case newRole.Outranks(target.Role):
		typ = model.LogMemberPromoted
	default:
		typ = model.LogMemberDemoted
	}
	svc.logger.Info("guild role changed", zap.Int64("guild_id", g.ID), zap.String("player", playerID),
		zap.String("from", string(target.Role)), zap.String("to", string(newRole)))
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: leader.PlayerUUID, ActorName: leader.PlayerName,
		Type: typ, Description: fmt.Sprintf("%s is now %s", target.PlayerName, newRole),
		Details: fmt.Sprintf("target=%s;from=%s;to=%s", playerID, target.Role, newRole),
	})
	ev := RoleEvent{GuildID: g.ID, PlayerID: playerID, From: target.Role, To: newRole, ActorID: requesterID}
	svc.notifyGuild(ctx, g.ID, notify.EventRoleChanged, ev)
	svc.after(ctx, hook.AfterRoleChange, ev)
	return nil
}

// setRole writes a role only while the row still holds the role that was read.
func setRole(tx *gorm.DB, op string, m *model.GuildMember, role model.Role) error {
	res := tx.Model(&model.GuildMember{}).
		Where("id = ? AND role = ?", m.ID, m.Role).
		Update("role", role)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conflict(op, "membership changed concurrently", nil)
	}
	return nil
}
