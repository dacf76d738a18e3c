package guild

import (
	"context"
	"fmt"

	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Invite offers targetID a place in guildID. The inviter must be LEADER or
// OFFICER of the guild. The invitation lapses after the configured TTL.
func (svc *Service) Invite(ctx context.Context, guildID int64, inviterID, inviterName, targetID, targetName string) (inv *model.GuildInvitation, err error) {
	const op = "invite"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID), zap.String("target", targetID))

	if err := validPlayer(op, targetID); err != nil {
		return nil, err
	}
	if targetID == inviterID {
		return nil, rejectf(op, "cannot invite yourself")
	}
	g, err := svc.Get(ctx, guildID)
	if err != nil {
		return nil, err
	}
	if _, err := svc.requireStaff(ctx, op, guildID, inviterID); err != nil {
		return nil, err
	}

	release, err := svc.locks.acquire(ctx, op, playerKey(targetID))
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := svc.GetMember(ctx, targetID); err == nil {
		return nil, rejectf(op, "player already belongs to a guild")
	} else if KindOf(err) != KindNotFound {
		return nil, err
	}
	if _, err := svc.GetPendingForGuild(ctx, targetID, guildID); err == nil {
		return nil, rejectf(op, "player already has a pending invitation to this guild")
	} else if KindOf(err) != KindNotFound {
		return nil, err
	}

	now := svc.now()
	inv = &model.GuildInvitation{
		GuildID:     guildID,
		PlayerUUID:  targetID,
		PlayerName:  targetName,
		InviterUUID: inviterID,
		InviterName: inviterName,
		Status:      model.InvitePending,
		ExpiresAt:   model.FormatTime(now.Add(svc.cfg.InviteTTL)),
		CreatedAt:   model.FormatTime(now),
	}
	if err := svc.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, storeErr(op, err)
	}

	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: inviterID, ActorName: inviterName,
		Type: model.LogInvitationSent, Description: fmt.Sprintf("%s invited %s", inviterName, targetName),
		Details: fmt.Sprintf("invitation=%d;target=%s", inv.ID, targetID),
	})
	svc.notifyPlayer(ctx, targetID, notify.EventInvitation, map[string]any{
		"invitation_id": inv.ID,
		"guild_id":      g.ID,
		"guild_name":    g.Name,
		"guild_tag":     g.Tag,
		"inviter_name":  inviterName,
		"expires_at":    inv.ExpiresAt,
	})
	return inv, nil
}

// Respond answers the pending invitation inviterID sent to targetID.
func (svc *Service) Respond(ctx context.Context, targetID, inviterID string, accept bool) (err error) {
	const op = "respond_invitation"
	defer svc.observe(op, &err, zap.String("target", targetID), zap.String("inviter", inviterID))

	release, err := svc.locks.acquire(ctx, op, playerKey(targetID))
	if err != nil {
		return err
	}
	defer release()

	inv, err := svc.GetPendingFromInviter(ctx, targetID, inviterID)
	if err != nil {
		return err
	}
	return svc.resolveInvitation(ctx, op, inv, accept)
}

// RespondToGuild answers the pending invitation from guildID to targetID.
func (svc *Service) RespondToGuild(ctx context.Context, targetID string, guildID int64, accept bool) (err error) {
	const op = "respond_invitation"
	defer svc.observe(op, &err, zap.String("target", targetID), zap.Int64("guild_id", guildID))

	release, err := svc.locks.acquire(ctx, op, playerKey(targetID))
	if err != nil {
		return err
	}
	defer release()

	inv, err := svc.GetPendingForGuild(ctx, targetID, guildID)
	if err != nil {
		return err
	}
	return svc.resolveInvitation(ctx, op, inv, accept)
}

// resolveInvitation runs with the target's lock held.
func (svc *Service) resolveInvitation(ctx context.Context, op string, inv *model.GuildInvitation, accept bool) error {
	g, err := svc.Get(ctx, inv.GuildID)
	if err != nil {
		return err
	}
	status := model.InviteDeclined
	if accept {
		status = model.InviteAccepted
	}
	if err := svc.setInviteStatus(ctx, op, inv.ID, status); err != nil {
		return err
	}

	typ, desc := model.LogInvitationDeclined, inv.PlayerName+" declined the invitation"
	if accept {
		typ, desc = model.LogInvitationAccepted, inv.PlayerName+" accepted the invitation"
	}
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: inv.PlayerUUID, ActorName: inv.PlayerName,
		Type: typ, Description: desc, Details: fmt.Sprintf("invitation=%d", inv.ID),
	})

	if !accept {
		svc.notifyPlayer(ctx, inv.InviterUUID, notify.EventInvitationDeclined, inv)
		return nil
	}
	if _, err := svc.joinLocked(ctx, op, inv.GuildID, inv.PlayerUUID, inv.PlayerName, model.RoleMember); err != nil {
		return partial(op, "invitation accepted", err)
	}
	return nil
}

func (svc *Service) setInviteStatus(ctx context.Context, op string, id int64, status model.InviteStatus) error {
	q := svc.db.WithContext(ctx).Model(&model.GuildInvitation{}).Where("id = ?", id)
	if svc.cfg.GuardResolvedRequests {
		q = q.Where("status = ?", model.InvitePending)
	}
	res := q.Update("status", status)
	if res.Error != nil {
		return storeErr(op, res.Error)
	}
	if svc.cfg.GuardResolvedRequests && res.RowsAffected == 0 {
		return rejectf(op, "invitation already resolved")
	}
	return nil
}

// Cancel withdraws a pending invitation. The inviter or any LEADER or
// OFFICER of the guild may cancel it.
func (svc *Service) Cancel(ctx context.Context, invitationID int64, requesterID string) (err error) {
	const op = "cancel_invitation"
	defer svc.observe(op, &err, zap.Int64("invitation_id", invitationID))

	var inv model.GuildInvitation
	if err := svc.db.WithContext(ctx).First(&inv, invitationID).Error; err != nil {
		return lookupErr(op, "invitation", err)
	}
	actorName := inv.InviterName
	if requesterID != inv.InviterUUID {
		staff, err := svc.requireStaff(ctx, op, inv.GuildID, requesterID)
		if err != nil {
			return err
		}
		actorName = staff.PlayerName
	}
	if inv.Status != model.InvitePending {
		return rejectf(op, "invitation is %s", inv.Status)
	}
	if err := svc.setInviteStatus(ctx, op, inv.ID, model.InviteExpired); err != nil {
		return err
	}

	g, err := svc.Get(ctx, inv.GuildID)
	if err != nil {
		return err
	}
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: requesterID, ActorName: actorName,
		Type: model.LogInvitationCancelled, Description: "invitation to " + inv.PlayerName + " cancelled",
		Details: fmt.Sprintf("invitation=%d", inv.ID),
	})
	svc.notifyPlayer(ctx, inv.PlayerUUID, notify.EventInvitationCancelled, map[string]any{
		"invitation_id": inv.ID,
		"guild_id":      g.ID,
	})
	return nil
}

// GetPendingFromInviter returns the newest unexpired PENDING invitation from
// inviterID to targetID.
func (svc *Service) GetPendingFromInviter(ctx context.Context, targetID, inviterID string) (*model.GuildInvitation, error) {
	return firstPending("get_pending_from_inviter", svc.pending(ctx, targetID).Where("inviter_uuid = ?", inviterID))
}

// GetPendingForGuild returns the newest unexpired PENDING invitation from
// guildID to targetID.
func (svc *Service) GetPendingForGuild(ctx context.Context, targetID string, guildID int64) (*model.GuildInvitation, error) {
	return firstPending("get_pending_for_guild", svc.pending(ctx, targetID).Where("guild_id = ?", guildID))
}

// ListPendingForPlayer returns every unexpired PENDING invitation to
// targetID, newest first.
func (svc *Service) ListPendingForPlayer(ctx context.Context, targetID string) ([]model.GuildInvitation, error) {
	var invs []model.GuildInvitation
	if err := svc.pending(ctx, targetID).Find(&invs).Error; err != nil {
		return nil, storeErr("list_pending_invitations", err)
	}
	return invs, nil
}

// pending selects the target's live invitations. Expiry is lazy: a row
// whose expires_at is not after now is treated as gone even though its
// status still reads PENDING.
func (svc *Service) pending(ctx context.Context, targetID string) *gorm.DB {
	return svc.db.WithContext(ctx).Model(&model.GuildInvitation{}).
		Where("player_uuid = ? AND status = ? AND expires_at > ?", targetID, model.InvitePending, svc.timestamp()).
		Order("created_at DESC").Order("id DESC")
}

func firstPending(op string, q *gorm.DB) (*model.GuildInvitation, error) {
	var inv model.GuildInvitation
	if err := q.First(&inv).Error; err != nil {
		return nil, lookupErr(op, "pending invitation", err)
	}
	return &inv, nil
}
