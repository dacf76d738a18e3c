package guild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxNameLen = 32
	maxTagLen  = 8
)

// UpdateGuildInput carries the editable guild fields. Nil fields are kept.
type UpdateGuildInput struct {
	Name        *string
	Tag         *string
	Description *string
}

func validName(op, name string) error {
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return rejectf(op, "name must be 1-%d characters", maxNameLen)
	}
	return nil
}

func validTag(op, tag string) error {
	if tag == "" || utf8.RuneCountInString(tag) > maxTagLen {
		return rejectf(op, "tag must be 1-%d characters", maxTagLen)
	}
	return nil
}

func validPlayer(op, playerID string) error {
	if _, err := uuid.Parse(playerID); err != nil {
		return rejectf(op, "invalid player id %q", playerID)
	}
	return nil
}

// Create founds a guild with leaderID as its LEADER.
func (svc *Service) Create(ctx context.Context, name, tag, description, leaderID, leaderName string) (g *model.Guild, err error) {
	const op = "create"
	defer svc.observe(op, &err, zap.String("player", leaderID))

	name, tag = strings.TrimSpace(name), strings.TrimSpace(tag)
	if err := validName(op, name); err != nil {
		return nil, err
	}
	if err := validTag(op, tag); err != nil {
		return nil, err
	}
	if err := validPlayer(op, leaderID); err != nil {
		return nil, err
	}

	release, err := svc.locks.acquire(ctx, op, playerKey(leaderID))
	if err != nil {
		return nil, err
	}
	defer release()

	db := svc.db.WithContext(ctx)
	if _, err := svc.GetByName(ctx, name); err == nil {
		return nil, rejectf(op, "name %q is taken", name)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := svc.GetByTag(ctx, tag); err == nil {
		return nil, rejectf(op, "tag %q is taken", tag)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := svc.GetMember(ctx, leaderID); err == nil {
		return nil, rejectf(op, "player already belongs to a guild")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := svc.economy.Charge(ctx, leaderID, svc.cfg.CreationCost, "guild_create"); err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Msg: "creation fee not paid", Err: err}
	}

	now := svc.timestamp()
	g = &model.Guild{
		Name:        name,
		Tag:         tag,
		Description: description,
		LeaderUUID:  leaderID,
		LeaderName:  leaderName,
		Level:       1,
		MaxMembers:  svc.cfg.DefaultMaxMembers,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	leader := &model.GuildMember{
		PlayerUUID: leaderID,
		PlayerName: leaderName,
		Role:       model.RoleLeader,
		JoinedAt:   now,
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(g).Error; err != nil {
			return err
		}
		leader.GuildID = g.ID
		return tx.Create(leader).Error
	})
	if err != nil {
		return nil, storeErr(op, err)
	}

	svc.logger.Info("guild created", zap.Int64("guild_id", g.ID), zap.String("name", name), zap.String("leader", leaderID))
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: leaderID, ActorName: leaderName,
		Type: model.LogGuildCreated, Description: "guild created",
		Details: fmt.Sprintf("tag=%s", g.Tag),
	})
	svc.invalidate(ctx, leaderID)
	svc.notifyPlayer(ctx, leaderID, notify.EventMemberJoined, leader)
	svc.after(ctx, hook.AfterGuildCreate, GuildEvent{Guild: *g, ActorID: leaderID})
	return g, nil
}

// Delete dissolves a guild. Only its LEADER may do this.
func (svc *Service) Delete(ctx context.Context, guildID int64, requesterID string) (err error) {
	const op = "delete"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	release, err := svc.locks.acquire(ctx, op, playerKey(requesterID))
	if err != nil {
		return err
	}
	defer release()

	g, err := svc.Get(ctx, guildID)
	if err != nil {
		return err
	}
	m, err := svc.GetGuildMember(ctx, guildID, requesterID)
	if err != nil && KindOf(err) != KindNotFound {
		return err
	}
	if m == nil || m.Role != model.RoleLeader {
		return deny(op, "only the guild leader can dissolve the guild")
	}
	return svc.dissolve(ctx, op, g, requesterID)
}

// dissolve removes the guild with everything that hangs off it. The log
// entry names the leader as they were before the delete.
func (svc *Service) dissolve(ctx context.Context, op string, g *model.Guild, actorID string) error {
	var members []model.GuildMember
	now := svc.timestamp()
	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked model.Guild
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&locked, g.ID).Error; err != nil {
			return err
		}
		if err := tx.Where("guild_id = ?", g.ID).Find(&members).Error; err != nil {
			return err
		}
		if err := tx.Where("guild_id = ?", g.ID).Delete(&model.GuildMember{}).Error; err != nil {
			return err
		}
		if err := tx.Where("guild_id = ? AND status = ?", g.ID, model.ApplicationPending).
			Delete(&model.GuildApplication{}).Error; err != nil {
			return err
		}
		if err := tx.Where("guild_id = ? AND status = ?", g.ID, model.InvitePending).
			Delete(&model.GuildInvitation{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&model.GuildRelation{}).
			Where("(guild1_id = ? OR guild2_id = ?) AND status IN ?", g.ID, g.ID, model.CurrentRelationStatuses).
			Updates(map[string]any{"status": model.RelationTerminated, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Guild{}, g.ID).Error
	})
	if err != nil {
		return storeErr(op, err)
	}

	svc.logger.Info("guild dissolved", zap.Int64("guild_id", g.ID), zap.Int("members", len(members)))
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: g.LeaderUUID, ActorName: g.LeaderName,
		Type: model.LogGuildDissolved, Description: "guild dissolved",
		Details: fmt.Sprintf("members=%d", len(members)),
	})
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.PlayerUUID
	}
	svc.invalidate(ctx, ids...)
	svc.notifyGuild(ctx, g.ID, notify.EventGuildDissolved, g)
	svc.after(ctx, hook.AfterGuildDissolve, GuildEvent{Guild: *g, ActorID: actorID})
	return nil
}

// Update edits name, tag and description. The requester must be LEADER or
// OFFICER of the guild.
func (svc *Service) Update(ctx context.Context, guildID int64, in UpdateGuildInput, requesterID string) (err error) {
	const op = "update"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	g, err := svc.Get(ctx, guildID)
	if err != nil {
		return err
	}
	actor, err := svc.requireStaff(ctx, op, guildID, requesterID)
	if err != nil {
		return err
	}

	updates := map[string]any{}
	var changed []string
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name != g.Name {
			if err := validName(op, name); err != nil {
				return err
			}
			if _, err := svc.GetByName(ctx, name); err == nil {
				return rejectf(op, "name %q is taken", name)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			updates["name"] = name
			changed = append(changed, "name="+name)
		}
	}
	if in.Tag != nil {
		tag := strings.TrimSpace(*in.Tag)
		if tag != g.Tag {
			if err := validTag(op, tag); err != nil {
				return err
			}
			if _, err := svc.GetByTag(ctx, tag); err == nil {
				return rejectf(op, "tag %q is taken", tag)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			updates["tag"] = tag
			changed = append(changed, "tag="+tag)
		}
	}
	if in.Description != nil && *in.Description != g.Description {
		updates["description"] = *in.Description
		changed = append(changed, "description")
	}
	if len(updates) == 0 {
		return nil
	}

	g, err = svc.mutate(ctx, op, guildID, updates)
	if err != nil {
		return err
	}
	svc.record(audit.Entry{
		GuildID: g.ID, GuildName: g.Name, ActorID: actor.PlayerUUID, ActorName: actor.PlayerName,
		Type: model.LogGuildUpdated, Description: "guild updated",
		Details: strings.Join(changed, ";"),
	})
	svc.notifyGuild(ctx, g.ID, notify.EventGuildUpdated, g)
	return nil
}

// SetFrozen freezes or thaws a guild. A frozen guild accepts no new members.
func (svc *Service) SetFrozen(ctx context.Context, guildID int64, frozen bool) (err error) {
	const op = "set_frozen"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	g, err := svc.mutate(ctx, op, guildID, map[string]any{"frozen": frozen})
	if err != nil {
		return err
	}
	typ, desc := model.LogGuildUnfrozen, "guild unfrozen"
	if frozen {
		typ, desc = model.LogGuildFrozen, "guild frozen"
	}
	svc.record(audit.SystemEntry(g.ID, g.Name, typ, desc, ""))
	svc.notifyGuild(ctx, g.ID, notify.EventGuildUpdated, g)
	return nil
}

// SetLevel changes the guild level. level must be at least 1.
func (svc *Service) SetLevel(ctx context.Context, guildID int64, level int) (err error) {
	const op = "set_level"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	if level < 1 {
		return rejectf(op, "level must be at least 1")
	}
	before, err := svc.Get(ctx, guildID)
	if err != nil {
		return err
	}
	g, err := svc.mutate(ctx, op, guildID, map[string]any{"level": level})
	if err != nil {
		return err
	}
	svc.record(audit.SystemEntry(g.ID, g.Name, model.LogGuildLevelChanged, "guild level changed",
		fmt.Sprintf("from=%d;to=%d", before.Level, level)))
	svc.notifyGuild(ctx, g.ID, notify.EventLevelChanged, map[string]int{"level": level})
	return nil
}

// SetMaxMembers changes the member capacity. Existing members above the new
// capacity stay; only joins are refused.
func (svc *Service) SetMaxMembers(ctx context.Context, guildID int64, maxMembers int) (err error) {
	const op = "set_max_members"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	if maxMembers < 1 {
		return rejectf(op, "max members must be at least 1")
	}
	before, err := svc.Get(ctx, guildID)
	if err != nil {
		return err
	}
	g, err := svc.mutate(ctx, op, guildID, map[string]any{"max_members": maxMembers})
	if err != nil {
		return err
	}
	svc.record(audit.SystemEntry(g.ID, g.Name, model.LogGuildCapacityChanged, "guild capacity changed",
		fmt.Sprintf("from=%d;to=%d", before.MaxMembers, maxMembers)))
	svc.notifyGuild(ctx, g.ID, notify.EventCapacityChanged, map[string]int{"max_members": maxMembers})
	return nil
}

// SetDescription replaces the description without a permission check.
func (svc *Service) SetDescription(ctx context.Context, guildID int64, description string) (err error) {
	const op = "set_description"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	g, err := svc.mutate(ctx, op, guildID, map[string]any{"description": description})
	if err != nil {
		return err
	}
	svc.record(audit.SystemEntry(g.ID, g.Name, model.LogGuildUpdated, "guild description changed", ""))
	return nil
}

// SetBanner stores the banner in its opaque text form and, when given, as a
// structured JSON document.
func (svc *Service) SetBanner(ctx context.Context, guildID int64, data string, doc json.RawMessage) (err error) {
	const op = "set_banner"
	defer svc.observe(op, &err, zap.Int64("guild_id", guildID))

	updates := map[string]any{"banner_data": data, "banner_json": nil}
	if len(doc) > 0 {
		if !json.Valid(doc) {
			return rejectf(op, "banner document is not valid JSON")
		}
		updates["banner_json"] = datatypes.JSON(doc)
	}
	g, err := svc.mutate(ctx, op, guildID, updates)
	if err != nil {
		return err
	}
	svc.record(audit.SystemEntry(g.ID, g.Name, model.LogGuildBannerChanged, "guild banner changed", ""))
	svc.notifyGuild(ctx, g.ID, notify.EventGuildUpdated, g)
	return nil
}

// mutate applies updates to one guild row and returns the row afterwards.
func (svc *Service) mutate(ctx context.Context, op string, guildID int64, updates map[string]any) (*model.Guild, error) {
	updates["updated_at"] = svc.timestamp()
	res := svc.db.WithContext(ctx).Model(&model.Guild{}).Where("id = ?", guildID).Updates(updates)
	if res.Error != nil {
		return nil, storeErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, notFound(op, "guild")
	}
	return svc.Get(ctx, guildID)
}

// Get returns the guild with the given id.
func (svc *Service) Get(ctx context.Context, guildID int64) (*model.Guild, error) {
	var g model.Guild
	if err := svc.db.WithContext(ctx).First(&g, guildID).Error; err != nil {
		return nil, lookupErr("get", "guild", err)
	}
	return &g, nil
}

// GetByName looks a guild up by its exact name.
func (svc *Service) GetByName(ctx context.Context, name string) (*model.Guild, error) {
	var g model.Guild
	if err := svc.db.WithContext(ctx).Where("name = ?", name).First(&g).Error; err != nil {
		return nil, lookupErr("get_by_name", "guild", err)
	}
	return &g, nil
}

// GetByTag looks a guild up by its exact tag.
func (svc *Service) GetByTag(ctx context.Context, tag string) (*model.Guild, error) {
	var g model.Guild
	if err := svc.db.WithContext(ctx).Where("tag = ?", tag).First(&g).Error; err != nil {
		return nil, lookupErr("get_by_tag", "guild", err)
	}
	return &g, nil
}

// List pages through all guilds in id order.
func (svc *Service) List(ctx context.Context, limit, offset int) ([]model.Guild, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	var guilds []model.Guild
	if err := svc.db.WithContext(ctx).Order("id ASC").Limit(limit).Offset(offset).Find(&guilds).Error; err != nil {
		return nil, storeErr("list", err)
	}
	return guilds, nil
}

func lookupErr(op, what string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(op, what)
	}
	return storeErr(op, err)
}
