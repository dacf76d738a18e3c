// Package permission derives a player's guild capabilities from their role
// and caches the result per player until the membership changes.
package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/kasuganosora/guildsvc/guild"
	"github.com/kasuganosora/guildsvc/model"
	"go.uber.org/zap"
)

// Capability is one guild action a player may be allowed to perform.
type Capability string

const (
	CreateGuild     Capability = "CREATE_GUILD"
	Invite          Capability = "INVITE"
	Kick            Capability = "KICK"
	ManageRoles     Capability = "MANAGE_ROLES"
	ManageRelations Capability = "MANAGE_RELATIONS"
	EditGuild       Capability = "EDIT_GUILD"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{CreateGuild, Invite, Kick, ManageRoles, ManageRelations, EditGuild}

// ParseCapability converts a label to a Capability.
func ParseCapability(label string) (Capability, bool) {
	c := Capability(label)
	for _, known := range AllCapabilities {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// Snapshot is the resolved capability set of one player.
type Snapshot struct {
	Role            model.Role `json:"role,omitempty"`
	CreateGuild     bool       `json:"create_guild"`
	Invite          bool       `json:"invite"`
	Kick            bool       `json:"kick"`
	ManageRoles     bool       `json:"manage_roles"`
	ManageRelations bool       `json:"manage_relations"`
	EditGuild       bool       `json:"edit_guild"`
}

// Has reports whether the snapshot grants c.
func (s Snapshot) Has(c Capability) bool {
	switch c {
	case CreateGuild:
		return s.CreateGuild
	case Invite:
		return s.Invite
	case Kick:
		return s.Kick
	case ManageRoles:
		return s.ManageRoles
	case ManageRelations:
		return s.ManageRelations
	case EditGuild:
		return s.EditGuild
	}
	return false
}

func fromTier(role model.Role, t config.RoleCapabilities) Snapshot {
	return Snapshot{
		Role:            role,
		CreateGuild:     t.CreateGuild,
		Invite:          t.Invite,
		Kick:            t.Kick,
		ManageRoles:     t.ManageRoles,
		ManageRelations: t.ManageRelations,
		EditGuild:       t.EditGuild,
	}
}

// MemberLookup resolves a player's current membership. A player outside
// any guild yields an error matching guild.ErrNotFound.
type MemberLookup interface {
	GetMember(ctx context.Context, playerID string) (*model.GuildMember, error)
}

// Resolver answers capability questions from cached per-player snapshots.
//
// Each player has a generation key next to the snapshot hash. Invalidate
// bumps the generation, so a snapshot computed from a read that raced with
// a membership change is never served afterwards.
type Resolver struct {
	members MemberLookup
	cache   cache.Cache
	matrix  config.PermissionsConfig
	logger  *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(members MemberLookup, c cache.Cache, matrix config.PermissionsConfig, logger *zap.Logger) *Resolver {
	return &Resolver{members: members, cache: c, matrix: matrix, logger: logger}
}

func snapshotKey(playerID string) string   { return "perm:snap:" + playerID }
func generationKey(playerID string) string { return "perm:gen:" + playerID }

// HasCapability reports whether the player currently holds c.
func (r *Resolver) HasCapability(ctx context.Context, playerID string, c Capability) (bool, error) {
	snap, err := r.Snapshot(ctx, playerID)
	if err != nil {
		return false, err
	}
	return snap.Has(c), nil
}

// Require fails with a guild.ErrPermission match when the player lacks c.
func (r *Resolver) Require(ctx context.Context, playerID string, c Capability) error {
	ok, err := r.HasCapability(ctx, playerID, c)
	if err != nil {
		return err
	}
	if !ok {
		return &guild.Error{Kind: guild.KindPermission, Op: "capability", Msg: "missing " + string(c)}
	}
	return nil
}

// Snapshot returns the player's capability set, computing and caching it on
// a miss.
func (r *Resolver) Snapshot(ctx context.Context, playerID string) (Snapshot, error) {
	gen, err := r.cache.Get(ctx, generationKey(playerID))
	if err != nil && !cache.IsNotFound(err) {
		r.logger.Warn("permission generation read failed, resolving uncached",
			zap.String("player", playerID), zap.Error(err))
		return r.resolve(ctx, playerID)
	}

	fields, err := r.cache.HGetAll(ctx, snapshotKey(playerID))
	if err == nil && len(fields) > 0 && fields["gen"] == gen {
		return decode(fields), nil
	}

	snap, err := r.resolve(ctx, playerID)
	if err != nil {
		return Snapshot{}, err
	}
	if err := r.cache.HMSet(ctx, snapshotKey(playerID), encode(snap, gen)); err != nil {
		r.logger.Warn("permission snapshot write failed",
			zap.String("player", playerID), zap.Error(err))
	}
	return snap, nil
}

// Invalidate drops the cached snapshot. It must be called whenever the
// player's membership or role changes.
func (r *Resolver) Invalidate(ctx context.Context, playerID string) error {
	if err := r.cache.Set(ctx, generationKey(playerID), uuid.NewString(), 0); err != nil {
		return fmt.Errorf("permission: bump generation: %w", err)
	}
	if err := r.cache.Del(ctx, snapshotKey(playerID)); err != nil {
		return fmt.Errorf("permission: drop snapshot: %w", err)
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, playerID string) (Snapshot, error) {
	m, err := r.members.GetMember(ctx, playerID)
	if errors.Is(err, guild.ErrNotFound) {
		return fromTier("", r.matrix.Default), nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return fromTier(m.Role, r.tier(m.Role)), nil
}

func (r *Resolver) tier(role model.Role) config.RoleCapabilities {
	switch role {
	case model.RoleLeader:
		return r.matrix.Leader
	case model.RoleOfficer:
		return r.matrix.Officer
	case model.RoleMember:
		return r.matrix.Member
	}
	return r.matrix.Default
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func encode(s Snapshot, gen string) map[string]string {
	return map[string]string{
		"gen":              gen,
		"role":             string(s.Role),
		"create_guild":     flag(s.CreateGuild),
		"invite":           flag(s.Invite),
		"kick":             flag(s.Kick),
		"manage_roles":     flag(s.ManageRoles),
		"manage_relations": flag(s.ManageRelations),
		"edit_guild":       flag(s.EditGuild),
	}
}

func decode(f map[string]string) Snapshot {
	return Snapshot{
		Role:            model.Role(f["role"]),
		CreateGuild:     f["create_guild"] == "1",
		Invite:          f["invite"] == "1",
		Kick:            f["kick"] == "1",
		ManageRoles:     f["manage_roles"] == "1",
		ManageRelations: f["manage_relations"] == "1",
		EditGuild:       f["edit_guild"] == "1",
	}
}
