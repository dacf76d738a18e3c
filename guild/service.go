// Package guild coordinates guild lifecycle, membership, requests and
// inter-guild relations on top of one shared gorm store.
package guild

import (
	"context"
	"errors"
	"time"

	"github.com/kasuganosora/guildsvc/audit"
	"github.com/kasuganosora/guildsvc/cache"
	"github.com/kasuganosora/guildsvc/config"
	"github.com/kasuganosora/guildsvc/model"
	"github.com/kasuganosora/guildsvc/notify"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AuditLog receives entries for the guild log. Append must not block.
type AuditLog interface {
	Append(e audit.Entry) bool
}

// PermissionInvalidator drops a player's cached capability snapshot.
type PermissionInvalidator interface {
	Invalidate(ctx context.Context, playerID string) error
}

// Economy charges players for guild actions.
type Economy interface {
	Charge(ctx context.Context, playerID string, amount int64, reason string) error
}

// NoopEconomy accepts every charge.
type NoopEconomy struct{}

func (NoopEconomy) Charge(context.Context, string, int64, string) error { return nil }

// Service is the guild coordinator. All public methods are safe for
// concurrent use.
type Service struct {
	db       *gorm.DB
	cfg      config.GuildConfig
	locks    *playerLocks
	audit    AuditLog
	perms    PermissionInvalidator
	notifier notify.Notifier
	hooks    *hook.HookCenter
	economy  Economy
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a guild Service. c backs the per-player locks.
func NewService(db *gorm.DB, c cache.Cache, auditLog AuditLog, cfg config.GuildConfig, logger *zap.Logger) *Service {
	if cfg.DefaultMaxMembers <= 0 {
		cfg.DefaultMaxMembers = config.DefaultGuildConfig().DefaultMaxMembers
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = config.DefaultGuildConfig().InviteTTL
	}
	if cfg.RelationTTL <= 0 {
		cfg.RelationTTL = config.DefaultGuildConfig().RelationTTL
	}
	return &Service{
		db:       db,
		cfg:      cfg,
		locks:    newPlayerLocks(c, cfg.LockTTL),
		audit:    auditLog,
		notifier: notify.Discard,
		economy:  NoopEconomy{},
		logger:   logger,
		now:      time.Now,
	}
}

// SetInvalidator wires the permission cache that must forget a player
// whenever their membership changes.
func (svc *Service) SetInvalidator(p PermissionInvalidator) { svc.perms = p }

// SetNotifier wires the channel used to reach online players.
func (svc *Service) SetNotifier(n notify.Notifier) { svc.notifier = n }

// SetHooks wires the plugin hook center.
func (svc *Service) SetHooks(hc *hook.HookCenter) { svc.hooks = hc }

// SetEconomy wires the currency ledger charged on guild creation.
func (svc *Service) SetEconomy(e Economy) { svc.economy = e }

// SetClock overrides the time source.
func (svc *Service) SetClock(now func() time.Time) { svc.now = now }

func (svc *Service) timestamp() string { return model.FormatTime(svc.now()) }

// observe logs failures that point at the store or at contention. Rule
// rejections are expected traffic and stay quiet.
func (svc *Service) observe(op string, errp *error, fields ...zap.Field) {
	err := *errp
	if err == nil {
		return
	}
	switch KindOf(err) {
	case KindValidation, KindPermission, KindNotFound:
		return
	case KindConflict:
		svc.logger.Warn("guild op conflict", append(fields, zap.String("op", op), zap.Error(err))...)
	default:
		svc.logger.Error("guild op failed", append(fields, zap.String("op", op), zap.Error(err))...)
	}
}

func (svc *Service) record(e audit.Entry) {
	if svc.audit == nil {
		return
	}
	svc.audit.Append(e)
}

func (svc *Service) invalidate(ctx context.Context, playerIDs ...string) {
	if svc.perms == nil {
		return
	}
	for _, id := range playerIDs {
		if err := svc.perms.Invalidate(ctx, id); err != nil {
			svc.logger.Warn("permission invalidate failed", zap.String("player", id), zap.Error(err))
		}
	}
}

func (svc *Service) notifyGuild(ctx context.Context, guildID int64, event string, payload any) {
	if err := svc.notifier.NotifyGuild(ctx, guildID, event, payload); err != nil {
		svc.logger.Debug("guild notify failed",
			zap.Int64("guild_id", guildID), zap.String("event", event), zap.Error(err))
	}
}

func (svc *Service) notifyPlayer(ctx context.Context, playerID, event string, payload any) {
	if err := svc.notifier.NotifyPlayer(ctx, playerID, event, payload); err != nil {
		svc.logger.Debug("player notify failed",
			zap.String("player", playerID), zap.String("event", event), zap.Error(err))
	}
}

// before runs an interruptible hook. An interrupt vetoes the operation.
func (svc *Service) before(ctx context.Context, op, event string, payload any) error {
	if svc.hooks == nil {
		return nil
	}
	_, err := svc.hooks.Trigger(ctx, event, payload)
	if errors.Is(err, hook.ErrInterrupt) {
		return rejectf(op, "blocked by %s hook", event)
	}
	if err != nil {
		svc.logger.Warn("hook failed", zap.String("event", event), zap.Error(err))
	}
	return nil
}

func (svc *Service) after(ctx context.Context, event string, payload any) {
	if svc.hooks == nil {
		return
	}
	if _, err := svc.hooks.Trigger(ctx, event, payload); err != nil {
		svc.logger.Warn("hook failed", zap.String("event", event), zap.Error(err))
	}
}

// ---- hook payloads ----

// GuildEvent is passed to create and dissolve hooks.
type GuildEvent struct {
	Guild   model.Guild `json:"guild"`
	ActorID string      `json:"actor_id"`
}

// JoinEvent is passed to join hooks.
type JoinEvent struct {
	GuildID    int64      `json:"guild_id"`
	GuildName  string     `json:"guild_name"`
	PlayerID   string     `json:"player_id"`
	PlayerName string     `json:"player_name"`
	Role       model.Role `json:"role"`
}

// LeaveEvent is passed to leave hooks. ActorID differs from PlayerID on a kick.
type LeaveEvent struct {
	GuildID    int64  `json:"guild_id"`
	GuildName  string `json:"guild_name"`
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	ActorID    string `json:"actor_id"`
	Kicked     bool   `json:"kicked"`
}

// RoleEvent is passed to role change hooks.
type RoleEvent struct {
	GuildID  int64      `json:"guild_id"`
	PlayerID string     `json:"player_id"`
	From     model.Role `json:"from"`
	To       model.Role `json:"to"`
	ActorID  string     `json:"actor_id"`
}
