package scheduler

import (
	"context"
	"time"

	"github.com/kasuganosora/guildsvc/config"
	"go.uber.org/zap"
)

// Task names registered by RegisterMaintenance.
const (
	TaskLogPrune       = "guild_log_prune"
	TaskRelationExpire = "guild_relation_expire"
)

// LogPruner deletes guild log rows older than a retention window.
type LogPruner interface {
	PruneOlderThan(ctx context.Context, days int, now time.Time) (int64, error)
}

// RelationExpirer lapses relation proposals past their expiry.
type RelationExpirer interface {
	ExpireRelations(ctx context.Context) (int64, error)
}

// RegisterMaintenance schedules log retention and relation expiry.
// A non-positive retention disables pruning.
func RegisterMaintenance(s *Scheduler, cfg config.AuditConfig, logs LogPruner, rels RelationExpirer) {
	if cfg.RetentionDays > 0 && cfg.PruneInterval > 0 {
		s.AddTicker(TaskLogPrune, cfg.PruneInterval, func(ctx context.Context) error {
			n, err := logs.PruneOlderThan(ctx, cfg.RetentionDays, time.Now())
			if n > 0 {
				s.logger.Info("guild log retention applied", zap.Int64("rows", n), zap.Int("days", cfg.RetentionDays))
			}
			return err
		})
	}
	if cfg.ExpireInterval > 0 {
		s.AddTicker(TaskRelationExpire, cfg.ExpireInterval, func(ctx context.Context) error {
			_, err := rels.ExpireRelations(ctx)
			return err
		})
	}
}
