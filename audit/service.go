package audit

import (
	"context"
	"sync"
	"time"

	"github.com/kasuganosora/guildsvc/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry holds one guild action to be recorded.
type Entry struct {
	GuildID     int64
	GuildName   string
	ActorID     string
	ActorName   string
	Type        model.LogType
	Description string
	Details     string
}

// SystemEntry fills in the SYSTEM actor for actions no player performed.
func SystemEntry(guildID int64, guildName string, typ model.LogType, description, details string) Entry {
	return Entry{
		GuildID:     guildID,
		GuildName:   guildName,
		ActorID:     model.SystemActorUUID,
		ActorName:   model.SystemActorName,
		Type:        typ,
		Description: description,
		Details:     details,
	}
}

// Options tunes the background writer.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
}

// Service records guild log entries asynchronously in batches and serves
// the read side of the log.
type Service struct {
	db      *gorm.DB
	opts    Options
	ch      chan *model.GuildLog
	flushCh chan chan struct{}
	stopCh  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger, opts Options) *Service {
	opts.normalize()
	svc := &Service{
		db:      db,
		opts:    opts,
		ch:      make(chan *model.GuildLog, opts.QueueSize),
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		logger:  logger,
		now:     time.Now,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// SetClock overrides the time source used to stamp entries.
func (svc *Service) SetClock(now func() time.Time) {
	svc.now = now
}

// Append enqueues an entry for an async DB write. It never blocks and never
// fails the caller; false means the entry was dropped and the reason logged.
func (svc *Service) Append(e Entry) bool {
	if !e.Type.Valid() {
		svc.logger.Warn("audit entry with unknown log type dropped",
			zap.String("log_type", string(e.Type)), zap.Int64("guild_id", e.GuildID))
		return false
	}
	select {
	case <-svc.stopCh:
		svc.logger.Warn("audit service stopped, dropping entry",
			zap.String("log_type", string(e.Type)))
		return false
	default:
	}
	record := &model.GuildLog{
		GuildID:     e.GuildID,
		GuildName:   e.GuildName,
		PlayerUUID:  e.ActorID,
		PlayerName:  e.ActorName,
		LogType:     e.Type,
		Description: e.Description,
		Details:     e.Details,
		CreatedAt:   model.FormatTime(svc.now()),
	}
	select {
	case svc.ch <- record:
		return true
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("log_type", string(e.Type)), zap.Int64("guild_id", e.GuildID))
		return false
	}
}

// Flush blocks until every entry appended before the call is written.
func (svc *Service) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case svc.flushCh <- done:
	case <-svc.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.once.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(svc.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]*model.GuildLog, 0, svc.opts.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed",
				zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case entry := <-svc.ch:
				batch = append(batch, entry)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= svc.opts.BatchSize {
				flush()
			}
		case done := <-svc.flushCh:
			drain()
			close(done)
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			drain()
			return
		}
	}
}

// List returns a page of a guild's log, newest first.
func (svc *Service) List(ctx context.Context, guildID int64, limit, offset int) ([]model.GuildLog, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var logs []model.GuildLog
	err := svc.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&logs).Error
	return logs, err
}

// Count returns the number of log rows stored for a guild.
func (svc *Service) Count(ctx context.Context, guildID int64) (int64, error) {
	var n int64
	err := svc.db.WithContext(ctx).Model(&model.GuildLog{}).
		Where("guild_id = ?", guildID).Count(&n).Error
	return n, err
}

// PruneOlderThan deletes rows created more than days before now and returns
// how many were removed. The threshold comes from the caller's clock, not
// the store's.
func (svc *Service) PruneOlderThan(ctx context.Context, days int, now time.Time) (int64, error) {
	threshold := model.FormatTime(now.AddDate(0, 0, -days))
	res := svc.db.WithContext(ctx).
		Where("created_at < ?", threshold).
		Delete(&model.GuildLog{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		svc.logger.Info("guild log pruned",
			zap.Int64("rows", res.RowsAffected), zap.String("before", threshold))
	}
	return res.RowsAffected, nil
}
