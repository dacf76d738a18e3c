package hook

import (
	"context"

	"go.uber.org/zap"
)

// AfterEvents lists every notification-only guild event.
var AfterEvents = []string{
	AfterGuildCreate, AfterGuildJoin, AfterGuildLeave,
	AfterGuildDissolve, AfterRoleChange, AfterRelationPropose,
}

const eventLogName = "builtin.event_log"

// LogEvents registers a last-priority hook that writes every after_* event
// to logger at debug level.
func LogEvents(hc *HookCenter, logger *zap.Logger) {
	fn := func(_ context.Context, event string, data interface{}) (interface{}, error) {
		logger.Debug("guild event", zap.String("event", event), zap.Any("data", data))
		return data, nil
	}
	for _, ev := range AfterEvents {
		hc.Register(ev, 1<<20, eventLogName, fn)
	}
}
