package guild

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/guildsvc/cache"
)

const defaultLockTTL = 10 * time.Second

func playerKey(playerID string) string { return "lock:guild:player:" + playerID }

// pairKey orders the two ids so both directions share one lock.
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("lock:guild:relation:%d_%d", a, b)
}

// playerLocks serializes membership mutations per player through SetNX keys
// in the shared cache. Each holder writes a random token so an expired lock
// taken over by someone else is never released by the old holder.
type playerLocks struct {
	cache cache.Cache
	ttl   time.Duration
}

func newPlayerLocks(c cache.Cache, ttl time.Duration) *playerLocks {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &playerLocks{cache: c, ttl: ttl}
}

// acquire takes every key or none. Keys are taken in sorted order. A key
// already held fails fast with a Conflict error.
func (l *playerLocks) acquire(ctx context.Context, op string, keys ...string) (func(), error) {
	keys = dedupe(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Release must run even when the caller's context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		for _, k := range held {
			_, _ = l.cache.CompareAndDelete(rctx, k, token)
		}
	}

	for _, k := range keys {
		ok, err := l.cache.SetNX(ctx, k, token, l.ttl)
		if err != nil {
			release()
			return nil, &Error{Kind: KindStorage, Op: op, Msg: "lock " + k, Err: err}
		}
		if !ok {
			release()
			return nil, conflict(op, "another operation holds "+k, nil)
		}
		held = append(held, k)
	}
	return release, nil
}

func dedupe(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
