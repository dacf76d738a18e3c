package hook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInterrupt signals that a Hook handler wants to stop further processing.
// On a before_* event it vetoes the guild operation.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn is a hook handler function.
// Returns (modified data, nil) to continue, or (data, ErrInterrupt) to stop.
type HookFn func(ctx context.Context, event string, data interface{}) (interface{}, error)

type hookEntry struct {
	priority int
	seq      int
	fn       HookFn
	name     string
}

// HookCenter manages event hook registrations.
type HookCenter struct {
	mu    sync.RWMutex
	seq   int
	hooks map[string][]*hookEntry
}

// NewHookCenter creates a new HookCenter.
func NewHookCenter() *HookCenter {
	return &HookCenter{hooks: make(map[string][]*hookEntry)}
}

// Register adds a HookFn for the given event with the given priority (lower
// runs first; equal priorities run in registration order).
// name is used for Unregister.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.seq++
	entries := append(hc.hooks[event], &hookEntry{priority: priority, seq: hc.seq, fn: fn, name: name})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].seq < entries[j].seq
	})
	hc.hooks[event] = entries
}

// Unregister removes all hooks with the given name for the given event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.hooks[event] = without(hc.hooks[event], name)
}

// UnregisterAll removes all hooks registered with the given name across all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		hc.hooks[event] = without(entries, name)
	}
}

func without(entries []*hookEntry, name string) []*hookEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.name != name {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether any handler is registered for event.
func (hc *HookCenter) Has(event string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event]) > 0
}

// Trigger executes all registered hooks for event in priority order.
// Data flows through each handler, allowing modification. A handler that
// returns ErrInterrupt stops the chain and the interrupt is returned. Other
// handler errors and panics do not stop the chain; they are joined and
// returned once every handler ran.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data interface{}) (interface{}, error) {
	hc.mu.RLock()
	entries := make([]*hookEntry, len(hc.hooks[event]))
	copy(entries, hc.hooks[event])
	hc.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		out, err := safeCall(ctx, e, event, data)
		if errors.Is(err, ErrInterrupt) {
			return out, err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("hook %s: %w", e.name, err))
			continue
		}
		data = out
	}
	return data, errors.Join(errs...)
}

func safeCall(ctx context.Context, e *hookEntry, event string, data interface{}) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = data, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, event, data)
}

// ---- Guild hook events ----

const (
	BeforeGuildJoin      = "before_guild_join"
	AfterGuildCreate     = "after_guild_create"
	AfterGuildJoin       = "after_guild_join"
	AfterGuildLeave      = "after_guild_leave"
	AfterGuildDissolve   = "after_guild_dissolve"
	AfterRoleChange      = "after_guild_role_change"
	AfterRelationPropose = "after_relation_propose"
)
