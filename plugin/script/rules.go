package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dop251/goja"
	"github.com/kasuganosora/guildsvc/plugin/hook"
	"go.uber.org/zap"
)

// RulePriority orders script hooks after Go handlers registered at lower values.
const RulePriority = 100

// Rule is a compiled script bound to one hook event.
//
// A rule sees the event payload as the global `event` and may call
// log(msg). On a before_* event, evaluating to false vetoes the operation
// and evaluating to a non-empty string vetoes it with that reason.
type Rule struct {
	Name  string
	Event string
	prog  *goja.Program
}

// Compile builds a Rule from source.
func Compile(event, name, src string) (*Rule, error) {
	if !knownEvent(event) {
		return nil, fmt.Errorf("script: unknown event %q", event)
	}
	prog, err := goja.Compile(event+"."+name, src, true)
	if err != nil {
		return nil, fmt.Errorf("script: compile %s: %w", name, err)
	}
	return &Rule{Name: name, Event: event, prog: prog}, nil
}

func knownEvent(event string) bool {
	return event == hook.BeforeGuildJoin || slices.Contains(hook.AfterEvents, event)
}

// ParseFileName splits "<event>.js" or "<event>.<name>.js".
func ParseFileName(file string) (event, name string, ok bool) {
	base, found := strings.CutSuffix(filepath.Base(file), ".js")
	if !found || base == "" {
		return "", "", false
	}
	event, name, _ = strings.Cut(base, ".")
	if name == "" {
		name = event
	}
	return event, name, event != ""
}

// LoadDir compiles every *.js file in dir, in file name order. A missing
// directory yields no rules.
func LoadDir(dir string) ([]*Rule, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", dir, err)
	}

	var rules []*Rule
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		event, name, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("script: read %s: %w", e.Name(), err)
		}
		r, err := Compile(event, name, string(src))
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Register installs rules as hooks on hc.
func (sb *Sandbox) Register(hc *hook.HookCenter, rules ...*Rule) {
	for _, r := range rules {
		hc.Register(r.Event, RulePriority, "script."+r.Name, sb.handler(r))
		sb.logger.Info("script rule loaded", zap.String("event", r.Event), zap.String("name", r.Name))
	}
}

func (sb *Sandbox) handler(r *Rule) hook.HookFn {
	return func(ctx context.Context, event string, data interface{}) (interface{}, error) {
		payload, err := plain(data)
		if err != nil {
			return data, fmt.Errorf("script %s: %w", r.Name, err)
		}
		out, err := sb.pool.Run(ctx, r.prog, Globals{
			"event": payload,
			"log": func(msg string) {
				sb.logger.Info("script log", zap.String("rule", r.Name), zap.String("msg", msg))
			},
		})
		if err != nil {
			return data, fmt.Errorf("script %s: %w", r.Name, err)
		}
		if !strings.HasPrefix(event, "before_") {
			return data, nil
		}
		switch v := out.(type) {
		case bool:
			if !v {
				return data, hook.ErrInterrupt
			}
		case string:
			if v != "" {
				return data, fmt.Errorf("%w: %s", hook.ErrInterrupt, v)
			}
		}
		return data, nil
	}
}

// plain converts a hook payload into maps keyed by its json names, so
// scripts see the same field names as API clients.
func plain(data interface{}) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
