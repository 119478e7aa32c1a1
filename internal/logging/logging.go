// Package logging provides the slog plumbing shared by every attrsvc
// component: loggers are dependency-injected, scoped once at construction
// with a "component" attribute, and default to discarding output when the
// caller provides none. Global configuration (format, level, destination)
// belongs only in main().
//
// Log points are lifecycle boundaries only (e.g. the coalescer's debug lines
// when a compute starts and ends) — never inside the filegate hash loop or
// the splitlog scan loop.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. Every
// constructor taking an optional *slog.Logger funnels through this:
//
//	logger: logging.Default(cfg.Logger).With("component", "coalescer")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ComponentFilterHandler wraps an slog.Handler and applies a per-component
// minimum level, keyed on the "component" attribute the constructors attach.
// Levels can be changed at runtime (e.g. `attrsvc serve --debug-component
// coalescer` raises just that component to debug), so a noisy subsystem can
// be inspected without flooding the log with every component's debug output.
//
// Handlers derived via WithAttrs/WithGroup share the same level table, so a
// SetLevel call is observed by every component logger already handed out.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// preAttrs holds attributes attached via WithAttrs, where the
	// "component" attribute lands when a constructor calls
	// logger.With("component", ...).
	preAttrs []slog.Attr

	levels *levelTable
}

type levelTable struct {
	mu sync.RWMutex
	m  map[string]slog.Level
}

// NewComponentFilterHandler wraps next. Components without an explicit
// level fall back to defaultLevel.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       &levelTable{m: make(map[string]slog.Level)},
	}
}

// Enabled always reports true: the decision needs the record's "component"
// attribute, which is only visible in Handle.
func (h *ComponentFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < h.minLevel(h.findComponent(r)) {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) minLevel(component string) slog.Level {
	if component == "" {
		return h.defaultLevel
	}
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	if level, ok := h.levels.m[component]; ok {
		return level
	}
	return h.defaultLevel
}

// findComponent extracts the "component" attribute from preAttrs first
// (the construction-time With call), then from the record itself.
func (h *ComponentFilterHandler) findComponent(r slog.Record) string {
	for _, attr := range h.preAttrs {
		if attr.Key == "component" {
			if s, ok := attr.Value.Resolve().Any().(string); ok {
				return s
			}
		}
	}
	var component string
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
				return false
			}
		}
		return true
	})
	return component
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	pre := make([]slog.Attr, len(h.preAttrs), len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	pre = append(pre, attrs...)
	return &ComponentFilterHandler{
		next:         h.next.WithAttrs(attrs),
		defaultLevel: h.defaultLevel,
		preAttrs:     pre,
		levels:       h.levels,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:         h.next.WithGroup(name),
		defaultLevel: h.defaultLevel,
		preAttrs:     h.preAttrs,
		levels:       h.levels,
	}
}

// SetLevel sets the minimum level for one component at runtime.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.m[component] = level
}

// ClearLevel reverts a component to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	delete(h.levels.m, component)
}

// Level reports the effective minimum level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.minLevel(component)
}

// DefaultLevel reports the level components without an override use.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
