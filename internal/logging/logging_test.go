package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscardDropsEverything(t *testing.T) {
	logger := Discard()
	require.False(t, logger.Enabled(context.Background(), slog.LevelError))
	logger.Error("should vanish")
}

func TestDefaultFallsBackToDiscard(t *testing.T) {
	require.NotNil(t, Default(nil))

	var buf bytes.Buffer
	real := slog.New(slog.NewTextHandler(&buf, nil))
	require.Same(t, real, Default(real))
}

func newFilteredLogger(defaultLevel slog.Level) (*slog.Logger, *ComponentFilterHandler, *bytes.Buffer) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, defaultLevel)
	return slog.New(filter), filter, &buf
}

func TestFilterDefaultLevel(t *testing.T) {
	logger, _, buf := newFilteredLogger(slog.LevelInfo)

	logger.Debug("hidden", "component", "coalescer")
	logger.Info("visible", "component", "coalescer")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "visible")
}

func TestFilterSetLevelAffectsOnlyThatComponent(t *testing.T) {
	logger, filter, buf := newFilteredLogger(slog.LevelInfo)
	filter.SetLevel("coalescer", slog.LevelDebug)

	logger.Debug("coalescer debug", "component", "coalescer")
	logger.Debug("engine debug", "component", "engine")

	out := buf.String()
	require.Contains(t, out, "coalescer debug")
	require.NotContains(t, out, "engine debug")
}

func TestFilterClearLevelRevertsToDefault(t *testing.T) {
	logger, filter, buf := newFilteredLogger(slog.LevelInfo)
	filter.SetLevel("splitlog", slog.LevelDebug)
	filter.ClearLevel("splitlog")

	logger.Debug("hidden again", "component", "splitlog")
	require.NotContains(t, buf.String(), "hidden again")

	// Clearing a component that was never set is a no-op.
	filter.ClearLevel("never-set")
}

func TestFilterSeesComponentFromWith(t *testing.T) {
	logger, filter, buf := newFilteredLogger(slog.LevelInfo)
	filter.SetLevel("jobregistry", slog.LevelDebug)

	// The constructors attach the component via With, which routes through
	// WithAttrs rather than per-record attributes.
	scoped := logger.With("component", "jobregistry")
	scoped.Debug("scoped debug")

	require.Contains(t, buf.String(), "scoped debug")
}

func TestFilterSetLevelReachesDerivedLoggers(t *testing.T) {
	logger, filter, buf := newFilteredLogger(slog.LevelInfo)
	scoped := logger.With("component", "filegate")

	scoped.Debug("before")
	filter.SetLevel("filegate", slog.LevelDebug)
	scoped.Debug("after")

	out := buf.String()
	require.NotContains(t, out, "before")
	require.Contains(t, out, "after")
}

func TestFilterRecordsWithoutComponentUseDefault(t *testing.T) {
	logger, _, buf := newFilteredLogger(slog.LevelWarn)

	logger.Info("no component info")
	logger.Warn("no component warn")

	out := buf.String()
	require.NotContains(t, out, "no component info")
	require.Contains(t, out, "no component warn")
}

func TestFilterLevelAccessors(t *testing.T) {
	_, filter, _ := newFilteredLogger(slog.LevelInfo)

	require.Equal(t, slog.LevelInfo, filter.DefaultLevel())
	require.Equal(t, slog.LevelInfo, filter.Level("engine"))

	filter.SetLevel("engine", slog.LevelError)
	require.Equal(t, slog.LevelError, filter.Level("engine"))
}

func TestFilterWithGroupSharesLevels(t *testing.T) {
	logger, filter, buf := newFilteredLogger(slog.LevelInfo)
	grouped := slog.New(logger.Handler().WithGroup("req"))

	filter.SetLevel("httpapi", slog.LevelDebug)
	grouped.With("component", "httpapi").Debug("grouped debug")

	require.Contains(t, buf.String(), "grouped debug")
}

func TestFilterConcurrentSetAndLog(t *testing.T) {
	logger, filter, _ := newFilteredLogger(slog.LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				filter.SetLevel("coalescer", slog.LevelDebug)
				filter.ClearLevel("coalescer")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				logger.Info("tick", "component", "coalescer")
			}
		}()
	}
	wg.Wait()
}

func TestFilterOutputStaysParseable(t *testing.T) {
	logger, _, buf := newFilteredLogger(slog.LevelInfo)
	logger.Info("submit accepted", "component", "engine", "job_id", "42")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "component=engine")
	require.Contains(t, lines[0], "job_id=42")
}
