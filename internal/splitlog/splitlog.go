// Package splitlog discovers and orders the per-cycle log files of a
// split-log job: a job whose primary log names a directory of cycle files,
// each analyzed independently.
package splitlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"attrsvc/internal/attrerr"
	"attrsvc/internal/logging"
)

// CycleNumPattern extracts the ordinal embedded in a cycle log's filename,
// e.g. "cycle_12.log" -> "12". Files whose name doesn't match sort after
// those that do, by filename.
var CycleNumPattern = regexp.MustCompile(`cycle_(\d+)\.log$`)

// Entry is one discovered cycle file, with an index stable across rescans
// for as long as the file continues to exist.
type Entry struct {
	Index         int
	Path          string
	CycleNum      int // -1 if the filename carried no cycle number
	DiscoveryTime time.Time
}

// Tracker discovers cycle files under a single job's logs directory.
type Tracker struct {
	logsDir string
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	entries   map[string]*Entry // keyed by absolute path
	nextIndex int               // ever-growing; never reused, even after a file's removal
}

// Config configures a Tracker.
type Config struct {
	LogsDir string
	Now     func() time.Time
	Logger  *slog.Logger
}

// New constructs a Tracker for one job's logs directory.
func New(cfg Config) *Tracker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		logsDir: cfg.LogsDir,
		now:     now,
		logger:  logging.Default(cfg.Logger).With("component", "splitlog"),
		entries: make(map[string]*Entry),
	}
}

// Scan lists logsDir, keeps files matching a cycle-log naming convention
// (anything ending .log; a dedicated CycleNumPattern further extracts the
// ordinal when present), and assigns indices: existing files keep their
// prior index, new files get the next unused one. Files no longer present
// are dropped from the active set, but their index is never reissued for
// the lifetime of this Tracker.
func (t *Tracker) Scan() *attrerr.Error {
	dirEntries, err := os.ReadDir(t.logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return attrerr.Wrap(attrerr.NotFound, "logs directory does not exist", err).
				WithDetails(map[string]any{"logs_dir": t.logsDir})
		}
		return attrerr.Wrap(attrerr.LogsDirNotReadable, "reading logs directory", err).
			WithDetails(map[string]any{"logs_dir": t.logsDir})
	}

	type found struct {
		name     string
		path     string
		cycleNum int
	}
	var files []found
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".log" {
			continue
		}
		cycleNum := -1
		if m := CycleNumPattern.FindStringSubmatch(de.Name()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				cycleNum = n
			}
		}
		files = append(files, found{name: de.Name(), path: filepath.Join(t.logsDir, de.Name()), cycleNum: cycleNum})
	}

	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if (a.cycleNum < 0) != (b.cycleNum < 0) {
			return a.cycleNum >= 0 // files with a cycle number sort first
		}
		if a.cycleNum != b.cycleNum {
			return a.cycleNum < b.cycleNum
		}
		return a.name < b.name
	})

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(files))
	now := t.now()
	added, removed := 0, 0
	for _, f := range files {
		seen[f.path] = true
		if _, ok := t.entries[f.path]; ok {
			continue
		}
		t.entries[f.path] = &Entry{
			Index:         t.nextIndex,
			Path:          f.path,
			CycleNum:      f.cycleNum,
			DiscoveryTime: now,
		}
		t.nextIndex++
		added++
	}
	for path := range t.entries {
		if !seen[path] {
			delete(t.entries, path)
			removed++
		}
	}
	if added > 0 || removed > 0 {
		t.logger.Debug("scan complete", "logs_dir", t.logsDir, "added", added, "removed", removed, "total", len(t.entries))
	}
	return nil
}

// Select returns the entry matching file by name, or a NOT_FOUND error when
// no tracked file has that name (including when file is empty). It takes no
// workload-restart index: this tracker only orders whole files, and the
// engine passes a wl_restart value on to the compute hook instead.
func (t *Tracker) Select(file string) (Entry, *attrerr.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if filepath.Base(e.Path) == file {
			return *e, nil
		}
	}
	return Entry{}, attrerr.Newf(attrerr.NotFound, "no cycle file named %q", file).
		WithDetails(map[string]any{"logs_dir": t.logsDir, "file": file})
}

// Counts reports the scheduler-restart count (the number of distinct files)
// and the total file count, which are identical for this tracker since
// each discovered file is exactly one restart segment.
type Counts struct {
	SchedRestarts int
	TotalFiles    int
}

func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counts{SchedRestarts: len(t.entries), TotalFiles: len(t.entries)}
}

// Entries returns every currently-tracked entry, sorted by Index.
func (t *Tracker) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
