// Package jobregistry tracks logical jobs by job ID: their analysis mode,
// file set, lifecycle state, and activity timestamps, with TTL-based
// cleanup and a bounded job count.
package jobregistry

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"attrsvc/internal/attrerr"
	"attrsvc/internal/filegate"
	"attrsvc/internal/logging"
)

// Mode is a Job's position in the pending -> {single, splitlog} -> terminal
// state machine.
type Mode string

const (
	ModePending  Mode = "pending"
	ModeSingle   Mode = "single"
	ModeSplitlog Mode = "splitlog"
)

// FileInfo describes one file belonging to a splitlog Job.
type FileInfo struct {
	JobID         string
	Path          string
	Fingerprint   filegate.Fingerprint
	RestartIndex  int
	DiscoveryTime time.Time
}

// Job is a logical unit of work: one scheduler job, tracked across however
// many analyze calls it receives.
type Job struct {
	JobID         string
	User          string
	Mode          Mode
	SubmitTime    time.Time
	LastTouchTime time.Time
	TerminalTime  *time.Time
	LogPath       string
	LogsDir       string
	Files         []FileInfo
}

func (j Job) clone() Job {
	cp := j
	if j.TerminalTime != nil {
		t := *j.TerminalTime
		cp.TerminalTime = &t
	}
	cp.Files = append([]FileInfo(nil), j.Files...)
	return cp
}

// DirectiveParser inspects a validated log file for a "LOGS_DIR=..."
// directive, returning the directory it names. found is false when no
// directive is present; that is not an error.
type DirectiveParser func(logPath string) (logsDir string, found bool, err error)

// LogsDirPattern matches the LOGS_DIR directive a split-log job writes at
// the head of its primary log.
var LogsDirPattern = regexp.MustCompile(`(?m)^\s*LOGS_DIR=(\S+)\s*$`)

// directiveScanWindow bounds how much of the primary log is searched for a
// directive; split-log jobs emit it in the preamble, never deep in the file.
const directiveScanWindow = 64 * 1024

// ParseLogsDirDirective is the standard DirectiveParser: it scans the head
// of logPath for a LOGS_DIR line.
func ParseLogsDirDirective(logPath string) (string, bool, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	buf := make([]byte, directiveScanWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", false, err
	}
	m := LogsDirPattern.FindSubmatch(buf[:n])
	if m == nil {
		return "", false, nil
	}
	return string(m[1]), true, nil
}

// SubmitOutcome is what Submit hands back to the engine, which composes it
// with splitlog.Tracker to build the SubmitResult callers see.
type SubmitOutcome struct {
	Job      Job
	IsNew    bool
	LogsDir  string // set when the job's file carried a LOGS_DIR directive
	Splitlog bool
}

// Config configures a Registry.
type Config struct {
	Gate *filegate.Gate
	// MaxJobs bounds the registry; a submit of a brand new job beyond this
	// bound first evicts terminal and oldest-idle jobs before failing.
	MaxJobs int
	// TTLPending is how long a pending job may go untouched before tick
	// removes it.
	TTLPending time.Duration
	// TTLTerminated is both the inactivity period after which a non-pending
	// job is inferred terminal, and how long a terminal job may linger
	// before tick removes it.
	TTLTerminated time.Duration
	// TTLMaxJobAge unconditionally removes any job older than this,
	// regardless of mode or activity.
	TTLMaxJobAge time.Duration
	ParseLogsDir DirectiveParser
	Now          func() time.Time
	Logger       *slog.Logger
}

// Registry is the in-memory job tracker.
type Registry struct {
	cfg Config

	mu   sync.Mutex
	jobs map[string]*Job

	logger *slog.Logger
}

// New constructs a Registry. Zero-value Config fields default to: MaxJobs
// 1024, TTLPending 1h, TTLTerminated 24h, TTLMaxJobAge 7 days.
func New(cfg Config) *Registry {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1024
	}
	if cfg.TTLPending <= 0 {
		cfg.TTLPending = time.Hour
	}
	if cfg.TTLTerminated <= 0 {
		cfg.TTLTerminated = 24 * time.Hour
	}
	if cfg.TTLMaxJobAge <= 0 {
		cfg.TTLMaxJobAge = 7 * 24 * time.Hour
	}
	if cfg.ParseLogsDir == nil {
		cfg.ParseLogsDir = func(string) (string, bool, error) { return "", false, nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:    cfg,
		jobs:   make(map[string]*Job),
		logger: logging.Default(cfg.Logger).With("component", "jobregistry"),
	}
}

// Submit validates logPath, then creates or touches the Job keyed by jobID
// (or by logPath, if jobID is empty). A new job whose file carries a
// LOGS_DIR directive becomes splitlog when jobID is known at submit time;
// with the directive but no jobID it stays pending (a tracker can't be
// attached without a job identity, so the job waits for a resubmit or for
// the pending TTL); without the directive it settles as single. An existing
// job is only touched, never re-classified, so repeated identical submits
// are idempotent.
func (r *Registry) Submit(logPath, user, jobID string) (SubmitOutcome, *attrerr.Error) {
	if _, aerr := r.cfg.Gate.Validate(logPath); aerr != nil {
		return SubmitOutcome{}, aerr
	}

	key := jobID
	if key == "" {
		key = logPath
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.jobs[key]; ok {
		existing.LastTouchTime = r.cfg.Now()
		return SubmitOutcome{Job: existing.clone(), IsNew: false, LogsDir: existing.LogsDir, Splitlog: existing.Mode == ModeSplitlog}, nil
	}

	if len(r.jobs) >= r.cfg.MaxJobs {
		r.evictLocked()
		if len(r.jobs) >= r.cfg.MaxJobs {
			return SubmitOutcome{}, attrerr.New(attrerr.JobLimitReached, "job registry is at capacity")
		}
	}

	now := r.cfg.Now()
	job := &Job{
		JobID:         key,
		User:          user,
		Mode:          ModePending,
		SubmitTime:    now,
		LastTouchTime: now,
		LogPath:       logPath,
	}

	logsDir, found, err := r.cfg.ParseLogsDir(logPath)
	if err != nil {
		r.logger.Warn("logs dir directive parse failed", "path", logPath, "error", err)
	}
	switch {
	case found && jobID != "":
		job.Mode = ModeSplitlog
		job.LogsDir = logsDir
	case found:
		job.LogsDir = logsDir // stays pending until a jobID arrives
	default:
		job.Mode = ModeSingle
	}

	r.jobs[key] = job
	return SubmitOutcome{Job: job.clone(), IsNew: true, LogsDir: job.LogsDir, Splitlog: job.Mode == ModeSplitlog}, nil
}

// Find returns the Job keyed by jobIDOrPath, falling back to a scan by
// LogPath if no job has that key.
func (r *Registry) Find(jobIDOrPath string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobIDOrPath]; ok {
		return j.clone(), true
	}
	for _, j := range r.jobs {
		if j.LogPath == jobIDOrPath {
			return j.clone(), true
		}
	}
	return Job{}, false
}

// Touch updates a job's LastTouchTime, e.g. on an analyze call against an
// already-submitted job.
func (r *Registry) Touch(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.LastTouchTime = r.cfg.Now()
	}
}

// AttachFile records a discovered splitlog file against its parent job.
func (r *Registry) AttachFile(jobID string, fi FileInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.Files = append(j.Files, fi)
	}
}

// All returns every tracked job, sorted by SubmitTime.
func (r *Registry) All() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmitTime.Before(out[k].SubmitTime) })
	return out
}

// Tick runs the TTL sweep: pending jobs idle
// past TTLPending are dropped, non-pending jobs idle past TTLTerminated are
// inferred terminal, terminal jobs past TTLTerminated since going terminal
// are dropped, and any job past TTLMaxJobAge is dropped unconditionally.
func (r *Registry) Tick(now time.Time) (removed int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, j := range r.jobs {
		if now.Sub(j.SubmitTime) >= r.cfg.TTLMaxJobAge {
			delete(r.jobs, key)
			removed++
			continue
		}
		if j.Mode == ModePending {
			if now.Sub(j.LastTouchTime) >= r.cfg.TTLPending {
				delete(r.jobs, key)
				removed++
			}
			continue
		}
		if j.TerminalTime == nil {
			if now.Sub(j.LastTouchTime) >= r.cfg.TTLTerminated {
				t := now
				j.TerminalTime = &t
			}
			continue
		}
		if now.Sub(*j.TerminalTime) >= r.cfg.TTLTerminated {
			delete(r.jobs, key)
			removed++
		}
	}
	return removed
}

// evictLocked removes terminal jobs (oldest TerminalTime first), then
// oldest-by-LastTouchTime jobs, one at a time, stopping once capacity has
// room. Callers must hold r.mu.
func (r *Registry) evictLocked() {
	type candidate struct {
		key      string
		terminal bool
		order    time.Time
	}
	candidates := make([]candidate, 0, len(r.jobs))
	for k, j := range r.jobs {
		if j.TerminalTime != nil {
			candidates = append(candidates, candidate{key: k, terminal: true, order: *j.TerminalTime})
		} else {
			candidates = append(candidates, candidate{key: k, terminal: false, order: j.LastTouchTime})
		}
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].terminal != candidates[k].terminal {
			return candidates[i].terminal // terminal jobs sort first
		}
		return candidates[i].order.Before(candidates[k].order)
	})
	if len(candidates) > 0 {
		delete(r.jobs, candidates[0].key)
	}
}
