// Package engine implements the analysis engine: the composition root that
// wires the file gate, coalescer, job registry, and splitlog trackers
// together around an injected LLM compute function and result-posting
// hook, and drives their periodic sweeps.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"attrsvc/internal/attrerr"
	"attrsvc/internal/coalescer"
	attrsvcconfig "attrsvc/internal/config/attrsvc"
	"attrsvc/internal/filegate"
	"attrsvc/internal/jobregistry"
	"attrsvc/internal/logging"
	"attrsvc/internal/posting"
	"attrsvc/internal/splitlog"
)

// AnalysisResult is a single file's attribution outcome.
type AnalysisResult struct {
	Status   string         `json:"status" msgpack:"status"`
	Module   string         `json:"module" msgpack:"module"`
	ResultID string         `json:"result_id" msgpack:"result_id"`
	Details  map[string]any `json:"details,omitempty" msgpack:"details,omitempty"`
}

// SplitlogAnalysisResult wraps AnalysisResult with the extra fields an
// analyze call against a splitlog job returns.
type SplitlogAnalysisResult struct {
	AnalysisResult
	Mode          string `json:"mode" msgpack:"mode"`
	SchedRestarts int    `json:"sched_restarts" msgpack:"sched_restarts"`
	LogFile       string `json:"log_file" msgpack:"log_file"`
}

// SubmitResult is what Submit returns on success.
type SubmitResult struct {
	Mode           string `json:"mode"`
	JobID          string `json:"job_id"`
	LogsDir        string `json:"logs_dir,omitempty"`
	CyclesDetected int    `json:"cycles_detected,omitempty"`
	CyclesAnalyzed int    `json:"cycles_analyzed,omitempty"`
}

// FilePreviewResult is what Preview returns on success.
type FilePreviewResult struct {
	Path  string
	Bytes []byte
}

// ComputeContext is the context passed to a ComputeFunc alongside the raw
// file bytes.
type ComputeContext struct {
	JobID        string
	RestartIndex *int
	Cycle        *int
}

// ComputeFunc is the injected LLM compute hook; the engine owns no LLM
// client of its own.
type ComputeFunc func(ctx context.Context, fileBytes []byte, cctx ComputeContext) (AnalysisResult, error)

// HealthStatus is a coarse health signal derived from recent error rates.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthFail     HealthStatus = "fail"
)

// HealthResult is what Health returns.
type HealthResult struct {
	Status  HealthStatus   `json:"status"`
	Details map[string]any `json:"details"`
}

// StatsResult aggregates every component's read-only counters into one
// snapshot. Each component's block is internally consistent; the blocks
// are not captured in one cross-component transaction.
type StatsResult struct {
	Cache    coalescer.Stats `json:"cache"`
	Posting  posting.Stats   `json:"posting"`
	JobCount int             `json:"job_count"`
}

// Config configures an Engine.
type Config struct {
	Analyzer attrsvcconfig.AnalyzerConfig
	Compute  ComputeFunc
	Post     posting.Func
	// ParseLogsDir detects a LOGS_DIR directive inside a submitted log
	// file; nil disables splitlog detection entirely (every job is single).
	ParseLogsDir jobregistry.DirectiveParser
	Now          func() time.Time
	Logger       *slog.Logger
}

// Engine is the top-level AnalysisEngine.
type Engine struct {
	cfg     attrsvcconfig.AnalyzerConfig
	gate    *filegate.Gate
	jobs    *jobregistry.Registry
	cache   *coalescer.Coalescer[AnalysisResult]
	poster  *posting.Tracker
	compute ComputeFunc
	now     func() time.Time
	logger  *slog.Logger

	trackersMu sync.Mutex
	trackers   map[string]*splitlog.Tracker

	scheduler gocron.Scheduler
}

// New constructs an Engine. If cfg.Analyzer.CacheSnapshotPath is set and
// readable, the cache is warmed from it.
func New(cfg Config) (*Engine, error) {
	analyzerCfg := cfg.Analyzer.WithDefaults()
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := logging.Default(cfg.Logger).With("component", "engine")

	gate, err := filegate.New(filegate.Config{
		AllowedRoot:   analyzerCfg.AllowedRoot,
		MinFileSizeKB: analyzerCfg.MinFileSizeKB,
		Mode:          filegate.FingerprintContent,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: constructing filegate: %w", err)
	}

	jobs := jobregistry.New(jobregistry.Config{
		Gate:          gate,
		MaxJobs:       analyzerCfg.MaxJobs,
		TTLPending:    analyzerCfg.TTLPending(),
		TTLTerminated: analyzerCfg.TTLTerminated(),
		TTLMaxJobAge:  analyzerCfg.TTLMaxJobAge(),
		ParseLogsDir:  cfg.ParseLogsDir,
		Now:           now,
		Logger:        cfg.Logger,
	})

	cache := coalescer.NewTyped[AnalysisResult](coalescer.Config{
		TTL:            analyzerCfg.CacheTTL(),
		MaxEntries:     analyzerCfg.CacheMaxEntries,
		ComputeTimeout: analyzerCfg.ComputeTimeout(),
		Now:            now,
		Logger:         cfg.Logger,
	})

	if analyzerCfg.CacheSnapshotPath != "" {
		if err := cache.ReadSnapshot(analyzerCfg.CacheSnapshotPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("snapshot read failed, starting with a cold cache", "path", analyzerCfg.CacheSnapshotPath, "error", err)
		}
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("engine: constructing scheduler: %w", err)
	}

	e := &Engine{
		cfg:       analyzerCfg,
		gate:      gate,
		jobs:      jobs,
		cache:     cache,
		poster:    posting.NewTracker(cfg.Post, cfg.Logger),
		compute:   cfg.Compute,
		now:       now,
		logger:    logger,
		trackers:  make(map[string]*splitlog.Tracker),
		scheduler: scheduler,
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(analyzerCfg.PollInterval()),
		gocron.NewTask(e.sweep),
	); err != nil {
		return nil, fmt.Errorf("engine: scheduling sweep: %w", err)
	}
	scheduler.Start()

	return e, nil
}

// sweep runs the periodic maintenance pass: coalescer expiry, job registry
// tick, and a rescan of every splitlog tracker so new cycle files appear
// without waiting for the next analyze call.
func (e *Engine) sweep() {
	removed := e.cache.EvictExpired()
	jobsRemoved := e.jobs.Tick(e.now())

	live := make(map[string]bool)
	for _, j := range e.jobs.All() {
		live[j.JobID] = true
	}

	e.trackersMu.Lock()
	trackers := make([]*splitlog.Tracker, 0, len(e.trackers))
	for id, t := range e.trackers {
		if !live[id] {
			delete(e.trackers, id)
			continue
		}
		trackers = append(trackers, t)
	}
	e.trackersMu.Unlock()
	for _, t := range trackers {
		if aerr := t.Scan(); aerr != nil {
			e.logger.Warn("splitlog rescan failed", "error", aerr)
		}
	}

	if removed > 0 || jobsRemoved > 0 {
		e.logger.Debug("sweep complete", "cache_evicted", removed, "jobs_removed", jobsRemoved)
	}
}

// Submit validates logPath and registers it as a Job, attaching a
// SplitlogTracker and running an initial scan if the job is in splitlog
// mode (the file carries a LOGS_DIR directive and jobID is non-empty).
func (e *Engine) Submit(logPath, user, jobID string) (SubmitResult, *attrerr.Error) {
	if user == "" {
		user = "unknown"
	}
	outcome, aerr := e.jobs.Submit(logPath, user, jobID)
	if aerr != nil {
		return SubmitResult{}, aerr
	}

	if outcome.Job.Mode != jobregistry.ModeSplitlog {
		return SubmitResult{Mode: string(outcome.Job.Mode), JobID: outcome.Job.JobID}, nil
	}

	tracker := e.trackerFor(outcome.Job.JobID, outcome.LogsDir)
	if aerr := tracker.Scan(); aerr != nil {
		return SubmitResult{}, aerr
	}
	counts := tracker.Counts()
	return SubmitResult{
		Mode:           string(outcome.Job.Mode),
		JobID:          outcome.Job.JobID,
		LogsDir:        outcome.LogsDir,
		CyclesDetected: counts.TotalFiles,
		CyclesAnalyzed: 0,
	}, nil
}

func (e *Engine) trackerFor(jobID, logsDir string) *splitlog.Tracker {
	e.trackersMu.Lock()
	defer e.trackersMu.Unlock()
	if t, ok := e.trackers[jobID]; ok {
		return t
	}
	t := splitlog.New(splitlog.Config{LogsDir: logsDir, Now: e.now, Logger: e.logger})
	e.trackers[jobID] = t
	return t
}

// AnalyzeResult is implemented by AnalysisResult and SplitlogAnalysisResult
// so Analyze can return either without an interface{} escape hatch.
type AnalyzeResult interface {
	kind() string
}

func (AnalysisResult) kind() string         { return "single" }
func (SplitlogAnalysisResult) kind() string { return "splitlog" }

// Analyze runs the full submit-or-reuse -> fingerprint -> coalesce ->
// compute -> post pipeline for one file.
func (e *Engine) Analyze(ctx context.Context, logPath, file string, wlRestart *int) (AnalyzeResult, *attrerr.Error) {
	job, ok := e.jobs.Find(logPath)
	if !ok {
		outcome, aerr := e.jobs.Submit(logPath, "unknown", "")
		if aerr != nil {
			return nil, aerr
		}
		job = outcome.Job
	}

	targetPath := logPath
	restartIndex := wlRestart
	var cycle *int

	if job.Mode == jobregistry.ModeSplitlog {
		if file == "" {
			return nil, attrerr.New(attrerr.NotFound, "file is required to analyze a splitlog job")
		}
		tracker := e.trackerFor(job.JobID, job.LogsDir)
		// Cycle files appear while the job runs; rescan so an analyze for a
		// file newer than the last sweep still resolves.
		if aerr := tracker.Scan(); aerr != nil {
			return nil, aerr
		}
		entry, aerr := tracker.Select(file)
		if aerr != nil {
			return nil, aerr
		}
		targetPath = entry.Path
		idx := entry.Index
		cycle = &idx
		if restartIndex == nil {
			restartIndex = &idx
		}
	}

	ff, aerr := e.gate.Validate(targetPath)
	if aerr != nil {
		return nil, aerr
	}

	e.jobs.Touch(job.JobID)

	cctx := ComputeContext{JobID: job.JobID, RestartIndex: restartIndex, Cycle: cycle}
	result, _, aerr := e.cache.GetOrCompute(ctx, ff.Fingerprint, func(computeCtx context.Context) (AnalysisResult, error) {
		data, err := os.ReadFile(ff.Path)
		if err != nil {
			return AnalysisResult{}, err
		}
		if e.compute == nil {
			return AnalysisResult{}, fmt.Errorf("engine: no compute function configured")
		}
		r, err := e.compute(computeCtx, data, cctx)
		if err != nil {
			return AnalysisResult{}, err
		}
		r.ResultID = ff.Fingerprint.String()
		if r.Status == "" {
			r.Status = "completed"
		}
		return r, nil
	})
	if aerr != nil {
		return nil, aerr
	}

	record := posting.Record{
		"job_id":    job.JobID,
		"user":      job.User,
		"module":    result.Module,
		"status":    result.Status,
		"result_id": result.ResultID,
		"log_file":  targetPath,
	}
	for k, v := range result.Details {
		record[k] = v
	}
	e.poster.Post(record, result.ResultID)

	if job.Mode == jobregistry.ModeSplitlog {
		return SplitlogAnalysisResult{
			AnalysisResult: result,
			Mode:           "splitlog",
			SchedRestarts:  e.trackerFor(job.JobID, job.LogsDir).Counts().SchedRestarts,
			LogFile:        targetPath,
		}, nil
	}
	return result, nil
}

// Preview delegates to FileGate.Preview with a default 4 KiB window.
func (e *Engine) Preview(logPath string) (FilePreviewResult, *attrerr.Error) {
	data, aerr := e.gate.Preview(logPath, 4096)
	if aerr != nil {
		return FilePreviewResult{}, aerr
	}
	return FilePreviewResult{Path: logPath, Bytes: data}, nil
}

// Stats returns a snapshot of every component's counters.
func (e *Engine) Stats() StatsResult {
	return StatsResult{
		Cache:    e.cache.Stats(),
		Posting:  e.poster.Stats(),
		JobCount: len(e.jobs.All()),
	}
}

// Inflight reports the number of callers currently waiting on an in-flight
// compute (several callers sharing one compute each count).
func (e *Engine) Inflight() int {
	return e.cache.Stats().InFlight
}

// Jobs returns every tracked job.
func (e *Engine) Jobs() []jobregistry.Job {
	return e.jobs.All()
}

// Health derives a coarse status from the coalescer and poster error
// rates, and from in-flight saturation relative to MaxJobs.
func (e *Engine) Health() HealthResult {
	cacheStats := e.cache.Stats()
	postStats := e.poster.Stats()

	details := map[string]any{
		"cache_size": cacheStats.CacheSize,
		"in_flight":  cacheStats.InFlight,
	}

	status := HealthOK
	if postStats.Total > 0 && float64(postStats.Failed)/float64(postStats.Total) > 0.5 {
		status = HealthDegraded
		details["poster_failure_rate_high"] = true
	}
	if cacheStats.Computes > 0 && float64(cacheStats.ComputeFailures)/float64(cacheStats.Computes) > 0.5 {
		status = HealthDegraded
		details["compute_failure_rate_high"] = true
	}
	if e.cfg.MaxJobs > 0 && cacheStats.InFlight >= e.cfg.MaxJobs {
		status = HealthFail
		details["in_flight_saturated"] = true
	}
	return HealthResult{Status: status, Details: details}
}

// Shutdown flushes the cache snapshot (if configured) and stops the
// sweeper. Both are best-effort: errors are logged, never returned to a
// caller that can no longer act on them.
func (e *Engine) Shutdown() {
	if e.cfg.CacheSnapshotPath != "" {
		if err := e.cache.WriteSnapshot(e.cfg.CacheSnapshotPath); err != nil {
			e.logger.Warn("snapshot write failed", "path", e.cfg.CacheSnapshotPath, "error", err)
		}
	}
	if err := e.scheduler.Shutdown(); err != nil {
		e.logger.Warn("scheduler shutdown failed", "error", err)
	}
}
