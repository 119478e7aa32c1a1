// Package posting implements the result-posting hook the engine calls once
// per successful analyze, plus a stats-tracking wrapper and an optional
// Slack notifier for terminal failures. The notifier is a Func decorator
// rather than a branch inside the tracker, so the tracker never needs to
// know Slack exists.
package posting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"attrsvc/internal/logging"
)

// AutoResumeStop is the auto_resume value that marks a failure as terminal
// and worth a human notification.
const AutoResumeStop = "STOP - DONT RESTART IMMEDIATE"

// Record is the structured analysis record passed to a PostFunc, built by
// internal/engine from an AnalysisResult plus its source metadata.
type Record = map[string]any

// Func posts one record under index (e.g. the fingerprint or job ID) and
// reports whether the post succeeded. The engine provides no retry and no
// ordering guarantee between concurrent calls.
type Func func(record Record, index string) bool

// Stats is a running count of attempted, succeeded, and failed posts.
type Stats struct {
	Total   uint64
	Success uint64
	Failed  uint64
}

// Tracker wraps a Func and counts outcomes.
type Tracker struct {
	post Func

	mu    sync.Mutex
	stats Stats

	logger *slog.Logger
}

// NewTracker wraps post. A nil post always counts as a failed post, so a
// misconfigured engine is visible in stats rather than silently dropping
// every record.
func NewTracker(post Func, logger *slog.Logger) *Tracker {
	return &Tracker{post: post, logger: logging.Default(logger).With("component", "posting")}
}

// Post records the outcome of posting record under index and returns
// whether it succeeded. Posting errors never fail the caller's analyze
// call; they are only counted.
func (t *Tracker) Post(record Record, index string) bool {
	t.mu.Lock()
	t.stats.Total++
	t.mu.Unlock()

	ok := t.post != nil && t.post(record, index)

	t.mu.Lock()
	if ok {
		t.stats.Success++
	} else {
		t.stats.Failed++
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("post failed", "index", index)
	}
	return ok
}

// Stats returns a read-consistent snapshot of posting counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// SlackNotifier decorates a Func with a Slack webhook notification, sent
// only when the record's "auto_resume" field equals AutoResumeStop.
type SlackNotifier struct {
	next       Func
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackNotifier wraps next, sending a webhook notification after a
// successful post whenever the record looks like a terminal, unrecoverable
// failure.
func NewSlackNotifier(next Func, webhookURL string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		next:       next,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logging.Default(logger).With("component", "posting.slack"),
	}
}

// Post delegates to next, then fires a Slack notification (best-effort,
// errors are logged and never surfaced) when ShouldNotify(record) is true.
func (s *SlackNotifier) Post(record Record, index string) bool {
	ok := false
	if s.next != nil {
		ok = s.next(record, index)
	}
	if ok && ShouldNotify(record) {
		if err := s.notify(record, index); err != nil {
			s.logger.Warn("slack notification failed", "index", index, "error", err)
		}
	}
	return ok
}

// ShouldNotify reports whether record names a terminal failure that
// warrants a human alert.
func ShouldNotify(record Record) bool {
	autoResume, _ := record["auto_resume"].(string)
	return autoResume == AutoResumeStop
}

type slackMessage struct {
	Text string `json:"text"`
}

func (s *SlackNotifier) notify(record Record, index string) error {
	jobID, _ := record["job_id"].(string)
	module, _ := record["module"].(string)
	user, _ := record["user"].(string)

	text := fmt.Sprintf(
		"Job %s hit a terminal failure attributed to *%s* and will not auto-resume. cc %s (result %s)",
		jobID, module, atMention(user), index,
	)

	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("posting: slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func atMention(user string) string {
	if user == "" || user == "unknown" {
		return "(unknown user)"
	}
	return "@" + user
}
