package posting

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackerCountsSuccessAndFailure(t *testing.T) {
	calls := 0
	tr := NewTracker(func(record Record, index string) bool {
		calls++
		return index == "ok"
	}, nil)

	require.True(t, tr.Post(Record{}, "ok"))
	require.False(t, tr.Post(Record{}, "bad"))

	stats := tr.Stats()
	require.EqualValues(t, 2, stats.Total)
	require.EqualValues(t, 1, stats.Success)
	require.EqualValues(t, 1, stats.Failed)
	require.Equal(t, 2, calls)
}

func TestTrackerNilFuncCountsAsFailure(t *testing.T) {
	tr := NewTracker(nil, nil)
	require.False(t, tr.Post(Record{}, "x"))
	require.EqualValues(t, 1, tr.Stats().Failed)
}

func TestShouldNotifyOnlyOnExactAutoResumeValue(t *testing.T) {
	require.True(t, ShouldNotify(Record{"auto_resume": AutoResumeStop}))
	require.False(t, ShouldNotify(Record{"auto_resume": "RESTART"}))
	require.False(t, ShouldNotify(Record{}))
}

func TestSlackNotifierSendsOnTerminalFailure(t *testing.T) {
	received := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(func(record Record, index string) bool { return true }, server.URL, nil)

	ok := notifier.Post(Record{"auto_resume": AutoResumeStop, "job_id": "42", "module": "dataloader"}, "fp1")
	require.True(t, ok)

	select {
	case <-received:
	default:
		t.Fatal("expected a webhook call")
	}
}

func TestSlackNotifierSkipsNonTerminalFailure(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(func(record Record, index string) bool { return true }, server.URL, nil)
	notifier.Post(Record{"auto_resume": "RESTART"}, "fp1")

	require.False(t, called)
}

func TestSlackNotifierSkipsWhenBasePostFails(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	notifier := NewSlackNotifier(func(record Record, index string) bool { return false }, server.URL, nil)
	ok := notifier.Post(Record{"auto_resume": AutoResumeStop}, "fp1")

	require.False(t, ok)
	require.False(t, called)
}
