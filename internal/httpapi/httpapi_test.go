package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"attrsvc/internal/engine"
)

func newTestHandler(t *testing.T) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := engine.Config{
		Compute: func(ctx context.Context, data []byte, cctx engine.ComputeContext) (engine.AnalysisResult, error) {
			return engine.AnalysisResult{Module: "dataloader"}, nil
		},
	}
	cfg.Analyzer.AllowedRoot = dir
	cfg.Analyzer.PollIntervalSeconds = 3600
	e, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return NewHandler(e), dir
}

func writeLog(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("a", 2048)), 0o644))
	return p
}

func TestSubmitAndAnalyzeRoundTrip(t *testing.T) {
	h, dir := newTestHandler(t)
	path := writeLog(t, dir, "slurm-1.out")

	body, err := json.Marshal(map[string]string{"log_path": path, "user": "alice"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/logs", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var submitResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitResp))
	require.Equal(t, "single", submitResp["mode"])

	req2 := httptest.NewRequest(http.MethodGet, "/logs?log_path="+path, nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var analyzeResp map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &analyzeResp))
	require.Equal(t, "dataloader", analyzeResp["module"])
}

func TestAnalyzeOutsideRootReturns403(t *testing.T) {
	h, _ := newTestHandler(t)
	outside := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(outside, []byte(strings.Repeat("a", 2048)), 0o644))

	req := httptest.NewRequest(http.MethodGet, "/logs?log_path="+outside, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)

	var errResp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Equal(t, "OUTSIDE_ROOT", errResp.ErrorCode)
}

func TestAnalyzeMissingFileReturns404(t *testing.T) {
	h, dir := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/logs?log_path="+filepath.Join(dir, "missing.log"), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthzReturnsOK(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsAndInflightAndJobs(t *testing.T) {
	h, dir := newTestHandler(t)
	path := writeLog(t, dir, "slurm-1.out")

	req := httptest.NewRequest(http.MethodGet, "/logs?log_path="+path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, route := range []string{"/stats", "/inflight", "/jobs"} {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, route)
	}
}

func TestPreviewReturnsLeadingBytes(t *testing.T) {
	h, dir := newTestHandler(t)
	path := writeLog(t, dir, "slurm-1.out")

	req := httptest.NewRequest(http.MethodGet, "/print?log_path="+path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.Bytes())
}
