// Package httpapi is the thin net/http adapter around internal/engine.
// Routing, rate limiting, and request body size limits belong to whatever
// fronts this service, so the adapter stays on net/http + encoding/json.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"attrsvc/internal/attrerr"
	"attrsvc/internal/engine"
)

// statusForCode maps an analyzer error code to its HTTP status.
func statusForCode(code attrerr.Code) int {
	switch code {
	case attrerr.InvalidPath, attrerr.NotRegular, attrerr.EmptyFile:
		return http.StatusBadRequest
	case attrerr.OutsideRoot, attrerr.NotReadable, attrerr.LogsDirNotReadable:
		return http.StatusForbidden
	case attrerr.NotFound:
		return http.StatusNotFound
	case attrerr.JobLimitReached:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Handler serves the attribution service's HTTP surface over an
// *engine.Engine.
type Handler struct {
	mux    *http.ServeMux
	engine *engine.Engine
}

// NewHandler builds the routed Handler.
func NewHandler(e *engine.Engine) *Handler {
	h := &Handler{mux: http.NewServeMux(), engine: e}
	h.mux.HandleFunc("POST /logs", h.handleSubmit)
	h.mux.HandleFunc("GET /logs", h.handleAnalyze)
	h.mux.HandleFunc("GET /print", h.handlePreview)
	h.mux.HandleFunc("GET /stats", h.handleStats)
	h.mux.HandleFunc("GET /inflight", h.handleInflight)
	h.mux.HandleFunc("GET /jobs", h.handleJobs)
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, aerr *attrerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(aerr.Code))
	_ = json.NewEncoder(w).Encode(errorResponse{
		ErrorCode: string(aerr.Code),
		Message:   aerr.Message,
		Details:   aerr.Details,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type submitRequest struct {
	LogPath string `json:"log_path"`
	User    string `json:"user"`
	JobID   string `json:"job_id,omitempty"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, attrerr.Wrap(attrerr.InvalidPath, "decoding request body", err))
		return
	}
	result, aerr := h.engine.Submit(req.LogPath, req.User, req.JobID)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logPath := q.Get("log_path")
	file := q.Get("file")
	var wlRestart *int
	if raw := q.Get("wl_restart"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, attrerr.New(attrerr.InvalidPath, "wl_restart must be a non-negative integer"))
			return
		}
		wlRestart = &n
	}

	result, aerr := h.engine.Analyze(r.Context(), logPath, file, wlRestart)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, result)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	logPath := r.URL.Query().Get("log_path")
	result, aerr := h.engine.Preview(logPath)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(result.Bytes)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Stats())
}

func (h *Handler) handleInflight(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"in_flight": h.engine.Inflight()})
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.engine.Jobs())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.engine.Health()
	status := http.StatusOK
	if health.Status == engine.HealthFail {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}
