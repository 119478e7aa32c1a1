// Package monitorclient is a minimal stand-in for the SLURM monitor's
// submit/fetch calls against internal/httpapi. The real monitor is a
// separate service with its own retry policy and is not reimplemented
// here; this client exists so integration tests can exercise the HTTP
// surface the way an external caller would.
package monitorclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client calls an attrsvc HTTP adapter.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client pointed at baseURL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// SubmitRequest mirrors internal/httpapi's POST /logs body.
type SubmitRequest struct {
	LogPath string `json:"log_path"`
	User    string `json:"user"`
	JobID   string `json:"job_id,omitempty"`
}

// Submit posts req to POST /logs and decodes the response into out.
func (c *Client) Submit(req SubmitRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+"/logs", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Fetch calls GET /logs with the given query parameters and decodes the
// response into out.
func (c *Client) Fetch(logPath, file string, wlRestart *int, out any) error {
	q := url.Values{}
	q.Set("log_path", logPath)
	if file != "" {
		q.Set("file", file)
	}
	if wlRestart != nil {
		q.Set("wl_restart", fmt.Sprintf("%d", *wlRestart))
	}
	resp, err := c.httpClient.Get(c.baseURL + "/logs?" + q.Encode())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ErrorResponse mirrors internal/httpapi's JSON error body.
type ErrorResponse struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

func decodeError(resp *http.Response) error {
	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		return fmt.Errorf("monitorclient: status %d, body undecodable: %w", resp.StatusCode, err)
	}
	return &errResp
}
