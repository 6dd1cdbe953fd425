// Package querypilot is a small client for the QueryPilot REST API.
package querypilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Turn status values reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with a QueryPilot server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// TurnSubmission is the payload used to queue a turn.
// A non-empty ID makes the submission idempotent.
type TurnSubmission struct {
	ID        string         `json:"id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Query     string         `json:"query"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TurnResult is the outcome of a finished turn.
type TurnResult struct {
	TurnID      string `json:"turn_id"`
	Answer      string `json:"answer"`
	Outcome     string `json:"outcome"`
	FailedStage string `json:"failed_stage,omitempty"`
}

// Turn is the server-side view of a queued turn.
type Turn struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	Query      string         `json:"query"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TurnResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Done reports whether the turn reached a final status.
func (t Turn) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// Stats aggregates turn counts per status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// HistoryRecord is a persisted, completed turn.
type HistoryRecord struct {
	TurnID     string `json:"turn_id"`
	SessionID  string `json:"session_id"`
	Query      string `json:"query"`
	Answer     string `json:"answer"`
	Outcome    string `json:"outcome"`
	Stage      string `json:"stage,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `json:"created_at"`
}

// ListQuery filters ListTurns and TurnStats. Zero values are omitted.
type ListQuery struct {
	Statuses  []string
	SessionID string
	Query     string
	Ascending bool
	HasResult *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		v.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.SessionID != "" {
		v.Set("session_id", q.SessionID)
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Ascending {
		v.Set("order", "asc")
	}
	if q.HasResult != nil {
		v.Set("has_result", strconv.FormatBool(*q.HasResult))
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if !q.Until.IsZero() {
		v.Set("until", q.Until.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// APIError is returned for any response with status >= 400.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("querypilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("querypilot api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient creates a client for the server at rawURL. When httpClient is nil
// a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// WithAPIKey returns a copy of the client that sends key as a bearer token.
func (c *Client) WithAPIKey(key string) *Client {
	clone := *c
	clone.apiKey = strings.TrimSpace(key)
	return &clone
}

// SubmitTurn queues a turn and returns its initial state.
func (c *Client) SubmitTurn(ctx context.Context, submission TurnSubmission) (Turn, error) {
	var turn Turn
	if err := c.post(ctx, "/api/v1/turns", submission, &turn); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// GetTurn fetches a turn by ID.
func (c *Client) GetTurn(ctx context.Context, id string) (Turn, error) {
	var turn Turn
	if err := c.get(ctx, "/api/v1/turns/"+id, nil, &turn); err != nil {
		return Turn{}, err
	}
	return turn, nil
}

// ListTurns lists turns matching q.
func (c *Client) ListTurns(ctx context.Context, q ListQuery) ([]Turn, error) {
	var page struct {
		Items []Turn `json:"items"`
	}
	if err := c.get(ctx, "/api/v1/turns", q.values(), &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// TurnStats aggregates turns matching q.
func (c *Client) TurnStats(ctx context.Context, q ListQuery) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/turns/stats", q.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// History returns completed turns, newest first. An empty sessionID lists all sessions.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]HistoryRecord, error) {
	v := url.Values{}
	if sessionID != "" {
		v.Set("session_id", sessionID)
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var page struct {
		Items []HistoryRecord `json:"items"`
	}
	if err := c.get(ctx, "/api/v1/history", v, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// WaitForTurn polls until the turn is done or ctx ends.
func (c *Client) WaitForTurn(ctx context.Context, id string, interval time.Duration) (Turn, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		turn, err := c.GetTurn(ctx, id)
		if err != nil {
			return Turn{}, err
		}
		if turn.Done() {
			return turn, nil
		}
		select {
		case <-ctx.Done():
			return turn, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ask submits a turn and waits for its result.
func (c *Client) Ask(ctx context.Context, submission TurnSubmission, interval time.Duration) (Turn, error) {
	turn, err := c.SubmitTurn(ctx, submission)
	if err != nil {
		return Turn{}, err
	}
	return c.WaitForTurn(ctx, turn.ID, interval)
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
