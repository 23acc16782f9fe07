// Package taskmesh is a Go client for the TaskMesh task API.
package taskmesh

import (
	"bufio"
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
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Event streams are not subject to it.
const DefaultHTTPTimeout = 15 * time.Second

// Task states as reported by the API.
const (
	StateIdle          = "IDLE"
	StatePlanning      = "PLANNING"
	StateApprovingPlan = "APPROVING_PLAN"
	StateNegotiating   = "NEGOTIATING"
	StatePaying        = "PAYING"
	StateExecuting     = "EXECUTING"
	StateVerifying     = "VERIFYING"
	StateComplete      = "COMPLETE"
	StateFailed        = "FAILED"
)

// Client wraps the HTTP interactions with the TaskMesh REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	stream     *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Bound constrains a numeric result field.
type Bound struct {
	Path string   `json:"path"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// Criteria are the acceptance checks applied to a task's result.
type Criteria struct {
	RequiredFields []string        `json:"required_fields,omitempty"`
	NonEmpty       []string        `json:"non_empty,omitempty"`
	Bounds         []Bound         `json:"bounds,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
}

// TaskRequest is the payload required to create a task. ID, when set, makes
// the submission idempotent.
type TaskRequest struct {
	ID            string         `json:"id,omitempty"`
	Goal          string         `json:"goal"`
	Capabilities  []string       `json:"capabilities"`
	Params        map[string]any `json:"params,omitempty"`
	CredentialRef string         `json:"credential_ref,omitempty"`
	MinReputation float64        `json:"min_reputation,omitempty"`
	MaxPrice      float64        `json:"max_price,omitempty"`
	VerifiedOnly  bool           `json:"verified_only,omitempty"`
	Criteria      Criteria       `json:"criteria"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Plan is the counterparty selection for a task.
type Plan struct {
	CounterpartyID string   `json:"counterparty_id"`
	Capabilities   []string `json:"capabilities"`
	EstimatedCost  float64  `json:"estimated_cost"`
	Currency       string   `json:"currency,omitempty"`
	Approved       bool     `json:"approved"`
	ThreadID       string   `json:"thread_id,omitempty"`
	Fallbacks      int      `json:"fallbacks,omitempty"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Code    string   `json:"code"`
	Step    string   `json:"step"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// Task is a snapshot of a task.
type Task struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	State      string          `json:"state"`
	Request    TaskRequest     `json:"request"`
	Plan       *Plan           `json:"plan,omitempty"`
	Accepted   *Plan           `json:"accepted_plan,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *TaskError      `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	NextOffset int64           `json:"next_offset"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool {
	return t.State == StateComplete || t.State == StateFailed
}

// EventData carries an event's message or error.
type EventData struct {
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    string            `json:"code,omitempty"`
	Details []string          `json:"details,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Event is one entry of a task's progress log.
type Event struct {
	TaskID    string    `json:"task_id"`
	Offset    int64     `json:"offset"`
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Final reports whether the event ends the task.
func (e Event) Final() bool {
	return e.Step == "task" && (e.Status == "success" || e.Status == "error")
}

// ListParams filters ListTasks.
type ListParams struct {
	Limit  int
	Offset int
	States []string
	Query  string
	Oldest bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("taskmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("taskmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the TaskMesh API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	stream := *httpClient
	stream.Timeout = 0
	return &Client{baseURL: parsed, httpClient: httpClient, stream: &stream}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitTask creates a task.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, req, &t)
	return t, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &t)
	return t, err
}

// ListTasks returns the caller's tasks, newest first unless Oldest is set.
func (c *Client) ListTasks(ctx context.Context, p ListParams) ([]Task, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	if len(p.States) > 0 {
		q.Set("state", strings.Join(p.States, ","))
	}
	if p.Query != "" {
		q.Set("q", p.Query)
	}
	if p.Oldest {
		q.Set("order", "asc")
	}
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks", q, nil, &out)
	return out.Tasks, err
}

// CancelTask cancels a non-terminal task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/cancel", nil, nil, &t)
	return t, err
}

// ApproveTask approves a plan awaiting manual approval.
func (c *Client) ApproveTask(ctx context.Context, id string) (Task, error) {
	var t Task
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/approve", nil, nil, &t)
	return t, err
}

// RejectTask rejects a plan awaiting manual approval.
func (c *Client) RejectTask(ctx context.Context, id, reason string) (Task, error) {
	var t Task
	body := map[string]string{"reason": reason}
	err := c.send(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/reject", nil, body, &t)
	return t, err
}

// Events returns the task's recorded events starting at offset from.
func (c *Client) Events(ctx context.Context, id string, from int64) ([]Event, error) {
	q := url.Values{"stream": {"false"}, "from": {strconv.FormatInt(from, 10)}}
	var out struct {
		Events []Event `json:"events"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/events", q, nil, &out)
	return out.Events, err
}

// StreamEvents follows the task's server-sent event stream from offset from
// and calls fn for each event until the task ends, fn returns an error or
// ctx is done.
func (c *Client) StreamEvents(ctx context.Context, id string, from int64, fn func(Event) error) error {
	q := url.Values{"from": {strconv.FormatInt(from, 10)}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id)+"/events", q, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(evt); err != nil {
				return err
			}
			if evt.Final() {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

// WaitForCompletion polls the task until it is terminal.
func (c *Client) WaitForCompletion(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
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
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		if err := json.Unmarshal(data, &envelope); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
		apiErr.StatusCode = resp.StatusCode
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
