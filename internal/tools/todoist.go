// Package tools provides the external collaborators that task records are
// dispatched to: a Todoist task tracker and an SMTP mailer for email drafts.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/contextd/pkg/retry"
)

// DefaultTodoistURL is the Todoist REST API root.
const DefaultTodoistURL = "https://api.todoist.com/rest/v2"

// TodoistOptions configures NewTodoist.
type TodoistOptions struct {
	BaseURL string
	Token   string
	// DueString and Priority are applied to every created task.
	DueString string
	Priority  int
	ProjectID string
	Timeout   time.Duration
}

// TodoistClient creates tasks through the Todoist REST API. It implements
// action.TaskTracker.
type TodoistClient struct {
	baseURL string
	token   string
	opts    TodoistOptions
	client  *http.Client
}

// NewTodoist creates a Todoist client.
func NewTodoist(opts TodoistOptions) *TodoistClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTodoistURL
	}
	if opts.DueString == "" {
		opts.DueString = "today"
	}
	if opts.Priority == 0 {
		opts.Priority = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &TodoistClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

// CreateTask creates a task titled title. The idempotency key travels as
// X-Request-Id so Todoist drops a repeated request.
func (tc *TodoistClient) CreateTask(ctx context.Context, title, idempotencyKey string) (string, error) {
	payload := map[string]any{
		"content":    title,
		"due_string": tc.opts.DueString,
		"priority":   tc.opts.Priority,
	}
	if tc.opts.ProjectID != "" {
		payload["project_id"] = tc.opts.ProjectID
	}
	body, _ := json.Marshal(payload)

	resp, err := tc.doRequest(ctx, http.MethodPost, "/tasks", body, idempotencyKey)
	if err != nil {
		return "", fmt.Errorf("todoist create task: %w", err)
	}

	id := gjson.GetBytes(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("todoist create task: response without id: %s", truncateStr(string(resp), 200))
	}
	slog.Info("todoist task created", "id", id, "title", truncateStr(title, 100), "request_id", idempotencyKey)
	return id, nil
}

// IsAvailable checks that the API answers with the configured token.
func (tc *TodoistClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := tc.doRequest(ctx, http.MethodGet, "/projects", nil, "")
	return err == nil
}

// --- HTTP helpers ---

// HTTPError is a non-2xx answer from an HTTP collaborator.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether a retry may succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

func (tc *TodoistClient) doRequest(ctx context.Context, method, path string, body []byte, requestID string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, tc.baseURL+path, bodyReader)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+tc.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: truncateStr(string(respBody), 300)}
		if !herr.Transient() {
			return nil, retry.Permanent(herr)
		}
		return nil, herr
	}
	return respBody, nil
}

// AsHTTPError unwraps an *HTTPError from err.
func AsHTTPError(err error) (*HTTPError, bool) {
	var herr *HTTPError
	ok := errors.As(err, &herr)
	return herr, ok
}

func truncateStr(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
