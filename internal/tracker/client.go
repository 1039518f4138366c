// Package tracker is the HTTP client for the remote task-tracking service.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/retry"
)

const serviceName = "tracker"

// maxPages bounds pagination so a misbehaving server cannot loop us forever.
const maxPages = 50

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client wraps the tracker REST API.
type Client struct {
	baseURL    string
	httpClient HTTPClient
	auth       Authenticator
	limiter    *rate.Limiter
	retry      retry.Config
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 5)
	}
}

// WithRetry overrides the in-request retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a new tracker API client.
func NewClient(baseURL string, auth Authenticator, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		auth:       auth,
		retry:      retry.DefaultConfig(),
		logger:     logger.With().Str("component", "tracker").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// BaseURL returns the base URL of the tracker API.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do executes an authenticated API request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		if err := c.auth.Apply(req); err != nil {
			return fmt.Errorf("applying auth: %w: %w", perrors.ErrNotConfigured, err)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Dur("took", time.Since(start)).
			Msg("tracker request")

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return perrors.NewAPIError(serviceName, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w: %w", perrors.ErrInvalidInput, err)
		}
		return nil
	})
}

// GetUser returns the account the token belongs to. Used to verify credentials.
func (c *Client) GetUser(ctx context.Context) (*User, error) {
	var resp struct {
		User wireUser `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/user", nil, &resp); err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	u := User(resp.User)
	return &u, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var w wireTask
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(taskID), nil, &w); err != nil {
		return nil, fmt.Errorf("getting task %s: %w", taskID, err)
	}
	t := w.normalize()
	return &t, nil
}

// GetTasks returns every task, closed ones included, of the given lists.
func (c *Client) GetTasks(ctx context.Context, listIDs []string) ([]Task, error) {
	var tasks []Task
	for _, listID := range listIDs {
		complete := false
		for page := 0; page < maxPages && !complete; page++ {
			var resp struct {
				Tasks    []wireTask `json:"tasks"`
				LastPage *bool      `json:"last_page"`
			}
			path := fmt.Sprintf("/list/%s/task?include_closed=true&subtasks=true&page=%d", url.PathEscape(listID), page)
			if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
				return nil, fmt.Errorf("listing tasks of list %s: %w", listID, err)
			}
			for _, w := range resp.Tasks {
				t := w.normalize()
				if t.ListID == "" {
					t.ListID = listID
				}
				tasks = append(tasks, t)
			}
			complete = len(resp.Tasks) == 0 || resp.LastPage == nil || *resp.LastPage
		}
		if !complete {
			c.logger.Warn().
				Str("list_id", listID).
				Int("pages", maxPages).
				Msg("Task listing truncated at page limit")
		}
	}
	return tasks, nil
}

type wireTaskUpdate struct {
	Priority  *int    `json:"priority,omitempty"`
	DueDate   *int64  `json:"due_date,omitempty"`
	Status    *string `json:"status,omitempty"`
	Assignees *struct {
		Add []int64 `json:"add,omitempty"`
		Rem []int64 `json:"rem,omitempty"`
	} `json:"assignees,omitempty"`
}

// UpdateTask applies a partial update.
func (c *Client) UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error {
	if update.Empty() {
		return nil
	}
	body := wireTaskUpdate{Priority: update.Priority, Status: update.Status}
	if update.DueDate != nil {
		ms := update.DueDate.UnixMilli()
		body.DueDate = &ms
	}
	if len(update.AddAssignees) > 0 || len(update.RemoveAssignees) > 0 {
		body.Assignees = &struct {
			Add []int64 `json:"add,omitempty"`
			Rem []int64 `json:"rem,omitempty"`
		}{Add: update.AddAssignees, Rem: update.RemoveAssignees}
	}
	if err := c.do(ctx, http.MethodPut, "/task/"+url.PathEscape(taskID), body, nil); err != nil {
		return fmt.Errorf("updating task %s: %w", taskID, err)
	}
	return nil
}

// GetDocuments lists the documents attached to a project.
func (c *Client) GetDocuments(ctx context.Context, projectID string) ([]Document, error) {
	var resp struct {
		Docs []wireDoc `json:"docs"`
	}
	if err := c.do(ctx, http.MethodGet, "/project/"+url.PathEscape(projectID)+"/doc", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing documents of project %s: %w", projectID, err)
	}
	docs := make([]Document, 0, len(resp.Docs))
	for _, w := range resp.Docs {
		docs = append(docs, w.normalize())
	}
	return docs, nil
}

// GetDocumentContent returns the body of a document.
func (c *Client) GetDocumentContent(ctx context.Context, docID string) (string, error) {
	var w wireDoc
	if err := c.do(ctx, http.MethodGet, "/doc/"+url.PathEscape(docID), nil, &w); err != nil {
		return "", fmt.Errorf("getting document %s: %w", docID, err)
	}
	return w.Content, nil
}

// CreateDocument uploads a new document into a project.
func (c *Client) CreateDocument(ctx context.Context, projectID, name, content string) (*Document, error) {
	body := map[string]string{"name": name, "content": content}
	var w wireDoc
	if err := c.do(ctx, http.MethodPost, "/project/"+url.PathEscape(projectID)+"/doc", body, &w); err != nil {
		return nil, fmt.Errorf("creating document %q in project %s: %w", name, projectID, err)
	}
	d := w.normalize()
	return &d, nil
}

// Disabled is an API that fails every call with ErrNotConfigured. It stands
// in for the client when no credentials are configured so the daemon can
// still serve health checks.
type Disabled struct{}

func (Disabled) GetUser(context.Context) (*User, error) { return nil, perrors.ErrNotConfigured }
func (Disabled) GetTask(context.Context, string) (*Task, error) {
	return nil, perrors.ErrNotConfigured
}
func (Disabled) GetTasks(context.Context, []string) ([]Task, error) {
	return nil, perrors.ErrNotConfigured
}
func (Disabled) UpdateTask(context.Context, string, TaskUpdate) error {
	return perrors.ErrNotConfigured
}
func (Disabled) GetDocuments(context.Context, string) ([]Document, error) {
	return nil, perrors.ErrNotConfigured
}
func (Disabled) GetDocumentContent(context.Context, string) (string, error) {
	return "", perrors.ErrNotConfigured
}
func (Disabled) CreateDocument(context.Context, string, string, string) (*Document, error) {
	return nil, perrors.ErrNotConfigured
}

var (
	_ API = (*Client)(nil)
	_ API = Disabled{}
)
