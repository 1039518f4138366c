package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/retry"
)

func setupTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, &TokenAuth{Token: "pk_test"}, zerolog.Nop(),
		WithRetry(retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	client.SetHTTPClient(server.Client())
	t.Cleanup(server.Close)
	return client, server
}

func TestClient_GetUser(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "pk_test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"user":{"id":42,"username":"ops-bot","email":"ops@example.com"}}`))
	})

	user, err := client.GetUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "ops-bot", user.Username)
}

func TestClient_GetTask_Normalizes(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/abc", r.URL.Path)
		w.Write([]byte(`{
			"id":"abc","name":"Write docs",
			"status":{"status":"in progress","type":"custom"},
			"priority":{"id":"2","priority":"high"},
			"due_date":"1792224000000",
			"assignees":[{"id":7,"username":"kim"}],
			"tags":[{"name":"docs"}],
			"time_spent":3600000,"time_estimate":"7200000",
			"list":{"id":"L1"}
		}`))
	})

	task, err := client.GetTask(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Write docs", task.Name)
	assert.Equal(t, "in progress", task.Status)
	assert.Equal(t, PriorityHigh, task.Priority)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, int64(1792224000000), task.DueDate.UnixMilli())
	assert.Equal(t, "L1", task.ListID)
	assert.Equal(t, time.Hour, task.TimeTracked)
	assert.Equal(t, 2*time.Hour, task.TimeEstimate)
	assert.Equal(t, []string{"docs"}, task.Tags)
	require.Len(t, task.Assignees, 1)
	assert.Equal(t, "kim", task.Assignees[0].Username)
}

func TestClient_GetTasks_WarnsWhenTruncated(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"tasks":[{"id":"t"}],"last_page":false}`))
	}))
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	client := NewClient(server.URL, &TokenAuth{Token: "pk_test"}, zerolog.New(&buf))
	client.SetHTTPClient(server.Client())

	tasks, err := client.GetTasks(context.Background(), []string{"L1"})
	require.NoError(t, err)
	assert.Len(t, tasks, maxPages)
	assert.Equal(t, int32(maxPages), calls.Load())
	assert.Contains(t, buf.String(), "Task listing truncated at page limit")
	assert.Contains(t, buf.String(), `"list_id":"L1"`)
}

func TestClient_GetTasks_NoWarningOnLastPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tasks":[{"id":"t"}],"last_page":true}`))
	}))
	t.Cleanup(server.Close)

	var buf bytes.Buffer
	client := NewClient(server.URL, &TokenAuth{Token: "pk_test"}, zerolog.New(&buf))
	client.SetHTTPClient(server.Client())

	_, err := client.GetTasks(context.Background(), []string{"L1"})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "truncated")
}

func TestClient_GetTasks_Paginates(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("include_closed"))
		switch r.URL.Query().Get("page") {
		case "0":
			w.Write([]byte(`{"tasks":[{"id":"t1"},{"id":"t2"}],"last_page":false}`))
		case "1":
			w.Write([]byte(`{"tasks":[{"id":"t3"}],"last_page":true}`))
		default:
			t.Errorf("unexpected page %s", r.URL.Query().Get("page"))
		}
	})

	tasks, err := client.GetTasks(context.Background(), []string{"L1"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, "L1", tasks[2].ListID)
}

func TestClient_UpdateTask(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/task/t1", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var got map[string]any
		assert.NoError(t, json.Unmarshal(body, &got))
		assert.EqualValues(t, 1, got["priority"])
		assert.Equal(t, "in progress", got["status"])
		assert.NotContains(t, got, "due_date")
		w.Write([]byte(`{}`))
	})

	p := PriorityUrgent
	s := "in progress"
	require.NoError(t, client.UpdateTask(context.Background(), "t1", TaskUpdate{Priority: &p, Status: &s}))
}

func TestClient_UpdateTask_EmptyIsNoop(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	require.NoError(t, client.UpdateTask(context.Background(), "t1", TaskUpdate{}))
	assert.Zero(t, calls.Load())
}

func TestClient_Documents(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/project/p1/doc":
			w.Write([]byte(`{"docs":[{"id":"d1","name":"Roadmap","url":"https://x/d1"}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/doc/d1":
			w.Write([]byte(`{"id":"d1","content":"# Roadmap"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/project/p1/doc":
			body, _ := io.ReadAll(r.Body)
			assert.Contains(t, string(body), `"name":"notes.md"`)
			w.Write([]byte(`{"id":"d2","name":"notes.md"}`))
		default:
			http.NotFound(w, r)
		}
	})

	docs, err := client.GetDocuments(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Roadmap", docs[0].Name)

	content, err := client.GetDocumentContent(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "# Roadmap", content)

	created, err := client.CreateDocument(context.Background(), "p1", "notes.md", "hello")
	require.NoError(t, err)
	assert.Equal(t, "d2", created.ID)
}

func TestClient_NotFoundIsPermanent(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"err":"Task not found"}`))
	})

	_, err := client.GetTask(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
	assert.True(t, perrors.IsPermanent(err))
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"user":{"id":1,"username":"bot"}}`))
	})

	_, err := client.GetUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_PersistentRateLimitIsRetryable(t *testing.T) {
	client, _ := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := client.GetUser(context.Background())
	require.Error(t, err)
	assert.True(t, perrors.IsRetryable(err))
}

func TestTokenAuth_Apply(t *testing.T) {
	req, _ := http.NewRequest("GET", "http://example.com", nil)
	require.NoError(t, (&TokenAuth{Token: "pk_1"}).Apply(req))
	assert.Equal(t, "pk_1", req.Header.Get("Authorization"))

	assert.Error(t, (&TokenAuth{}).Apply(req))
}

func TestBearerAuth_Refresh(t *testing.T) {
	auth := NewBearerAuth("", func() (string, error) { return "fresh", nil })
	req, _ := http.NewRequest("GET", "http://example.com", nil)
	require.NoError(t, auth.Apply(req))
	assert.Equal(t, "Bearer fresh", req.Header.Get("Authorization"))
}

func TestDisabled_ReturnsNotConfigured(t *testing.T) {
	_, err := Disabled{}.GetTasks(context.Background(), []string{"L"})
	assert.ErrorIs(t, err, perrors.ErrNotConfigured)
}

func TestTask_Predicates(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	assert.True(t, Task{Status: "complete"}.IsComplete())
	assert.True(t, Task{Status: "Shipped", StatusType: "closed"}.IsComplete())
	assert.False(t, Task{Status: "in progress"}.IsComplete())

	assert.True(t, Task{DueDate: &past}.IsOverdue(now))
	assert.False(t, Task{DueDate: &past, Status: "done"}.IsOverdue(now))
	assert.False(t, Task{}.IsOverdue(now))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityUrgent, parsePriority("1", "urgent"))
	assert.Equal(t, PriorityLow, parsePriority("", "LOW"))
	assert.Equal(t, PriorityNone, parsePriority("", ""))
}
