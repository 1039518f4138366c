package tracker

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Priority levels as used by the tracker: lower is more urgent, 0 means unset.
const (
	PriorityNone   = 0
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
)

// API is the task tracker surface the daemon depends on.
type API interface {
	GetUser(ctx context.Context) (*User, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	GetTasks(ctx context.Context, listIDs []string) ([]Task, error)
	UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error
	GetDocuments(ctx context.Context, projectID string) ([]Document, error)
	GetDocumentContent(ctx context.Context, docID string) (string, error)
	CreateDocument(ctx context.Context, projectID, name, content string) (*Document, error)
}

// User is a tracker account.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Task is the normalized view of a tracker task.
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Status       string        `json:"status"`
	StatusType   string        `json:"status_type,omitempty"` // open, custom, done, closed
	Priority     int           `json:"priority"`
	DueDate      *time.Time    `json:"due_date,omitempty"`
	Assignees    []User        `json:"assignees,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	URL          string        `json:"url,omitempty"`
	ListID       string        `json:"list_id,omitempty"`
	TimeTracked  time.Duration `json:"time_tracked,omitempty"`
	TimeEstimate time.Duration `json:"time_estimate,omitempty"`
	UpdatedAt    *time.Time    `json:"updated_at,omitempty"`
}

// IsComplete reports whether the task is in a terminal status.
func (t Task) IsComplete() bool {
	switch t.StatusType {
	case "done", "closed":
		return true
	}
	switch strings.ToLower(t.Status) {
	case "complete", "completed", "done", "closed":
		return true
	}
	return false
}

// IsOverdue reports whether the task is open and past its due date.
func (t Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.DueDate.Before(now) && !t.IsComplete()
}

// PrimaryAssignee returns the first assignee, if any.
func (t Task) PrimaryAssignee() (User, bool) {
	if len(t.Assignees) == 0 {
		return User{}, false
	}
	return t.Assignees[0], true
}

// TaskUpdate is a partial task update. Nil fields are left unchanged.
type TaskUpdate struct {
	Priority        *int
	DueDate         *time.Time
	Status          *string
	AddAssignees    []int64
	RemoveAssignees []int64
}

// Empty reports whether the update changes nothing.
func (u TaskUpdate) Empty() bool {
	return u.Priority == nil && u.DueDate == nil && u.Status == nil &&
		len(u.AddAssignees) == 0 && len(u.RemoveAssignees) == 0
}

// Document is a tracker document.
type Document struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	URL       string     `json:"url,omitempty"`
	Content   string     `json:"content,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Wire shapes of the tracker REST API.

type wireUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type wireTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      *struct {
		Status string `json:"status"`
		Type   string `json:"type"`
	} `json:"status"`
	Priority *struct {
		ID       string `json:"id"`
		Priority string `json:"priority"`
	} `json:"priority"`
	DueDate      msTime     `json:"due_date"`
	DateUpdated  msTime     `json:"date_updated"`
	Assignees    []wireUser `json:"assignees"`
	Tags         []struct {
		Name string `json:"name"`
	} `json:"tags"`
	URL          string `json:"url"`
	TimeSpent    msInt  `json:"time_spent"`
	TimeEstimate msInt  `json:"time_estimate"`
	List         *struct {
		ID string `json:"id"`
	} `json:"list"`
}

func (w wireTask) normalize() Task {
	t := Task{
		ID:           w.ID,
		Name:         w.Name,
		Description:  w.Description,
		URL:          w.URL,
		DueDate:      w.DueDate.ptr(),
		UpdatedAt:    w.DateUpdated.ptr(),
		TimeTracked:  time.Duration(w.TimeSpent) * time.Millisecond,
		TimeEstimate: time.Duration(w.TimeEstimate) * time.Millisecond,
	}
	if w.Status != nil {
		t.Status = w.Status.Status
		t.StatusType = w.Status.Type
	}
	if w.Priority != nil {
		t.Priority = parsePriority(w.Priority.ID, w.Priority.Priority)
	}
	if w.List != nil {
		t.ListID = w.List.ID
	}
	for _, a := range w.Assignees {
		t.Assignees = append(t.Assignees, User(a))
	}
	for _, tag := range w.Tags {
		t.Tags = append(t.Tags, tag.Name)
	}
	return t
}

func parsePriority(id, name string) int {
	if n, err := strconv.Atoi(id); err == nil && n >= PriorityUrgent && n <= PriorityLow {
		return n
	}
	switch strings.ToLower(name) {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "normal":
		return PriorityNormal
	case "low":
		return PriorityLow
	}
	return PriorityNone
}

type wireDoc struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	DateUpdated msTime `json:"date_updated"`
}

func (w wireDoc) normalize() Document {
	return Document{ID: w.ID, Name: w.Name, URL: w.URL, Content: w.Content, UpdatedAt: w.DateUpdated.ptr()}
}

// msTime decodes unix-millisecond timestamps sent either as strings or numbers.
type msTime struct {
	t time.Time
}

func (m *msTime) UnmarshalJSON(b []byte) error {
	ms, ok, err := decodeMillis(b)
	if err != nil || !ok {
		return err
	}
	m.t = time.UnixMilli(ms).UTC()
	return nil
}

func (m msTime) ptr() *time.Time {
	if m.t.IsZero() {
		return nil
	}
	t := m.t
	return &t
}

// msInt decodes millisecond durations sent either as strings or numbers.
type msInt int64

func (m *msInt) UnmarshalJSON(b []byte) error {
	ms, _, err := decodeMillis(b)
	*m = msInt(ms)
	return err
}

func decodeMillis(b []byte) (int64, bool, error) {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` || s == "" {
		return 0, false, nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return 0, false, err
		}
		s = str
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}
