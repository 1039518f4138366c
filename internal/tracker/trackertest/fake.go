// Package trackertest provides an in-memory tracker for tests.
package trackertest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/tracker"
)

// Update is a recorded UpdateTask call.
type Update struct {
	TaskID string
	Update tracker.TaskUpdate
}

// Fake implements tracker.API over in-memory maps. UpdateTask mutates the
// stored task so repeated reads observe earlier writes.
type Fake struct {
	mu       sync.Mutex
	user     tracker.User
	tasks    map[string]tracker.Task
	users    map[int64]tracker.User
	docs     map[string][]tracker.Document
	content  map[string]string
	updates  []Update
	created  []tracker.Document
	calls    map[string]int
	failures map[string][]error

	// BeforeCall, when set, runs at the start of every method outside the
	// fake's lock.
	BeforeCall func(method string)
}

var _ tracker.API = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		user:     tracker.User{ID: 1, Username: "automation"},
		tasks:    make(map[string]tracker.Task),
		users:    make(map[int64]tracker.User),
		docs:     make(map[string][]tracker.Document),
		content:  make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// AddTask stores or replaces a task.
func (f *Fake) AddTask(tasks ...tracker.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.tasks[t.ID] = t
		for _, u := range t.Assignees {
			f.users[u.ID] = u
		}
	}
}

// AddUser makes a user known for assignee updates.
func (f *Fake) AddUser(u tracker.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

// AddDocument stores a document and its content under a project.
func (f *Fake) AddDocument(projectID string, d tracker.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content := d.Content
	d.Content = ""
	f.docs[projectID] = append(f.docs[projectID], d)
	f.content[d.ID] = content
}

// FailNext makes the next len(errs) calls of method fail with errs in order.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Updates returns recorded UpdateTask calls.
func (f *Fake) Updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.updates)
}

// Created returns documents created through CreateDocument.
func (f *Fake) Created() []tracker.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created)
}

// Task returns the stored task.
func (f *Fake) Task(id string) (tracker.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *Fake) enter(ctx context.Context, method string) error {
	if f.BeforeCall != nil {
		f.BeforeCall(method)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if errs := f.failures[method]; len(errs) > 0 {
		f.failures[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *Fake) GetUser(ctx context.Context) (*tracker.User, error) {
	if err := f.enter(ctx, "GetUser"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.user
	return &u, nil
}

func (f *Fake) GetTask(ctx context.Context, taskID string) (*tracker.Task, error) {
	if err := f.enter(ctx, "GetTask"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, perrors.NewAPIError("tracker", 404, "task not found")
	}
	return &t, nil
}

func (f *Fake) GetTasks(ctx context.Context, listIDs []string) ([]tracker.Task, error) {
	if err := f.enter(ctx, "GetTasks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Task
	for _, t := range f.tasks {
		if slices.Contains(listIDs, t.ListID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) UpdateTask(ctx context.Context, taskID string, u tracker.TaskUpdate) error {
	if err := f.enter(ctx, "UpdateTask"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return perrors.NewAPIError("tracker", 404, "task not found")
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.DueDate != nil {
		d := *u.DueDate
		t.DueDate = &d
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	for _, id := range u.RemoveAssignees {
		t.Assignees = slices.DeleteFunc(slices.Clone(t.Assignees), func(a tracker.User) bool { return a.ID == id })
	}
	for _, id := range u.AddAssignees {
		user, ok := f.users[id]
		if !ok {
			return fmt.Errorf("unknown user %d: %w", id, perrors.ErrInvalidInput)
		}
		t.Assignees = append(t.Assignees, user)
	}
	now := time.Now()
	t.UpdatedAt = &now
	f.tasks[taskID] = t
	f.updates = append(f.updates, Update{TaskID: taskID, Update: u})
	return nil
}

func (f *Fake) GetDocuments(ctx context.Context, projectID string) ([]tracker.Document, error) {
	if err := f.enter(ctx, "GetDocuments"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.docs[projectID]), nil
}

func (f *Fake) GetDocumentContent(ctx context.Context, docID string) (string, error) {
	if err := f.enter(ctx, "GetDocumentContent"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.content[docID]
	if !ok {
		return "", perrors.NewAPIError("tracker", 404, "doc not found")
	}
	return c, nil
}

func (f *Fake) CreateDocument(ctx context.Context, projectID, name, content string) (*tracker.Document, error) {
	if err := f.enter(ctx, "CreateDocument"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	d := tracker.Document{ID: fmt.Sprintf("doc-%d", len(f.created)+1), Name: name}
	f.created = append(f.created, d)
	f.docs[projectID] = append(f.docs[projectID], d)
	f.content[d.ID] = content
	return &d, nil
}
