package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/schedule"
	"github.com/p-blackswan/trackersync/internal/store"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/tracker"
	"github.com/p-blackswan/trackersync/internal/tracker/trackertest"
	"github.com/p-blackswan/trackersync/internal/workspace"
)

var start = time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

// memProjects is an in-memory project registry.
type memProjects struct {
	mu       sync.Mutex
	projects map[string]models.Project
}

func newProjects(ps ...models.Project) *memProjects {
	m := &memProjects{projects: map[string]models.Project{}}
	for _, p := range ps {
		m.projects[p.ID] = p
	}
	return m
}

func (m *memProjects) Project(id string) (models.Project, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	return p, ok
}

func (m *memProjects) UpdateLastSync(id string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return perrors.ErrUnknownProject
	}
	p.LastSync = &t
	m.projects[id] = p
	return nil
}

// recordingWriter records writes and tracks how many run at once per project.
type recordingWriter struct {
	mu        sync.Mutex
	delay     time.Duration
	active    map[string]int
	maxActive map[string]int
	tasks     map[string][]tracker.Task
	docs      map[string][]tracker.Document
	onTasks   func(p models.Project)
	files     map[string]workspace.File
}

func newWriter() *recordingWriter {
	return &recordingWriter{
		active:    map[string]int{},
		maxActive: map[string]int{},
		tasks:     map[string][]tracker.Task{},
		docs:      map[string][]tracker.Document{},
		files:     map[string]workspace.File{},
	}
}

func (w *recordingWriter) enter(id string) {
	w.mu.Lock()
	w.active[id]++
	if w.active[id] > w.maxActive[id] {
		w.maxActive[id] = w.active[id]
	}
	w.mu.Unlock()
	time.Sleep(w.delay)
}

func (w *recordingWriter) leave(id string) {
	w.mu.Lock()
	w.active[id]--
	w.mu.Unlock()
}

func (w *recordingWriter) WriteTasks(p models.Project, tasks []tracker.Task) error {
	if w.onTasks != nil {
		w.onTasks(p)
	}
	w.enter(p.ID)
	defer w.leave(p.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[p.ID] = tasks
	return nil
}

func (w *recordingWriter) WriteDocuments(p models.Project, docs []tracker.Document) error {
	w.enter(p.ID)
	defer w.leave(p.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs[p.ID] = docs
	return nil
}

func (w *recordingWriter) ReadFiles(_ models.Project, files []string) ([]workspace.File, error) {
	out := make([]workspace.File, 0, len(files))
	for _, f := range files {
		file, ok := w.files[f]
		if !ok {
			return nil, perrors.ErrNotFound
		}
		out = append(out, file)
	}
	return out, nil
}

func (w *recordingWriter) max(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxActive[id]
}

type fixture struct {
	clock    *schedule.FakeClock
	queue    *syncq.Queue
	tracker  *trackertest.Fake
	writer   *recordingWriter
	projects *memProjects
	proc     *Processor
}

func newFixture(t *testing.T, dead DeadLetters, maxAttempts int) *fixture {
	t.Helper()
	clock := schedule.NewFakeClock(start)
	f := &fixture{
		clock:   clock,
		queue:   syncq.New(syncq.WithClock(clock.Now)),
		tracker: trackertest.New(),
		writer:  newWriter(),
		projects: newProjects(
			models.Project{ID: "p1", WorkspacePath: "/ws/p1", AutoSyncEnabled: true},
			models.Project{ID: "p2", WorkspacePath: "/ws/p2"},
		),
	}
	f.proc = New(Config{
		Queue:         f.queue,
		Projects:      f.projects,
		Tracker:       f.tracker,
		Writer:        f.writer,
		DeadLetters:   dead,
		Logger:        zerolog.Nop(),
		Now:           clock.Now,
		RetryDelay:    time.Minute,
		RetryMaxDelay: 10 * time.Minute,
		MaxAttempts:   maxAttempts,
		Workers:       4,
	})
	return f
}

func TestProcess_SyncProject(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.tracker.AddTask(
		tracker.Task{ID: "t1", ListID: "p1", Name: "One"},
		tracker.Task{ID: "t2", ListID: "other", Name: "Two"},
	)
	f.tracker.AddDocument("p1", tracker.Document{ID: "d1", Name: "Spec", Content: "# hello"})

	require.NoError(t, f.proc.Process(context.Background(), syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1"}))

	require.Len(t, f.writer.tasks["p1"], 1)
	assert.Equal(t, "t1", f.writer.tasks["p1"][0].ID)
	require.Len(t, f.writer.docs["p1"], 1)
	assert.Equal(t, "# hello", f.writer.docs["p1"][0].Content)

	p, _ := f.projects.Project("p1")
	require.NotNil(t, p.LastSync)
	assert.Equal(t, start, *p.LastSync)
}

func TestProcess_DocSyncSubset(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.tracker.AddDocument("p1", tracker.Document{ID: "d1", Name: "A", Content: "a"})
	f.tracker.AddDocument("p1", tracker.Document{ID: "d2", Name: "B", Content: "b"})

	require.NoError(t, f.proc.Process(context.Background(), syncq.Task{Type: syncq.TypeDocSync, ProjectID: "p1", DocIDs: []string{"d2", "missing"}}))
	require.Len(t, f.writer.docs["p1"], 1)
	assert.Equal(t, "d2", f.writer.docs["p1"][0].ID)
	assert.Empty(t, f.writer.tasks)
}

func TestProcess_AnalyzeTask(t *testing.T) {
	f := newFixture(t, nil, 3)
	past := start.Add(-time.Hour)
	f.tracker.AddTask(tracker.Task{ID: "t1", Status: "open", DueDate: &past})

	assert.NoError(t, f.proc.Process(context.Background(), syncq.Task{Type: syncq.TypeTaskAnalysis, TaskID: "t1"}))
	err := f.proc.Process(context.Background(), syncq.Task{Type: syncq.TypeTaskAnalysis, TaskID: "nope"})
	assert.True(t, perrors.IsPermanent(err))
}

func TestDrain_TransientFailureIsRetried(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.tracker.FailNext("GetTasks", perrors.NewAPIError("tracker", 503, "unavailable"))
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1"})

	res := f.proc.DrainAndProcess(context.Background())
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 0, f.queue.Pending())
	assert.Equal(t, 1, f.queue.Delayed())

	queued := f.queue.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Contains(t, queued[0].LastError, "503")
	next, ok := f.queue.NextReady()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), next)

	assert.Zero(t, f.proc.DrainAndProcess(context.Background()).Processed, "retry not ready yet")

	f.clock.Advance(time.Minute)
	res = f.proc.DrainAndProcess(context.Background())
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, f.queue.Len())
	assert.Contains(t, f.writer.tasks, "p1")
}

func TestDrain_BackoffDoubles(t *testing.T) {
	f := newFixture(t, nil, 5)
	f.tracker.FailNext("GetTasks",
		perrors.NewAPIError("tracker", 500, "x"),
		perrors.NewAPIError("tracker", 500, "x"),
	)
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1"})

	f.proc.DrainAndProcess(context.Background())
	f.clock.Advance(time.Minute)
	f.proc.DrainAndProcess(context.Background())

	next, ok := f.queue.NextReady()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute).Add(2*time.Minute), next)
}

func TestDrain_ExhaustedTaskIsDeadLettered(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), store.FileName), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	f := newFixture(t, db, 2)
	f.tracker.FailNext("GetTasks", context.DeadlineExceeded, context.DeadlineExceeded)
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1", Source: syncq.SourceWebhook})

	assert.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).Retried)
	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).DeadLettered)
	assert.Equal(t, 0, f.queue.Len())

	dls, err := db.ListUnresolved(10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "project_sync:p1", dls[0].TaskKey)
	assert.Equal(t, "p1", dls[0].ProjectID)
	assert.Equal(t, 2, dls[0].Attempts)
	assert.Contains(t, dls[0].Payload, `"source":"webhook"`)
}

func TestDrain_PermanentFailureIsDropped(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "gone"})
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeTaskAnalysis, TaskID: "missing"})

	res := f.proc.DrainAndProcess(context.Background())
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 0, f.queue.Len())
}

func TestDrain_SerializesPerProject(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.writer.delay = 20 * time.Millisecond

	var (
		once  sync.Once
		inner = make(chan Result, 1)
	)
	// While the first drain is inside p1, queue more p1 work and start a
	// second drain that must wait for it.
	f.writer.onTasks = func(p models.Project) {
		if p.ID != "p1" {
			return
		}
		once.Do(func() {
			f.queue.Enqueue(syncq.Task{Type: syncq.TypeDocSync, ProjectID: "p1"})
			go func() { inner <- f.proc.DrainAndProcess(context.Background()) }()
		})
	}

	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1"})
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeDocSync, ProjectID: "p1"})
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p2"})

	res := f.proc.DrainAndProcess(context.Background())
	assert.Equal(t, 3, res.Succeeded)

	select {
	case r := <-inner:
		assert.Equal(t, 1, r.Succeeded)
	case <-time.After(5 * time.Second):
		t.Fatal("second drain did not finish")
	}

	assert.Equal(t, 1, f.writer.max("p1"), "p1 writes overlapped")
	assert.Equal(t, 1, f.writer.max("p2"))
}

func TestDrain_CancelledContextRequeues(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1"})
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.proc.DrainAndProcess(ctx)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 2, f.queue.Pending())
}

func TestUploadFiles_RetriesOnlyFailedFiles(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.writer.files["a.md"] = workspace.File{Path: "a.md", Name: "a.md", Content: []byte("A")}
	f.writer.files["b.md"] = workspace.File{Path: "b.md", Name: "b.md", Content: []byte("B")}
	f.tracker.FailNext("CreateDocument", perrors.NewAPIError("tracker", 502, "bad gateway"))
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeFileUpload, ProjectID: "p1", Files: []string{"a.md", "b.md"}})

	assert.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).Retried)
	queued := f.queue.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, []string{"a.md"}, queued[0].Files)
	require.Len(t, f.tracker.Created(), 1)
	assert.Equal(t, "b.md", f.tracker.Created()[0].Name)

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).Succeeded)
	assert.Len(t, f.tracker.Created(), 2)
}

func TestUploadFiles_RejectedFileDoesNotDropRetryableOne(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.writer.files["a.md"] = workspace.File{Path: "a.md", Name: "a.md", Content: []byte("A")}
	f.writer.files["b.md"] = workspace.File{Path: "b.md", Name: "b.md", Content: []byte("B")}
	f.tracker.FailNext("CreateDocument",
		perrors.NewAPIError("tracker", 404, "folder not found"),
		errors.New("dial tcp: connection reset by peer"),
	)
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeFileUpload, ProjectID: "p1", Files: []string{"a.md", "b.md"}})

	res := f.proc.DrainAndProcess(context.Background())
	assert.Equal(t, 1, res.Retried)
	assert.Zero(t, res.Dropped)
	queued := f.queue.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, []string{"b.md"}, queued[0].Files, "rejected file is skipped, the other is retried")

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).Succeeded)
	require.Len(t, f.tracker.Created(), 1)
	assert.Equal(t, "b.md", f.tracker.Created()[0].Name)
}

func TestUploadFiles_AllRejectedIsDropped(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.writer.files["a.md"] = workspace.File{Path: "a.md", Name: "a.md", Content: []byte("A")}
	f.tracker.FailNext("CreateDocument", perrors.NewAPIError("tracker", 400, "bad name"))
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeFileUpload, ProjectID: "p1", Files: []string{"a.md"}})

	assert.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).Dropped)
	assert.Zero(t, f.queue.Len())
}

func TestDrain_ManualTriggerOverridesBackoff(t *testing.T) {
	f := newFixture(t, nil, 3)
	f.tracker.FailNext("GetTasks", perrors.NewAPIError("tracker", 503, "unavailable"))
	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1"})
	require.Equal(t, 1, f.proc.DrainAndProcess(context.Background()).Retried)
	require.Equal(t, 1, f.queue.Delayed())

	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p1", Source: syncq.SourceManual})
	res := f.proc.DrainAndProcess(context.Background())
	assert.Equal(t, 1, res.Succeeded, "runs now, not after the backoff")
	assert.Zero(t, f.queue.Len())
}

func TestUploadFiles_RealWorkspace(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "notes.md"), []byte("notes"), 0o644))

	f := newFixture(t, nil, 3)
	f.projects = newProjects(models.Project{ID: "p1", WorkspacePath: ws})
	f.proc.projects = f.projects
	f.proc.writer = workspace.New(zerolog.Nop())

	require.NoError(t, f.proc.Process(context.Background(), syncq.Task{Type: syncq.TypeFileUpload, ProjectID: "p1", Files: []string{"notes.md"}}))
	require.Len(t, f.tracker.Created(), 1)
	assert.Equal(t, "notes.md", f.tracker.Created()[0].Name)

	err := f.proc.Process(context.Background(), syncq.Task{Type: syncq.TypeFileUpload, ProjectID: "p1", Files: []string{"../escape"}})
	assert.ErrorIs(t, err, perrors.ErrInvalidInput)
}

func TestRun_DrainsOnEnqueue(t *testing.T) {
	f := newFixture(t, nil, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx)
		close(done)
	}()

	f.queue.Enqueue(syncq.Task{Type: syncq.TypeProjectSync, ProjectID: "p2"})
	assert.Eventually(t, func() bool {
		f.writer.mu.Lock()
		defer f.writer.mu.Unlock()
		_, ok := f.writer.tasks["p2"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestProcess_InvalidTask(t *testing.T) {
	f := newFixture(t, nil, 3)
	err := f.proc.Process(context.Background(), syncq.Task{Type: "bogus"})
	assert.True(t, errors.Is(err, perrors.ErrInvalidInput))
}
