package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/tracker"
	"github.com/p-blackswan/trackersync/internal/tracker/trackertest"
)

const secret = "s3cret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type fakeProjects struct {
	projects []models.Project
}

func (f *fakeProjects) Project(id string) (models.Project, bool) {
	for _, p := range f.projects {
		if p.ID == id {
			return p, true
		}
	}
	return models.Project{}, false
}

func (f *fakeProjects) ProjectForList(listID string) (models.Project, bool) {
	for _, p := range f.projects {
		for _, l := range p.Lists() {
			if l == listID {
				return p, true
			}
		}
	}
	return models.Project{}, false
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.WebhookEvent
}

func (s *recordingSink) OnEvent(_ context.Context, ev models.WebhookEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

type fixture struct {
	recv    *Receiver
	queue   *syncq.Queue
	tracker *trackertest.Fake
	sink    *recordingSink
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	fk := trackertest.New()
	fk.AddTask(
		tracker.Task{ID: "t1", ListID: "L1"},
		tracker.Task{ID: "t2", ListID: "L2"},
		tracker.Task{ID: "t9", ListID: "L9"},
	)
	projects := &fakeProjects{projects: []models.Project{
		{ID: "p1", ListIDs: []string{"L1"}, AutoSyncEnabled: true},
		{ID: "p2", ListIDs: []string{"L2"}, AutoSyncEnabled: false},
	}}
	q := syncq.New()
	sink := &recordingSink{}
	recv := NewReceiver(Config{
		Secret:   secret,
		Tracker:  fk,
		Projects: projects,
		Queue:    q,
		Sink:     sink,
		Logger:   zerolog.Nop(),
	})
	return &fixture{recv: recv, queue: q, tracker: fk, sink: sink}
}

func keys(tasks []syncq.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Key().String())
	}
	return out
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"taskCreated","task_id":"t1"}`)

	assert.NoError(t, Verify(nil, body, ""), "no secret skips verification")
	assert.NoError(t, Verify([]byte(secret), body, sign(body)))
	assert.NoError(t, Verify([]byte(secret), body, "sha256="+sign(body)))

	for _, sig := range []string{"", "deadbeef", "sha256=" + sign([]byte("other")), "not-hex"} {
		err := Verify([]byte(secret), body, sig)
		assert.ErrorIs(t, err, perrors.ErrInvalidSignature, "signature %q", sig)
	}
}

func TestParse(t *testing.T) {
	now := time.Now()
	ev, err := Parse([]byte(`{
		"event": "taskUpdated",
		"task_id": "t1",
		"webhook_id": "wh",
		"history_items": [{"id": "h1", "field": "status", "user": {"username": "ada"}, "after": {"status": "in progress"}}]
	}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.EventUpdated, ev.Kind)
	assert.Equal(t, "taskUpdated", ev.Name)
	assert.Equal(t, "t1", ev.SubjectID)
	assert.Equal(t, "h1", ev.ID)
	assert.Equal(t, "status", ev.Fields["field"])
	assert.Equal(t, "ada", ev.Fields["user"])
	assert.Equal(t, "in progress", ev.Fields["after"])
	assert.Equal(t, now, ev.ReceivedAt)

	ev, err = Parse([]byte(`{"event":"comment","subject_id":"t2","list_id":"L2"}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.EventComment, ev.Kind)
	assert.Equal(t, "L2", ev.ListID)
	assert.NotEmpty(t, ev.ID)

	ev, err = Parse([]byte(`{"event":"folderCreated"}`), now)
	require.NoError(t, err)
	assert.Equal(t, models.EventOther, ev.Kind)

	for _, body := range []string{`not json`, `[1,2]`, `{"task_id":"t1"}`, `{"event":"taskCreated"}`} {
		_, err := Parse([]byte(body), now)
		assert.ErrorIs(t, err, perrors.ErrInvalidInput, body)
	}
}

func TestHandle_RejectsBadSignatureWithoutSideEffects(t *testing.T) {
	f := newFixture(t, secret)
	body := []byte(`{"event":"taskCreated","task_id":"t1"}`)

	_, err := f.recv.Handle(context.Background(), body, "sha256="+sign([]byte("tampered")))
	assert.ErrorIs(t, err, perrors.ErrInvalidSignature)
	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.sink.events)
	assert.Equal(t, 0, f.tracker.Calls("GetTask"))
}

func TestHandle_AcceptsSignedRequest(t *testing.T) {
	f := newFixture(t, secret)
	body := []byte(`{"event":"taskCreated","task_id":"t1"}`)

	ev, err := f.recv.Handle(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, "p1", ev.ProjectID)
	assert.ElementsMatch(t, []string{"task_analysis:t1", "project_sync:p1"}, keys(f.queue.DrainAll()))
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "p1", f.sink.events[0].ProjectID)
}

func TestHandle_UpdatedSyncsOnlyAutoSyncProjects(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.recv.Handle(ctx, []byte(`{"event":"taskUpdated","task_id":"t2"}`), "")
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.Len(), "p2 has auto-sync disabled")

	_, err = f.recv.Handle(ctx, []byte(`{"event":"taskUpdated","task_id":"t9"}`), "")
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.Len(), "L9 is not tracked")

	_, err = f.recv.Handle(ctx, []byte(`{"event":"taskUpdated","task_id":"t1"}`), "")
	require.NoError(t, err)
	_, err = f.recv.Handle(ctx, []byte(`{"event":"taskUpdated","task_id":"t1"}`), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"project_sync:p1"}, keys(f.queue.DrainAll()))
	assert.Len(t, f.sink.events, 4)
}

func TestHandle_CachesTaskOwnership(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.recv.Handle(ctx, []byte(`{"event":"taskUpdated","task_id":"t1"}`), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.tracker.Calls("GetTask"))

	assert.Equal(t, 1, f.recv.Forget(models.Project{ID: "p1", ListIDs: []string{"L1"}}))
	_, err := f.recv.Handle(ctx, []byte(`{"event":"taskUpdated","task_id":"t1"}`), "")
	require.NoError(t, err)
	assert.Equal(t, 2, f.tracker.Calls("GetTask"))
}

func TestHandle_DeletedUsesPayloadList(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.recv.Handle(context.Background(), []byte(`{"event":"taskDeleted","task_id":"gone","list_id":"L1"}`), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"project_sync:p1"}, keys(f.queue.DrainAll()))
	assert.Equal(t, 0, f.tracker.Calls("GetTask"), "deleted tasks are not looked up")
}

func TestHandle_CommentsAreNeverAbsorbed(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.recv.Handle(ctx, []byte(`{"event":"taskCommentPosted","task_id":"t1","event_id":"c1"}`), "")
	require.NoError(t, err)
	_, err = f.recv.Handle(ctx, []byte(`{"event":"taskCommentPosted","task_id":"t1","event_id":"c2"}`), "")
	require.NoError(t, err)

	assert.Equal(t, 2, f.queue.Len())
}

func TestHandle_LookupFailureStillAccepts(t *testing.T) {
	f := newFixture(t, "")
	f.tracker.FailNext("GetTask", perrors.NewAPIError("tracker", 503, "down"))

	ev, err := f.recv.Handle(context.Background(), []byte(`{"event":"taskUpdated","task_id":"t1"}`), "")
	require.NoError(t, err)
	assert.Empty(t, ev.ProjectID)
	assert.Equal(t, 0, f.queue.Len())
	assert.Len(t, f.sink.events, 1)
}

func TestHandle_UnknownEventPassesToRules(t *testing.T) {
	f := newFixture(t, "")
	ev, err := f.recv.Handle(context.Background(), []byte(`{"event":"folderCreated","folder_id":"f1"}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.EventOther, ev.Kind)
	assert.Equal(t, 0, f.queue.Len())
	assert.Len(t, f.sink.events, 1)
}

func TestHandle_Malformed(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.recv.Handle(context.Background(), []byte(`{`), "")
	assert.True(t, errors.Is(err, perrors.ErrInvalidInput))
	assert.Empty(t, f.sink.events)
}
