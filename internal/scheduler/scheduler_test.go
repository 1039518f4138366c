package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/trackersync/internal/insight"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/processor"
	"github.com/p-blackswan/trackersync/internal/schedule"
)

// journal records the order in which phases ran.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeQueue struct{ pending int }

func (q *fakeQueue) Pending() int { return q.pending }

type fakeDrainer struct{ j *journal }

func (d *fakeDrainer) DrainAndProcess(context.Context) processor.Result {
	d.j.add("drain")
	return processor.Result{}
}

type fakeProjects []models.Project

func (p fakeProjects) Projects() []models.Project { return p }

type fakeManager struct {
	j     *journal
	block chan struct{}
	fail  string
}

func (m *fakeManager) ManageProject(_ context.Context, p models.Project) (models.ManagementAction, error) {
	if m.block != nil {
		<-m.block
	}
	m.j.add("manage:" + p.ID)
	if p.ID == m.fail {
		return models.ManagementAction{}, errors.New("tracker down")
	}
	return models.ManagementAction{ProjectID: p.ID}, nil
}

type fakeRules struct {
	j     *journal
	calls atomic.Int32
}

func (r *fakeRules) EvaluateScheduled(context.Context, time.Time) int {
	r.calls.Add(1)
	r.j.add("rules")
	return 0
}

type fakeInsights struct{ j *journal }

func (g *fakeInsights) Generate(_ context.Context, p models.Project) (insight.Report, error) {
	g.j.add("insight:" + p.ID)
	return insight.Report{ProjectID: p.ID}, nil
}

type harness struct {
	j       *journal
	queue   *fakeQueue
	manager *fakeManager
	rules   *fakeRules
	clock   *schedule.FakeClock
	sched   *Scheduler
}

func newHarness(now time.Time) *harness {
	j := &journal{}
	h := &harness{
		j:       j,
		queue:   &fakeQueue{},
		manager: &fakeManager{j: j},
		rules:   &fakeRules{j: j},
		clock:   schedule.NewFakeClock(now),
	}
	h.sched = New(Config{
		Queue:        h.queue,
		Processor:    &fakeDrainer{j: j},
		Projects:     fakeProjects{{ID: "p1"}, {ID: "p2"}},
		Manager:      h.manager,
		Rules:        h.rules,
		Insights:     &fakeInsights{j: j},
		Clock:        h.clock,
		Logger:       zerolog.Nop(),
		Interval:     time.Minute,
		InitialDelay: 5 * time.Second,
		InsightHour:  9,
	})
	return h
}

func TestTick_PhasesInOrder(t *testing.T) {
	now := time.Date(2024, 8, 1, 9, 15, 0, 0, time.Local)
	h := newHarness(now)
	h.queue.pending = 2
	h.manager.fail = "p1"

	require.True(t, h.sched.Tick(context.Background(), now))
	assert.Equal(t, []string{
		"drain",
		"manage:p1", "manage:p2",
		"rules",
		"insight:p1", "insight:p2",
	}, h.j.list())
}

func TestTick_EmptyQueueSkipsDrain(t *testing.T) {
	now := time.Date(2024, 8, 1, 7, 0, 0, 0, time.Local)
	h := newHarness(now)

	h.sched.Tick(context.Background(), now)
	assert.Equal(t, []string{"manage:p1", "manage:p2", "rules"}, h.j.list())
}

func TestTick_InsightsOncePerDay(t *testing.T) {
	day := time.Date(2024, 8, 1, 0, 0, 0, 0, time.Local)
	h := newHarness(day)
	count := func() int {
		n := 0
		for _, e := range h.j.list() {
			if e == "insight:p1" {
				n++
			}
		}
		return n
	}
	ctx := context.Background()

	h.sched.Tick(ctx, day.Add(8*time.Hour+55*time.Minute))
	assert.Equal(t, 0, count(), "before the insight hour")
	h.sched.Tick(ctx, day.Add(9*time.Hour+2*time.Minute))
	assert.Equal(t, 1, count())
	h.sched.Tick(ctx, day.Add(14*time.Hour))
	assert.Equal(t, 1, count(), "already generated today")
	h.sched.Tick(ctx, day.Add(24*time.Hour+3*time.Hour))
	assert.Equal(t, 1, count(), "next day, before the hour")
	h.sched.Tick(ctx, day.Add(24*time.Hour+9*time.Hour))
	assert.Equal(t, 2, count())
}

func TestTick_InsightDayMatchesArchiveFile(t *testing.T) {
	local := time.Date(2024, 8, 1, 9, 30, 0, 0, time.Local)
	h := newHarness(local)
	ctx := context.Background()

	// The clock may hand out UTC instants; the guard still keys on the
	// local day the report is archived under.
	h.sched.Tick(ctx, local.UTC())
	assert.Equal(t, insight.DailyFile(local), "daily-"+h.sched.insightDay+".json")

	h.sched.Tick(ctx, local.Add(2*time.Hour))
	n := 0
	for _, e := range h.j.list() {
		if e == "insight:p1" {
			n++
		}
	}
	assert.Equal(t, 1, n, "one report per archive day")
}

func TestTick_OverlapIsSkipped(t *testing.T) {
	now := time.Date(2024, 8, 1, 7, 0, 0, 0, time.Local)
	h := newHarness(now)
	h.manager.block = make(chan struct{})

	first := make(chan bool)
	go func() { first <- h.sched.Tick(context.Background(), now) }()
	require.Eventually(t, h.sched.Running, time.Second, time.Millisecond)

	assert.False(t, h.sched.Tick(context.Background(), now.Add(time.Minute)))

	close(h.manager.block)
	assert.True(t, <-first)
	assert.Equal(t, int32(1), h.rules.calls.Load(), "skipped tick did no work")
	assert.False(t, h.sched.Running())

	assert.True(t, h.sched.Tick(context.Background(), now.Add(2*time.Minute)))
}

func TestRun_TicksOnWallClockSchedule(t *testing.T) {
	start := time.Date(2024, 8, 1, 7, 0, 0, 0, time.Local)
	h := newHarness(start)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	ticks := func() int32 { return h.rules.calls.Load() }
	waitForTimer := func() {
		require.Eventually(t, func() bool { return h.clock.Waiters() == 1 }, time.Second, time.Millisecond)
	}

	waitForTimer()
	assert.Equal(t, int32(0), ticks())
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return ticks() == 1 }, time.Second, time.Millisecond)

	waitForTimer()
	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return ticks() == 2 }, time.Second, time.Millisecond)

	// Three periods pass at once: one tick, the missed fire times are dropped.
	waitForTimer()
	h.clock.Advance(3 * time.Minute)
	require.Eventually(t, func() bool { return ticks() == 3 }, time.Second, time.Millisecond)
	waitForTimer()
	assert.Equal(t, int32(3), ticks())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
