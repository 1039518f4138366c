package syncq

import (
	"sort"
	"sync"
	"time"
)

type entry struct {
	task Task
	seq  uint64
}

// Queue is a set of pending tasks keyed by (type, target). All methods are
// safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	items  map[Key]*entry
	seq    uint64
	now    func() time.Time
	notify chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for enqueue and retry times.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		items:  make(map[Key]*entry),
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds task unless an equivalent task is already pending, in which
// case the duplicate is absorbed and false is returned.
func (q *Queue) Enqueue(task Task) bool {
	return q.add(task, 0)
}

// EnqueueAfter adds task so that it becomes ready after delay. A pending
// duplicate absorbs it the same way Enqueue does.
func (q *Queue) EnqueueAfter(task Task, delay time.Duration) bool {
	return q.add(task, delay)
}

func (q *Queue) add(task Task, delay time.Duration) bool {
	q.mu.Lock()
	now := q.now()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	task.NotBefore = time.Time{}
	if delay > 0 {
		task.NotBefore = now.Add(delay)
	}

	key := task.Key()
	if existing, ok := q.items[key]; ok {
		existing.task.absorb(task)
		// An immediate request supersedes a pending retry: it runs now with
		// a fresh attempt budget.
		promoted := delay <= 0 && existing.task.NotBefore.After(now)
		if promoted {
			existing.task.NotBefore = time.Time{}
			existing.task.Attempts = task.Attempts
			existing.task.LastError = task.LastError
		}
		q.mu.Unlock()
		if promoted {
			q.wake()
		}
		return false
	}
	q.seq++
	q.items[key] = &entry{task: task, seq: q.seq}
	q.mu.Unlock()

	if delay <= 0 {
		q.wake()
	}
	return true
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever a ready task is
// added. Signals are coalesced.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// DrainAll atomically removes and returns every ready task. Tasks waiting
// for a retry delay stay queued. The batch is grouped by project, groups
// ordered by their earliest task, tasks in a group in enqueue order.
func (q *Queue) DrainAll() []Task {
	q.mu.Lock()
	now := q.now()
	ready := make([]*entry, 0, len(q.items))
	for key, e := range q.items {
		if e.task.NotBefore.After(now) {
			continue
		}
		ready = append(ready, e)
		delete(q.items, key)
	}
	q.mu.Unlock()

	first := make(map[string]uint64, len(ready))
	for _, e := range ready {
		g := e.task.Group()
		if s, ok := first[g]; !ok || e.seq < s {
			first[g] = e.seq
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		gi, gj := first[ready[i].task.Group()], first[ready[j].task.Group()]
		if gi != gj {
			return gi < gj
		}
		return ready[i].seq < ready[j].seq
	})

	tasks := make([]Task, len(ready))
	for i, e := range ready {
		tasks[i] = e.task
	}
	return tasks
}

// Len returns the number of queued tasks, ready or delayed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the number of tasks ready to run now.
func (q *Queue) Pending() int {
	ready, _ := q.counts()
	return ready
}

// Delayed returns the number of tasks waiting for a retry delay.
func (q *Queue) Delayed() int {
	_, delayed := q.counts()
	return delayed
}

func (q *Queue) counts() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, e := range q.items {
		if e.task.NotBefore.After(now) {
			delayed++
		} else {
			ready++
		}
	}
	return ready, delayed
}

// NextReady returns the earliest time a delayed task becomes ready.
func (q *Queue) NextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	for _, e := range q.items {
		nb := e.task.NotBefore
		if nb.IsZero() {
			continue
		}
		if next.IsZero() || nb.Before(next) {
			next = nb
		}
	}
	return next, !next.IsZero()
}

// Remove drops a queued task by key.
func (q *Queue) Remove(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[key]; !ok {
		return false
	}
	delete(q.items, key)
	return true
}

// RemoveProject drops every queued task that targets projectID.
func (q *Queue) RemoveProject(projectID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for key, e := range q.items {
		if e.task.ProjectID == projectID {
			delete(q.items, key)
			n++
		}
	}
	return n
}

// Snapshot returns copies of all queued tasks in enqueue order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	entries := make([]entry, 0, len(q.items))
	for _, e := range q.items {
		c := *e
		c.task.DocIDs = append([]string(nil), e.task.DocIDs...)
		c.task.Files = append([]string(nil), e.task.Files...)
		entries = append(entries, c)
	}
	q.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Task, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}
	return out
}
