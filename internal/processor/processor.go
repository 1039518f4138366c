// Package processor executes queued sync tasks against the tracker and the
// project workspaces.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/retry"
	"github.com/p-blackswan/trackersync/internal/store"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/tracker"
	"github.com/p-blackswan/trackersync/internal/workspace"
)

// Queue is the part of the sync queue the processor consumes.
type Queue interface {
	DrainAll() []syncq.Task
	Enqueue(t syncq.Task) bool
	EnqueueAfter(t syncq.Task, delay time.Duration) bool
	Notify() <-chan struct{}
	NextReady() (time.Time, bool)
	Pending() int
	Delayed() int
}

// Projects resolves projects and records successful syncs.
type Projects interface {
	Project(id string) (models.Project, bool)
	UpdateLastSync(id string, t time.Time) error
}

// DeadLetters stores tasks that exhausted their attempts.
type DeadLetters interface {
	SaveDeadLetter(dl *store.DeadLetter) error
	CountUnresolved() (int, error)
}

// Config wires a Processor.
type Config struct {
	Queue       Queue
	Projects    Projects
	Tracker     tracker.API
	Writer      workspace.Writer
	DeadLetters DeadLetters // optional; without it exhausted tasks are dropped
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time

	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
	MaxAttempts   int
	Workers       int
}

// Processor drains the queue and runs tasks. Tasks of one project never run
// concurrently, across drains included.
type Processor struct {
	queue    Queue
	projects Projects
	tracker  tracker.API
	writer   workspace.Writer
	dead     DeadLetters
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	backoff     retry.Config
	maxAttempts int
	workers     int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Processor.
func New(cfg Config) *Processor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Processor{
		queue:       cfg.Queue,
		projects:    cfg.Projects,
		tracker:     cfg.Tracker,
		writer:      cfg.Writer,
		dead:        cfg.DeadLetters,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With().Str("component", "processor").Logger(),
		now:         now,
		backoff:     retry.Config{BaseDelay: cfg.RetryDelay, MaxDelay: cfg.RetryMaxDelay},
		maxAttempts: cfg.MaxAttempts,
		workers:     cfg.Workers,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Outcome of one task execution.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeRetry   Outcome = "retry"
	OutcomeDropped Outcome = "dropped"
	OutcomeDead    Outcome = "dead_letter"
	OutcomeSkipped Outcome = "skipped"
)

// Result summarises one drain.
type Result struct {
	Processed    int
	Succeeded    int
	Retried      int
	Dropped      int
	DeadLettered int
	Skipped      int
}

func (r *Result) add(o Outcome) {
	switch o {
	case OutcomeOK:
		r.Succeeded++
	case OutcomeRetry:
		r.Retried++
	case OutcomeDropped:
		r.Dropped++
	case OutcomeDead:
		r.DeadLettered++
	case OutcomeSkipped:
		r.Skipped++
		return
	}
	r.Processed++
}

// DrainAndProcess takes every ready task and runs it. Project groups run
// concurrently up to the worker limit; tasks within a group run in order.
// Once ctx is done no new task starts: the rest go back to the queue. A task
// already running is not interrupted by ctx.
func (p *Processor) DrainAndProcess(ctx context.Context) Result {
	tasks := p.queue.DrainAll()
	if len(tasks) == 0 {
		p.metrics.SetQueue(p.queue.Pending(), p.queue.Delayed())
		return Result{}
	}

	groups, order := groupTasks(tasks)
	p.logger.Info().Int("tasks", len(tasks)).Int("groups", len(order)).Msg("Processing sync queue")

	var (
		resMu sync.Mutex
		res   Result
	)
	work := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for _, key := range order {
		batch := groups[key]
		g.Go(func() error {
			unlock := p.lock(key)
			defer unlock()
			for _, t := range batch {
				o := OutcomeSkipped
				if ctx.Err() != nil {
					p.queue.Enqueue(t)
				} else {
					o = p.handle(work, t)
				}
				resMu.Lock()
				res.add(o)
				resMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.metrics.SetQueue(p.queue.Pending(), p.queue.Delayed())
	p.logger.Info().
		Int("succeeded", res.Succeeded).
		Int("retried", res.Retried).
		Int("dropped", res.Dropped).
		Int("dead_lettered", res.DeadLettered).
		Int("requeued", res.Skipped).
		Msg("Sync queue processed")
	return res
}

// Run drains the queue whenever a task becomes ready, until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info().Int("workers", p.workers).Msg("Sync worker started")
	defer p.logger.Info().Msg("Sync worker stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		p.resetTimer(timer)
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Notify():
		case <-timer.C:
		}
		p.DrainAndProcess(ctx)
	}
}

// resetTimer arms timer for the next delayed retry, or far in the future when
// none is pending.
func (p *Processor) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	wait := time.Hour
	if at, ok := p.queue.NextReady(); ok {
		wait = at.Sub(p.now())
		if wait < 0 {
			wait = 0
		}
	}
	timer.Reset(wait)
}

func (p *Processor) lock(key string) func() {
	p.mu.Lock()
	m, ok := p.locks[key]
	if !ok {
		m = &sync.Mutex{}
		p.locks[key] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func groupTasks(tasks []syncq.Task) (map[string][]syncq.Task, []string) {
	groups := make(map[string][]syncq.Task)
	var order []string
	for _, t := range tasks {
		k := t.Group()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], t)
	}
	return groups, order
}

// handle runs one task and applies the failure policy: permanent errors are
// dropped, anything else is retried with backoff until the attempts run out.
func (p *Processor) handle(ctx context.Context, t syncq.Task) Outcome {
	start := p.now()
	log := p.logger.With().
		Str("task_type", string(t.Type)).
		Str("target", t.Key().Target).
		Str("project_id", t.ProjectID).
		Logger()

	err := p.process(ctx, &t)
	elapsed := p.now().Sub(start).Seconds()

	if err == nil {
		log.Debug().Dur("elapsed", p.now().Sub(start)).Msg("Sync task completed")
		p.metrics.RecordSync(string(t.Type), string(OutcomeOK), elapsed)
		return OutcomeOK
	}

	if perrors.IsPermanent(err) {
		log.Warn().Err(err).Msg("Dropping sync task after permanent failure")
		p.metrics.RecordSync(string(t.Type), string(OutcomeDropped), elapsed)
		return OutcomeDropped
	}

	t.Attempts++
	t.LastError = err.Error()
	if t.Attempts >= p.maxAttempts {
		log.Error().Err(err).Int("attempts", t.Attempts).Msg("Sync task exhausted its attempts")
		p.deadLetter(t, log)
		p.metrics.RecordSync(string(t.Type), string(OutcomeDead), elapsed)
		return OutcomeDead
	}

	delay := retry.Backoff(p.backoff, t.Attempts)
	p.queue.EnqueueAfter(t, delay)
	log.Warn().Err(err).Int("attempts", t.Attempts).Dur("retry_in", delay).Msg("Sync task failed, retrying")
	p.metrics.RecordSync(string(t.Type), string(OutcomeRetry), elapsed)
	return OutcomeRetry
}

func (p *Processor) deadLetter(t syncq.Task, log zerolog.Logger) {
	if p.dead == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode dead letter")
		return
	}
	dl := &store.DeadLetter{
		TaskKey:   t.Key().String(),
		TaskType:  string(t.Type),
		ProjectID: t.ProjectID,
		Payload:   string(payload),
		Error:     t.LastError,
		Attempts:  t.Attempts,
		CreatedAt: p.now().UnixMilli(),
	}
	if err := p.dead.SaveDeadLetter(dl); err != nil {
		log.Error().Err(err).Msg("Failed to save dead letter")
		p.metrics.RecordError("processor", "dead_letter")
		return
	}
	if n, err := p.dead.CountUnresolved(); err == nil {
		p.metrics.SetDeadLetters(n)
	}
}

// Process runs a single task without retry handling.
func (p *Processor) Process(ctx context.Context, t syncq.Task) error {
	return p.process(ctx, &t)
}

func (p *Processor) process(ctx context.Context, t *syncq.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	switch t.Type {
	case syncq.TypeProjectSync:
		return p.syncProject(ctx, t.ProjectID)
	case syncq.TypeDocSync:
		return p.syncDocuments(ctx, t.ProjectID, t.DocIDs)
	case syncq.TypeTaskAnalysis:
		return p.analyzeTask(ctx, t.TaskID)
	case syncq.TypeFileUpload:
		return p.uploadFiles(ctx, t)
	}
	return fmt.Errorf("unknown sync task type %q: %w", t.Type, perrors.ErrInvalidInput)
}

func (p *Processor) project(id string) (models.Project, error) {
	proj, ok := p.projects.Project(id)
	if !ok {
		return models.Project{}, fmt.Errorf("project %s: %w", id, perrors.ErrUnknownProject)
	}
	return proj, nil
}

// synced records a successful sync. A failure to persist it does not fail the
// task: the workspace is already up to date.
func (p *Processor) synced(projectID string) {
	if err := p.projects.UpdateLastSync(projectID, p.now()); err != nil {
		p.logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to record last sync")
	}
}
