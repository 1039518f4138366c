// Package scheduler drives the periodic work of the daemon: draining the
// sync queue, auto-managing projects, firing schedule rules and generating
// daily insight reports.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/trackersync/internal/insight"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/processor"
	"github.com/p-blackswan/trackersync/internal/schedule"
)

type Queue interface {
	Pending() int
}

type Drainer interface {
	DrainAndProcess(ctx context.Context) processor.Result
}

type Projects interface {
	Projects() []models.Project
}

type Manager interface {
	ManageProject(ctx context.Context, p models.Project) (models.ManagementAction, error)
}

type RuleEvaluator interface {
	EvaluateScheduled(ctx context.Context, now time.Time) int
}

type InsightGenerator interface {
	Generate(ctx context.Context, p models.Project) (insight.Report, error)
}

// Config wires a Scheduler. Manager, Rules and Insights are optional; a nil
// one skips its phase.
type Config struct {
	Queue     Queue
	Processor Drainer
	Projects  Projects
	Manager   Manager
	Rules     RuleEvaluator
	Insights  InsightGenerator
	Clock     schedule.Clock
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	Interval     time.Duration
	InitialDelay time.Duration
	InsightHour  int
}

// Scheduler runs ticks. At most one tick runs at a time; a tick that starts
// while another is running is skipped.
type Scheduler struct {
	cfg     Config
	clock   schedule.Clock
	logger  zerolog.Logger
	running atomic.Bool

	// Day of the last insight run, "2006-01-02" in local time. Only touched
	// by the tick holding the running flag.
	insightDay string

	wg sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	clock := cfg.Clock
	if clock == nil {
		clock = schedule.RealClock()
	}
	return &Scheduler{
		cfg:    cfg,
		clock:  clock,
		logger: cfg.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Running reports whether a tick is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// Tick runs one scheduler pass at now. Phases run in order and a failure in
// one project or phase does not stop the rest. Returns false when skipped
// because the previous tick is still running.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Time("at", now).Msg("Previous tick still running, skipping")
		s.cfg.Metrics.RecordTick("skipped")
		return false
	}
	defer s.running.Store(false)

	started := s.clock.Now()
	log := s.logger.With().Time("tick", now).Logger()
	log.Debug().Msg("Tick started")

	// a. queued sync work
	if s.cfg.Queue.Pending() > 0 {
		s.cfg.Processor.DrainAndProcess(ctx)
	}

	// b. auto-management
	projects := s.cfg.Projects.Projects()
	if s.cfg.Manager != nil {
		for _, p := range projects {
			if ctx.Err() != nil {
				break
			}
			if _, err := s.cfg.Manager.ManageProject(ctx, p); err != nil {
				log.Error().Err(err).Str("project_id", p.ID).Msg("Auto-management failed")
				s.cfg.Metrics.RecordError("scheduler", "manage_project")
			}
		}
	}

	// c. schedule rules
	if s.cfg.Rules != nil && ctx.Err() == nil {
		if n := s.cfg.Rules.EvaluateScheduled(ctx, now); n > 0 {
			log.Info().Int("fired", n).Msg("Scheduled rules fired")
		}
	}

	// d. daily insights
	if s.cfg.Insights != nil && ctx.Err() == nil && s.insightsDue(now) {
		s.insightDay = insight.Day(now)
		generated := 0
		for _, p := range projects {
			if ctx.Err() != nil {
				break
			}
			if _, err := s.cfg.Insights.Generate(ctx, p); err != nil {
				log.Error().Err(err).Str("project_id", p.ID).Msg("Insight generation failed")
				continue
			}
			generated++
		}
		log.Info().Int("projects", len(projects)).Int("generated", generated).Msg("Daily insights generated")
	}

	s.cfg.Metrics.RecordTick("ok")
	log.Debug().Dur("elapsed", s.clock.Now().Sub(started)).Msg("Tick finished")
	return true
}

// insightsDue uses the same local calendar as the archive file names.
func (s *Scheduler) insightsDue(now time.Time) bool {
	return now.Local().Hour() >= s.cfg.InsightHour && s.insightDay != insight.Day(now)
}

// Run ticks once after the initial delay and then at start + n*interval,
// where start is the first tick. Fire times missed while a tick runs are
// skipped. Each tick runs in its own goroutine so an overrunning tick shows
// up as a skipped one. Run returns after ctx is done and the running tick
// has finished.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("initial_delay", s.cfg.InitialDelay).
		Msg("Scheduler started")
	defer s.logger.Info().Msg("Scheduler stopped")

	select {
	case <-ctx.Done():
		return
	case <-s.clock.After(s.cfg.InitialDelay):
	}

	start := s.clock.Now()
	s.spawn(ctx, start)
	if s.cfg.Interval <= 0 {
		return
	}

	for {
		now := s.clock.Now()
		next := schedule.NextTick(start, s.cfg.Interval, now)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(now)):
		}
		s.spawn(ctx, next)
	}
}

func (s *Scheduler) spawn(ctx context.Context, at time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx, at)
	}()
}
