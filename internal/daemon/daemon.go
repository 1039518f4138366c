// Package daemon wires the sync daemon together and owns its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/trackersync/internal/config"
	"github.com/p-blackswan/trackersync/internal/health"
	"github.com/p-blackswan/trackersync/internal/insight"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/notify"
	"github.com/p-blackswan/trackersync/internal/processor"
	"github.com/p-blackswan/trackersync/internal/retry"
	"github.com/p-blackswan/trackersync/internal/rules"
	"github.com/p-blackswan/trackersync/internal/schedule"
	"github.com/p-blackswan/trackersync/internal/scheduler"
	"github.com/p-blackswan/trackersync/internal/server"
	"github.com/p-blackswan/trackersync/internal/state"
	"github.com/p-blackswan/trackersync/internal/store"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/tracker"
	"github.com/p-blackswan/trackersync/internal/webhook"
	"github.com/p-blackswan/trackersync/internal/workspace"
)

const (
	retentionInterval = 24 * time.Hour
	// trackerHealthTTL bounds how often /health reaches the tracker.
	trackerHealthTTL = time.Minute
)

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	tracker  tracker.API
	notifier notify.Notifier
	writer   workspace.Writer
	clock    schedule.Clock
	listener net.Listener
}

// WithTracker replaces the tracker client.
func WithTracker(api tracker.API) Option {
	return func(o *options) { o.tracker = api }
}

// WithNotifier replaces the Slack or log notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithWriter replaces the workspace writer.
func WithWriter(w workspace.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithClock replaces the scheduler clock.
func WithClock(c schedule.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithListener serves HTTP on ln instead of the configured port.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// Daemon owns every component of a running sync daemon.
type Daemon struct {
	cfg      *config.Config
	logger   zerolog.Logger
	listener net.Listener

	State     *state.Store
	Store     *store.Store
	Queue     *syncq.Queue
	Tracker   tracker.API
	Metrics   *metrics.Metrics
	Checker   *health.Checker
	Receiver  *webhook.Receiver
	Processor *processor.Processor
	Scheduler *scheduler.Scheduler
	Rules     *rules.Engine
	Manager   *rules.Manager
	Insights  *insight.Generator
	Server    *server.Server
}

// New builds a Daemon from configuration. State and the dead letter store
// are opened here; nothing runs until Run.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Daemon, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	st, err := state.Open(cfg.DocsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	db, err := store.New(filepath.Join(cfg.DocsPath, store.FileName), logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logger.With().Str("component", "daemon").Logger(),
		listener: o.listener,
		State:    st,
		Store:    db,
		Queue:    syncq.New(),
		Metrics:  metrics.New(),
		Checker:  health.NewChecker(logger),
	}

	d.Tracker = o.tracker
	if d.Tracker == nil {
		d.Tracker = newTracker(cfg, logger)
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = newNotifier(cfg, logger)
	}
	writer := o.writer
	if writer == nil {
		writer = workspace.New(logger)
	}

	d.Checker.Register("store", health.PingCheck(db))
	d.Checker.Register("tracker", health.Cached(health.TrackerCheck(d.Tracker), trackerHealthTTL))
	d.Checker.Register("dead_letters", health.DeadLetterCheck(db))

	d.Insights = insight.NewGenerator(insight.Config{
		DocsPath: cfg.DocsPath,
		Tracker:  d.Tracker,
		Projects: st,
		Notifier: notifier,
		Metrics:  d.Metrics,
		Logger:   logger,
	})
	d.Rules = rules.NewEngine(rules.EngineConfig{
		Store:    st,
		Queue:    d.Queue,
		Notifier: notifier,
		Analyzer: d.Insights,
		Metrics:  d.Metrics,
		Logger:   logger,
	})
	d.Manager = rules.NewManager(rules.ManagerConfig{
		Tracker:            d.Tracker,
		Recorder:           db,
		Metrics:            d.Metrics,
		Logger:             logger,
		MaxOpenPerAssignee: cfg.MaxOpenPerAssignee,
	})
	d.Receiver = webhook.NewReceiver(webhook.Config{
		Secret:   cfg.WebhookSecret,
		Tracker:  d.Tracker,
		Projects: st,
		Queue:    d.Queue,
		Sink:     d.Rules,
		Metrics:  d.Metrics,
		Logger:   logger,
	})
	d.Processor = processor.New(processor.Config{
		Queue:         d.Queue,
		Projects:      st,
		Tracker:       d.Tracker,
		Writer:        writer,
		DeadLetters:   db,
		Metrics:       d.Metrics,
		Logger:        logger,
		RetryDelay:    cfg.RetryDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
		MaxAttempts:   cfg.MaxAttempts,
		Workers:       cfg.SyncWorkers,
	})
	d.Scheduler = scheduler.New(scheduler.Config{
		Queue:        d.Queue,
		Processor:    d.Processor,
		Projects:     st,
		Manager:      d.Manager,
		Rules:        d.Rules,
		Insights:     d.Insights,
		Clock:        o.clock,
		Metrics:      d.Metrics,
		Logger:       logger,
		Interval:     cfg.SyncInterval,
		InitialDelay: cfg.InitialDelay,
		InsightHour:  cfg.InsightHour,
	})
	d.Server = server.New(server.Config{
		ListenAddr: cfg.ListenAddr(),
		Auth: server.AuthConfig{
			Mode:      cfg.MgmtAuthMode(),
			APIKey:    cfg.MgmtAPIKey,
			JWTSecret: cfg.MgmtJWTSecret,
		},
	}, server.Deps{
		Receiver:    d.Receiver,
		Registry:    st,
		Queue:       d.Queue,
		DeadLetters: db,
		Actions:     db,
		Insights:    d.Insights,
		Checker:     d.Checker,
		Metrics:     d.Metrics,
	}, logger)

	return d, nil
}

func newTracker(cfg *config.Config, logger zerolog.Logger) tracker.API {
	if !cfg.TrackerEnabled() {
		logger.Warn().Msg("TRACKER_API_TOKEN not set, tracker features disabled")
		return tracker.Disabled{}
	}
	return tracker.NewClient(cfg.TrackerBaseURL, &tracker.TokenAuth{Token: cfg.TrackerAPIToken}, logger,
		tracker.WithRateLimit(cfg.TrackerRateLimitRPS),
		tracker.WithRetry(retry.DefaultConfig()),
	)
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) notify.Notifier {
	if !cfg.SlackEnabled() {
		logger.Info().Msg("Slack not configured, notifications go to the log")
		return notify.NewLog(logger)
	}
	return notify.NewSlack(slack.New(cfg.SlackBotToken), cfg.SlackChannel, logger)
}

// Run starts the sync worker, the scheduler and the HTTP server, and blocks
// until ctx is cancelled or the server fails. Shutdown stops ticks first,
// then HTTP, then waits for in-flight tasks up to SHUTDOWN_TIMEOUT before
// flushing state and closing the store.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Str("environment", d.cfg.Environment).
		Str("addr", d.cfg.ListenAddr()).
		Str("docs_path", d.cfg.DocsPath).
		Bool("tracker_enabled", d.cfg.TrackerEnabled()).
		Bool("slack_enabled", d.cfg.SlackEnabled()).
		Bool("webhook_signed", d.cfg.WebhookSecretEnabled()).
		Int("projects", d.State.ProjectCount()).
		Int("rules", d.State.RuleCount()).
		Msg("Starting sync daemon")

	tickCtx, stopTicks := context.WithCancel(ctx)
	defer stopTicks()
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	var ticks, work sync.WaitGroup

	work.Add(1)
	go func() {
		defer work.Done()
		d.Processor.Run(workCtx)
	}()

	ticks.Add(1)
	go func() {
		defer ticks.Done()
		d.Scheduler.Run(tickCtx)
	}()

	ticks.Add(1)
	go func() {
		defer ticks.Done()
		d.runRetention(tickCtx)
	}()

	if d.cfg.RulesWatch {
		ticks.Add(1)
		go func() {
			defer ticks.Done()
			err := d.State.Watch(tickCtx, func(n int) {
				d.logger.Info().Int("rules", n).Msg("Automation rules changed on disk")
			})
			if err != nil {
				d.logger.Error().Err(err).Msg("Rule watcher stopped")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if d.listener != nil {
			err = d.Server.Serve(d.listener)
		} else {
			err = d.Server.Start()
		}
		serveErr <- err
	}()

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("Shutting down gracefully")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
			d.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
	defer cancel()

	stopTicks()
	if err := d.Server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// The worker finishes the task it is running and stops taking new ones.
	stopWork()
	if !waitTimeout(shutdownCtx, &ticks, &work) {
		d.logger.Warn().
			Int("pending", d.Queue.Pending()).
			Msg("Forced shutdown after timeout, in-flight tasks abandoned")
	}

	return errors.Join(runErr, d.Close())
}

// Close flushes state and closes the store.
func (d *Daemon) Close() error {
	var errs []error
	if err := d.State.Flush(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to flush state")
		errs = append(errs, err)
	}
	if err := d.Store.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close store")
		errs = append(errs, err)
	}
	d.logger.Info().Msg("Sync daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) runRetention(ctx context.Context) {
	t := time.NewTicker(retentionInterval)
	defer t.Stop()
	for {
		if err := d.Store.RunRetention(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("Store retention failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func waitTimeout(ctx context.Context, groups ...*sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		for _, g := range groups {
			g.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
