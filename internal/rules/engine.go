// Package rules evaluates automation rules and runs the per-project
// auto-management policies.
package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/notify"
	"github.com/p-blackswan/trackersync/internal/schedule"
	"github.com/p-blackswan/trackersync/internal/syncq"
)

// RuleStore provides the loaded rules and the side effects rules can ask for.
type RuleStore interface {
	Rules() []models.AutomationRule
	MarkRuleFired(id string, at time.Time) error
	Backup(at time.Time) (string, error)
}

// Enqueuer accepts sync tasks.
type Enqueuer interface {
	Enqueue(t syncq.Task) bool
}

// Analyzer produces a project insight report on demand.
type Analyzer interface {
	AnalyzeProject(ctx context.Context, projectID string) error
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Store    RuleStore
	Queue    Enqueuer
	Notifier notify.Notifier
	Analyzer Analyzer // optional
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Engine fires schedule and event rules. Rules are read from the store on
// every evaluation, so a reload takes effect at the next evaluation.
type Engine struct {
	store    RuleStore
	queue    Enqueuer
	notifier notify.Notifier
	analyzer Analyzer
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	// Rules that never fired are first due after this instant.
	since time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	return &Engine{
		store:    cfg.Store,
		queue:    cfg.Queue,
		notifier: cfg.Notifier,
		analyzer: cfg.Analyzer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "rules").Logger(),
		since:    now(),
	}
}

// EvaluateScheduled fires every enabled schedule rule that is due at now and
// records its fire time. Returns the number of rules fired.
func (e *Engine) EvaluateScheduled(ctx context.Context, now time.Time) int {
	fired := 0
	for _, r := range e.store.Rules() {
		if !r.Enabled || r.Trigger.Type != models.TriggerSchedule {
			continue
		}
		s, err := schedule.Parse(r.Trigger.Schedule)
		if err != nil {
			e.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("Skipping rule with invalid schedule")
			continue
		}
		if !schedule.Due(s, r.LastFiredAt, e.since, now) {
			continue
		}

		e.logger.Info().Str("rule_id", r.ID).Str("schedule", s.String()).Msg("Firing scheduled rule")
		if err := e.execute(ctx, r, nil, now); err != nil {
			e.logger.Error().Err(err).Str("rule_id", r.ID).Msg("Automation rule failed")
		}
		// Recorded even on failure so a broken action does not refire every tick.
		if err := e.store.MarkRuleFired(r.ID, now); err != nil {
			e.logger.Error().Err(err).Str("rule_id", r.ID).Msg("Failed to record rule fire time")
		}
		e.metrics.RecordRuleFire(string(models.TriggerSchedule))
		fired++
	}
	return fired
}

// OnEvent fires every enabled event rule matching ev.
func (e *Engine) OnEvent(ctx context.Context, ev models.WebhookEvent) {
	for _, r := range e.store.Rules() {
		if !r.Enabled || r.Trigger.Type != models.TriggerEvent || !Matches(r.Trigger, ev) {
			continue
		}
		e.logger.Info().Str("rule_id", r.ID).Str("event_id", ev.ID).Msg("Firing event rule")
		if err := e.execute(ctx, r, &ev, ev.ReceivedAt); err != nil {
			e.logger.Error().Err(err).Str("rule_id", r.ID).Str("event_id", ev.ID).Msg("Automation rule failed")
		}
		e.metrics.RecordRuleFire(string(models.TriggerEvent))
	}
}

// Matches reports whether an event trigger accepts ev. The trigger's event may
// name a kind or a raw tracker event name. Filter values compare
// case-insensitively against the event's fields.
func Matches(t models.Trigger, ev models.WebhookEvent) bool {
	if t.Event != ev.Kind && string(t.Event) != ev.Name {
		return false
	}
	if t.ProjectID != "" && t.ProjectID != ev.ProjectID {
		return false
	}
	for k, want := range t.Filter {
		if !strings.EqualFold(eventField(ev, k), want) {
			return false
		}
	}
	return true
}

func eventField(ev models.WebhookEvent, key string) string {
	switch key {
	case "project_id":
		return ev.ProjectID
	case "subject_id", "task_id":
		return ev.SubjectID
	case "event":
		return ev.Name
	}
	return ev.Fields[key]
}

// execute runs every action of r. Actions are independent: a failing action
// does not stop the rest.
func (e *Engine) execute(ctx context.Context, r models.AutomationRule, ev *models.WebhookEvent, at time.Time) error {
	var errs []error
	for i, a := range r.Actions {
		if err := e.runAction(ctx, r, a, ev, at); err != nil {
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, a.Type, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) runAction(ctx context.Context, r models.AutomationRule, a models.Action, ev *models.WebhookEvent, at time.Time) error {
	projectID := firstNonEmpty(a.ProjectID, r.Trigger.ProjectID)
	if projectID == "" && ev != nil {
		projectID = ev.ProjectID
	}

	switch a.Type {
	case models.ActionSync:
		t := syncq.Task{Type: syncq.Type(a.SyncType), ProjectID: projectID, Source: syncq.SourceRule}
		if t.Type == "" {
			t.Type = syncq.TypeProjectSync
		}
		if t.Type != syncq.TypeProjectSync && t.Type != syncq.TypeDocSync {
			return fmt.Errorf("sync type %q cannot be requested by a rule: %w", t.Type, perrors.ErrInvalidInput)
		}
		if err := t.Validate(); err != nil {
			return err
		}
		e.queue.Enqueue(t)
		return nil

	case models.ActionAnalyze:
		if ev != nil && ev.SubjectID != "" {
			e.queue.Enqueue(syncq.Task{Type: syncq.TypeTaskAnalysis, TaskID: ev.SubjectID, ProjectID: ev.ProjectID, Source: syncq.SourceRule})
			return nil
		}
		if projectID == "" {
			return fmt.Errorf("analyze needs a task or project: %w", perrors.ErrInvalidInput)
		}
		if e.analyzer == nil {
			return fmt.Errorf("project analysis: %w", perrors.ErrNotConfigured)
		}
		return e.analyzer.AnalyzeProject(ctx, projectID)

	case models.ActionNotify:
		if e.notifier == nil {
			return fmt.Errorf("notifier: %w", perrors.ErrNotConfigured)
		}
		return e.notifier.Notify(ctx, ruleMessage(r, a, ev, projectID))

	case models.ActionBackup:
		dest, err := e.store.Backup(at)
		if err != nil {
			return err
		}
		e.logger.Info().Str("rule_id", r.ID).Str("dest", dest).Msg("Backup written")
		return nil
	}
	return fmt.Errorf("unknown action %q: %w", a.Type, perrors.ErrInvalidInput)
}

func ruleMessage(r models.AutomationRule, a models.Action, ev *models.WebhookEvent, projectID string) notify.Message {
	name := firstNonEmpty(r.Name, r.ID)
	msg := notify.Message{
		ProjectID: projectID,
		Title:     "Automation rule: " + name,
		Text:      firstNonEmpty(a.Message, fmt.Sprintf("Rule %s fired.", name)),
		Fields:    []notify.Field{{Label: "Rule", Value: r.ID}, {Label: "Trigger", Value: string(r.Trigger.Type)}},
	}
	if ev != nil {
		msg.Fields = append(msg.Fields,
			notify.Field{Label: "Event", Value: ev.Name},
			notify.Field{Label: "Task", Value: ev.SubjectID},
		)
	}
	return msg
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
