// Package insight computes per-project task statistics and archives them as
// daily reports.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/fileutil"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/notify"
	"github.com/p-blackswan/trackersync/internal/tracker"
)

const (
	// Dir is the insights directory under the docs root.
	Dir        = "insights"
	LatestFile = "latest.json"
	TimeRange  = "24h"

	// CompletionTarget is the completion rate, in percent, below which a
	// productivity recommendation is made.
	CompletionTarget = 70.0
)

// Recommendation types.
const (
	RecDeadlineManagement       = "deadline_management"
	RecProductivityOptimization = "productivity_optimization"
)

// Metrics are task counts for one project.
type Metrics struct {
	TotalTasks        int `json:"total_tasks"`
	CompletedTasks    int `json:"completed_tasks"`
	OverdueTasks      int `json:"overdue_tasks"`
	HighPriorityTasks int `json:"high_priority_tasks"`
}

type Productivity struct {
	CompletionRate float64 `json:"completion_rate"`
}

type Recommendation struct {
	Type     string   `json:"type"`
	Priority string   `json:"priority"`
	Message  string   `json:"message"`
	Actions  []string `json:"actions"`
}

// Report is one insight snapshot.
type Report struct {
	ProjectID       string           `json:"project_id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	TimeRange       string           `json:"time_range"`
	Metrics         Metrics          `json:"metrics"`
	Productivity    Productivity     `json:"productivity"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Compute builds a report from the project's tasks. Overdue counts open tasks
// only; high priority means urgent.
func Compute(projectID string, tasks []tracker.Task, now time.Time) Report {
	r := Report{
		ProjectID:       projectID,
		GeneratedAt:     now,
		TimeRange:       TimeRange,
		Recommendations: []Recommendation{},
	}
	for _, t := range tasks {
		r.Metrics.TotalTasks++
		if t.IsComplete() {
			r.Metrics.CompletedTasks++
		}
		if t.IsOverdue(now) {
			r.Metrics.OverdueTasks++
		}
		if t.Priority == tracker.PriorityUrgent {
			r.Metrics.HighPriorityTasks++
		}
	}
	if r.Metrics.TotalTasks > 0 {
		rate := float64(r.Metrics.CompletedTasks) / float64(r.Metrics.TotalTasks) * 100
		r.Productivity.CompletionRate = math.Round(rate*100) / 100
	}

	if r.Metrics.OverdueTasks > 0 {
		r.Recommendations = append(r.Recommendations, Recommendation{
			Type:     RecDeadlineManagement,
			Priority: "high",
			Message:  fmt.Sprintf("%d tasks are overdue. Consider deadline adjustment or resource reallocation.", r.Metrics.OverdueTasks),
			Actions:  []string{"review_overdue_tasks", "adjust_deadlines", "reassign_tasks"},
		})
	}
	if r.Productivity.CompletionRate < CompletionTarget {
		r.Recommendations = append(r.Recommendations, Recommendation{
			Type:     RecProductivityOptimization,
			Priority: "medium",
			Message:  "Task completion rate is below optimal threshold. Review task complexity and team capacity.",
			Actions:  []string{"analyze_bottlenecks", "review_task_sizing", "team_capacity_planning"},
		})
	}
	return r
}

// Projects looks up tracked projects.
type Projects interface {
	Project(id string) (models.Project, bool)
}

// Config wires a Generator.
type Config struct {
	DocsPath string
	Tracker  tracker.API
	Projects Projects
	Notifier notify.Notifier // optional
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Generator computes, archives and announces insight reports.
type Generator struct {
	root     string
	tracker  tracker.API
	projects Projects
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(cfg Config) *Generator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{
		root:     filepath.Join(cfg.DocsPath, Dir),
		tracker:  cfg.Tracker,
		projects: cfg.Projects,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "insight").Logger(),
		now:      now,
	}
}

// Generate fetches the project's tasks, writes the dated and latest reports
// and notifies when the project wants notifications. A failed notification
// does not fail the report.
func (g *Generator) Generate(ctx context.Context, p models.Project) (Report, error) {
	tasks, err := g.tracker.GetTasks(ctx, p.Lists())
	if err != nil {
		g.metrics.RecordInsight("error")
		return Report{}, fmt.Errorf("fetch tasks for %s: %w", p.ID, err)
	}

	r := Compute(p.ID, tasks, g.now())
	if err := g.save(r); err != nil {
		g.metrics.RecordInsight("error")
		return r, err
	}
	g.metrics.RecordInsight("ok")

	g.logger.Info().
		Str("project_id", p.ID).
		Int("total_tasks", r.Metrics.TotalTasks).
		Int("overdue_tasks", r.Metrics.OverdueTasks).
		Float64("completion_rate", r.Productivity.CompletionRate).
		Msg("Insight report generated")

	if p.NotificationsEnabled && g.notifier != nil {
		if err := g.notifier.Notify(ctx, Message(p, r)); err != nil {
			g.logger.Warn().Err(err).Str("project_id", p.ID).Msg("Insight notification failed")
		}
	}
	return r, nil
}

// AnalyzeProject generates a report for a tracked project by id.
func (g *Generator) AnalyzeProject(ctx context.Context, projectID string) error {
	p, ok := g.projects.Project(projectID)
	if !ok {
		return fmt.Errorf("project %s: %w", projectID, perrors.ErrUnknownProject)
	}
	_, err := g.Generate(ctx, p)
	return err
}

// Latest returns the most recent report of a project.
func (g *Generator) Latest(projectID string) (Report, error) {
	dir, err := g.projectDir(projectID)
	if err != nil {
		return Report{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, LatestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, fmt.Errorf("no insight report for %s: %w", projectID, perrors.ErrNotFound)
		}
		return Report{}, fmt.Errorf("read latest report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("decode latest report: %w", err)
	}
	return r, nil
}

// Day is the local calendar date of t. The scheduler's once-a-day guard and
// the archive file name both use it so they always agree.
func Day(t time.Time) string { return t.Local().Format("2006-01-02") }

// DailyFile names the archive file for the report's local date.
func DailyFile(at time.Time) string {
	return "daily-" + Day(at) + ".json"
}

func (g *Generator) save(r Report) error {
	dir, err := g.projectDir(r.ProjectID)
	if err != nil {
		return err
	}
	if err := fileutil.WriteJSON(filepath.Join(dir, DailyFile(r.GeneratedAt)), r); err != nil {
		return fmt.Errorf("write daily report: %w", err)
	}
	if err := fileutil.WriteJSON(filepath.Join(dir, LatestFile), r); err != nil {
		return fmt.Errorf("write latest report: %w", err)
	}
	return nil
}

func (g *Generator) projectDir(projectID string) (string, error) {
	if projectID == "" || projectID == "." || projectID == ".." || strings.ContainsAny(projectID, `/\`) {
		return "", fmt.Errorf("project id %q: %w", projectID, perrors.ErrInvalidInput)
	}
	return filepath.Join(g.root, projectID), nil
}

// Message renders a report as a notification.
func Message(p models.Project, r Report) notify.Message {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	msg := notify.Message{
		ProjectID: p.ID,
		Title:     "Daily insights: " + name,
		Text:      fmt.Sprintf("Completion rate %.1f%% over the last %s.", r.Productivity.CompletionRate, r.TimeRange),
		Fields: []notify.Field{
			{Label: "Total tasks", Value: fmt.Sprint(r.Metrics.TotalTasks)},
			{Label: "Completed", Value: fmt.Sprint(r.Metrics.CompletedTasks)},
			{Label: "Overdue", Value: fmt.Sprint(r.Metrics.OverdueTasks)},
			{Label: "Urgent", Value: fmt.Sprint(r.Metrics.HighPriorityTasks)},
		},
	}
	for _, rec := range r.Recommendations {
		msg.Bullets = append(msg.Bullets, fmt.Sprintf("[%s] %s", rec.Priority, rec.Message))
	}
	return msg
}
