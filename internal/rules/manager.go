package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/tracker"
)

// Policy thresholds.
const (
	EscalationWindow  = 24 * time.Hour
	DeadlineExtension = 72 * time.Hour
	ProgressThreshold = 0.8
	StatusInProgress  = "in progress"
)

// Policy names used in logs and metrics.
const (
	PolicyEscalation   = "priority_escalation"
	PolicyExtension    = "deadline_extension"
	PolicyReassignment = "reassignment"
	PolicyProgression  = "status_progression"
)

// ActionRecorder persists management summaries.
type ActionRecorder interface {
	SaveManagementAction(a models.ManagementAction) error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Tracker  tracker.API
	Recorder ActionRecorder // optional
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time

	// MaxOpenPerAssignee enables reassignment when > 0.
	MaxOpenPerAssignee int
}

// Manager applies the auto-management policies to a project's tasks. Every
// policy moves a task out of its own predicate, so a second pass over
// unchanged tasks does nothing.
type Manager struct {
	tracker  tracker.API
	recorder ActionRecorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	maxOpen  int
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		tracker:  cfg.Tracker,
		recorder: cfg.Recorder,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "manager").Logger(),
		now:      now,
		maxOpen:  cfg.MaxOpenPerAssignee,
	}
}

// change is the planned update for one task and the policies behind it.
type change struct {
	update   tracker.TaskUpdate
	policies []string
}

// ManageProject fetches the project's tasks and applies the policies. Only
// the task fetch is fatal; a failed update is logged and not counted.
func (m *Manager) ManageProject(ctx context.Context, p models.Project) (models.ManagementAction, error) {
	now := m.now()
	result := models.ManagementAction{ProjectID: p.ID, At: now}

	tasks, err := m.tracker.GetTasks(ctx, p.Lists())
	if err != nil {
		return result, fmt.Errorf("fetch tasks for %s: %w", p.ID, err)
	}

	plan := Plan(tasks, now, m.maxOpen)
	ids := make([]string, 0, len(plan))
	for id := range plan {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := plan[id]
		if err := m.tracker.UpdateTask(ctx, id, c.update); err != nil {
			m.logger.Error().Err(err).Str("project_id", p.ID).Str("task_id", id).
				Strs("policies", c.policies).Msg("Task update failed")
			m.metrics.RecordError("manager", "update_task")
			continue
		}
		for _, pol := range c.policies {
			switch pol {
			case PolicyEscalation:
				result.PriorityUpdates++
			case PolicyExtension:
				result.DeadlineExtensions++
			case PolicyReassignment:
				result.Reassignments++
			case PolicyProgression:
				result.StatusUpdates++
			}
		}
	}

	m.metrics.RecordManagement(PolicyEscalation, result.PriorityUpdates)
	m.metrics.RecordManagement(PolicyExtension, result.DeadlineExtensions)
	m.metrics.RecordManagement(PolicyReassignment, result.Reassignments)
	m.metrics.RecordManagement(PolicyProgression, result.StatusUpdates)

	if result.Total() > 0 {
		m.logger.Info().
			Str("project_id", p.ID).
			Int("priority_updates", result.PriorityUpdates).
			Int("deadline_extensions", result.DeadlineExtensions).
			Int("assignments", result.Reassignments).
			Int("status_updates", result.StatusUpdates).
			Msg("Auto-managed project tasks")
		if m.recorder != nil {
			if err := m.recorder.SaveManagementAction(result); err != nil {
				m.logger.Error().Err(err).Str("project_id", p.ID).Msg("Failed to persist management action")
			}
		}
	}
	return result, nil
}

// Plan computes the updates the policies would make, keyed by task id.
func Plan(tasks []tracker.Task, now time.Time, maxOpen int) map[string]*change {
	plan := make(map[string]*change)
	add := func(id, policy string, apply func(u *tracker.TaskUpdate)) {
		c, ok := plan[id]
		if !ok {
			c = &change{}
			plan[id] = c
		}
		apply(&c.update)
		c.policies = append(c.policies, policy)
	}

	for _, t := range tasks {
		if ShouldEscalate(t, now) {
			add(t.ID, PolicyEscalation, func(u *tracker.TaskUpdate) {
				p := tracker.PriorityUrgent
				u.Priority = &p
			})
		}
		if ShouldExtend(t, now) {
			add(t.ID, PolicyExtension, func(u *tracker.TaskUpdate) {
				d := now.Add(DeadlineExtension)
				u.DueDate = &d
			})
		}
		if ShouldProgress(t) {
			add(t.ID, PolicyProgression, func(u *tracker.TaskUpdate) {
				s := StatusInProgress
				u.Status = &s
			})
		}
	}

	for _, r := range Reassignments(tasks, maxOpen) {
		r := r
		add(r.TaskID, PolicyReassignment, func(u *tracker.TaskUpdate) {
			u.AddAssignees = append(u.AddAssignees, r.To)
			u.RemoveAssignees = append(u.RemoveAssignees, r.From)
		})
	}
	return plan
}

// ShouldEscalate: open, due within the escalation window and not already
// high or urgent.
func ShouldEscalate(t tracker.Task, now time.Time) bool {
	if t.IsComplete() || t.DueDate == nil {
		return false
	}
	if t.DueDate.Before(now) || t.DueDate.Sub(now) > EscalationWindow {
		return false
	}
	return t.Priority == tracker.PriorityNone || t.Priority > tracker.PriorityHigh
}

// ShouldExtend: open and past due.
func ShouldExtend(t tracker.Task, now time.Time) bool {
	return t.IsOverdue(now)
}

// ShouldProgress: still in a to-do status with most of the estimate spent.
func ShouldProgress(t tracker.Task) bool {
	if t.IsComplete() || t.TimeEstimate <= 0 {
		return false
	}
	switch strings.ToLower(t.Status) {
	case "to do", "todo", "open":
	default:
		return false
	}
	return float64(t.TimeTracked) >= ProgressThreshold*float64(t.TimeEstimate)
}

// Reassignment moves one task between assignees.
type Reassignment struct {
	TaskID string
	From   int64
	To     int64
}

// Reassignments balances open tasks so no primary assignee holds more than
// maxOpen of them. A task moves only to an assignee who stays within the
// limit afterwards. Urgent tasks are never moved, and the least urgent
// tasks move first.
func Reassignments(tasks []tracker.Task, maxOpen int) []Reassignment {
	if maxOpen <= 0 {
		return nil
	}

	load := make(map[int64]int)
	owned := make(map[int64][]tracker.Task)
	for _, t := range tasks {
		for _, a := range t.Assignees {
			if _, ok := load[a.ID]; !ok {
				load[a.ID] = 0
			}
		}
		if t.IsComplete() {
			continue
		}
		if a, ok := t.PrimaryAssignee(); ok {
			load[a.ID]++
			owned[a.ID] = append(owned[a.ID], t)
		}
	}

	users := make([]int64, 0, len(load))
	for id := range load {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	var moves []Reassignment
	for _, from := range users {
		if load[from] <= maxOpen {
			continue
		}
		candidates := owned[from]
		sort.SliceStable(candidates, func(i, j int) bool {
			return urgencyRank(candidates[i]) > urgencyRank(candidates[j])
		})
		for _, t := range candidates {
			if load[from] <= maxOpen {
				break
			}
			// Only single-assignee tasks move.
			if t.Priority == tracker.PriorityUrgent || len(t.Assignees) != 1 {
				continue
			}
			to, ok := leastLoaded(users, load, from, t)
			if !ok || load[to]+1 > maxOpen {
				break
			}
			moves = append(moves, Reassignment{TaskID: t.ID, From: from, To: to})
			load[from]--
			load[to]++
		}
	}
	return moves
}

// urgencyRank orders tasks from least (high rank) to most urgent.
func urgencyRank(t tracker.Task) int {
	if t.Priority == tracker.PriorityNone {
		return 5
	}
	return t.Priority
}

func leastLoaded(users []int64, load map[int64]int, exclude int64, t tracker.Task) (int64, bool) {
	best, found := int64(0), false
	for _, id := range users {
		if id == exclude || hasAssignee(t, id) {
			continue
		}
		if !found || load[id] < load[best] {
			best, found = id, true
		}
	}
	return best, found
}

func hasAssignee(t tracker.Task, id int64) bool {
	for _, a := range t.Assignees {
		if a.ID == id {
			return true
		}
	}
	return false
}
