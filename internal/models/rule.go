package models

import (
	"fmt"
	"time"

	"github.com/p-blackswan/trackersync/internal/schedule"
)

// TriggerType selects how an automation rule fires.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// ActionType is what a rule does when it fires.
type ActionType string

const (
	ActionNotify  ActionType = "notify"
	ActionSync    ActionType = "sync"
	ActionBackup  ActionType = "backup"
	ActionAnalyze ActionType = "analyze"
)

// AutomationRule is a persisted trigger/action pair.
type AutomationRule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Enabled     bool       `json:"enabled"`
	Trigger     Trigger    `json:"trigger"`
	Actions     []Action   `json:"actions"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}

// Trigger is the condition under which a rule fires.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Schedule-based: "every 30m", "daily 09:00", "weekly mon 09:00".
	Schedule string `json:"schedule,omitempty"`

	// Event-based.
	Event     EventKind         `json:"event,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	Filter    map[string]string `json:"filter,omitempty"`
}

// Action is one step of a fired rule.
type Action struct {
	Type      ActionType `json:"type"`
	ProjectID string     `json:"project_id,omitempty"`
	SyncType  string     `json:"sync_type,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Validate checks the rule is well formed.
func (r AutomationRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule: id is required")
	}
	switch r.Trigger.Type {
	case TriggerSchedule:
		if _, err := schedule.Parse(r.Trigger.Schedule); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	case TriggerEvent:
		if r.Trigger.Event == "" {
			return fmt.Errorf("rule %s: event trigger needs an event", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown trigger type %q", r.ID, r.Trigger.Type)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %s: at least one action is required", r.ID)
	}
	for i, a := range r.Actions {
		switch a.Type {
		case ActionNotify, ActionBackup:
		case ActionSync, ActionAnalyze:
			if a.ProjectID == "" && r.Trigger.ProjectID == "" && r.Trigger.Type == TriggerSchedule {
				return fmt.Errorf("rule %s: action %d (%s) needs a project", r.ID, i, a.Type)
			}
		default:
			return fmt.Errorf("rule %s: action %d has unknown type %q", r.ID, i, a.Type)
		}
	}
	return nil
}

// ManagementAction summarizes one auto-management pass over a project.
type ManagementAction struct {
	ProjectID          string    `json:"project_id"`
	At                 time.Time `json:"at"`
	PriorityUpdates    int       `json:"priority_updates"`
	DeadlineExtensions int       `json:"deadline_extensions"`
	Reassignments      int       `json:"assignments"`
	StatusUpdates      int       `json:"status_updates"`
}

// Total returns the number of actions taken.
func (m ManagementAction) Total() int {
	return m.PriorityUpdates + m.DeadlineExtensions + m.Reassignments + m.StatusUpdates
}

// Clone returns a deep copy.
func (r AutomationRule) Clone() AutomationRule {
	c := r
	c.Actions = append([]Action(nil), r.Actions...)
	if r.Trigger.Filter != nil {
		c.Trigger.Filter = make(map[string]string, len(r.Trigger.Filter))
		for k, v := range r.Trigger.Filter {
			c.Trigger.Filter[k] = v
		}
	}
	if r.LastFiredAt != nil {
		t := *r.LastFiredAt
		c.LastFiredAt = &t
	}
	return c
}
