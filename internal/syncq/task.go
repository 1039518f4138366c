// Package syncq holds pending synchronization work as a deduplicated set.
package syncq

import (
	"fmt"
	"slices"
	"time"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
)

// Type discriminates sync tasks.
type Type string

const (
	TypeProjectSync  Type = "project_sync"
	TypeDocSync      Type = "doc_sync"
	TypeTaskAnalysis Type = "task_analysis"
	TypeFileUpload   Type = "file_upload"
)

// Source records who asked for a task. Informational only.
const (
	SourceWebhook   = "webhook"
	SourceScheduler = "scheduler"
	SourceManual    = "manual"
	SourceRule      = "rule"
	SourceRequeue   = "dead_letter"
)

// ValidType reports whether t is a known task type.
func ValidType(t Type) bool {
	switch t {
	case TypeProjectSync, TypeDocSync, TypeTaskAnalysis, TypeFileUpload:
		return true
	}
	return false
}

// Task is a unit of reconciliation work.
type Task struct {
	Type      Type     `json:"type"`
	ProjectID string   `json:"project_id,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
	DocIDs    []string `json:"doc_ids,omitempty"`
	Files     []string `json:"files,omitempty"`

	// EventID makes a task unique per inbound event so it escapes
	// deduplication. Used for fire-and-forget comment analyses.
	EventID string `json:"event_id,omitempty"`
	Source  string `json:"source,omitempty"`

	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

// Key identifies a task for deduplication.
type Key struct {
	Type   Type
	Target string
}

func (k Key) String() string { return string(k.Type) + ":" + k.Target }

// Key returns the (type, target) pair of the task.
func (t Task) Key() Key {
	switch t.Type {
	case TypeTaskAnalysis:
		if t.EventID != "" {
			return Key{Type: t.Type, Target: t.TaskID + "#" + t.EventID}
		}
		return Key{Type: t.Type, Target: t.TaskID}
	default:
		return Key{Type: t.Type, Target: t.ProjectID}
	}
}

// Group returns the serialization group of the task: the project it touches,
// or the task id for analyses that are not bound to a project.
func (t Task) Group() string {
	if t.ProjectID != "" {
		return t.ProjectID
	}
	return "task:" + t.TaskID
}

// Validate checks that the task carries the identifiers its type needs.
func (t Task) Validate() error {
	switch t.Type {
	case TypeProjectSync, TypeDocSync:
		if t.ProjectID == "" {
			return fmt.Errorf("%s requires project_id: %w", t.Type, perrors.ErrInvalidInput)
		}
	case TypeFileUpload:
		if t.ProjectID == "" {
			return fmt.Errorf("%s requires project_id: %w", t.Type, perrors.ErrInvalidInput)
		}
		if len(t.Files) == 0 {
			return fmt.Errorf("%s requires files: %w", t.Type, perrors.ErrInvalidInput)
		}
	case TypeTaskAnalysis:
		if t.TaskID == "" {
			return fmt.Errorf("%s requires task_id: %w", t.Type, perrors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("unknown sync task type %q: %w", t.Type, perrors.ErrInvalidInput)
	}
	return nil
}

// absorb folds a duplicate into t: document and file lists are unioned so
// no requested id is lost when the duplicate is dropped.
func (t *Task) absorb(dup Task) {
	for _, id := range dup.DocIDs {
		if !slices.Contains(t.DocIDs, id) {
			t.DocIDs = append(t.DocIDs, id)
		}
	}
	for _, f := range dup.Files {
		if !slices.Contains(t.Files, f) {
			t.Files = append(t.Files, f)
		}
	}
	if dup.Attempts > t.Attempts {
		t.Attempts = dup.Attempts
	}
}
