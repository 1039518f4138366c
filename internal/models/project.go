// Package models holds the records shared between daemon components.
package models

import (
	"encoding/json"
	"time"
)

// Project is a tracker project mirrored into a local workspace.
type Project struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	WorkspacePath        string     `json:"cursor_path"`
	ListIDs              []string   `json:"list_ids,omitempty"`
	AutoSyncEnabled      bool       `json:"auto_sync_enabled"`
	NotificationsEnabled bool       `json:"notifications_enabled"`
	AddedAt              time.Time  `json:"added_at"`
	LastSync             *time.Time `json:"last_sync"`
}

// Lists returns the tracker lists holding the project's tasks. A project
// without explicit lists is itself a list.
func (p Project) Lists() []string {
	if len(p.ListIDs) > 0 {
		return p.ListIDs
	}
	return []string{p.ID}
}

// Clone returns a deep copy.
func (p Project) Clone() Project {
	c := p
	c.ListIDs = append([]string(nil), p.ListIDs...)
	if p.LastSync != nil {
		t := *p.LastSync
		c.LastSync = &t
	}
	return c
}

// UnmarshalJSON accepts workspace_path as an alias of cursor_path.
func (p *Project) UnmarshalJSON(data []byte) error {
	type plain Project
	var v struct {
		plain
		Alias string `json:"workspace_path"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Project(v.plain)
	if p.WorkspacePath == "" {
		p.WorkspacePath = v.Alias
	}
	return nil
}
