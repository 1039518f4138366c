package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/trackersync/internal/models"
)

// SaveManagementAction records one auto-management pass.
func (s *Store) SaveManagementAction(a models.ManagementAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.Exec(`
	INSERT INTO management_actions (
		id, project_id, priority_updates, deadline_extensions,
		reassignments, status_updates, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.ProjectID, a.PriorityUpdates, a.DeadlineExtensions,
		a.Reassignments, a.StatusUpdates, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save management action: %w", err)
	}
	return nil
}

// ListManagementActions returns the most recent passes for a project, newest first.
func (s *Store) ListManagementActions(projectID string, limit int) ([]models.ManagementAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
	SELECT project_id, priority_updates, deadline_extensions,
	       reassignments, status_updates, created_at
	FROM management_actions
	WHERE project_id = ?
	ORDER BY created_at DESC
	LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list management actions: %w", err)
	}
	defer rows.Close()

	var out []models.ManagementAction
	for rows.Next() {
		var a models.ManagementAction
		var at int64
		if err := rows.Scan(&a.ProjectID, &a.PriorityUpdates, &a.DeadlineExtensions,
			&a.Reassignments, &a.StatusUpdates, &at); err != nil {
			return nil, fmt.Errorf("failed to scan management action: %w", err)
		}
		a.At = time.UnixMilli(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
