package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
)

// DeadLetter is a sync task that exhausted its attempts.
type DeadLetter struct {
	ID         string `json:"id"`
	TaskKey    string `json:"task_key"`
	TaskType   string `json:"task_type"`
	ProjectID  string `json:"project_id,omitempty"`
	Payload    string `json:"payload"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
	CreatedAt  int64  `json:"created_at"`
	ResolvedAt int64  `json:"resolved_at,omitempty"` // 0 = unresolved
}

// SaveDeadLetter saves a dead letter
func (s *Store) SaveDeadLetter(dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.CreatedAt == 0 {
		dl.CreatedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT OR REPLACE INTO dead_letters (
		id, task_key, task_type, project_id, payload, error,
		attempts, created_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	resolved := sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0}

	_, err := s.db.Exec(query,
		dl.ID, dl.TaskKey, dl.TaskType, dl.ProjectID, dl.Payload, dl.Error,
		dl.Attempts, dl.CreatedAt, resolved,
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter returns one dead letter by id.
func (s *Store) GetDeadLetter(id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
	SELECT id, task_key, task_type, project_id, payload, error,
	       attempts, created_at, resolved_at
	FROM dead_letters WHERE id = ?`, id)

	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("dead letter %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListUnresolved returns unresolved dead letters, oldest first.
func (s *Store) ListUnresolved(limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, task_key, task_type, project_id, payload, error,
	       attempts, created_at, resolved_at
	FROM dead_letters
	WHERE resolved_at IS NULL
	ORDER BY created_at ASC
	`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dls = append(dls, dl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return dls, nil
}

// CountUnresolved returns the number of unresolved dead letters.
func (s *Store) CountUnresolved() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// ResolveDeadLetter marks a dead letter as resolved
func (s *Store) ResolveDeadLetter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE dead_letters SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dead letter %s: %w", id, perrors.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(r scanner) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var resolved sql.NullInt64
	if err := r.Scan(
		&dl.ID, &dl.TaskKey, &dl.TaskType, &dl.ProjectID, &dl.Payload, &dl.Error,
		&dl.Attempts, &dl.CreatedAt, &resolved,
	); err != nil {
		return nil, err
	}
	if resolved.Valid {
		dl.ResolvedAt = resolved.Int64
	}
	return dl, nil
}
