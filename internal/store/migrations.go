package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dead_letters (
		id          TEXT PRIMARY KEY,
		task_key    TEXT NOT NULL,
		task_type   TEXT NOT NULL,
		project_id  TEXT NOT NULL DEFAULT '',
		payload     TEXT NOT NULL,
		error       TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		resolved_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_unresolved ON dead_letters(created_at) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS management_actions (
		id                  TEXT PRIMARY KEY,
		project_id          TEXT NOT NULL,
		priority_updates    INTEGER NOT NULL DEFAULT 0,
		deadline_extensions INTEGER NOT NULL DEFAULT 0,
		reassignments       INTEGER NOT NULL DEFAULT 0,
		status_updates      INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mgmt_project ON management_actions(project_id, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}
	return nil
}
