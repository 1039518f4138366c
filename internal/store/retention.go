package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention removes resolved dead letters older than a week and
// management history older than 90 days.
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	sevenDaysAgo := now - (7 * 24 * 60 * 60 * 1000)
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE resolved_at IS NOT NULL AND resolved_at < ?",
		sevenDaysAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old dead letters: %w", err)
	}

	ninetyDaysAgo := now - (90 * 24 * 60 * 60 * 1000)
	_, err = s.db.ExecContext(ctx,
		"DELETE FROM management_actions WHERE created_at < ?",
		ninetyDaysAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old management actions: %w", err)
	}

	return nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
