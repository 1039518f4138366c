package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/p-blackswan/trackersync/internal/fileutil"
)

// BackupDir is the directory under the docs path holding state backups.
const BackupDir = "backups"

// Backup copies the current project and rule snapshots into
// <docs>/backups/<timestamp>/ and returns that directory.
func (s *Store) Backup(at time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := filepath.Join(s.dir, BackupDir, at.UTC().Format("20060102T150405Z"))
	for _, name := range []string{ProjectsFile, RulesFile} {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("backup read %s: %w", name, err)
		}
		if err := fileutil.WriteFile(filepath.Join(dest, name), data, 0o644); err != nil {
			return "", fmt.Errorf("backup write %s: %w", name, err)
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	s.logger.Info().Str("dest", dest).Msg("State backed up")
	return dest, nil
}
