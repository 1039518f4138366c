package state

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the rules file when it changes on disk and calls onChange
// with the new rule count. Writes made by the store itself do not trigger a
// reload. Blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, onChange func(rules int)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace files by rename, so watch the directory.
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.logger.Info().Str("path", s.RulesPath()).Msg("Watching automation rules")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != RulesFile {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			n, changed, err := s.reloadIfChanged()
			if err != nil {
				continue
			}
			if changed && onChange != nil {
				onChange(n)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (s *Store) reloadIfChanged() (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.loadRules()
	if err != nil {
		s.logger.Error().Err(err).Msg("Rule file changed but could not be loaded, keeping current rules")
		return len(s.rules), false, err
	}
	if changed {
		s.logger.Info().Int("rules", len(s.rules)).Msg("Automation rules reloaded from disk")
	}
	return len(s.rules), changed, nil
}
