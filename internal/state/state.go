// Package state is the durable registry of tracked projects and automation
// rules. Both are kept in memory and persisted as complete JSON snapshots in
// the docs directory.
package state

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/fileutil"
	"github.com/p-blackswan/trackersync/internal/models"
)

const (
	ProjectsFile = "active-projects.json"
	RulesFile    = "automation-rules.json"
)

// Store owns all project and rule records. Callers receive copies.
type Store struct {
	mu       sync.Mutex
	dir      string
	logger   zerolog.Logger
	now      func() time.Time
	projects []models.Project // registration order
	rules    []models.AutomationRule

	rulesSum [sha256.Size]byte // content of the rules file as last read or written
}

// Open loads the state files from dir. Missing files mean empty state; a file
// that exists but cannot be parsed is an error.
func Open(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create docs dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: logger.With().Str("component", "state").Logger(),
		now:    time.Now,
	}

	var projects []models.Project
	if _, err := readJSON(s.ProjectsPath(), &projects); err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.ID == "" {
			s.logger.Warn().Str("name", p.Name).Msg("Skipping project without id")
			continue
		}
		s.projects = upsert(s.projects, p)
	}

	if _, err := s.loadRules(); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int("projects", len(s.projects)).
		Int("rules", len(s.rules)).
		Str("dir", dir).
		Msg("State loaded")
	return s, nil
}

// Dir returns the docs directory.
func (s *Store) Dir() string { return s.dir }

// ProjectsPath returns the project registry file path.
func (s *Store) ProjectsPath() string { return filepath.Join(s.dir, ProjectsFile) }

// RulesPath returns the automation rules file path.
func (s *Store) RulesPath() string { return filepath.Join(s.dir, RulesFile) }

// AddProject registers p, replacing any project with the same id. An empty id
// is generated. added_at is set and last_sync cleared.
func (s *Store) AddProject(p models.Project) (models.Project, error) {
	if p.ID == "" {
		p.ID = "project_" + uuid.NewString()
	}
	if p.WorkspacePath == "" {
		return models.Project{}, fmt.Errorf("project %s: workspace path is required: %w", p.ID, perrors.ErrInvalidInput)
	}
	p = p.Clone()
	p.AddedAt = s.now().UTC()
	p.LastSync = nil
	if p.Name == "" {
		p.Name = p.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.projects = upsert(s.projects, p)
	s.logger.Info().Str("project_id", p.ID).Msg("Added project to tracking")
	return p.Clone(), s.saveProjectsLocked()
}

// RemoveProject deletes a project. Returns false if it was not tracked.
func (s *Store) RemoveProject(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false, nil
	}
	s.projects = append(s.projects[:i], s.projects[i+1:]...)
	s.logger.Info().Str("project_id", id).Msg("Removed project from tracking")
	return true, s.saveProjectsLocked()
}

// Project returns a copy of the project with the given id.
func (s *Store) Project(id string) (models.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return models.Project{}, false
	}
	return s.projects[i].Clone(), true
}

// Projects returns copies of every project in registration order.
func (s *Store) Projects() []models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Project, len(s.projects))
	for i, p := range s.projects {
		out[i] = p.Clone()
	}
	return out
}

// ProjectCount returns the number of tracked projects.
func (s *Store) ProjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projects)
}

// ProjectForList returns the project that owns a tracker list.
func (s *Store) ProjectForList(listID string) (models.Project, bool) {
	if listID == "" {
		return models.Project{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		for _, l := range p.Lists() {
			if l == listID {
				return p.Clone(), true
			}
		}
	}
	return models.Project{}, false
}

// UpdateLastSync records a successful sync. The in-memory value is updated
// even when persisting fails.
func (s *Store) UpdateLastSync(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("project %s: %w", id, perrors.ErrUnknownProject)
	}
	ts := t.UTC()
	s.projects[i].LastSync = &ts
	return s.saveProjectsLocked()
}

// Rules returns copies of the loaded automation rules.
func (s *Store) Rules() []models.AutomationRule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.AutomationRule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Clone()
	}
	return out
}

// RuleCount returns the number of loaded rules.
func (s *Store) RuleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rules)
}

// SaveRules validates and replaces the whole rule set.
func (s *Store) SaveRules(rules []models.AutomationRule) error {
	if err := validateRules(rules); err != nil {
		return err
	}
	cp := make([]models.AutomationRule, len(rules))
	for i, r := range rules {
		cp[i] = r.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = cp
	return s.saveRulesLocked()
}

// MarkRuleFired records when a rule last fired.
func (s *Store) MarkRuleFired(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.rules {
		if s.rules[i].ID == id {
			ts := at.UTC()
			s.rules[i].LastFiredAt = &ts
			return s.saveRulesLocked()
		}
	}
	return fmt.Errorf("rule %s: %w", id, perrors.ErrNotFound)
}

// ReloadRules re-reads the rules file. On any error the current rules stay
// loaded. Returns the number of rules now loaded.
func (s *Store) ReloadRules() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.loadRules(); err != nil {
		s.logger.Error().Err(err).Msg("Rule reload failed, keeping current rules")
		return len(s.rules), err
	}
	s.logger.Info().Int("rules", len(s.rules)).Msg("Automation rules reloaded")
	return len(s.rules), nil
}

// Flush persists both files.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(s.saveProjectsLocked(), s.saveRulesLocked())
}

// loadRules replaces s.rules from disk. Reports whether content changed.
// Caller must hold the lock or own s exclusively.
func (s *Store) loadRules() (bool, error) {
	var rules []models.AutomationRule
	sum, err := readJSON(s.RulesPath(), &rules)
	if err != nil {
		return false, err
	}
	if err := validateRules(rules); err != nil {
		return false, err
	}
	changed := sum != s.rulesSum
	s.rules = rules
	s.rulesSum = sum
	return changed, nil
}

func (s *Store) saveProjectsLocked() error {
	projects := s.projects
	if projects == nil {
		projects = []models.Project{}
	}
	if err := fileutil.WriteJSON(s.ProjectsPath(), projects); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save active projects")
		return fmt.Errorf("save projects: %w", err)
	}
	return nil
}

func (s *Store) saveRulesLocked() error {
	rules := s.rules
	if rules == nil {
		rules = []models.AutomationRule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteFile(s.RulesPath(), data, 0o644); err != nil {
		s.logger.Error().Err(err).Msg("Failed to save automation rules")
		return fmt.Errorf("save rules: %w", err)
	}
	s.rulesSum = sha256.Sum256(data)
	return nil
}

func (s *Store) indexLocked(id string) int {
	for i, p := range s.projects {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func upsert(projects []models.Project, p models.Project) []models.Project {
	for i := range projects {
		if projects[i].ID == p.ID {
			projects[i] = p
			return projects
		}
	}
	return append(projects, p)
}

func validateRules(rules []models.AutomationRule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %v", perrors.ErrInvalidInput, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", perrors.ErrInvalidInput, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sum = sha256.Sum256(data)
	if len(data) == 0 {
		return sum, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return sum, fmt.Errorf("parse %s: %w: %v", filepath.Base(path), perrors.ErrInvalidInput, err)
	}
	return sum, nil
}
