// Package workspace mirrors tracker data into a project's local directory.
package workspace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/fileutil"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/tracker"
)

// Dir is the directory created inside every workspace.
const Dir = ".tracker"

// maxUploadBytes bounds a single file read for upload.
const maxUploadBytes = 10 << 20

// Writer is the local sink for synchronized data. Writes overwrite in place
// and are idempotent.
type Writer interface {
	WriteTasks(project models.Project, tasks []tracker.Task) error
	WriteDocuments(project models.Project, docs []tracker.Document) error
	ReadFiles(project models.Project, files []string) ([]File, error)
}

// File is a workspace file read for upload.
type File struct {
	Path    string // relative to the workspace
	Name    string
	Content []byte
}

// FS writes into the project workspace on the local filesystem.
type FS struct {
	logger zerolog.Logger
	now    func() time.Time
}

var _ Writer = (*FS)(nil)

// New creates a filesystem writer.
func New(logger zerolog.Logger) *FS {
	return &FS{
		logger: logger.With().Str("component", "workspace").Logger(),
		now:    time.Now,
	}
}

// TasksPath returns the task snapshot location for a project.
func TasksPath(p models.Project) string {
	return filepath.Join(p.WorkspacePath, Dir, "tasks.json")
}

// DocsDir returns the document directory for a project.
func DocsDir(p models.Project) string {
	return filepath.Join(p.WorkspacePath, Dir, "docs")
}

type taskSnapshot struct {
	ProjectID     string      `json:"project_id"`
	SyncTimestamp time.Time   `json:"sync_timestamp"`
	Tasks         []taskEntry `json:"tasks"`
}

type taskEntry struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	Assignees    []string   `json:"assignees"`
	Description  string     `json:"description,omitempty"`
	Tags         []string   `json:"tags"`
	URL          string     `json:"url,omitempty"`
	TimeTracked  int64      `json:"time_tracked,omitempty"` // ms
	TimeEstimate int64      `json:"time_estimate,omitempty"`
}

// WriteTasks replaces the project's task snapshot.
func (w *FS) WriteTasks(p models.Project, tasks []tracker.Task) error {
	if p.WorkspacePath == "" {
		return fmt.Errorf("project %s has no workspace: %w", p.ID, perrors.ErrInvalidInput)
	}

	snap := taskSnapshot{
		ProjectID:     p.ID,
		SyncTimestamp: w.now().UTC(),
		Tasks:         make([]taskEntry, 0, len(tasks)),
	}
	for _, t := range tasks {
		e := taskEntry{
			ID:           t.ID,
			Name:         t.Name,
			Status:       t.Status,
			Priority:     t.Priority,
			DueDate:      t.DueDate,
			Assignees:    make([]string, 0, len(t.Assignees)),
			Description:  t.Description,
			Tags:         t.Tags,
			URL:          t.URL,
			TimeTracked:  t.TimeTracked.Milliseconds(),
			TimeEstimate: t.TimeEstimate.Milliseconds(),
		}
		for _, a := range t.Assignees {
			e.Assignees = append(e.Assignees, a.Username)
		}
		if e.Tags == nil {
			e.Tags = []string{}
		}
		snap.Tasks = append(snap.Tasks, e)
	}

	if err := fileutil.WriteJSON(TasksPath(p), snap); err != nil {
		return fmt.Errorf("write tasks for %s: %w", p.ID, err)
	}
	w.logger.Debug().Str("project_id", p.ID).Int("tasks", len(tasks)).Msg("Wrote task snapshot")
	return nil
}

type frontMatter struct {
	DocID       string    `yaml:"doc_id"`
	Name        string    `yaml:"doc_name"`
	LastUpdated time.Time `yaml:"last_updated"`
	URL         string    `yaml:"url"`
}

// WriteDocuments writes one markdown file per document. A document that fails
// to write is logged and skipped; the first such error is returned after the
// rest have been written.
func (w *FS) WriteDocuments(p models.Project, docs []tracker.Document) error {
	if p.WorkspacePath == "" {
		return fmt.Errorf("project %s has no workspace: %w", p.ID, perrors.ErrInvalidInput)
	}
	dir := DocsDir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}

	var firstErr error
	for _, d := range docs {
		data, err := RenderDocument(d, w.now())
		if err == nil {
			err = fileutil.WriteFile(filepath.Join(dir, FileName(d.Name)), data, 0o644)
		}
		if err != nil {
			w.logger.Error().Err(err).Str("project_id", p.ID).Str("doc_id", d.ID).Msg("Failed to write document")
			if firstErr == nil {
				firstErr = fmt.Errorf("write doc %s: %w", d.ID, err)
			}
		}
	}
	return firstErr
}

// RenderDocument formats a document as markdown with YAML front matter.
func RenderDocument(d tracker.Document, now time.Time) ([]byte, error) {
	fm := frontMatter{DocID: d.ID, Name: d.Name, LastUpdated: now.UTC(), URL: d.URL}
	if d.UpdatedAt != nil {
		fm.LastUpdated = d.UpdatedAt.UTC()
	}
	if fm.URL == "" {
		fm.URL = "N/A"
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(d.Content)
	return buf.Bytes(), nil
}

// ParseDocument splits a rendered document into its front matter and body.
func ParseDocument(data []byte) (tracker.Document, error) {
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return tracker.Document{}, fmt.Errorf("missing front matter: %w", perrors.ErrInvalidInput)
	}
	head, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return tracker.Document{}, fmt.Errorf("unterminated front matter: %w", perrors.ErrInvalidInput)
	}
	var fm frontMatter
	if err := yaml.Unmarshal(head, &fm); err != nil {
		return tracker.Document{}, fmt.Errorf("parse front matter: %w", err)
	}
	updated := fm.LastUpdated
	return tracker.Document{
		ID:        fm.DocID,
		Name:      fm.Name,
		URL:       fm.URL,
		Content:   strings.TrimPrefix(string(body), "\n"),
		UpdatedAt: &updated,
	}, nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// FileName maps a document name to a safe markdown file name.
func FileName(name string) string {
	s := unsafeName.ReplaceAllString(name, "_")
	if s == "" {
		s = "untitled"
	}
	return s + ".md"
}

// ReadFiles reads workspace-relative files for upload. Paths that escape the
// workspace are rejected.
func (w *FS) ReadFiles(p models.Project, files []string) ([]File, error) {
	if p.WorkspacePath == "" {
		return nil, fmt.Errorf("project %s has no workspace: %w", p.ID, perrors.ErrInvalidInput)
	}
	root, err := filepath.Abs(p.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	out := make([]File, 0, len(files))
	for _, f := range files {
		full := filepath.Join(root, filepath.Clean(f))
		rel, err := filepath.Rel(root, full)
		if err != nil || rel == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
			return nil, fmt.Errorf("file %q is outside the workspace: %w", f, perrors.ErrInvalidInput)
		}
		info, err := os.Stat(full)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file %q: %w", f, perrors.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", f, err)
		}
		if info.IsDir() || info.Size() > maxUploadBytes {
			return nil, fmt.Errorf("file %q is not an uploadable regular file: %w", f, perrors.ErrInvalidInput)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", f, err)
		}
		out = append(out, File{Path: rel, Name: filepath.Base(rel), Content: data})
	}
	return out, nil
}
