package processor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/tracker"
)

// staleAfter is how long an open task may go without updates before the
// analysis calls it stale.
const staleAfter = 7 * 24 * time.Hour

// syncProject mirrors the project's tasks and documents into its workspace.
func (p *Processor) syncProject(ctx context.Context, projectID string) error {
	proj, err := p.project(projectID)
	if err != nil {
		return err
	}

	tasks, err := p.tracker.GetTasks(ctx, proj.Lists())
	if err != nil {
		return fmt.Errorf("fetch tasks: %w", err)
	}
	if err := p.writer.WriteTasks(proj, tasks); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}

	docs, err := p.fetchDocuments(ctx, projectID, nil)
	if err != nil {
		return err
	}
	if err := p.writer.WriteDocuments(proj, docs); err != nil {
		return fmt.Errorf("write documents: %w", err)
	}

	p.synced(projectID)
	p.logger.Info().Str("project_id", projectID).Int("tasks", len(tasks)).Int("docs", len(docs)).Msg("Project synced")
	return nil
}

// syncDocuments mirrors the project's documents, or only docIDs when given.
func (p *Processor) syncDocuments(ctx context.Context, projectID string, docIDs []string) error {
	proj, err := p.project(projectID)
	if err != nil {
		return err
	}
	docs, err := p.fetchDocuments(ctx, projectID, docIDs)
	if err != nil {
		return err
	}
	if err := p.writer.WriteDocuments(proj, docs); err != nil {
		return fmt.Errorf("write documents: %w", err)
	}
	p.synced(projectID)
	p.logger.Info().Str("project_id", projectID).Int("docs", len(docs)).Msg("Documents synced")
	return nil
}

// fetchDocuments lists documents and loads missing content. A document whose
// content cannot be fetched is skipped, unless the failure is transient.
func (p *Processor) fetchDocuments(ctx context.Context, projectID string, only []string) ([]tracker.Document, error) {
	docs, err := p.tracker.GetDocuments(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("fetch documents: %w", err)
	}

	out := make([]tracker.Document, 0, len(docs))
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if len(only) > 0 && !slices.Contains(only, d.ID) {
			continue
		}
		seen[d.ID] = true
		if d.Content == "" {
			content, err := p.tracker.GetDocumentContent(ctx, d.ID)
			if err != nil {
				if !perrors.IsPermanent(err) {
					return nil, fmt.Errorf("fetch document %s: %w", d.ID, err)
				}
				p.logger.Warn().Err(err).Str("project_id", projectID).Str("doc_id", d.ID).Msg("Skipping document")
				continue
			}
			d.Content = content
		}
		out = append(out, d)
	}
	for _, id := range only {
		if !seen[id] {
			p.logger.Warn().Str("project_id", projectID).Str("doc_id", id).Msg("Requested document not found")
		}
	}
	return out, nil
}

// analyzeTask fetches a task and logs a short health summary.
func (p *Processor) analyzeTask(ctx context.Context, taskID string) error {
	t, err := p.tracker.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetch task %s: %w", taskID, err)
	}
	now := p.now()
	stale := !t.IsComplete() && t.UpdatedAt != nil && now.Sub(*t.UpdatedAt) > staleAfter

	ev := p.logger.Info()
	if t.IsOverdue(now) || stale {
		ev = p.logger.Warn()
	}
	ev.Str("task_id", t.ID).
		Str("status", t.Status).
		Int("priority", t.Priority).
		Bool("complete", t.IsComplete()).
		Bool("overdue", t.IsOverdue(now)).
		Bool("urgent", t.Priority == tracker.PriorityUrgent).
		Bool("stale", stale).
		Int("assignees", len(t.Assignees)).
		Msg("Task analysis")
	return nil
}

// uploadFiles creates one tracker document per workspace file. Files that
// were uploaded are removed from t so a retry only sends the rest.
func (p *Processor) uploadFiles(ctx context.Context, t *syncq.Task) error {
	proj, err := p.project(t.ProjectID)
	if err != nil {
		return err
	}
	files, err := p.writer.ReadFiles(proj, t.Files)
	if err != nil {
		return err
	}

	// Files rejected permanently are skipped so they cannot decide the fate
	// of files that only need a retry.
	var retryable, permanent []error
	remaining := t.Files[:0:0]
	for i, f := range files {
		_, err := p.tracker.CreateDocument(ctx, proj.ID, f.Name, string(f.Content))
		switch {
		case err == nil:
			p.logger.Info().Str("project_id", proj.ID).Str("file", f.Path).Msg("File uploaded")
		case perrors.IsPermanent(err):
			p.logger.Warn().Err(err).Str("project_id", proj.ID).Str("file", f.Path).Msg("File rejected, skipping")
			permanent = append(permanent, fmt.Errorf("upload %s: %w", f.Path, err))
		default:
			retryable = append(retryable, fmt.Errorf("upload %s: %w", f.Path, err))
			remaining = append(remaining, t.Files[i])
		}
	}
	t.Files = remaining
	if len(retryable) > 0 {
		return errors.Join(retryable...)
	}
	if len(permanent) > 0 {
		return errors.Join(permanent...)
	}
	p.synced(proj.ID)
	return nil
}
