package server

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/p-blackswan/trackersync/internal/health"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/store"
	"github.com/p-blackswan/trackersync/internal/syncq"
	"github.com/p-blackswan/trackersync/internal/webhook"
)

// Daemon health states.
const (
	StatusRunning  = "running"
	StatusDegraded = "degraded"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string                   `json:"status"`
	Uptime          float64                  `json:"uptime"`
	ActiveProjects  int                      `json:"active_projects"`
	AutomationRules int                      `json:"automation_rules"`
	SyncQueueSize   int                      `json:"sync_queue_size"`
	DelayedRetries  int                      `json:"delayed_retries"`
	DeadLetters     int                      `json:"dead_letters"`
	Checks          map[string]health.Status `json:"checks,omitempty"`
}

// TriggerRequest is the body of POST /sync/trigger.
type TriggerRequest struct {
	ProjectID string   `json:"project_id"`
	SyncType  string   `json:"sync_type"`
	TaskID    string   `json:"task_id,omitempty"`
	DocIDs    []string `json:"doc_ids,omitempty"`
	Files     []string `json:"files,omitempty"`
}

// Webhook handles POST /webhook.
func (s *Server) Webhook(c *fiber.Ctx) error {
	if s.deps.Receiver == nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"not_configured", "Internal Server Error", "Webhook receiver is not configured")
	}

	// The request body buffer is reused after the handler returns.
	body := append([]byte(nil), c.Body()...)
	var sig string
	for _, h := range webhook.SignatureHeaders {
		if sig = c.Get(h); sig != "" {
			break
		}
	}

	if _, err := s.deps.Receiver.Handle(c.UserContext(), body, sig); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

// Health handles GET /health.
func (s *Server) Health(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:          StatusRunning,
		Uptime:          s.now().Sub(s.started).Seconds(),
		ActiveProjects:  s.deps.Registry.ProjectCount(),
		AutomationRules: s.deps.Registry.RuleCount(),
		SyncQueueSize:   s.deps.Queue.Pending(),
		DelayedRetries:  s.deps.Queue.Delayed(),
	}
	if s.deps.DeadLetters != nil {
		if n, err := s.deps.DeadLetters.CountUnresolved(); err == nil {
			resp.DeadLetters = n
			s.deps.Metrics.SetDeadLetters(n)
		}
	}
	if s.deps.Checker != nil {
		resp.Checks = s.deps.Checker.RunAll(c.UserContext())
		if !health.Healthy(resp.Checks) {
			resp.Status = StatusDegraded
		}
	}
	if resp.DeadLetters > 0 {
		resp.Status = StatusDegraded
	}
	return c.JSON(resp)
}

// TriggerSync handles POST /sync/trigger.
func (s *Server) TriggerSync(c *fiber.Ctx) error {
	var req TriggerRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	if req.SyncType == "" {
		req.SyncType = string(syncq.TypeProjectSync)
	}
	t := syncq.Task{
		Type:      syncq.Type(req.SyncType),
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		DocIDs:    req.DocIDs,
		Files:     req.Files,
		Source:    syncq.SourceManual,
	}
	if !syncq.ValidType(t.Type) {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_sync_type", "Bad Request", "Unknown sync type: "+req.SyncType)
	}
	if t.ProjectID != "" || t.Type != syncq.TypeTaskAnalysis {
		if _, ok := s.deps.Registry.Project(t.ProjectID); !ok {
			return problemResponse(c, fiber.StatusNotFound,
				"unknown_project", "Not Found", "Unknown project: "+t.ProjectID)
		}
	}
	if err := t.Validate(); err != nil {
		return errorResponse(c, err)
	}

	queued := s.deps.Queue.Enqueue(t)
	s.logger.Info().
		Str("project_id", t.ProjectID).
		Str("task_type", string(t.Type)).
		Bool("queued", queued).
		Msg("Manual sync triggered")
	return c.JSON(fiber.Map{"success": true, "message": "Sync triggered", "queued": queued})
}

// ListProjects handles GET /projects.
func (s *Server) ListProjects(c *fiber.Ctx) error {
	projects := s.deps.Registry.Projects()
	return c.JSON(fiber.Map{"projects": projects, "total": len(projects)})
}

// GetProject handles GET /projects/:id.
func (s *Server) GetProject(c *fiber.Ctx) error {
	p, ok := s.deps.Registry.Project(c.Params("id"))
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"unknown_project", "Not Found", "Unknown project: "+c.Params("id"))
	}
	return c.JSON(p)
}

// AddProject handles POST /projects. An existing project with the same id
// is replaced.
func (s *Server) AddProject(c *fiber.Ctx) error {
	var p models.Project
	if err := c.BodyParser(&p); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	added, err := s.deps.Registry.AddProject(p)
	if err != nil {
		return errorResponse(c, err)
	}
	s.logger.Info().Str("project_id", added.ID).Str("workspace", added.WorkspacePath).Msg("Project added")
	return c.Status(fiber.StatusCreated).JSON(added)
}

// RemoveProject handles DELETE /projects/:id. Queued work and cached
// task ownership of the project are dropped with it.
func (s *Server) RemoveProject(c *fiber.Ctx) error {
	id := c.Params("id")
	p, ok := s.deps.Registry.Project(id)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"unknown_project", "Not Found", "Unknown project: "+id)
	}
	if _, err := s.deps.Registry.RemoveProject(id); err != nil {
		return err
	}
	dropped := s.deps.Queue.RemoveProject(id)
	if s.deps.Receiver != nil {
		s.deps.Receiver.Forget(p)
	}
	s.logger.Info().Str("project_id", id).Int("dropped_tasks", dropped).Msg("Project removed")
	return c.SendStatus(fiber.StatusNoContent)
}

// ListActions handles GET /projects/:id/actions, newest first.
func (s *Server) ListActions(c *fiber.Ctx) error {
	if s.deps.Actions == nil {
		return errorResponse(c, fmt.Errorf("management actions: %w", perrors.ErrNotConfigured))
	}
	id := c.Params("id")
	if _, ok := s.deps.Registry.Project(id); !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"unknown_project", "Not Found", "Unknown project: "+id)
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request", "limit must be between 1 and 500")
	}
	actions, err := s.deps.Actions.ListManagementActions(id, limit)
	if err != nil {
		return err
	}
	if actions == nil {
		actions = []models.ManagementAction{}
	}
	return c.JSON(fiber.Map{"actions": actions, "total": len(actions)})
}

// ListQueue handles GET /queue. Tasks are listed in enqueue order.
func (s *Server) ListQueue(c *fiber.Ctx) error {
	tasks := s.deps.Queue.Snapshot()
	return c.JSON(fiber.Map{
		"tasks":   tasks,
		"pending": s.deps.Queue.Pending(),
		"delayed": s.deps.Queue.Delayed(),
		"total":   len(tasks),
	})
}

// RemoveQueued handles DELETE /queue/:type/:target. The target is the
// project id, or the task id for analyses.
func (s *Server) RemoveQueued(c *fiber.Ctx) error {
	typ := syncq.Type(c.Params("type"))
	if !syncq.ValidType(typ) {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_sync_type", "Bad Request", "Unknown sync type: "+string(typ))
	}
	target, err := url.PathUnescape(c.Params("target"))
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_target", "Bad Request", "Invalid target: "+err.Error())
	}
	key := syncq.Key{Type: typ, Target: target}
	if !s.deps.Queue.Remove(key) {
		return problemResponse(c, fiber.StatusNotFound,
			"not_queued", "Not Found", "No queued task "+key.String())
	}
	s.logger.Info().Str("task_key", key.String()).Msg("Queued task removed")
	return c.SendStatus(fiber.StatusNoContent)
}

// ReloadRules handles POST /rules/reload.
func (s *Server) ReloadRules(c *fiber.Ctx) error {
	n, err := s.deps.Registry.ReloadRules()
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "rules": n})
}

// LatestInsight handles GET /insights/:project_id/latest.
func (s *Server) LatestInsight(c *fiber.Ctx) error {
	if s.deps.Insights == nil {
		return errorResponse(c, fmt.Errorf("insights: %w", perrors.ErrNotConfigured))
	}
	r, err := s.deps.Insights.Latest(c.Params("project_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(r)
}

// ListDeadLetters handles GET /deadletters.
func (s *Server) ListDeadLetters(c *fiber.Ctx) error {
	if s.deps.DeadLetters == nil {
		return errorResponse(c, fmt.Errorf("dead letters: %w", perrors.ErrNotConfigured))
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 500 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_limit", "Bad Request", "limit must be between 1 and 500")
	}
	dls, err := s.deps.DeadLetters.ListUnresolved(limit)
	if err != nil {
		return err
	}
	if dls == nil {
		dls = []*store.DeadLetter{}
	}
	return c.JSON(fiber.Map{"dead_letters": dls, "total": len(dls)})
}

// RequeueDeadLetter handles POST /deadletters/:id/requeue. The task gets a
// fresh attempt budget.
func (s *Server) RequeueDeadLetter(c *fiber.Ctx) error {
	if s.deps.DeadLetters == nil {
		return errorResponse(c, fmt.Errorf("dead letters: %w", perrors.ErrNotConfigured))
	}
	dl, err := s.deps.DeadLetters.GetDeadLetter(c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if dl.ResolvedAt != 0 {
		return problemResponse(c, fiber.StatusConflict,
			"already_resolved", "Conflict", "Dead letter was already resolved")
	}

	var t syncq.Task
	if err := json.Unmarshal([]byte(dl.Payload), &t); err != nil {
		return errorResponse(c, fmt.Errorf("dead letter payload: %v: %w", err, perrors.ErrInvalidInput))
	}
	t.Attempts = 0
	t.LastError = ""
	t.NotBefore = time.Time{}
	t.EnqueuedAt = time.Time{}
	t.Source = syncq.SourceRequeue
	if err := t.Validate(); err != nil {
		return errorResponse(c, err)
	}

	if err := s.deps.DeadLetters.ResolveDeadLetter(dl.ID); err != nil {
		return errorResponse(c, err)
	}
	queued := s.deps.Queue.Enqueue(t)
	s.logger.Info().Str("dead_letter_id", dl.ID).Str("task_key", dl.TaskKey).Msg("Dead letter requeued")
	return c.JSON(fiber.Map{"success": true, "queued": queued})
}
