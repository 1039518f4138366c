// Package server exposes the webhook endpoint, health and the management
// API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/trackersync/internal/health"
	"github.com/p-blackswan/trackersync/internal/insight"
	"github.com/p-blackswan/trackersync/internal/metrics"
	"github.com/p-blackswan/trackersync/internal/models"
	"github.com/p-blackswan/trackersync/internal/requestid"
	"github.com/p-blackswan/trackersync/internal/store"
	"github.com/p-blackswan/trackersync/internal/syncq"
)

// bodyLimit bounds webhook and API request bodies.
const bodyLimit = 1 << 20

// WebhookReceiver handles verified tracker events.
type WebhookReceiver interface {
	Handle(ctx context.Context, body []byte, signature string) (models.WebhookEvent, error)
	Forget(p models.Project) int
}

// Registry is the project and rule state.
type Registry interface {
	AddProject(p models.Project) (models.Project, error)
	RemoveProject(id string) (bool, error)
	Project(id string) (models.Project, bool)
	Projects() []models.Project
	ProjectCount() int
	RuleCount() int
	ReloadRules() (int, error)
}

// Queue is the sync queue surface used by the API.
type Queue interface {
	Enqueue(t syncq.Task) bool
	RemoveProject(projectID string) int
	Pending() int
	Delayed() int
	Len() int
	Snapshot() []syncq.Task
	Remove(key syncq.Key) bool
}

// DeadLetters is the dead letter store.
type DeadLetters interface {
	ListUnresolved(limit int) ([]*store.DeadLetter, error)
	GetDeadLetter(id string) (*store.DeadLetter, error)
	ResolveDeadLetter(id string) error
	CountUnresolved() (int, error)
}

// Actions reads the auto-management history.
type Actions interface {
	ListManagementActions(projectID string, limit int) ([]models.ManagementAction, error)
}

// Insights reads stored insight reports.
type Insights interface {
	Latest(projectID string) (insight.Report, error)
}

// Config holds configuration for the HTTP server.
type Config struct {
	ListenAddr string
	Auth       AuthConfig
}

// Deps are the components the handlers call. DeadLetters, Actions and
// Insights are optional.
type Deps struct {
	Receiver    WebhookReceiver
	Registry    Registry
	Queue       Queue
	DeadLetters DeadLetters
	Actions     Actions
	Insights    Insights
	Checker     *health.Checker
	Metrics     *metrics.Metrics
}

// Server is the daemon's Fiber application.
type Server struct {
	app     *fiber.App
	deps    Deps
	logger  zerolog.Logger
	config  Config
	started time.Time
	now     func() time.Time
}

// New creates and configures the server.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             bodyLimit,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:     app,
		deps:    deps,
		logger:  logger.With().Str("component", "http").Logger(),
		config:  cfg,
		started: time.Now(),
		now:     time.Now,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	s.app.Use(requestid.Middleware())

	// Request log and metrics.
	s.app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		route := c.Route().Path
		s.deps.Metrics.RecordRequest(c.Method(), route, strconv.Itoa(status), time.Since(start).Seconds())

		path := c.Path()
		if path != "/health" && path != "/metrics" {
			s.logger.Info().
				Str("method", c.Method()).
				Str("path", path).
				Int("status", status).
				Str("ip", c.IP()).
				Str("request_id", requestid.FromFiber(c)).
				Dur("elapsed", time.Since(start)).
				Msg("HTTP request")
		}
		return err
	})
}

func (s *Server) setupRoutes() {
	// Unauthenticated: the tracker signs webhooks, health checkers and scrapers
	// carry no credentials.
	s.app.Post("/webhook", s.Webhook)
	s.app.Post("/clickup/webhook", s.Webhook)
	s.app.Get("/health", s.Health)
	if s.deps.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	}

	auth := NewAuthMiddleware(s.config.Auth, s.logger)
	s.app.Post("/sync/trigger", auth, s.TriggerSync)
	s.app.Get("/projects", auth, s.ListProjects)
	s.app.Post("/projects", auth, s.AddProject)
	s.app.Get("/projects/:id", auth, s.GetProject)
	s.app.Delete("/projects/:id", auth, s.RemoveProject)
	s.app.Get("/projects/:id/actions", auth, s.ListActions)
	s.app.Get("/queue", auth, s.ListQueue)
	s.app.Delete("/queue/:type/:target", auth, s.RemoveQueued)
	s.app.Post("/rules/reload", auth, s.ReloadRules)
	s.app.Get("/insights/:project_id/latest", auth, s.LatestInsight)
	s.app.Get("/deadletters", auth, s.ListDeadLetters)
	s.app.Post("/deadletters/:id/requeue", auth, s.RequeueDeadLetter)
}

// Start listens on the configured address. Blocks until Shutdown.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":3001"
	}
	s.logger.Info().Str("addr", addr).Str("auth_mode", s.config.Auth.Mode).Msg("HTTP server starting")
	return s.app.Listen(addr)
}

// Serve accepts connections on ln. Blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Str("auth_mode", s.config.Auth.Mode).Msg("HTTP server starting")
	return s.app.Listener(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("HTTP server shutting down")
	return s.app.ShutdownWithContext(ctx)
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}
