// Package mgmt exposes the management API for the orchestration engine:
// toggling and triggering the schedulers, reading their decision logs,
// and inspecting tasks.
package mgmt

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/forgeops/autodev/internal/health"
	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/requestid"
	"github.com/forgeops/autodev/internal/review"
	"github.com/forgeops/autodev/internal/selector"
	"github.com/forgeops/autodev/internal/store"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	CORSOrigins string
}

// Server is the management API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a management API server.
func NewServer(
	cfg ServerConfig,
	st *store.Store,
	sel *selector.Selector,
	rev *review.Engine,
	checker *health.Checker,
	m *metrics.Metrics,
	rtCfg *RuntimeConfig,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:      app,
		handlers: NewHandlers(st, sel, rev, checker, rtCfg, logger),
		metrics:  m,
		logger:   logger.With().Str("component", "mgmt_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, OPTIONS",
		}))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Msg("mgmt api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes() {
	h := s.handlers

	// Probe endpoints, left open by the auth middleware.
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))

	v1 := s.app.Group("/api/v1")

	// Task selector
	v1.Post("/projects/:id/selector/enable", requireRole(RoleOperator), h.EnableSelector)
	v1.Post("/projects/:id/selector/disable", requireRole(RoleOperator), h.DisableSelector)
	v1.Post("/projects/:id/selector/trigger", requireRole(RoleOperator), h.TriggerSelector)
	v1.Get("/projects/:id/selector/status", h.SelectorStatus)
	v1.Get("/projects/:id/selector/logs", h.SelectorLogs)

	// Review automation
	v1.Post("/projects/:id/review/enable", requireRole(RoleOperator), h.EnableReview)
	v1.Post("/projects/:id/review/disable", requireRole(RoleOperator), h.DisableReview)
	v1.Post("/projects/:id/review/trigger", requireRole(RoleOperator), h.TriggerReview)
	v1.Get("/projects/:id/review/status", h.ReviewStatus)
	v1.Get("/projects/:id/review/logs", h.ReviewLogs)

	// Tasks
	v1.Get("/projects/:id/tasks", h.ListProjectTasks)
	v1.Get("/tasks/:id", h.GetTask)
	v1.Get("/tasks/:id/review/logs", h.TaskReviewLogs)

	// Health & config
	v1.Get("/health", h.HealthDetail)
	v1.Get("/config", h.GetConfig)
	v1.Patch("/config", requireRole(RoleAdmin), h.PatchConfig)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}
	s.logger.Info().Str("addr", addr).Msg("management API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
