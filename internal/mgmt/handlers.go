package mgmt

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	oerrors "github.com/forgeops/autodev/internal/errors"
	"github.com/forgeops/autodev/internal/health"
	"github.com/forgeops/autodev/internal/review"
	"github.com/forgeops/autodev/internal/selector"
	"github.com/forgeops/autodev/internal/store"
)

// RuntimeConfig is the runtime configuration exposed over the API. Only
// the log level is mutable.
type RuntimeConfig struct {
	Environment       string
	LogLevel          string
	MgmtListenAddr    string
	AuthMode          string
	SelectorInterval  time.Duration
	ReviewInterval    time.Duration
	TimeoutInterval   time.Duration
	MaxMergeConflicts int
}

// Handlers holds dependencies for the HTTP handlers.
type Handlers struct {
	store     *store.Store
	selector  *selector.Selector
	review    *review.Engine
	checker   *health.Checker
	rtCfg     *RuntimeConfig
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a Handlers instance.
func NewHandlers(st *store.Store, sel *selector.Selector, rev *review.Engine, checker *health.Checker, rtCfg *RuntimeConfig, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		selector:  sel,
		review:    rev,
		checker:   checker,
		rtCfg:     rtCfg,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

func projectParam(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, problemResponse(c, fiber.StatusBadRequest,
			"invalid_project_id", "Bad Request",
			"Project id must be a UUID: "+c.Params("id"))
	}
	return id, nil
}

// ---- selector ----

// EnableSelector handles POST /api/v1/projects/:id/selector/enable.
func (h *Handlers) EnableSelector(c *fiber.Ctx) error {
	return h.setSelectorEnabled(c, true)
}

// DisableSelector handles POST /api/v1/projects/:id/selector/disable.
func (h *Handlers) DisableSelector(c *fiber.Ctx) error {
	return h.setSelectorEnabled(c, false)
}

func (h *Handlers) setSelectorEnabled(c *fiber.Ctx, enabled bool) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	settings, err := h.store.SetSelectorEnabled(projectID, enabled)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}

	h.logger.Info().
		Str("project_id", projectID.String()).
		Bool("enabled", enabled).
		Msg("selector toggled")

	return c.JSON(SelectorSettingsResponse{
		ProjectID:       settings.ProjectID,
		Enabled:         settings.Enabled,
		IntervalSeconds: settings.IntervalSeconds,
	})
}

// SelectorStatus handles GET /api/v1/projects/:id/selector/status.
func (h *Handlers) SelectorStatus(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	status, err := h.selector.StatusFor(projectID)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	return c.JSON(status)
}

// TriggerSelector handles POST /api/v1/projects/:id/selector/trigger.
// A manual trigger runs one selection pass immediately, enabled or not,
// and never auto-starts a workspace.
func (h *Handlers) TriggerSelector(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	dec, err := h.selector.TriggerOnce(c.Context(), projectID)
	if err != nil {
		if oerrors.IsExpected(err) {
			return c.JSON(TriggerResponse{Action: "blocked", Reasoning: err.Error()})
		}
		return problemResponse(c, fiber.StatusInternalServerError,
			"selection_failed", "Internal Server Error", err.Error())
	}

	resp := TriggerResponse{Action: string(dec.Action), Reasoning: dec.Reasoning}
	if dec.TaskID != uuid.Nil {
		id := dec.TaskID
		resp.TaskID = &id
	}
	return c.JSON(resp)
}

// SelectorLogs handles GET /api/v1/projects/:id/selector/logs.
func (h *Handlers) SelectorLogs(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	logs, err := h.store.SelectorLogs(projectID, c.QueryInt("limit", 50))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	if logs == nil {
		logs = []*store.SelectorLog{}
	}
	return c.JSON(SelectorLogsResponse{Logs: logs})
}

// ---- review automation ----

// EnableReview handles POST /api/v1/projects/:id/review/enable.
func (h *Handlers) EnableReview(c *fiber.Ctx) error {
	return h.setReviewEnabled(c, true)
}

// DisableReview handles POST /api/v1/projects/:id/review/disable.
func (h *Handlers) DisableReview(c *fiber.Ctx) error {
	return h.setReviewEnabled(c, false)
}

func (h *Handlers) setReviewEnabled(c *fiber.Ctx, enabled bool) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	settings, err := h.store.SetReviewEnabled(projectID, enabled)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}

	h.logger.Info().
		Str("project_id", projectID.String()).
		Bool("enabled", enabled).
		Msg("review automation toggled")

	return c.JSON(ReviewSettingsResponse{
		ProjectID:        settings.ProjectID,
		Enabled:          settings.Enabled,
		AutoMergeEnabled: settings.AutoMergeEnabled,
		RunTestsEnabled:  settings.RunTestsEnabled,
	})
}

// ReviewStatus handles GET /api/v1/projects/:id/review/status.
func (h *Handlers) ReviewStatus(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	status, err := h.review.StatusFor(projectID)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	return c.JSON(status)
}

// TriggerReview handles POST /api/v1/projects/:id/review/trigger.
func (h *Handlers) TriggerReview(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	settings, err := h.store.ReviewSettingsByProject(projectID)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	if settings == nil {
		return problemResponse(c, fiber.StatusConflict,
			"review_not_configured", "Conflict",
			"Review automation has never been configured for this project")
	}

	res, err := h.review.ProcessProject(c.Context(), settings)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"review_failed", "Internal Server Error", err.Error())
	}
	if res == nil {
		return c.JSON(TriggerResponse{Action: "idle", Reasoning: "No tasks awaiting review"})
	}

	id := res.TaskID
	return c.JSON(TriggerResponse{Action: string(res.Action), TaskID: &id})
}

// ReviewLogs handles GET /api/v1/projects/:id/review/logs.
func (h *Handlers) ReviewLogs(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	logs, err := h.store.ReviewLogs(projectID, c.QueryInt("limit", 50))
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	if logs == nil {
		logs = []*store.ReviewLog{}
	}
	return c.JSON(ReviewLogsResponse{Logs: logs})
}

// ---- tasks ----

// GetTask handles GET /api/v1/tasks/:id.
func (h *Handlers) GetTask(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_task_id", "Bad Request",
			"Task id must be a UUID: "+c.Params("id"))
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"task_not_found", "Not Found",
			"Task not found: "+id.String())
	}
	return c.JSON(TaskResponse{Task: task})
}

// ListProjectTasks handles GET /api/v1/projects/:id/tasks.
func (h *Handlers) ListProjectTasks(c *fiber.Ctx) error {
	projectID, err := projectParam(c)
	if err != nil {
		return err
	}

	tasks, err := h.store.TasksByProject(projectID)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	return c.JSON(TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// TaskReviewLogs handles GET /api/v1/tasks/:id/review/logs.
func (h *Handlers) TaskReviewLogs(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_task_id", "Bad Request",
			"Task id must be a UUID: "+c.Params("id"))
	}

	logs, err := h.store.ReviewLogsByTask(id)
	if err != nil {
		return problemResponse(c, fiber.StatusInternalServerError,
			"store_error", "Internal Server Error", err.Error())
	}
	if logs == nil {
		logs = []*store.ReviewLog{}
	}
	return c.JSON(ReviewLogsResponse{Logs: logs})
}

// ---- health & config ----

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	results := h.checker.RunAll(c.Context())

	checks := make(map[string]string, len(results))
	overall := "ok"
	for name, status := range results {
		checks[name] = string(status)
		if status == health.StatusDown {
			overall = "degraded"
		}
	}

	return c.JSON(HealthDetailResponse{
		Status: overall,
		Checks: checks,
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	cfg := h.rtCfg
	return c.JSON(ConfigResponse{
		Environment:       cfg.Environment,
		LogLevel:          cfg.LogLevel,
		MgmtListenAddr:    cfg.MgmtListenAddr,
		AuthMode:          cfg.AuthMode,
		SelectorInterval:  cfg.SelectorInterval.String(),
		ReviewInterval:    cfg.ReviewInterval.String(),
		TimeoutInterval:   cfg.TimeoutInterval.String(),
		MaxMergeConflicts: cfg.MaxMergeConflicts,
	})
}

// PatchConfig handles PATCH /api/v1/config.
func (h *Handlers) PatchConfig(c *fiber.Ctx) error {
	var req ConfigPatchRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request",
			"Invalid request body: "+err.Error())
	}

	if req.LogLevel != nil {
		level, err := zerolog.ParseLevel(*req.LogLevel)
		if err != nil {
			return problemResponse(c, fiber.StatusBadRequest,
				"invalid_log_level", "Bad Request",
				"Unknown log level: "+*req.LogLevel)
		}
		zerolog.SetGlobalLevel(level)
		h.rtCfg.LogLevel = *req.LogLevel
		h.logger.Info().Str("log_level", *req.LogLevel).Msg("log level changed")
	}

	return h.GetConfig(c)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
