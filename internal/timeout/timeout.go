// Package timeout implements the stage timeout monitor: it reaps tasks
// whose in-progress or in-review stage clock ran past the configured
// limit, killing their executions and cancelling the task so the selector
// can hand the capacity to someone else.
package timeout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/notify"
	"github.com/forgeops/autodev/internal/store"
)

// Config holds the monitor's stage limits.
type Config struct {
	InProgressTimeout time.Duration
	InReviewTimeout   time.Duration
	Interval          time.Duration
}

// Monitor is the background timeout scheduler.
type Monitor struct {
	store    *store.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   zerolog.Logger
}

// New builds a Monitor. Zero stage limits fall back to 20 minutes.
func New(st *store.Store, n notify.Notifier, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.InProgressTimeout <= 0 {
		cfg.InProgressTimeout = 20 * time.Minute
	}
	if cfg.InReviewTimeout <= 0 {
		cfg.InReviewTimeout = 20 * time.Minute
	}
	return &Monitor{
		store:    st,
		notifier: n,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With().Str("component", "timeout").Logger(),
	}
}

// Run polls at a fixed interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().
		Dur("interval", m.cfg.Interval).
		Dur("in_progress_timeout", m.cfg.InProgressTimeout).
		Dur("in_review_timeout", m.cfg.InReviewTimeout).
		Msg("timeout monitor started")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("timeout monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick sweeps every project that has a task in a timed stage.
func (m *Monitor) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { m.metrics.ObserveTick("timeout", time.Since(start)) }()

	projects, err := m.store.ProjectsWithActiveTasks()
	if err != nil {
		m.logger.Error().Err(err).Msg("listing projects with active tasks")
		m.metrics.RecordError("timeout", "store")
		return
	}

	for _, projectID := range projects {
		if reaped, err := m.SweepProject(ctx, projectID); err != nil {
			m.logger.Warn().
				Str("project_id", projectID.String()).
				Err(err).
				Msg("timeout sweep failed")
			m.metrics.RecordError("timeout", "sweep")
		} else if reaped > 0 {
			m.logger.Info().
				Str("project_id", projectID.String()).
				Int("reaped", reaped).
				Msg("stalled tasks reaped")
		}
	}
}

// SweepProject reaps every stalled task of one project and returns how many
// it cancelled.
func (m *Monitor) SweepProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	reaped := 0
	stages := []struct {
		status store.TaskStatus
		limit  time.Duration
	}{
		{store.StatusInProgress, m.cfg.InProgressTimeout},
		{store.StatusInReview, m.cfg.InReviewTimeout},
	}

	for _, stage := range stages {
		stalled, err := m.store.StalledTasks(projectID, stage.status, stage.limit)
		if err != nil {
			return reaped, fmt.Errorf("finding stalled %s tasks: %w", stage.status, err)
		}
		for _, task := range stalled {
			if err := m.reap(ctx, task, stage.limit); err != nil {
				return reaped, err
			}
			reaped++
		}
	}
	return reaped, nil
}

// reap kills the task's running executions and cancels it. The kill happens
// first so a still-live agent cannot write into a cancelled task.
func (m *Monitor) reap(ctx context.Context, task *store.Task, limit time.Duration) error {
	killed, err := m.store.KillRunningExecutions(task.ID)
	if err != nil {
		return fmt.Errorf("killing executions for task %s: %w", task.ID, err)
	}

	if err := m.store.UpdateTaskStatus(task.ID, store.StatusCancelled); err != nil {
		return fmt.Errorf("cancelling task %s: %w", task.ID, err)
	}

	stalled := time.Duration(0)
	if !task.StageStartedAt.IsZero() {
		stalled = time.Since(task.StageStartedAt).Round(time.Second)
	}
	detail := fmt.Sprintf("Task timed out in %s after %s (limit %s); killed %d running executions",
		task.Status, stalled, limit, killed)
	if _, err := m.store.AppendSelectorLog(task.ProjectID, task.ID, store.ActionTimeout, detail); err != nil {
		return err
	}

	m.logger.Info().
		Str("task_id", task.ID.String()).
		Str("status", string(task.Status)).
		Dur("stalled", stalled).
		Int("executions_killed", killed).
		Msg("task reaped for exceeding stage timeout")
	m.metrics.RecordTimeout()
	m.notifier.Notify(ctx, "Task Timeout",
		fmt.Sprintf("Task '%s' cancelled after exceeding the %s limit for %s", task.Title, limit, task.Status))
	return nil
}
