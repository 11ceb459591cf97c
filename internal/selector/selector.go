// Package selector implements the task selection scheduler: admission
// control, layered concurrency, advisor-driven prioritization, and
// complexity-driven task breakdown.
package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeops/autodev/internal/advisor"
	oerrors "github.com/forgeops/autodev/internal/errors"
	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/notify"
	"github.com/forgeops/autodev/internal/profile"
	"github.com/forgeops/autodev/internal/store"
	"github.com/forgeops/autodev/internal/workspace"
)

// maxActiveLayers bounds how many distinct layers may run concurrently.
const maxActiveLayers = 3

// BranchReader reads the checked-out branch of a local repository.
type BranchReader interface {
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
}

// Decision is the outcome of one project's selection pass.
type Decision struct {
	Action    store.SelectorAction
	TaskID    uuid.UUID
	Reasoning string
}

// Selector is the background task selection scheduler.
type Selector struct {
	store    *store.Store
	advisor  advisor.Advisor
	notifier notify.Notifier
	metrics  *metrics.Metrics
	git      BranchReader

	// starter is optional; without it selected tasks are not auto-attempted.
	starter     workspace.Starter
	loadProfile func() *profile.Profile

	interval time.Duration
	logger   zerolog.Logger
}

// Option configures the Selector.
type Option func(*Selector)

// WithStarter enables workspace auto-start for selected tasks.
func WithStarter(st workspace.Starter, loadProfile func() *profile.Profile) Option {
	return func(s *Selector) {
		s.starter = st
		s.loadProfile = loadProfile
	}
}

// New builds a Selector.
func New(st *store.Store, adv advisor.Advisor, git BranchReader, n notify.Notifier, m *metrics.Metrics, interval time.Duration, logger zerolog.Logger, opts ...Option) *Selector {
	s := &Selector{
		store:       st,
		advisor:     adv,
		notifier:    n,
		metrics:     m,
		git:         git,
		loadProfile: func() *profile.Profile { return profile.Default() },
		interval:    interval,
		logger:      logger.With().Str("component", "selector").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run polls at a fixed interval until the context is cancelled. A tick
// failure never stops the loop.
func (s *Selector) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("selector started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("selector stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes every project with the selector enabled, sequentially.
func (s *Selector) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { s.metrics.ObserveTick("selector", time.Since(start)) }()

	enabled, err := s.store.EnabledSelectorProjects()
	if err != nil {
		s.logger.Error().Err(err).Msg("listing enabled selector projects")
		s.metrics.RecordError("selector", "store")
		return
	}
	if len(enabled) == 0 {
		s.logger.Debug().Msg("no projects with selector enabled")
		return
	}

	for _, settings := range enabled {
		dec, err := s.ProcessProject(ctx, settings.ProjectID)
		switch {
		case err == nil:
			if dec.Action == store.ActionSelected {
				s.logger.Info().
					Str("project_id", settings.ProjectID.String()).
					Str("task_id", dec.TaskID.String()).
					Msg("task selected")
			}
			s.metrics.RecordSelectorDecision(string(dec.Action))
		case oerrors.IsExpected(err):
			s.logger.Debug().
				Str("project_id", settings.ProjectID.String()).
				Err(err).
				Msg("selection skipped")
		default:
			s.logger.Warn().
				Str("project_id", settings.ProjectID.String()).
				Err(err).
				Msg("selection cycle failed")
			s.metrics.RecordError("selector", "cycle")
		}
	}
}

// ProcessProject runs one selection pass for a project: break down a
// pending Fullstack task if any, otherwise apply admission control and pick
// the next task to start.
func (s *Selector) ProcessProject(ctx context.Context, projectID uuid.UUID) (*Decision, error) {
	return s.processProject(ctx, projectID, true)
}

// TriggerOnce runs one selection pass on demand. A manual trigger leaves
// execution start to the operator, so the workspace auto-attempt is
// suppressed even when a starter is configured.
func (s *Selector) TriggerOnce(ctx context.Context, projectID uuid.UUID) (*Decision, error) {
	return s.processProject(ctx, projectID, false)
}

func (s *Selector) processProject(ctx context.Context, projectID uuid.UUID, autoStart bool) (*Decision, error) {
	tasks, err := s.store.TasksByProject(projectID)
	if err != nil {
		return nil, fmt.Errorf("loading project tasks: %w", err)
	}

	// One Fullstack breakdown per tick keeps each cycle's effect bounded.
	for _, t := range tasks {
		if t.Status == store.StatusTodo && t.Layer == store.LayerFullstack {
			return s.breakdownFullstack(ctx, projectID, t)
		}
	}

	activeLayers := activeLayerSet(tasks)
	if hasActiveIntegration(tasks) {
		// Integration wires layers together and must not race layer work.
		return nil, oerrors.ErrTaskAlreadyInProgress
	}

	candidates := eligibleCandidates(tasks, activeLayers)
	if candidates == nil {
		if anyActive(tasks) {
			return nil, oerrors.ErrTaskAlreadyInProgress
		}
		candidates = fallbackCandidates(tasks)
	}

	if len(candidates) == 0 {
		const detail = "No eligible tasks available"
		if _, err := s.store.AppendSelectorLog(projectID, uuid.Nil, store.ActionSkipped, detail); err != nil {
			return nil, err
		}
		return &Decision{Action: store.ActionSkipped, Reasoning: detail}, nil
	}

	selected, reasoning, err := s.pickWithAdvisor(ctx, candidates)
	if err != nil {
		if _, logErr := s.store.AppendSelectorLog(projectID, uuid.Nil, store.ActionError, err.Error()); logErr != nil {
			return nil, logErr
		}
		s.metrics.RecordAdvisorCall("selection", "error")
		return nil, err
	}
	s.metrics.RecordAdvisorCall("selection", "ok")

	// Complexity is analyzed once, never for generated subtasks.
	if selected.ComplexityScore == 0 && selected.ParentTaskID == uuid.Nil && !selected.PreventBreakdown {
		broken, count, err := s.analyzeComplexity(ctx, projectID, selected)
		if err != nil {
			s.logger.Warn().
				Str("task_id", selected.ID.String()).
				Err(err).
				Msg("complexity analysis failed, proceeding with task anyway")
		} else if broken {
			return &Decision{
				Action:    store.ActionReplaced,
				TaskID:    selected.ID,
				Reasoning: fmt.Sprintf("Complex task broken into %d subtasks", count),
			}, nil
		}
	}

	if err := s.store.UpdateTaskStatus(selected.ID, store.StatusInProgress); err != nil {
		return nil, err
	}
	if _, err := s.store.AppendSelectorLog(projectID, selected.ID, store.ActionSelected, reasoning); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, "Task Selected", fmt.Sprintf("Starting: %s", selected.Title))

	if autoStart && s.starter != nil {
		// A failed start is logged, not rolled back; the task stays
		// InProgress for a manual attempt.
		if err := s.autoStartAttempt(ctx, projectID, selected); err != nil {
			s.logger.Warn().
				Str("task_id", selected.ID.String()).
				Err(err).
				Msg("failed to auto-start attempt")
		}
	}

	return &Decision{Action: store.ActionSelected, TaskID: selected.ID, Reasoning: reasoning}, nil
}

// activeLayerSet collects layers of active non-Integration tasks.
func activeLayerSet(tasks []*store.Task) map[store.TaskLayer]bool {
	layers := map[store.TaskLayer]bool{}
	for _, t := range tasks {
		if t.Active() && t.EffectiveType() != store.TypeIntegration && t.Layer != "" {
			layers[t.Layer] = true
		}
	}
	return layers
}

func hasActiveIntegration(tasks []*store.Task) bool {
	for _, t := range tasks {
		if t.Active() && t.EffectiveType() == store.TypeIntegration {
			return true
		}
	}
	return false
}

func anyActive(tasks []*store.Task) bool {
	for _, t := range tasks {
		if t.Active() {
			return true
		}
	}
	return false
}

// eligibleCandidates returns Todo non-Integration tasks in free layers when
// another layer may start, nil when layered start is not possible. Within
// the candidates Architecture precedes Implementation.
func eligibleCandidates(tasks []*store.Task, activeLayers map[store.TaskLayer]bool) []*store.Task {
	if len(activeLayers) >= maxActiveLayers {
		return nil
	}
	var eligible []*store.Task
	for _, t := range tasks {
		if t.Status != store.StatusTodo || t.EffectiveType() == store.TypeIntegration {
			continue
		}
		// Concurrency is per layer; a task without one cannot run alongside.
		if t.Layer == "" || activeLayers[t.Layer] {
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return nil
	}

	var arch []*store.Task
	for _, t := range eligible {
		if t.EffectiveType() == store.TypeArchitecture {
			arch = append(arch, t)
		}
	}
	if len(arch) > 0 {
		return arch
	}
	return eligible
}

// fallbackCandidates ranks all Todo tasks when nothing is active and
// returns the highest non-empty priority class: initialization, then
// Architecture, then Implementation, then the rest.
func fallbackCandidates(tasks []*store.Task) []*store.Task {
	var todo []*store.Task
	for _, t := range tasks {
		if t.Status == store.StatusTodo {
			todo = append(todo, t)
		}
	}

	classes := []func(*store.Task) bool{
		func(t *store.Task) bool { return t.Sequence == 1 },
		func(t *store.Task) bool { return t.EffectiveType() == store.TypeArchitecture },
		func(t *store.Task) bool { return t.EffectiveType() == store.TypeImplementation },
	}
	for _, match := range classes {
		var class []*store.Task
		for _, t := range todo {
			if match(t) {
				class = append(class, t)
			}
		}
		if len(class) > 0 {
			return class
		}
	}
	return todo
}

// pickWithAdvisor asks the advisor and validates the answer against the
// candidate set. An unvalidated external choice never becomes state.
func (s *Selector) pickWithAdvisor(ctx context.Context, candidates []*store.Task) (*store.Task, string, error) {
	infos := make([]advisor.TaskInfo, 0, len(candidates))
	byID := make(map[uuid.UUID]*store.Task, len(candidates))
	for _, t := range candidates {
		infos = append(infos, advisor.TaskInfo{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Layer:       string(t.Layer),
			Type:        string(t.Type),
			Sequence:    t.Sequence,
		})
		byID[t.ID] = t
	}

	sel, err := s.advisor.SelectTask(ctx, infos)
	if err != nil {
		return nil, "", err
	}
	task, ok := byID[sel.TaskID]
	if !ok {
		return nil, "", fmt.Errorf("%w: advisor selected task %s outside the candidate set", oerrors.ErrInvalidInput, sel.TaskID)
	}
	return task, sel.Reasoning, nil
}

// breakdownFullstack replaces a Fullstack task with Data, Backend and
// Frontend subtasks and cancels the original.
func (s *Selector) breakdownFullstack(ctx context.Context, projectID uuid.UUID, task *store.Task) (*Decision, error) {
	parts := []struct {
		layer store.TaskLayer
		name  string
	}{
		{store.LayerData, "Data"},
		{store.LayerBackend, "Backend"},
		{store.LayerFrontend, "Frontend"},
	}

	created := 0
	for _, part := range parts {
		title := fmt.Sprintf("%s - %s Layer", task.Title, part.name)
		desc := task.Description
		if desc != "" {
			desc = fmt.Sprintf("%s\n\n[Auto-generated %s layer subtask from Fullstack task]", desc, part.name)
		}
		if _, err := s.store.CreateTask(task.Subtask(title, desc, part.layer, task.Sequence)); err != nil {
			return nil, fmt.Errorf("creating %s subtask: %w", part.name, err)
		}
		created++
	}

	if err := s.store.UpdateTaskStatus(task.ID, store.StatusCancelled); err != nil {
		return nil, err
	}

	detail := fmt.Sprintf("Fullstack task broken into %d layer-specific subtasks", created)
	if _, err := s.store.AppendSelectorLog(projectID, task.ID, store.ActionReplaced, detail); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, "Task Breakdown",
		fmt.Sprintf("Fullstack task '%s' split into %d subtasks", task.Title, created))

	return &Decision{Action: store.ActionReplaced, TaskID: task.ID, Reasoning: detail}, nil
}

// analyzeComplexity scores the task and, when the advisor finds it large
// and splittable, replaces it with the suggested subtasks. Returns whether
// a breakdown happened and the created count.
func (s *Selector) analyzeComplexity(ctx context.Context, projectID uuid.UUID, task *store.Task) (bool, int, error) {
	analysis, err := s.advisor.AnalyzeComplexity(ctx, advisor.TaskInfo{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Layer:       string(task.Layer),
		Type:        string(task.Type),
		Sequence:    task.Sequence,
	})
	if err != nil {
		s.metrics.RecordAdvisorCall("complexity", "error")
		return false, 0, err
	}
	s.metrics.RecordAdvisorCall("complexity", "ok")

	// The score is persisted even when no breakdown follows; analysis
	// runs at most once per task.
	if err := s.store.SetComplexityScore(task.ID, analysis.Score); err != nil {
		return false, 0, err
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Int("complexity_score", analysis.Score).
		Bool("can_breakdown", analysis.CanBreakDown).
		Msg("complexity analysis complete")

	if analysis.Score < 7 || !analysis.CanBreakDown || len(analysis.Subtasks) < 2 {
		return false, 0, nil
	}

	created := 0
	for i, sub := range analysis.Subtasks {
		layer := store.ParseLayer(sub.Layer)
		if _, err := s.store.CreateTask(task.Subtask(sub.Title, sub.Description, layer, task.Sequence*10+i)); err != nil {
			return false, 0, fmt.Errorf("creating subtask: %w", err)
		}
		created++
	}
	if err := s.store.UpdateTaskStatus(task.ID, store.StatusCancelled); err != nil {
		return false, 0, err
	}

	detail := fmt.Sprintf("Complex task (score %d) broken into %d subtasks: %s",
		analysis.Score, created, analysis.Reasoning)
	if _, err := s.store.AppendSelectorLog(projectID, task.ID, store.ActionReplaced, detail); err != nil {
		return false, 0, err
	}
	s.notifier.Notify(ctx, "Task Breakdown",
		fmt.Sprintf("Complex task '%s' split into %d subtasks", task.Title, created))

	return true, created, nil
}

// autoStartAttempt creates a workspace for the task and launches the
// executor.
func (s *Selector) autoStartAttempt(ctx context.Context, projectID uuid.UUID, task *store.Task) error {
	repos, err := s.store.ReposByProject(projectID)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		return oerrors.ErrNoRepositories
	}

	workspaceID := uuid.New()
	branch := workspace.BranchName(task.Title, workspaceID)

	// With a single repo the agent works inside it; with several it works
	// from the workspace root.
	workingDir := ""
	if len(repos) == 1 {
		workingDir = repos[0].Name
	}

	ws, err := s.store.CreateWorkspace(workspaceID, task.ID, branch, workingDir)
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	repoIDs := make([]uuid.UUID, 0, len(repos))
	targets := make([]string, 0, len(repos))
	for _, r := range repos {
		target, err := s.git.CurrentBranch(ctx, r.Path)
		if err != nil || target == "" {
			target = "main"
		}
		repoIDs = append(repoIDs, r.ID)
		targets = append(targets, target)
	}
	if err := s.store.CreateWorkspaceRepos(ws.ID, repoIDs, targets); err != nil {
		return fmt.Errorf("creating workspace repos: %w", err)
	}

	wsRepos, err := s.store.WorkspaceRepos(ws.ID)
	if err != nil {
		return err
	}
	ref, err := s.starter.Start(ctx, ws, wsRepos, s.loadProfile())
	if err != nil {
		return fmt.Errorf("starting workspace: %w", err)
	}
	if err := s.store.SetWorkspaceContainerRef(ws.ID, ref); err != nil {
		return err
	}
	if _, err := s.store.CreateExecution(ws.ID); err != nil {
		return err
	}

	s.logger.Info().
		Str("workspace_id", ws.ID.String()).
		Str("task_id", task.ID.String()).
		Str("container_ref", ref).
		Msg("auto-started workspace for task")
	return nil
}

// Status summarizes the selector state for one project.
type Status struct {
	Enabled            bool       `json:"enabled"`
	IntervalSeconds    int        `json:"interval_seconds"`
	LastRun            *time.Time `json:"last_run,omitempty"`
	LastSelectedTaskID *uuid.UUID `json:"last_selected_task_id,omitempty"`
	LastReasoning      string     `json:"last_reasoning,omitempty"`
}

// StatusFor reports the current selector status of a project.
func (s *Selector) StatusFor(projectID uuid.UUID) (*Status, error) {
	settings, err := s.store.SelectorSettingsByProject(projectID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestSelectorLog(projectID)
	if err != nil {
		return nil, err
	}

	st := &Status{IntervalSeconds: 60}
	if settings != nil {
		st.Enabled = settings.Enabled
		st.IntervalSeconds = settings.IntervalSeconds
	}
	if latest != nil {
		t := latest.CreatedAt
		st.LastRun = &t
		st.LastReasoning = latest.Detail
		if latest.Action == store.ActionSelected && latest.TaskID != uuid.Nil {
			id := latest.TaskID
			st.LastSelectedTaskID = &id
		}
	}
	return st, nil
}
