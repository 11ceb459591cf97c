// Package review implements the review automation scheduler: it runs the
// project's test suite against finished work, merges the work branch into
// each repo's target branch, rebases when the target diverged, and
// escalates repeated merge conflicts into cancellation plus breakdown.
package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgeops/autodev/internal/advisor"
	oerrors "github.com/forgeops/autodev/internal/errors"
	"github.com/forgeops/autodev/internal/gitops"
	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/notify"
	"github.com/forgeops/autodev/internal/store"
)

// Merger is the slice of git the review engine needs.
type Merger interface {
	Merge(ctx context.Context, repoPath, branch, target, message string) (string, error)
	ForkPoint(ctx context.Context, repoPath, target, branch string) (string, error)
	Rebase(ctx context.Context, repoPath, target, forkPoint, branch string) (string, error)
}

// commandRunner executes the test command in dir and returns combined
// output. A non-zero exit is reported through err as an *exec.ExitError.
type commandRunner func(ctx context.Context, dir, name string, args ...string) (string, error)

func execCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	out := fmt.Sprintf("STDOUT:\n%s\n\nSTDERR:\n%s", stdout.String(), stderr.String())
	return out, err
}

// Result is the outcome of one project's review pass.
type Result struct {
	TaskID uuid.UUID
	Action store.ReviewAction
}

// Config holds engine configuration.
type Config struct {
	// WorkspacesRoot is where executor workspaces are checked out; a
	// workspace's working tree lives at <root>/<workspace-id>/<repo-name>.
	WorkspacesRoot string

	// MaxMergeConflicts is the escalation ceiling.
	MaxMergeConflicts int

	Interval time.Duration
}

// Engine is the background review scheduler.
type Engine struct {
	store    *store.Store
	git      Merger
	advisor  advisor.Advisor
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	runCmd   commandRunner
	logger   zerolog.Logger
}

// New builds an Engine.
func New(st *store.Store, git Merger, adv advisor.Advisor, n notify.Notifier, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.MaxMergeConflicts <= 0 {
		cfg.MaxMergeConflicts = 5
	}
	return &Engine{
		store:    st,
		git:      git,
		advisor:  adv,
		notifier: n,
		metrics:  m,
		cfg:      cfg,
		runCmd:   execCommand,
		logger:   logger.With().Str("component", "review").Logger(),
	}
}

// Run polls at a fixed interval until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("review automation started")
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("review automation stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick processes every project with review automation enabled.
func (e *Engine) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { e.metrics.ObserveTick("review", time.Since(start)) }()

	enabled, err := e.store.EnabledReviewProjects()
	if err != nil {
		e.logger.Error().Err(err).Msg("listing enabled review projects")
		e.metrics.RecordError("review", "store")
		return
	}

	for _, settings := range enabled {
		res, err := e.ProcessProject(ctx, settings)
		switch {
		case err != nil:
			e.logger.Warn().
				Str("project_id", settings.ProjectID.String()).
				Err(err).
				Msg("review cycle failed")
			e.metrics.RecordError("review", "cycle")
		case res == nil:
			e.logger.Debug().
				Str("project_id", settings.ProjectID.String()).
				Msg("no tasks to review")
		default:
			e.logger.Info().
				Str("project_id", settings.ProjectID.String()).
				Str("task_id", res.TaskID.String()).
				Str("action", string(res.Action)).
				Msg("review processed")
			e.metrics.RecordReviewDecision(string(res.Action))
		}
	}
}

// ProcessProject reviews the longest-waiting eligible task of one project.
// Returns nil when nothing is eligible.
func (e *Engine) ProcessProject(ctx context.Context, settings *store.ReviewSettings) (*Result, error) {
	candidates, err := e.store.ReviewCandidates(settings.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("finding review candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	cand := candidates[0]
	action, err := e.processTaskReview(ctx, cand.Task, cand.Workspace, settings)
	if err != nil {
		return nil, err
	}
	return &Result{TaskID: cand.Task.ID, Action: action}, nil
}

func (e *Engine) processTaskReview(ctx context.Context, task *store.Task, ws *store.Workspace, settings *store.ReviewSettings) (store.ReviewAction, error) {
	if ws.ContainerRef == "" {
		return "", fmt.Errorf("workspace %s was never started: %w", ws.ID, oerrors.ErrInvalidInput)
	}
	wsPath := filepath.Join(e.cfg.WorkspacesRoot, ws.ID.String())

	if settings.RunTestsEnabled && task.TestingCriteria != "" {
		output, passed, err := e.runTests(ctx, ws, wsPath)
		switch {
		case err != nil:
			if _, logErr := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewError, "", err.Error()); logErr != nil {
				return "", logErr
			}
			return "", err
		case !passed:
			if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewTestFailed, output, "Tests failed"); err != nil {
				return "", err
			}
			e.notifier.Notify(ctx, "Review Automation", fmt.Sprintf("Tests failed for task: %s", task.Title))
			return store.ReviewTestFailed, nil
		default:
			if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewTestPassed, output, ""); err != nil {
				return "", err
			}
		}
	}

	if settings.AutoMergeEnabled {
		err := e.attemptAutoMerge(ctx, task, ws, wsPath)
		switch {
		case err == nil:
			if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewMergeCompleted, "", ""); err != nil {
				return "", err
			}
			if err := e.store.UpdateTaskStatus(task.ID, store.StatusDone); err != nil {
				return "", err
			}
			if err := e.store.SetWorkspaceArchived(ws.ID, true); err != nil {
				return "", err
			}
			e.notifier.Notify(ctx, "Review Automation", fmt.Sprintf("Task completed: %s", task.Title))
			return store.ReviewMergeCompleted, nil

		case errors.Is(err, gitops.ErrMergeConflict):
			return e.handleMergeConflict(ctx, task, ws, err)

		default:
			if _, logErr := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewError, "", err.Error()); logErr != nil {
				return "", logErr
			}
			return "", err
		}
	}

	if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewSkipped, "", "Neither tests nor auto-merge enabled"); err != nil {
		return "", err
	}
	return store.ReviewSkipped, nil
}

// handleMergeConflict records the conflict and either escalates at the
// ceiling or returns the task to the agent for resolution. The count is
// always derived from log rows, never cached.
func (e *Engine) handleMergeConflict(ctx context.Context, task *store.Task, ws *store.Workspace, conflictErr error) (store.ReviewAction, error) {
	detail := fmt.Sprintf("Merge conflict detected. Details: %v", conflictErr)
	if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewMergeConflict, "", detail); err != nil {
		return "", err
	}
	e.metrics.RecordMerge("conflict")

	count, err := e.store.CountMergeConflicts(task.ID)
	if err != nil {
		return "", err
	}

	if count >= e.cfg.MaxMergeConflicts {
		e.logger.Info().
			Str("task_id", task.ID.String()).
			Int("conflict_count", count).
			Msg("max merge conflicts reached, cancelling and breaking down task")

		if err := e.store.UpdateTaskStatus(task.ID, store.StatusCancelled); err != nil {
			return "", err
		}
		if err := e.store.SetWorkspaceArchived(ws.ID, true); err != nil {
			return "", err
		}

		created, bdErr := e.breakdownConflictingTask(ctx, task, conflictErr.Error())
		if bdErr != nil {
			e.logger.Warn().
				Str("task_id", task.ID.String()).
				Err(bdErr).
				Msg("failed to break down conflicting task")
			if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewError, "",
				fmt.Sprintf("Task cancelled after %d merge conflicts. Breakdown failed: %v. Manual intervention required.", count, bdErr)); err != nil {
				return "", err
			}
			e.notifier.Notify(ctx, "Review Automation",
				fmt.Sprintf("Task '%s' cancelled after %d merge conflicts. Manual breakdown required.", task.Title, count))
			return store.ReviewMergeConflict, nil
		}

		if _, err := e.store.AppendReviewLog(task.ProjectID, task.ID, ws.ID, store.ReviewError, "",
			fmt.Sprintf("Task cancelled after %d merge conflicts. Broken down into %d simpler subtasks.", count, created)); err != nil {
			return "", err
		}
		e.notifier.Notify(ctx, "Review Automation",
			fmt.Sprintf("Task '%s' cancelled after %d merge conflicts. Created %d simpler subtasks.", task.Title, count, created))
		return store.ReviewMergeConflict, nil
	}

	// Below the ceiling the agent gets another try at the conflicts.
	if err := e.store.UpdateTaskStatus(task.ID, store.StatusInProgress); err != nil {
		return "", err
	}
	e.logger.Info().
		Str("task_id", task.ID.String()).
		Int("conflict_count", count).
		Msg("merge conflict, task moved back to in progress")
	e.notifier.Notify(ctx, "Review Automation",
		fmt.Sprintf("Merge conflict #%d for '%s'. Task moved back to InProgress for conflict resolution. (%d attempts remaining)",
			count, task.Title, e.cfg.MaxMergeConflicts-count))
	return store.ReviewMergeConflict, nil
}

// attemptAutoMerge merges the work branch into every repo's target branch,
// rebasing once when the target has diverged.
func (e *Engine) attemptAutoMerge(ctx context.Context, task *store.Task, ws *store.Workspace, wsPath string) error {
	wsRepos, err := e.store.WorkspaceRepos(ws.ID)
	if err != nil {
		return err
	}
	if len(wsRepos) == 0 {
		e.logger.Warn().Str("workspace_id", ws.ID.String()).Msg("no repos found for workspace")
		return nil
	}

	for _, wr := range wsRepos {
		worktree := filepath.Join(wsPath, wr.Repo.Name)
		if _, err := os.Stat(worktree); err != nil {
			e.logger.Warn().
				Str("workspace_id", ws.ID.String()).
				Str("path", worktree).
				Msg("worktree path does not exist")
			continue
		}

		target := wr.TargetBranch
		message := fmt.Sprintf("Merge %s into %s\n\nTask: %s", ws.Branch, target, task.Title)

		commit, err := e.git.Merge(ctx, worktree, ws.Branch, target, message)
		switch {
		case err == nil:
			// Merged clean.

		case errors.Is(err, gitops.ErrBranchesDiverged):
			commit, err = e.rebaseAndRetry(ctx, worktree, ws.Branch, target, message)
			if err != nil {
				return err
			}

		default:
			return err
		}

		if err := e.store.RecordMerge(ws.ID, wr.Repo.ID, target, commit); err != nil {
			return err
		}
		e.metrics.RecordMerge("merged")
		e.logger.Info().
			Str("workspace_id", ws.ID.String()).
			Str("repo", wr.Repo.Name).
			Str("merge_commit", commit).
			Msg("merge successful")
	}
	return nil
}

// rebaseAndRetry replays the branch onto the moved target and retries the
// merge once. Every failure inside is reported as a merge conflict so the
// escalation policy owns it.
func (e *Engine) rebaseAndRetry(ctx context.Context, worktree, branch, target, message string) (string, error) {
	e.logger.Info().
		Str("branch", branch).
		Str("target", target).
		Msg("base branch diverged, attempting rebase")

	forkPoint, err := e.git.ForkPoint(ctx, worktree, target, branch)
	if err != nil {
		return "", fmt.Errorf("%w: could not determine fork point for rebase: %v", gitops.ErrMergeConflict, err)
	}

	if _, err := e.git.Rebase(ctx, worktree, target, forkPoint, branch); err != nil {
		if errors.Is(err, gitops.ErrMergeConflict) {
			return "", fmt.Errorf("%w: automatic rebase failed due to conflicts, manual intervention required: %v", gitops.ErrMergeConflict, err)
		}
		return "", fmt.Errorf("%w: automatic rebase failed: %v", gitops.ErrMergeConflict, err)
	}

	commit, err := e.git.Merge(ctx, worktree, branch, target, message)
	if err != nil {
		return "", fmt.Errorf("%w: merge failed after rebase: %v", gitops.ErrMergeConflict, err)
	}
	return commit, nil
}

// breakdownConflictingTask asks the advisor to split the task into 2..4
// independent subtasks seeded with the conflict details.
func (e *Engine) breakdownConflictingTask(ctx context.Context, task *store.Task, conflictDetails string) (int, error) {
	bd, err := e.advisor.BreakDownConflict(ctx, advisor.TaskInfo{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Layer:       string(task.Layer),
		Type:        string(task.Type),
		Sequence:    task.Sequence,
	}, conflictDetails)
	if err != nil {
		e.metrics.RecordAdvisorCall("conflict_breakdown", "error")
		return 0, err
	}
	e.metrics.RecordAdvisorCall("conflict_breakdown", "ok")

	if len(bd.Subtasks) < 2 {
		return 0, fmt.Errorf("%w: advisor suggested %d subtasks, need at least 2", oerrors.ErrInvalidInput, len(bd.Subtasks))
	}

	baseSequence := task.Sequence
	if baseSequence == 0 {
		baseSequence = 1
	}

	created := 0
	for i, sub := range bd.Subtasks {
		layer := store.ParseLayer(sub.Layer)
		if _, err := e.store.CreateTask(task.Subtask(sub.Title, sub.Description, layer, baseSequence*10+i+1)); err != nil {
			return created, fmt.Errorf("creating subtask: %w", err)
		}
		created++
	}
	return created, nil
}

// ---- test execution ----

// stack is a recognized project toolchain.
type stack struct {
	name string
	cmd  string
	args []string
}

// detectStack inspects manifest files to pick the test command. Order
// matters: a polyglot workspace runs the first match only.
func detectStack(dir string) (stack, bool) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}
	switch {
	case exists("package.json"):
		return stack{name: "nodejs", cmd: "npm", args: []string{"test"}}, true
	case exists("Cargo.toml"):
		return stack{name: "rust", cmd: "cargo", args: []string{"test"}}, true
	case exists("pyproject.toml"), exists("setup.py"), exists("pytest.ini"):
		return stack{name: "python", cmd: "pytest", args: nil}, true
	case exists("go.mod"):
		return stack{name: "go", cmd: "go", args: []string{"test", "./..."}}, true
	}
	return stack{}, false
}

// runTests detects the workspace stack and runs its test suite. An unknown
// stack passes by definition; only a recognized suite can fail the review.
func (e *Engine) runTests(ctx context.Context, ws *store.Workspace, wsPath string) (output string, passed bool, err error) {
	st, ok := detectStack(wsPath)
	if !ok {
		e.logger.Info().Str("workspace_id", ws.ID.String()).Msg("unknown stack, skipping tests")
		return "Unknown stack, tests skipped", true, nil
	}

	e.logger.Info().
		Str("workspace_id", ws.ID.String()).
		Str("stack", st.name).
		Str("command", st.cmd).
		Msg("running tests")

	out, err := e.runCmd(ctx, wsPath, st.cmd, st.args...)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, false, nil
		}
		return "", false, fmt.Errorf("running %s: %w", st.cmd, err)
	}
	return out, true, nil
}

// Status summarizes the review automation state for one project.
type Status struct {
	Enabled          bool                `json:"enabled"`
	AutoMergeEnabled bool                `json:"auto_merge_enabled"`
	RunTestsEnabled  bool                `json:"run_tests_enabled"`
	LastAction       *store.ReviewAction `json:"last_action,omitempty"`
	LastTaskID       *uuid.UUID          `json:"last_task_id,omitempty"`
}

// StatusFor reports the current review automation status of a project.
func (e *Engine) StatusFor(projectID uuid.UUID) (*Status, error) {
	settings, err := e.store.ReviewSettingsByProject(projectID)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestReviewLog(projectID)
	if err != nil {
		return nil, err
	}

	st := &Status{}
	if settings != nil {
		st.Enabled = settings.Enabled
		st.AutoMergeEnabled = settings.AutoMergeEnabled
		st.RunTestsEnabled = settings.RunTestsEnabled
	}
	if latest != nil {
		action := latest.Action
		st.LastAction = &action
		if latest.TaskID != uuid.Nil {
			id := latest.TaskID
			st.LastTaskID = &id
		}
	}
	return st, nil
}
