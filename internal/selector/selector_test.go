package selector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeops/autodev/internal/advisor"
	oerrors "github.com/forgeops/autodev/internal/errors"
	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/notify"
	"github.com/forgeops/autodev/internal/profile"
	"github.com/forgeops/autodev/internal/store"
)

// fakeAdvisor scripts advisor answers and records the candidate sets it saw.
type fakeAdvisor struct {
	selection    *advisor.Selection
	selectionErr error
	analysis     *advisor.ComplexityAnalysis
	analysisErr  error
	breakdown    *advisor.ConflictBreakdown
	breakdownErr error

	seenCandidates []advisor.TaskInfo
}

func (f *fakeAdvisor) SelectTask(_ context.Context, candidates []advisor.TaskInfo) (*advisor.Selection, error) {
	f.seenCandidates = candidates
	if f.selectionErr != nil {
		return nil, f.selectionErr
	}
	if f.selection == nil {
		// Default: pick the first candidate.
		return &advisor.Selection{TaskID: candidates[0].ID, Reasoning: "first"}, nil
	}
	return f.selection, nil
}

func (f *fakeAdvisor) AnalyzeComplexity(context.Context, advisor.TaskInfo) (*advisor.ComplexityAnalysis, error) {
	if f.analysisErr != nil {
		return nil, f.analysisErr
	}
	if f.analysis == nil {
		return &advisor.ComplexityAnalysis{Score: 3, Reasoning: "simple"}, nil
	}
	return f.analysis, nil
}

func (f *fakeAdvisor) BreakDownConflict(context.Context, advisor.TaskInfo, string) (*advisor.ConflictBreakdown, error) {
	if f.breakdownErr != nil {
		return nil, f.breakdownErr
	}
	return f.breakdown, nil
}

type fakeStarter struct {
	started []uuid.UUID
	err     error
}

func (f *fakeStarter) Start(_ context.Context, ws *store.Workspace, _ []*store.WorkspaceRepo, _ *profile.Profile) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.started = append(f.started, ws.ID)
	return "pod-" + ws.ID.String()[:8], nil
}

type fakeBranches struct{ branch string }

func (f fakeBranches) CurrentBranch(context.Context, string) (string, error) {
	if f.branch == "" {
		return "", errors.New("not a git repository")
	}
	return f.branch, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSelector(s *store.Store, adv advisor.Advisor, opts ...Option) *Selector {
	return New(s, adv, fakeBranches{branch: "main"}, notify.Nop{}, metrics.New(), time.Second, zerolog.Nop(), opts...)
}

func mkProject(t *testing.T, s *store.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, s.CreateProject(id, "p"))
	return id
}

func mkTask(t *testing.T, s *store.Store, ct store.CreateTask) *store.Task {
	t.Helper()
	task, err := s.CreateTask(ct)
	require.NoError(t, err)
	return task
}

func TestProcessProject_EmptyProjectSkips(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	sel := newTestSelector(s, &fakeAdvisor{})

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSkipped, dec.Action)

	latest, err := s.LatestSelectorLog(projectID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.ActionSkipped, latest.Action)
}

func TestProcessProject_FullstackBreakdown(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	full := mkTask(t, s, store.CreateTask{
		ProjectID:       projectID,
		Title:           "User profiles",
		Description:     "profiles end to end",
		Layer:           store.LayerFullstack,
		Type:            store.TypeImplementation,
		Sequence:        4,
		TestingCriteria: "profile page renders",
	})
	// A selectable task exists too; breakdown must still win the tick.
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "other", Layer: store.LayerBackend})

	adv := &fakeAdvisor{}
	sel := newTestSelector(s, adv)
	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionReplaced, dec.Action)
	assert.Equal(t, full.ID, dec.TaskID)
	assert.Nil(t, adv.seenCandidates, "no selection in a breakdown tick")

	tasks, err := s.TasksByProject(projectID)
	require.NoError(t, err)

	var children []*store.Task
	for _, task := range tasks {
		if task.ParentTaskID == full.ID {
			children = append(children, task)
		}
	}
	require.Len(t, children, 3)
	layers := map[store.TaskLayer]bool{}
	for _, c := range children {
		layers[c.Layer] = true
		assert.Equal(t, store.StatusTodo, c.Status)
		assert.True(t, c.PreventBreakdown)
		assert.Equal(t, store.TypeImplementation, c.Type)
		assert.Equal(t, 4, c.Sequence)
		assert.Equal(t, "profile page renders", c.TestingCriteria)
	}
	assert.Equal(t, map[store.TaskLayer]bool{
		store.LayerData: true, store.LayerBackend: true, store.LayerFrontend: true,
	}, layers)

	parent, err := s.GetTask(full.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, parent.Status)
}

func TestProcessProject_ActiveIntegrationBlocksAll(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	integ := mkTask(t, s, store.CreateTask{
		ProjectID: projectID, Title: "wire it", Type: store.TypeIntegration,
	})
	require.NoError(t, s.UpdateTaskStatus(integ.ID, store.StatusInProgress))
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "todo", Layer: store.LayerBackend})

	sel := newTestSelector(s, &fakeAdvisor{})
	_, err := sel.ProcessProject(context.Background(), projectID)
	assert.ErrorIs(t, err, oerrors.ErrTaskAlreadyInProgress)
}

func TestProcessProject_LayerCapBlocks(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	for _, layer := range []store.TaskLayer{store.LayerData, store.LayerBackend, store.LayerFrontend} {
		task := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: string(layer), Layer: layer})
		require.NoError(t, s.UpdateTaskStatus(task.ID, store.StatusInProgress))
	}
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "devops work", Layer: store.LayerDevops})

	sel := newTestSelector(s, &fakeAdvisor{})
	_, err := sel.ProcessProject(context.Background(), projectID)
	assert.ErrorIs(t, err, oerrors.ErrTaskAlreadyInProgress)
}

func TestProcessProject_BusyLayerExcluded(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	busy := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "api v1", Layer: store.LayerBackend})
	require.NoError(t, s.UpdateTaskStatus(busy.ID, store.StatusInProgress))
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "api v2", Layer: store.LayerBackend})
	free := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "schema", Layer: store.LayerData})

	adv := &fakeAdvisor{}
	sel := newTestSelector(s, adv)
	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)
	assert.Equal(t, free.ID, dec.TaskID)
	require.Len(t, adv.seenCandidates, 1, "busy layer tasks are not candidates")
	assert.Equal(t, free.ID, adv.seenCandidates[0].ID)
}

func TestProcessProject_ArchitecturePrecedesImplementation(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	arch := mkTask(t, s, store.CreateTask{
		ProjectID: projectID, Title: "api shape", Layer: store.LayerBackend, Type: store.TypeArchitecture,
	})
	mkTask(t, s, store.CreateTask{
		ProjectID: projectID, Title: "endpoints", Layer: store.LayerData, Type: store.TypeImplementation,
	})

	adv := &fakeAdvisor{}
	sel := newTestSelector(s, adv)
	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)
	require.Len(t, adv.seenCandidates, 1)
	assert.Equal(t, arch.ID, adv.seenCandidates[0].ID)
}

func TestProcessProject_InitializationClassWins(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	// No layers anywhere, so the fallback priority classes apply.
	init := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "scaffold project", Sequence: 1})
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "structure", Type: store.TypeArchitecture, Sequence: 2})
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "feature", Type: store.TypeImplementation, Sequence: 3})

	adv := &fakeAdvisor{}
	sel := newTestSelector(s, adv)
	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)
	require.Len(t, adv.seenCandidates, 1)
	assert.Equal(t, init.ID, adv.seenCandidates[0].ID)
}

func TestProcessProject_AdvisorAnswerValidated(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "t", Layer: store.LayerBackend})

	adv := &fakeAdvisor{selection: &advisor.Selection{TaskID: uuid.New(), Reasoning: "made up"}}
	sel := newTestSelector(s, adv)
	_, err := sel.ProcessProject(context.Background(), projectID)
	require.Error(t, err)
	assert.ErrorIs(t, err, oerrors.ErrInvalidInput)

	latest, lerr := s.LatestSelectorLog(projectID)
	require.NoError(t, lerr)
	require.NotNil(t, latest)
	assert.Equal(t, store.ActionError, latest.Action)
}

func TestProcessProject_ComplexityBreakdown(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	big := mkTask(t, s, store.CreateTask{
		ProjectID: projectID, Title: "big feature", Layer: store.LayerBackend, Sequence: 3,
	})

	adv := &fakeAdvisor{analysis: &advisor.ComplexityAnalysis{
		Score:        8,
		CanBreakDown: true,
		Reasoning:    "too broad",
		Subtasks: []advisor.Subtask{
			{Title: "part one", Description: "a", Layer: "backend"},
			{Title: "part two", Description: "b", Layer: "bogus-layer"},
		},
	}}
	sel := newTestSelector(s, adv)

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionReplaced, dec.Action)
	assert.Equal(t, big.ID, dec.TaskID)

	parent, err := s.GetTask(big.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, parent.Status)
	assert.Equal(t, 8, parent.ComplexityScore, "score persists even through breakdown")

	tasks, err := s.TasksByProject(projectID)
	require.NoError(t, err)
	var children []*store.Task
	for _, task := range tasks {
		if task.ParentTaskID == big.ID {
			children = append(children, task)
		}
	}
	require.Len(t, children, 2)
	bySeq := map[int]*store.Task{}
	for _, c := range children {
		assert.True(t, c.PreventBreakdown)
		bySeq[c.Sequence] = c
	}
	assert.Equal(t, "part one", bySeq[30].Title)
	// An unknown layer suggestion falls back to the parent's layer.
	assert.Equal(t, store.LayerBackend, bySeq[31].Layer)
}

func TestProcessProject_LowComplexityProceeds(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	task := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "small", Layer: store.LayerBackend})

	adv := &fakeAdvisor{analysis: &advisor.ComplexityAnalysis{Score: 4, CanBreakDown: false}}
	sel := newTestSelector(s, adv)

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.Equal(t, 4, got.ComplexityScore)
}

func TestProcessProject_ComplexityFailureIsAdvisory(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	task := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "t", Layer: store.LayerBackend})

	adv := &fakeAdvisor{analysisErr: oerrors.ErrTimeout}
	sel := newTestSelector(s, adv)

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err, "analysis failure never blocks selection")
	assert.Equal(t, store.ActionSelected, dec.Action)
	assert.Equal(t, task.ID, dec.TaskID)
}

func TestProcessProject_SubtasksNotReanalyzed(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	parent := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "parent", Layer: store.LayerBackend})
	child := mkTask(t, s, parent.Subtask("child", "", store.LayerBackend, 10))
	require.NoError(t, s.UpdateTaskStatus(parent.ID, store.StatusCancelled))

	// The analysis fake would break the task down if it were consulted.
	adv := &fakeAdvisor{analysis: &advisor.ComplexityAnalysis{
		Score: 9, CanBreakDown: true,
		Subtasks: []advisor.Subtask{{Title: "x"}, {Title: "y"}},
	}}
	sel := newTestSelector(s, adv)

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)
	assert.Equal(t, child.ID, dec.TaskID)

	got, err := s.GetTask(child.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
	assert.Zero(t, got.ComplexityScore)
}

func TestProcessProject_AutoStartCreatesWorkspace(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	repo, err := s.CreateRepo(projectID, "api", "/srv/repos/api")
	require.NoError(t, err)
	task := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "Add login", Layer: store.LayerBackend})

	starter := &fakeStarter{}
	sel := newTestSelector(s, &fakeAdvisor{analysis: &advisor.ComplexityAnalysis{Score: 2}},
		WithStarter(starter, profile.Default))

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)
	require.Len(t, starter.started, 1)

	wrs, err := s.WorkspaceRepos(starter.started[0])
	require.NoError(t, err)
	require.Len(t, wrs, 1)
	assert.Equal(t, repo.ID, wrs[0].Repo.ID)
	assert.Equal(t, "main", wrs[0].TargetBranch)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
}

func TestTriggerOnce_SkipsAutoStart(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	_, err := s.CreateRepo(projectID, "api", "/srv/repos/api")
	require.NoError(t, err)
	task := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "Add login", Layer: store.LayerBackend})

	starter := &fakeStarter{}
	sel := newTestSelector(s, &fakeAdvisor{analysis: &advisor.ComplexityAnalysis{Score: 2}},
		WithStarter(starter, profile.Default))

	dec, err := sel.TriggerOnce(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, store.ActionSelected, dec.Action)

	// Selection happened but no workspace was started.
	assert.Empty(t, starter.started)
	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
}

func TestProcessProject_StartFailureKeepsTaskInProgress(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	_, err := s.CreateRepo(projectID, "api", "/srv/repos/api")
	require.NoError(t, err)
	task := mkTask(t, s, store.CreateTask{ProjectID: projectID, Title: "t", Layer: store.LayerBackend})

	starter := &fakeStarter{err: errors.New("no cluster")}
	sel := newTestSelector(s, &fakeAdvisor{analysis: &advisor.ComplexityAnalysis{Score: 2}},
		WithStarter(starter, profile.Default))

	dec, err := sel.ProcessProject(context.Background(), projectID)
	require.NoError(t, err, "a failed start is logged, not surfaced")
	assert.Equal(t, store.ActionSelected, dec.Action)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, got.Status)
}

func TestStatusFor(t *testing.T) {
	s := newTestStore(t)
	projectID := mkProject(t, s)
	sel := newTestSelector(s, &fakeAdvisor{})

	st, err := sel.StatusFor(projectID)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Nil(t, st.LastRun)

	_, err = s.SetSelectorEnabled(projectID, true)
	require.NoError(t, err)
	taskID := uuid.New()
	_, err = s.AppendSelectorLog(projectID, taskID, store.ActionSelected, "init first")
	require.NoError(t, err)

	st, err = sel.StatusFor(projectID)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	require.NotNil(t, st.LastSelectedTaskID)
	assert.Equal(t, taskID, *st.LastSelectedTaskID)
	assert.Equal(t, "init first", st.LastReasoning)
}
