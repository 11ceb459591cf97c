package timeout

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/forgeops/autodev/internal/metrics"
	"github.com/forgeops/autodev/internal/notify"
	"github.com/forgeops/autodev/internal/store"
)

type recNotifier struct{ messages []string }

func (r *recNotifier) Notify(_ context.Context, _, message string) {
	r.messages = append(r.messages, message)
}

func newTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newTestMonitor(s *store.Store, n notify.Notifier) *Monitor {
	if n == nil {
		n = notify.Nop{}
	}
	cfg := Config{
		InProgressTimeout: 20 * time.Minute,
		InReviewTimeout:   20 * time.Minute,
		Interval:          time.Second,
	}
	return New(s, n, metrics.New(), cfg, zerolog.Nop())
}

// backdate rewinds a task's stage clock by opening a second connection to
// the same database file.
func backdate(t *testing.T, dbPath string, taskID uuid.UUID, age time.Duration) {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()

	started := time.Now().Add(-age).UnixMilli()
	res, err := db.Exec(`UPDATE tasks SET stage_started_at = ? WHERE id = ?`, started, taskID.String())
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func mkActiveTask(t *testing.T, s *store.Store, projectID uuid.UUID, title string, status store.TaskStatus) *store.Task {
	t.Helper()
	task, err := s.CreateTask(store.CreateTask{
		ProjectID: projectID,
		Title:     title,
		Layer:     store.LayerBackend,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(task.ID, store.StatusInProgress))
	if status == store.StatusInReview {
		require.NoError(t, s.UpdateTaskStatus(task.ID, store.StatusInReview))
	}
	return task
}

func TestSweepProject_ReapsStalledInProgressTask(t *testing.T) {
	s, dbPath := newTestStore(t)
	projectID := uuid.New()
	require.NoError(t, s.CreateProject(projectID, "p"))

	task := mkActiveTask(t, s, projectID, "stuck migration", store.StatusInProgress)

	wsID := uuid.New()
	_, err := s.CreateWorkspace(wsID, task.ID, "autodev/stuck-migration-ab12cd34", "")
	require.NoError(t, err)
	_, err = s.CreateExecution(wsID)
	require.NoError(t, err)

	backdate(t, dbPath, task.ID, 25*time.Minute)

	notifier := &recNotifier{}
	mon := newTestMonitor(s, notifier)

	reaped, err := mon.SweepProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)

	// The running execution was already killed; a second kill is a no-op.
	killed, err := s.KillRunningExecutions(task.ID)
	require.NoError(t, err)
	assert.Zero(t, killed)

	latest, err := s.LatestSelectorLog(projectID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.ActionTimeout, latest.Action)
	assert.Equal(t, task.ID, latest.TaskID)
	assert.Contains(t, latest.Detail, "killed 1 running executions")

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "stuck migration")
	assert.Contains(t, notifier.messages[0], "20m")
}

func TestSweepProject_ReapsStalledInReviewTask(t *testing.T) {
	s, dbPath := newTestStore(t)
	projectID := uuid.New()
	require.NoError(t, s.CreateProject(projectID, "p"))

	task := mkActiveTask(t, s, projectID, "orphaned review", store.StatusInReview)
	backdate(t, dbPath, task.ID, 21*time.Minute)

	mon := newTestMonitor(s, nil)
	reaped, err := mon.SweepProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)
}

func TestSweepProject_FreshTasksUntouched(t *testing.T) {
	s, dbPath := newTestStore(t)
	projectID := uuid.New()
	require.NoError(t, s.CreateProject(projectID, "p"))

	fresh := mkActiveTask(t, s, projectID, "just started", store.StatusInProgress)
	nearLimit := mkActiveTask(t, s, projectID, "almost late", store.StatusInProgress)
	backdate(t, dbPath, nearLimit.ID, 19*time.Minute)

	mon := newTestMonitor(s, nil)
	reaped, err := mon.SweepProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Zero(t, reaped)

	for _, id := range []uuid.UUID{fresh.ID, nearLimit.ID} {
		got, err := s.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusInProgress, got.Status)
	}
}

func TestTick_SweepsAllActiveProjects(t *testing.T) {
	s, dbPath := newTestStore(t)

	projectA := uuid.New()
	projectB := uuid.New()
	require.NoError(t, s.CreateProject(projectA, "a"))
	require.NoError(t, s.CreateProject(projectB, "b"))

	stuckA := mkActiveTask(t, s, projectA, "stuck a", store.StatusInProgress)
	stuckB := mkActiveTask(t, s, projectB, "stuck b", store.StatusInReview)
	backdate(t, dbPath, stuckA.ID, 30*time.Minute)
	backdate(t, dbPath, stuckB.ID, 30*time.Minute)

	mon := newTestMonitor(s, nil)
	mon.Tick(context.Background())

	for _, id := range []uuid.UUID{stuckA.ID, stuckB.ID} {
		got, err := s.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusCancelled, got.Status)
	}
}
