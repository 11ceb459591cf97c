package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "inprogress"
	StatusInReview   TaskStatus = "inreview"
	StatusDone       TaskStatus = "done"
	StatusCancelled  TaskStatus = "cancelled"
)

// TaskLayer is the primary domain area of a task.
type TaskLayer string

const (
	LayerData      TaskLayer = "data"
	LayerBackend   TaskLayer = "backend"
	LayerFrontend  TaskLayer = "frontend"
	LayerFullstack TaskLayer = "fullstack"
	LayerDevops    TaskLayer = "devops"
	LayerTesting   TaskLayer = "testing"
)

// ParseLayer maps a free-text layer name to a TaskLayer, or "" if unknown.
func ParseLayer(s string) TaskLayer {
	switch TaskLayer(s) {
	case LayerData, LayerBackend, LayerFrontend, LayerFullstack, LayerDevops, LayerTesting:
		return TaskLayer(s)
	}
	return ""
}

// TaskType categorizes the kind of work.
type TaskType string

const (
	TypeArchitecture   TaskType = "architecture"
	TypeImplementation TaskType = "implementation"
	TypeIntegration    TaskType = "integration"
)

// Task is the unit of work driven through the lifecycle by the schedulers.
type Task struct {
	ID               uuid.UUID  `json:"id"`
	ProjectID        uuid.UUID  `json:"project_id"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	Layer            TaskLayer  `json:"layer,omitempty"`          // "" = unset
	Type             TaskType   `json:"task_type,omitempty"`      // "" = unset, treated as implementation
	Sequence         int        `json:"sequence,omitempty"`       // 0 = unset; 1 = project initialization
	ComplexityScore  int        `json:"complexity_score,omitempty"` // 0 = not yet analyzed
	PreventBreakdown bool       `json:"prevent_breakdown,omitempty"`
	ParentTaskID     uuid.UUID  `json:"parent_task_id,omitempty"` // uuid.Nil = no parent
	TestingCriteria  string     `json:"testing_criteria,omitempty"`
	StageStartedAt   time.Time  `json:"stage_started_at,omitempty"` // zero = not in a timed stage
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Active reports whether the task occupies a concurrency slot.
func (t *Task) Active() bool {
	return t.Status == StatusInProgress || t.Status == StatusInReview
}

// EffectiveType treats an unset type as implementation.
func (t *Task) EffectiveType() TaskType {
	if t.Type == "" {
		return TypeImplementation
	}
	return t.Type
}

// CreateTask holds the fields for inserting a new task.
type CreateTask struct {
	ProjectID        uuid.UUID
	Title            string
	Description      string
	Layer            TaskLayer
	Type             TaskType
	Sequence         int
	TestingCriteria  string
	PreventBreakdown bool
	ParentTaskID     uuid.UUID
}

// Subtask derives the insert fields for a generated subtask: type and testing
// criteria are inherited, breakdown is disabled, and the parent is recorded.
func (parent *Task) Subtask(title, description string, layer TaskLayer, sequence int) CreateTask {
	if layer == "" {
		layer = parent.Layer
	}
	return CreateTask{
		ProjectID:        parent.ProjectID,
		Title:            title,
		Description:      description,
		Layer:            layer,
		Type:             parent.Type,
		Sequence:         sequence,
		TestingCriteria:  parent.TestingCriteria,
		PreventBreakdown: true,
		ParentTaskID:     parent.ID,
	}
}

// CreateTask inserts a new task in Todo.
func (s *Store) CreateTask(ct CreateTask) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t := &Task{
		ID:               uuid.New(),
		ProjectID:        ct.ProjectID,
		Title:            ct.Title,
		Description:      ct.Description,
		Status:           StatusTodo,
		Layer:            ct.Layer,
		Type:             ct.Type,
		Sequence:         ct.Sequence,
		PreventBreakdown: ct.PreventBreakdown,
		ParentTaskID:     ct.ParentTaskID,
		TestingCriteria:  ct.TestingCriteria,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	query := `
	INSERT INTO tasks (
		id, project_id, title, description, status, layer, task_type, sequence,
		complexity_score, prevent_breakdown, parent_task_id, testing_criteria,
		stage_started_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		t.ID.String(), t.ProjectID.String(), t.Title,
		nullString(t.Description),
		string(t.Status),
		nullString(string(t.Layer)),
		nullString(string(t.Type)),
		nullInt(int64(t.Sequence)),
		nullInt(int64(t.ComplexityScore)),
		boolToInt(t.PreventBreakdown),
		nullUUID(t.ParentTaskID),
		nullString(t.TestingCriteria),
		nullInt(timeToMs(t.StageStartedAt)),
		timeToMs(t.CreatedAt), timeToMs(t.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

// GetTask fetches a task by id. Returns nil when not found.
func (s *Store) GetTask(id uuid.UUID) (*Task, error) {
	row := s.db.QueryRow(taskSelect+" WHERE id = ?", id.String())
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// TasksByProject returns every task for a project, creation order.
func (s *Store) TasksByProject(projectID uuid.UUID) ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+" WHERE project_id = ? ORDER BY created_at", projectID.String())
	if err != nil {
		return nil, fmt.Errorf("querying project tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus transitions a task's lifecycle state. Status and
// stage_started_at are written in a single statement: entering
// InProgress/InReview starts the stage clock, every other status clears it.
func (s *Store) UpdateTaskStatus(id uuid.UUID, status TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var stage interface{}
	if status == StatusInProgress || status == StatusInReview {
		stage = now
	}

	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, stage_started_at = ?, updated_at = ? WHERE id = ?`,
		string(status), stage, now, id.String(),
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// SetComplexityScore records the analyzer's score. Set at most once per task.
func (s *Store) SetComplexityScore(id uuid.UUID, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE tasks SET complexity_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("setting complexity score: %w", err)
	}
	return nil
}

// StalledTasks returns tasks in the given status whose stage clock started
// strictly more than cutoff ago. A task exactly at the boundary is not stalled.
func (s *Store) StalledTasks(projectID uuid.UUID, status TaskStatus, cutoff time.Duration) ([]*Task, error) {
	boundary := time.Now().Add(-cutoff).UnixMilli()
	rows, err := s.db.Query(
		taskSelect+` WHERE project_id = ? AND status = ?
			AND stage_started_at IS NOT NULL AND stage_started_at < ?`,
		projectID.String(), string(status), boundary,
	)
	if err != nil {
		return nil, fmt.Errorf("querying stalled tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ProjectsWithActiveTasks returns distinct project ids that have a task in a
// timed stage.
func (s *Store) ProjectsWithActiveTasks() ([]uuid.UUID, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT project_id FROM tasks
		 WHERE status IN ('inprogress', 'inreview') AND stage_started_at IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying active projects: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing project id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const taskSelect = `
	SELECT id, project_id, title, description, status, layer, task_type, sequence,
	       complexity_score, prevent_breakdown, parent_task_id, testing_criteria,
	       stage_started_at, created_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                           Task
		idRaw, projRaw              string
		desc, layer, typ, parentRaw sql.NullString
		criteria                    sql.NullString
		seq, score, stage           sql.NullInt64
		prevent                     int
		createdMs, updatedMs        int64
	)
	err := row.Scan(&idRaw, &projRaw, &t.Title, &desc, (*string)(&t.Status), &layer, &typ,
		&seq, &score, &prevent, &parentRaw, &criteria, &stage, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}

	t.ID, err = uuid.Parse(idRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing task id: %w", err)
	}
	t.ProjectID, err = uuid.Parse(projRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing project id: %w", err)
	}
	if parentRaw.Valid {
		t.ParentTaskID, err = uuid.Parse(parentRaw.String)
		if err != nil {
			return nil, fmt.Errorf("parsing parent task id: %w", err)
		}
	}
	t.Description = desc.String
	t.Layer = TaskLayer(layer.String)
	t.Type = TaskType(typ.String)
	t.Sequence = int(seq.Int64)
	t.ComplexityScore = int(score.Int64)
	t.PreventBreakdown = prevent != 0
	t.TestingCriteria = criteria.String
	t.StageStartedAt = msToTime(stage.Int64)
	t.CreatedAt = msToTime(createdMs)
	t.UpdatedAt = msToTime(updatedMs)
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullUUID(id uuid.UUID) sql.NullString {
	return sql.NullString{String: id.String(), Valid: id != uuid.Nil}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
