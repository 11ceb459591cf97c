package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SelectorAction is a Task Selector decision recorded in the audit log.
type SelectorAction string

const (
	ActionSelected SelectorAction = "selected"
	ActionSkipped  SelectorAction = "skipped"
	ActionError    SelectorAction = "error"
	ActionReplaced SelectorAction = "replaced"
	ActionTimeout  SelectorAction = "timeout"
)

// ReviewAction is a Review Automation decision recorded in the audit log.
type ReviewAction string

const (
	ReviewTestPassed     ReviewAction = "test_passed"
	ReviewTestFailed     ReviewAction = "test_failed"
	ReviewMergeCompleted ReviewAction = "merge_completed"
	ReviewMergeConflict  ReviewAction = "merge_conflict"
	ReviewSkipped        ReviewAction = "skipped"
	ReviewError          ReviewAction = "error"
)

// SelectorLog is one append-only Task Selector audit row.
type SelectorLog struct {
	ID        uuid.UUID      `json:"id"`
	ProjectID uuid.UUID      `json:"project_id"`
	TaskID    uuid.UUID      `json:"task_id,omitempty"` // uuid.Nil when the decision had no task
	Action    SelectorAction `json:"action"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ReviewLog is one append-only Review Automation audit row.
type ReviewLog struct {
	ID          uuid.UUID    `json:"id"`
	ProjectID   uuid.UUID    `json:"project_id"`
	TaskID      uuid.UUID    `json:"task_id"`
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	Action      ReviewAction `json:"action"`
	Output      string       `json:"output,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AppendSelectorLog writes one selector decision. Rows are never mutated.
func (s *Store) AppendSelectorLog(projectID, taskID uuid.UUID, action SelectorAction, detail string) (*SelectorLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &SelectorLog{
		ID:        uuid.New(),
		ProjectID: projectID,
		TaskID:    taskID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO selector_logs (id, project_id, task_id, action, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID.String(), projectID.String(), nullUUID(taskID), string(action),
		nullString(detail), timeToMs(l.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("appending selector log: %w", err)
	}
	return l, nil
}

// LatestSelectorLog returns the most recent selector row for a project,
// nil when the log is empty.
func (s *Store) LatestSelectorLog(projectID uuid.UUID) (*SelectorLog, error) {
	row := s.db.QueryRow(
		selectorLogSelect+` WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID.String(),
	)
	l, err := scanSelectorLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// SelectorLogs returns up to limit rows for a project, most recent first.
func (s *Store) SelectorLogs(projectID uuid.UUID, limit int) ([]*SelectorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		selectorLogSelect+` WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying selector logs: %w", err)
	}
	defer rows.Close()

	var out []*SelectorLog
	for rows.Next() {
		l, err := scanSelectorLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const selectorLogSelect = `
	SELECT id, project_id, task_id, action, detail, created_at FROM selector_logs`

func scanSelectorLog(row rowScanner) (*SelectorLog, error) {
	var (
		l               SelectorLog
		idRaw, projRaw  string
		taskRaw, detail sql.NullString
		createdMs       int64
	)
	err := row.Scan(&idRaw, &projRaw, &taskRaw, (*string)(&l.Action), &detail, &createdMs)
	if err != nil {
		return nil, err
	}
	if l.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, fmt.Errorf("parsing log id: %w", err)
	}
	if l.ProjectID, err = uuid.Parse(projRaw); err != nil {
		return nil, fmt.Errorf("parsing project id: %w", err)
	}
	if taskRaw.Valid {
		if l.TaskID, err = uuid.Parse(taskRaw.String); err != nil {
			return nil, fmt.Errorf("parsing task id: %w", err)
		}
	}
	l.Detail = detail.String
	l.CreatedAt = msToTime(createdMs)
	return &l, nil
}

// AppendReviewLog writes one review decision. Rows are never mutated.
func (s *Store) AppendReviewLog(projectID, taskID, workspaceID uuid.UUID, action ReviewAction, output, detail string) (*ReviewLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &ReviewLog{
		ID:          uuid.New(),
		ProjectID:   projectID,
		TaskID:      taskID,
		WorkspaceID: workspaceID,
		Action:      action,
		Output:      output,
		Detail:      detail,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO review_logs (id, project_id, task_id, workspace_id, action, output, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID.String(), projectID.String(), nullUUID(taskID), nullUUID(workspaceID),
		string(action), nullString(output), nullString(detail), timeToMs(l.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("appending review log: %w", err)
	}
	return l, nil
}

// CountMergeConflicts counts a task's merge_conflict rows. The count is
// derived from the log on every call so replays always agree.
func (s *Store) CountMergeConflicts(taskID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM review_logs WHERE task_id = ? AND action = 'merge_conflict'`,
		taskID.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting merge conflicts: %w", err)
	}
	return n, nil
}

// LatestReviewLog returns the most recent review row for a project,
// nil when the log is empty.
func (s *Store) LatestReviewLog(projectID uuid.UUID) (*ReviewLog, error) {
	row := s.db.QueryRow(
		reviewLogSelect+` WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		projectID.String(),
	)
	l, err := scanReviewLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// ReviewLogs returns up to limit rows for a project, most recent first.
func (s *Store) ReviewLogs(projectID uuid.UUID, limit int) ([]*ReviewLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		reviewLogSelect+` WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying review logs: %w", err)
	}
	defer rows.Close()
	return scanReviewLogs(rows)
}

// ReviewLogsByTask returns every review row for one task, most recent first.
func (s *Store) ReviewLogsByTask(taskID uuid.UUID) ([]*ReviewLog, error) {
	rows, err := s.db.Query(
		reviewLogSelect+` WHERE task_id = ? ORDER BY created_at DESC, id DESC`,
		taskID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying task review logs: %w", err)
	}
	defer rows.Close()
	return scanReviewLogs(rows)
}

const reviewLogSelect = `
	SELECT id, project_id, task_id, workspace_id, action, output, detail, created_at FROM review_logs`

func scanReviewLog(row rowScanner) (*ReviewLog, error) {
	var (
		l              ReviewLog
		idRaw, projRaw string
		taskRaw, wsRaw sql.NullString
		output, detail sql.NullString
		createdMs      int64
	)
	err := row.Scan(&idRaw, &projRaw, &taskRaw, &wsRaw, (*string)(&l.Action), &output, &detail, &createdMs)
	if err != nil {
		return nil, err
	}
	if l.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, fmt.Errorf("parsing log id: %w", err)
	}
	if l.ProjectID, err = uuid.Parse(projRaw); err != nil {
		return nil, fmt.Errorf("parsing project id: %w", err)
	}
	if taskRaw.Valid {
		if l.TaskID, err = uuid.Parse(taskRaw.String); err != nil {
			return nil, fmt.Errorf("parsing task id: %w", err)
		}
	}
	if wsRaw.Valid {
		if l.WorkspaceID, err = uuid.Parse(wsRaw.String); err != nil {
			return nil, fmt.Errorf("parsing workspace id: %w", err)
		}
	}
	l.Output = output.String
	l.Detail = detail.String
	l.CreatedAt = msToTime(createdMs)
	return &l, nil
}

func scanReviewLogs(rows *sql.Rows) ([]*ReviewLog, error) {
	var out []*ReviewLog
	for rows.Next() {
		l, err := scanReviewLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
