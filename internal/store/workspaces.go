package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workspace is one execution sandbox bound to one attempt at one task.
type Workspace struct {
	ID              uuid.UUID
	TaskID          uuid.UUID
	Branch          string
	AgentWorkingDir string
	ContainerRef    string
	Archived        bool
	Pinned          bool
	CreatedAt       time.Time
}

// Repo is a repository belonging to a project.
type Repo struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Name      string
	Path      string
	CreatedAt time.Time
}

// WorkspaceRepo binds a workspace to a repo and records the merge target
// branch captured when the attempt began.
type WorkspaceRepo struct {
	WorkspaceID  uuid.UUID
	Repo         Repo
	TargetBranch string
}

// ExecutionStatus is the state of one process run inside a workspace.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionKilled    ExecutionStatus = "killed"
)

// ExecutionProcess is one coding-agent run inside a workspace.
type ExecutionProcess struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Status      ExecutionStatus
	StartedAt   time.Time
	CompletedAt time.Time
}

// CreateProject inserts a project row.
func (s *Store) CreateProject(id uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		id.String(), name, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// CreateRepo inserts a repo row for a project.
func (s *Store) CreateRepo(projectID uuid.UUID, name, path string) (*Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Repo{ID: uuid.New(), ProjectID: projectID, Name: name, Path: path, CreatedAt: time.Now()}
	_, err := s.db.Exec(
		`INSERT INTO repos (id, project_id, name, path, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID.String(), projectID.String(), name, path, timeToMs(r.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting repo: %w", err)
	}
	return r, nil
}

// ReposByProject returns all repositories registered for a project.
func (s *Store) ReposByProject(projectID uuid.UUID) ([]*Repo, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, name, path, created_at FROM repos WHERE project_id = ? ORDER BY name`,
		projectID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying repos: %w", err)
	}
	defer rows.Close()

	var repos []*Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func scanRepo(row rowScanner) (*Repo, error) {
	var (
		r              Repo
		idRaw, projRaw string
		createdMs      int64
	)
	if err := row.Scan(&idRaw, &projRaw, &r.Name, &r.Path, &createdMs); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, fmt.Errorf("parsing repo id: %w", err)
	}
	if r.ProjectID, err = uuid.Parse(projRaw); err != nil {
		return nil, fmt.Errorf("parsing project id: %w", err)
	}
	r.CreatedAt = msToTime(createdMs)
	return &r, nil
}

// CreateWorkspace inserts a workspace bound to a task.
func (s *Store) CreateWorkspace(id, taskID uuid.UUID, branch, agentWorkingDir string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &Workspace{
		ID:              id,
		TaskID:          taskID,
		Branch:          branch,
		AgentWorkingDir: agentWorkingDir,
		CreatedAt:       time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO workspaces (id, task_id, branch, agent_working_dir, archived, pinned, created_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?)`,
		id.String(), taskID.String(), branch, nullString(agentWorkingDir), timeToMs(w.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting workspace: %w", err)
	}
	return w, nil
}

// SetWorkspaceContainerRef records the execution handle (e.g. pod name).
func (s *Store) SetWorkspaceContainerRef(id uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE workspaces SET container_ref = ? WHERE id = ?`, ref, id.String())
	if err != nil {
		return fmt.Errorf("setting container ref: %w", err)
	}
	return nil
}

// SetWorkspaceArchived flips the archived flag.
func (s *Store) SetWorkspaceArchived(id uuid.UUID, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE workspaces SET archived = ? WHERE id = ?`, boolToInt(archived), id.String())
	if err != nil {
		return fmt.Errorf("archiving workspace: %w", err)
	}
	return nil
}

// CreateWorkspaceRepos binds repos with their merge targets to a workspace.
func (s *Store) CreateWorkspaceRepos(workspaceID uuid.UUID, repoIDs []uuid.UUID, targetBranches []string) error {
	if len(repoIDs) != len(targetBranches) {
		return fmt.Errorf("repo/target count mismatch: %d vs %d", len(repoIDs), len(targetBranches))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, repoID := range repoIDs {
		_, err := s.db.Exec(
			`INSERT INTO workspace_repos (workspace_id, repo_id, target_branch) VALUES (?, ?, ?)`,
			workspaceID.String(), repoID.String(), targetBranches[i],
		)
		if err != nil {
			return fmt.Errorf("inserting workspace repo: %w", err)
		}
	}
	return nil
}

// WorkspaceRepos returns the repos bound to a workspace with their targets.
func (s *Store) WorkspaceRepos(workspaceID uuid.UUID) ([]*WorkspaceRepo, error) {
	rows, err := s.db.Query(
		`SELECT r.id, r.project_id, r.name, r.path, r.created_at, wr.target_branch
		 FROM workspace_repos wr JOIN repos r ON wr.repo_id = r.id
		 WHERE wr.workspace_id = ? ORDER BY r.name`,
		workspaceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying workspace repos: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceRepo
	for rows.Next() {
		var (
			r              Repo
			idRaw, projRaw string
			createdMs      int64
			target         string
		)
		if err := rows.Scan(&idRaw, &projRaw, &r.Name, &r.Path, &createdMs, &target); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(idRaw); err != nil {
			return nil, fmt.Errorf("parsing repo id: %w", err)
		}
		if r.ProjectID, err = uuid.Parse(projRaw); err != nil {
			return nil, fmt.Errorf("parsing project id: %w", err)
		}
		r.CreatedAt = msToTime(createdMs)
		out = append(out, &WorkspaceRepo{WorkspaceID: workspaceID, Repo: r, TargetBranch: target})
	}
	return out, rows.Err()
}

// CreateExecution inserts a running execution process for a workspace.
func (s *Store) CreateExecution(workspaceID uuid.UUID) (*ExecutionProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &ExecutionProcess{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Status:      ExecutionRunning,
		StartedAt:   time.Now(),
	}
	_, err := s.db.Exec(
		`INSERT INTO execution_processes (id, workspace_id, status, started_at) VALUES (?, ?, ?, ?)`,
		p.ID.String(), workspaceID.String(), string(p.Status), timeToMs(p.StartedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting execution: %w", err)
	}
	return p, nil
}

// CompleteExecution marks an execution terminal.
func (s *Store) CompleteExecution(id uuid.UUID, status ExecutionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE execution_processes SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), time.Now().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("completing execution: %w", err)
	}
	return nil
}

// KillRunningExecutions marks every running execution under the task's
// workspaces as killed and returns how many were affected. The workspace
// starter handles actual termination.
func (s *Store) KillRunningExecutions(taskID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE execution_processes SET status = 'killed', completed_at = ?
		 WHERE status = 'running'
		   AND workspace_id IN (SELECT id FROM workspaces WHERE task_id = ?)`,
		time.Now().UnixMilli(), taskID.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("killing executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReviewCandidate pairs an InReview task with its idle workspace.
type ReviewCandidate struct {
	Task      *Task
	Workspace *Workspace
}

// ReviewCandidates finds tasks in review whose workspace has no running
// execution and at least one completed one, meaning the agent finished and
// stepped away. Ordered by stage entry so the longest wait is handled first.
func (s *Store) ReviewCandidates(projectID uuid.UUID) ([]*ReviewCandidate, error) {
	rows, err := s.db.Query(
		`SELECT t.id, t.project_id, t.title, t.description, t.status, t.layer, t.task_type,
		        t.sequence, t.complexity_score, t.prevent_breakdown, t.parent_task_id,
		        t.testing_criteria, t.stage_started_at, t.created_at, t.updated_at,
		        w.id, w.task_id, w.branch, w.agent_working_dir, w.container_ref,
		        w.archived, w.pinned, w.created_at
		 FROM tasks t JOIN workspaces w ON w.task_id = t.id
		 WHERE t.project_id = ? AND t.status = 'inreview' AND w.archived = 0
		   AND NOT EXISTS (SELECT 1 FROM execution_processes ep
		                   WHERE ep.workspace_id = w.id AND ep.status = 'running')
		   AND EXISTS (SELECT 1 FROM execution_processes ep
		               WHERE ep.workspace_id = w.id AND ep.status = 'completed')
		 ORDER BY t.stage_started_at`,
		projectID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying review candidates: %w", err)
	}
	defer rows.Close()

	var out []*ReviewCandidate
	for rows.Next() {
		var (
			t                           Task
			w                           Workspace
			tIDRaw, tProjRaw            string
			desc, layer, typ, parentRaw sql.NullString
			criteria                    sql.NullString
			seq, score, stage           sql.NullInt64
			prevent                     int
			tCreatedMs, tUpdatedMs      int64
			wIDRaw, wTaskRaw            string
			workDir, containerRef       sql.NullString
			archived, pinned            int
			wCreatedMs                  int64
		)
		err := rows.Scan(
			&tIDRaw, &tProjRaw, &t.Title, &desc, (*string)(&t.Status), &layer, &typ,
			&seq, &score, &prevent, &parentRaw, &criteria, &stage, &tCreatedMs, &tUpdatedMs,
			&wIDRaw, &wTaskRaw, &w.Branch, &workDir, &containerRef,
			&archived, &pinned, &wCreatedMs,
		)
		if err != nil {
			return nil, err
		}

		if t.ID, err = uuid.Parse(tIDRaw); err != nil {
			return nil, fmt.Errorf("parsing task id: %w", err)
		}
		if t.ProjectID, err = uuid.Parse(tProjRaw); err != nil {
			return nil, fmt.Errorf("parsing project id: %w", err)
		}
		if parentRaw.Valid {
			if t.ParentTaskID, err = uuid.Parse(parentRaw.String); err != nil {
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
		t.CreatedAt = msToTime(tCreatedMs)
		t.UpdatedAt = msToTime(tUpdatedMs)

		if w.ID, err = uuid.Parse(wIDRaw); err != nil {
			return nil, fmt.Errorf("parsing workspace id: %w", err)
		}
		if w.TaskID, err = uuid.Parse(wTaskRaw); err != nil {
			return nil, fmt.Errorf("parsing workspace task id: %w", err)
		}
		w.AgentWorkingDir = workDir.String
		w.ContainerRef = containerRef.String
		w.Archived = archived != 0
		w.Pinned = pinned != 0
		w.CreatedAt = msToTime(wCreatedMs)

		out = append(out, &ReviewCandidate{Task: &t, Workspace: &w})
	}
	return out, rows.Err()
}

// RecordMerge stores a successful merge (direct or post-rebase).
func (s *Store) RecordMerge(workspaceID, repoID uuid.UUID, targetBranch, mergeCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO merges (id, workspace_id, repo_id, target_branch, merge_commit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), workspaceID.String(), repoID.String(), targetBranch, mergeCommit,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording merge: %w", err)
	}
	return nil
}
