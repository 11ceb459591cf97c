package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS repos (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_repos_project ON repos(project_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL DEFAULT 'todo',
		layer TEXT,
		task_type TEXT,
		sequence INTEGER,
		complexity_score INTEGER,
		prevent_breakdown INTEGER NOT NULL DEFAULT 0,
		parent_task_id TEXT REFERENCES tasks(id),
		testing_criteria TEXT,
		stage_started_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		branch TEXT NOT NULL,
		agent_working_dir TEXT,
		container_ref TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workspaces_task ON workspaces(task_id);

	CREATE TABLE IF NOT EXISTS workspace_repos (
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		repo_id TEXT NOT NULL REFERENCES repos(id),
		target_branch TEXT NOT NULL,
		PRIMARY KEY (workspace_id, repo_id)
	);

	CREATE TABLE IF NOT EXISTS execution_processes (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		status TEXT NOT NULL DEFAULT 'running',
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_executions_workspace ON execution_processes(workspace_id, status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v1: %w", err)
	}
	return nil
}

func (s *Store) migrateV2() error {
	schema := `
	CREATE TABLE IF NOT EXISTS selector_settings (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL UNIQUE REFERENCES projects(id),
		enabled INTEGER NOT NULL DEFAULT 0,
		interval_seconds INTEGER NOT NULL DEFAULT 60,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS review_settings (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL UNIQUE REFERENCES projects(id),
		enabled INTEGER NOT NULL DEFAULT 0,
		auto_merge_enabled INTEGER NOT NULL DEFAULT 1,
		run_tests_enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS selector_logs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT,
		action TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_selector_logs_project ON selector_logs(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_selector_logs_task ON selector_logs(task_id);

	CREATE TABLE IF NOT EXISTS review_logs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT,
		workspace_id TEXT,
		action TEXT NOT NULL,
		output TEXT,
		detail TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_review_logs_project ON review_logs(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_review_logs_task ON review_logs(task_id, action);

	CREATE TABLE IF NOT EXISTS merges (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL REFERENCES workspaces(id),
		repo_id TEXT NOT NULL REFERENCES repos(id),
		target_branch TEXT NOT NULL,
		merge_commit TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_merges_workspace ON merges(workspace_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migration v2: %w", err)
	}
	return nil
}
