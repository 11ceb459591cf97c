package mgmt

import (
	"github.com/google/uuid"

	"github.com/forgeops/autodev/internal/store"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// SelectorSettingsResponse echoes the persisted selector settings.
type SelectorSettingsResponse struct {
	ProjectID       uuid.UUID `json:"project_id"`
	Enabled         bool      `json:"enabled"`
	IntervalSeconds int       `json:"interval_seconds"`
}

// ReviewSettingsResponse echoes the persisted review settings.
type ReviewSettingsResponse struct {
	ProjectID        uuid.UUID `json:"project_id"`
	Enabled          bool      `json:"enabled"`
	AutoMergeEnabled bool      `json:"auto_merge_enabled"`
	RunTestsEnabled  bool      `json:"run_tests_enabled"`
}

// TriggerResponse reports the outcome of a manually triggered pass.
type TriggerResponse struct {
	Action    string     `json:"action"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// TaskResponse wraps a single task.
type TaskResponse struct {
	Task *store.Task `json:"task"`
}

// TaskListResponse wraps a project's tasks.
type TaskListResponse struct {
	Tasks []*store.Task `json:"tasks"`
	Total int           `json:"total"`
}

// SelectorLogsResponse wraps selector decision rows.
type SelectorLogsResponse struct {
	Logs []*store.SelectorLog `json:"logs"`
}

// ReviewLogsResponse wraps review decision rows.
type ReviewLogsResponse struct {
	Logs []*store.ReviewLog `json:"logs"`
}

// HealthDetailResponse is the detailed health report.
type HealthDetailResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Uptime string            `json:"uptime"`
}

// ConfigResponse exposes the effective runtime configuration.
type ConfigResponse struct {
	Environment       string `json:"environment"`
	LogLevel          string `json:"log_level"`
	MgmtListenAddr    string `json:"mgmt_listen_addr"`
	AuthMode          string `json:"auth_mode"`
	SelectorInterval  string `json:"selector_interval"`
	ReviewInterval    string `json:"review_interval"`
	TimeoutInterval   string `json:"timeout_interval"`
	MaxMergeConflicts int    `json:"max_merge_conflicts"`
}

// ConfigPatchRequest carries the mutable runtime settings.
type ConfigPatchRequest struct {
	LogLevel *string `json:"log_level"`
}
