// Package advisor asks an external AI advisor structured questions about
// task prioritization and breakdown. Answers are JSON, validated by the
// caller; transport failures are classified as transient or permanent so
// the retry policy can decide.
package advisor

import (
	"context"

	"github.com/google/uuid"
)

// TaskInfo is the task summary sent to the advisor.
type TaskInfo struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Layer       string    `json:"layer,omitempty"`
	Type        string    `json:"task_type,omitempty"`
	Sequence    int       `json:"sequence,omitempty"`
}

// Selection is the advisor's choice of the next task to work on.
type Selection struct {
	TaskID    uuid.UUID
	Reasoning string
}

// Subtask is one suggested piece of a broken-down task.
type Subtask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Layer       string `json:"layer,omitempty"`
}

// ComplexityAnalysis is the advisor's verdict on one task.
type ComplexityAnalysis struct {
	Score        int       `json:"complexity_score"`
	CanBreakDown bool      `json:"can_be_broken_down"`
	Reasoning    string    `json:"reasoning"`
	Subtasks     []Subtask `json:"subtasks"`
}

// ConflictBreakdown is the advisor's split of a repeatedly conflicting task.
type ConflictBreakdown struct {
	Subtasks  []Subtask `json:"subtasks"`
	Reasoning string    `json:"reasoning"`
}

// Advisor is the structured-question capability the schedulers depend on.
type Advisor interface {
	// SelectTask picks one task id from the candidates. The returned id is
	// parsed but NOT membership-checked; callers validate it against their
	// candidate set.
	SelectTask(ctx context.Context, candidates []TaskInfo) (*Selection, error)

	// AnalyzeComplexity scores a task 1..10 and may suggest subtasks.
	AnalyzeComplexity(ctx context.Context, task TaskInfo) (*ComplexityAnalysis, error)

	// BreakDownConflict splits a task that keeps hitting merge conflicts
	// into smaller independent subtasks, seeded with the conflict details.
	BreakDownConflict(ctx context.Context, task TaskInfo, conflictDetails string) (*ConflictBreakdown, error)
}
