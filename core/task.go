package core

import (
	"context"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of an AgentTask. Transitions are
// monotonic: pending -> in_progress -> completed|error.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
)

func (s TaskStatus) rank() int {
	switch s {
	case TaskPending:
		return 0
	case TaskInProgress:
		return 1
	case TaskCompleted, TaskError:
		return 2
	default:
		return -1
	}
}

// IsFinal reports whether no further transitions are possible.
func (s TaskStatus) IsFinal() bool { return s == TaskCompleted || s == TaskError }

// CanTransition reports whether moving from s to next is allowed.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if next.rank() < 0 || s.IsFinal() {
		return false
	}
	return next.rank() > s.rank()
}

// Task is the external-facing record of one orchestrated request.
type Task struct {
	ID           string     `json:"id"`
	Status       TaskStatus `json:"status"`
	Description  string     `json:"description"`
	Result       string     `json:"result,omitempty"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	ChatID       string     `json:"chat_id,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Transition moves the task to next, rejecting reverse or repeated moves.
func (t *Task) Transition(next TaskStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Status  *TaskStatus
	Result  *string
	AgentID *string
}

// TaskStore persists task records. Implementations must be safe for
// concurrent use; the orchestration core keeps working if a store call fails.
type TaskStore interface {
	Create(ctx context.Context, task Task) (string, error)
	Update(ctx context.Context, id string, patch TaskPatch) error
	Get(ctx context.Context, id string) (Task, error)
}
