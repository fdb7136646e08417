package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies are satisfied and the
	// task can be dequeued.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusAssigned indicates an agent has claimed the task.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed after all retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusAssigned,
		TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task represents a unit of work in a project plan.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID is the project this task belongs to.
	ProjectID string `json:"project_id"`
	// Seq is the task's position in plan creation order. When several
	// tasks become ready at once they are dequeued in ascending Seq.
	Seq int `json:"seq"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed instructions for the agent.
	Description string `json:"description,omitempty"`
	// Capability is the agent capability required to execute this task.
	Capability Capability `json:"capability"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders tasks of the same capability in the queue.
	Priority Priority `json:"priority"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// AssignedTo is the ID of the agent working on this task.
	AssignedTo string `json:"assigned_to,omitempty"`
	// Checkpoint marks this task as a human review gate. Checkpoint
	// tasks are resolved by approval rather than agent execution.
	Checkpoint bool `json:"checkpoint,omitempty"`
	// Rework marks a task created to redo a rejected stage.
	Rework bool `json:"rework,omitempty"`
	// Feedback carries the rejection feedback a rework task must address.
	Feedback string `json:"feedback,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of times this task has been re-enqueued
	// after a failure.
	RetryCount int `json:"retry_count,omitempty"`
	// MaxRetries caps RetryCount before the task is marked failed.
	MaxRetries int `json:"max_retries,omitempty"`
}
