// Package collab coordinates compound tasks across remote agents.
//
// A compound task fans out its subtasks concurrently, one delegated
// request per subtask. Results come back as task_result messages and
// are correlated to their subtask by request id. A subtask failure is
// recorded under an "error" key in that subtask's slot and never
// disturbs its siblings; the task completes when every subtask has
// resolved one way or the other.
package collab

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNoSubtasks   = errors.New("task has no subtasks")
	ErrTaskNotFound = errors.New("task not found")
	ErrClosed       = errors.New("manager closed")
)

// Status of a compound task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Subtask is one delegable unit of a compound task.
type Subtask struct {
	// SubtaskID identifies the subtask within its task. Required and
	// unique per task.
	SubtaskID string `json:"subtask_id"`

	// CapabilityFilter names the capability the executor must provide.
	// Matched against capability ids first, then names.
	CapabilityFilter string `json:"capability_filter"`

	// Parameters are capability-specific inputs.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Description is a human-readable summary of the work.
	Description string `json:"description,omitempty"`
}

// Task is the record of one compound task.
type Task struct {
	// TaskID identifies the task.
	TaskID string `json:"task_id"`

	// Status of the task as a whole.
	Status Status `json:"status"`

	// Results maps subtask id to that subtask's result payload.
	// Failed subtasks carry a single "error" key with the reason.
	Results map[string]map[string]interface{} `json:"results"`

	// StartedAt and CompletedAt bound the fan-out.
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Failures counts subtasks that resolved with an error entry.
func (t *Task) Failures() int {
	n := 0
	for _, result := range t.Results {
		if _, ok := result["error"]; ok {
			n++
		}
	}
	return n
}

// errorResult is the failure shape recorded for a subtask.
func errorResult(reason string) map[string]interface{} {
	return map[string]interface{}{"error": reason}
}
