// Package task defines the task model and persistence for worker work items.
package task

import "time"

// Status represents the lifecycle state of a task. Transitions are
// forward-only: pending -> assigned -> running -> completed|failed.
// A terminal task is never reopened; retries are new tasks.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority determines dispatch order; 1 is lowest, 5 most urgent.
type Priority int

const (
	PriorityLowest Priority = 1
	PriorityLow    Priority = 2
	PriorityNormal Priority = 3
	PriorityHigh   Priority = 4
	PriorityUrgent Priority = 5
)

// Task is a unit of work for a worker.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	WorkerID    string     `json:"worker_id,omitempty"`  // current worker, at most one non-terminal
	ProjectID   string     `json:"project_id,omitempty"` // billable attribution
	Result      string     `json:"result,omitempty"`     // set only when completed
	Error       string     `json:"error,omitempty"`      // set only when failed
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status    *Status `json:"status,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	WorkerID  string  `json:"worker_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	Offset    int     `json:"offset,omitempty"`
}
