// Package worker tracks live worker instances spawned from templates.
// A worker is bound to exactly one task; a task has at most one current
// non-terminal worker. Worker status moves forward only, except that a
// paused worker may resume. Terminal workers are immutable.
package worker

import "time"

// Status represents a worker's lifecycle state.
type Status string

const (
	StatusSpawning  Status = "spawning"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions is the strict legality table enforced by UpdateStatus.
var transitions = map[Status][]Status{
	StatusSpawning: {StatusActive, StatusCompleted, StatusFailed},
	StatusActive:   {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:   {StatusActive, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Worker is a running instance of a template, bound to one task.
type Worker struct {
	ID             string     `json:"id"`
	TemplateID     string     `json:"template_id"`
	TaskID         string     `json:"task_id"`
	SessionKey     string     `json:"session_key,omitempty"` // opaque execution-runtime handle
	Status         Status     `json:"status"`
	Model          string     `json:"model,omitempty"`
	SpawnedAt      time.Time  `json:"spawned_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}
