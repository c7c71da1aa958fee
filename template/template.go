// Package template is the catalog of worker archetypes. A template declares
// what a worker can do (task-type affinities, tools, skills, model, system
// prompt) and the policy it runs under (max parallel instances, review
// cadence). Templates are never deleted; retirement is a status flip to draft.
package template

import "time"

// Status represents a template's availability for spawning workers.
type Status string

const (
	StatusActive Status = "active"
	StatusDraft  Status = "draft"
)

// Template is a reusable worker archetype.
type Template struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	TaskTypes    []string  `json:"task_types,omitempty"`
	Model        string    `json:"model,omitempty"`
	Tools        []string  `json:"tools,omitempty"`
	Skills       []string  `json:"skills,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	ReviewEvery  int       `json:"review_every"` // human review after this many completions
	MaxParallel  int       `json:"max_parallel"` // soft ceiling on concurrent workers
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Patch is a sparse update: nil fields are no-ops, not resets. This is the
// only mutation shape the registry accepts after creation.
type Patch struct {
	DisplayName  *string   `json:"display_name,omitempty"`
	Role         *string   `json:"role,omitempty"`
	TaskTypes    *[]string `json:"task_types,omitempty"`
	Model        *string   `json:"model,omitempty"`
	Tools        *[]string `json:"tools,omitempty"`
	Skills       *[]string `json:"skills,omitempty"`
	SystemPrompt *string   `json:"system_prompt,omitempty"`
	ReviewEvery  *int      `json:"review_every,omitempty"`
	MaxParallel  *int      `json:"max_parallel,omitempty"`
	Status       *Status   `json:"status,omitempty"`
}
