// Package deliverable implements the review workflow for artifacts produced
// by completed tasks. A deliverable moves draft -> review -> approved or
// rejected, and only an approved deliverable can be delivered.
package deliverable

import "time"

// Status represents a deliverable's position in the review pipeline.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusReview    Status = "review"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDelivered Status = "delivered"
)

// Deliverable is a reviewable artifact owned by a project and produced by
// the task that completed it.
type Deliverable struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	TaskID      string     `json:"task_id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Format      string     `json:"format,omitempty"` // e.g. "markdown", "html"
	Status      Status     `json:"status"`
	Reviewer    string     `json:"reviewer,omitempty"`
	ReviewNotes string     `json:"review_notes,omitempty"` // required on rejection
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Filter controls which deliverables are returned by List.
type Filter struct {
	Status    *Status `json:"status,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	TaskID    string  `json:"task_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}
