// Package event is the append-only audit log. Every mutating operation in
// every other component appends exactly one event inside the same transaction
// as the state change; nothing here is ever updated or deleted.
package event

import "time"

// Type identifies the kind of lifecycle event. The enumeration is closed:
// new event kinds get a constant here, grouped by entity family, so ByType
// queries and payload shapes stay checkable.
type Type string

const (
	// Task lifecycle
	TypeTaskCreated    Type = "task_created"
	TypeTaskAssigned   Type = "task_assigned"
	TypeTaskDispatched Type = "task_dispatched"
	TypeTaskCompleted  Type = "task_completed"
	TypeTaskFailed     Type = "task_failed"
	TypeTaskDeleted    Type = "task_deleted"

	// Worker lifecycle
	TypeWorkerSpawned        Type = "worker_spawned"
	TypeWorkerStatusChanged  Type = "worker_status_changed"
	TypeWorkerCompleted      Type = "worker_completed"
	TypeWorkerFailed         Type = "worker_failed"
	TypeWorkerSuperseded     Type = "worker_superseded"
	TypeWorkerLimitExceeded  Type = "worker_limit_exceeded"
	TypeWorkerReviewDue      Type = "worker_review_due"

	// Deliverable review pipeline
	TypeDeliverableCreated   Type = "deliverable_created"
	TypeDeliverableSubmitted Type = "deliverable_submitted"
	TypeDeliverableApproved  Type = "deliverable_approved"
	TypeDeliverableRejected  Type = "deliverable_rejected"
	TypeDeliverableDelivered Type = "deliverable_delivered"

	// Messaging
	TypeMessageSent Type = "message_sent"
	TypeMessageRead Type = "message_read"

	// Template registry
	TypeTemplateCreated Type = "template_created"
	TypeTemplateUpdated Type = "template_updated"
)

// RefKind names the entity family an event references.
type RefKind string

const (
	RefTask        RefKind = "task"
	RefWorker      RefKind = "worker"
	RefTemplate    RefKind = "template"
	RefDeliverable RefKind = "deliverable"
	RefMessage     RefKind = "message"
	RefAgent       RefKind = "agent"
)

// Event is one immutable audit record. References are by identity only;
// the referenced entity may outlive or predate the event.
type Event struct {
	ID        string         `json:"id"`
	RefKind   RefKind        `json:"ref_kind,omitempty"`
	RefID     string         `json:"ref_id,omitempty"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
