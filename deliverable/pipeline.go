package deliverable

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/storage"
)

// Pipeline persists deliverables and drives their review transitions.
// Every transition is a conditional update plus an event in one transaction;
// an update that finds the deliverable in the wrong state is surfaced as
// InvalidTransition, never silently skipped.
type Pipeline struct {
	db  *storage.DB
	log *event.Log
}

// NewPipeline creates a Pipeline over the shared database.
func NewPipeline(db *storage.DB, log *event.Log) *Pipeline {
	return &Pipeline{db: db, log: log}
}

// CreateTx persists a new deliverable on the caller's transaction.
// Status defaults to draft. The orchestrator calls this when a task
// completes, inside the completion transaction.
func (p *Pipeline) CreateTx(q storage.Querier, d *Deliverable) (string, error) {
	if d.Title == "" {
		return "", fmt.Errorf("deliverable title is required")
	}
	if d.ProjectID == "" {
		return "", fmt.Errorf("deliverable project_id is required")
	}
	if d.Status == "" {
		d.Status = StatusDraft
	}
	d.ID = storage.NewID()
	d.CreatedAt = time.Now().UTC()

	_, err := q.Exec(`
		INSERT INTO deliverables
			(id, project_id, task_id, title, content, format, status,
			 reviewer, review_notes, created_at, delivered_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.TaskID, d.Title, d.Content, d.Format, string(d.Status),
		d.Reviewer, d.ReviewNotes, d.CreatedAt, nil,
	)
	if err != nil {
		return "", fmt.Errorf("insert deliverable: %w", err)
	}
	if _, err := p.log.Append(q, &event.Event{
		RefKind: event.RefDeliverable,
		RefID:   d.ID,
		Type:    event.TypeDeliverableCreated,
		Message: fmt.Sprintf("Deliverable %q created in %s", d.Title, d.Status),
		Payload: map[string]any{"task_id": d.TaskID, "project_id": d.ProjectID},
	}); err != nil {
		return "", err
	}
	return d.ID, nil
}

// Get retrieves a deliverable by ID.
func (p *Pipeline) Get(id string) (*Deliverable, error) {
	return p.get(p.db.Querier(), id)
}

func (p *Pipeline) get(q storage.Querier, id string) (*Deliverable, error) {
	row := q.QueryRow(selectCols+` FROM deliverables WHERE id=?`, id)
	d, err := scanDeliverable(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("deliverable", id)
	}
	return d, err
}

// List returns deliverables matching the filter, newest first.
func (p *Pipeline) List(filter Filter) ([]*Deliverable, error) {
	q := strings.Builder{}
	q.WriteString(selectCols + " FROM deliverables WHERE 1=1")
	args := []any{}
	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id=?")
		args = append(args, filter.ProjectID)
	}
	if filter.TaskID != "" {
		q.WriteString(" AND task_id=?")
		args = append(args, filter.TaskID)
	}
	q.WriteString(" ORDER BY created_at DESC, rowid DESC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}

	rows, err := p.db.Querier().Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var out []*Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SubmitForReview moves a draft deliverable to review.
func (p *Pipeline) SubmitForReview(id string) error {
	return p.db.WithTx(func(q storage.Querier) error {
		return p.SubmitForReviewTx(q, id)
	})
}

// SubmitForReviewTx is SubmitForReview on the caller's transaction. The
// orchestrator uses it when a review-cadence hit submits a deliverable in
// the same transaction that created it.
func (p *Pipeline) SubmitForReviewTx(q storage.Querier, id string) error {
	d, err := p.get(q, id)
	if err != nil {
		return err
	}
	if d.Status != StatusDraft {
		return errs.InvalidTransition("deliverable %q: %s -> %s", d.Title, d.Status, StatusReview)
	}
	_, err = q.Exec(`UPDATE deliverables SET status=? WHERE id=? AND status=?`,
		string(StatusReview), id, string(StatusDraft))
	if err != nil {
		return err
	}
	_, err = p.log.Append(q, &event.Event{
		RefKind: event.RefDeliverable,
		RefID:   id,
		Type:    event.TypeDeliverableSubmitted,
		Message: fmt.Sprintf("Deliverable %q submitted for review", d.Title),
	})
	return err
}

// Approve records the reviewer's approval. Notes are optional.
// Only a deliverable in review can be approved.
func (p *Pipeline) Approve(id, reviewer, notes string) error {
	if reviewer == "" {
		return fmt.Errorf("reviewer is required")
	}
	return p.transition(id, StatusReview, StatusApproved, func(d *Deliverable, q storage.Querier) error {
		_, err := q.Exec(`UPDATE deliverables SET status=?, reviewer=?, review_notes=? WHERE id=? AND status=?`,
			string(StatusApproved), reviewer, notes, id, string(StatusReview))
		if err != nil {
			return err
		}
		_, err = p.log.Append(q, &event.Event{
			RefKind: event.RefDeliverable,
			RefID:   id,
			Type:    event.TypeDeliverableApproved,
			Message: fmt.Sprintf("Deliverable %q approved by %s", d.Title, reviewer),
			Payload: map[string]any{"reviewer": reviewer},
		})
		return err
	})
}

// Reject records the reviewer's rejection. Notes are required: they are the
// feedback loop to the template author, and the event carries them verbatim.
func (p *Pipeline) Reject(id, reviewer, notes string) error {
	if reviewer == "" {
		return fmt.Errorf("reviewer is required")
	}
	if notes == "" {
		return fmt.Errorf("rejection notes are required")
	}
	return p.transition(id, StatusReview, StatusRejected, func(d *Deliverable, q storage.Querier) error {
		_, err := q.Exec(`UPDATE deliverables SET status=?, reviewer=?, review_notes=? WHERE id=? AND status=?`,
			string(StatusRejected), reviewer, notes, id, string(StatusReview))
		if err != nil {
			return err
		}
		_, err = p.log.Append(q, &event.Event{
			RefKind: event.RefDeliverable,
			RefID:   id,
			Type:    event.TypeDeliverableRejected,
			Message: fmt.Sprintf("Deliverable %q rejected by %s: %s", d.Title, reviewer, notes),
			Payload: map[string]any{"reviewer": reviewer, "notes": notes},
		})
		return err
	})
}

// Deliver marks an approved deliverable delivered, stamping DeliveredAt.
// Any other starting state is a hard precondition failure.
func (p *Pipeline) Deliver(id string) error {
	return p.transition(id, StatusApproved, StatusDelivered, func(d *Deliverable, q storage.Querier) error {
		_, err := q.Exec(`UPDATE deliverables SET status=?, delivered_at=? WHERE id=? AND status=?`,
			string(StatusDelivered), time.Now().UTC(), id, string(StatusApproved))
		if err != nil {
			return err
		}
		_, err = p.log.Append(q, &event.Event{
			RefKind: event.RefDeliverable,
			RefID:   id,
			Type:    event.TypeDeliverableDelivered,
			Message: fmt.Sprintf("Deliverable %q delivered", d.Title),
		})
		return err
	})
}

// transition loads the deliverable, checks the starting state, and runs the
// update + event in one transaction.
func (p *Pipeline) transition(id string, from, to Status, apply func(*Deliverable, storage.Querier) error) error {
	return p.db.WithTx(func(q storage.Querier) error {
		d, err := p.get(q, id)
		if err != nil {
			return err
		}
		if d.Status != from {
			return errs.InvalidTransition("deliverable %q: %s -> %s", d.Title, d.Status, to)
		}
		return apply(d, q)
	})
}

const selectCols = `SELECT id, project_id, task_id, title, content, format, status,
	reviewer, review_notes, created_at, delivered_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeliverable(s scanner) (*Deliverable, error) {
	var d Deliverable
	var status string
	var deliveredAt sql.NullTime
	err := s.Scan(
		&d.ID, &d.ProjectID, &d.TaskID, &d.Title, &d.Content, &d.Format, &status,
		&d.Reviewer, &d.ReviewNotes, &d.CreatedAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	return &d, nil
}
