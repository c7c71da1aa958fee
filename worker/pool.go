package worker

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/storage"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/template"
)

// Pool spawns and tracks worker instances.
type Pool struct {
	db        *storage.DB
	templates *template.Registry
	tasks     *task.Store
	log       *event.Log
	logger    *slog.Logger
}

// NewPool creates a Pool over the shared database.
func NewPool(db *storage.DB, templates *template.Registry, tasks *task.Store, log *event.Log, logger *slog.Logger) *Pool {
	return &Pool{db: db, templates: templates, tasks: tasks, log: log, logger: logger}
}

// Spawn creates a worker from an active template and links it onto the task
// as its current worker. Admission against the template's MaxParallel is
// soft: an over-limit spawn still succeeds but records a
// worker_limit_exceeded event and a warning. If the task already has a live
// worker, that worker is marked failed (superseded) in the same transaction,
// keeping the at-most-one-current invariant.
func (p *Pool) Spawn(templateID, taskID, sessionKey, model string) (string, error) {
	var workerID string
	err := p.db.WithTx(func(q storage.Querier) error {
		id, err := p.SpawnTx(q, templateID, taskID, sessionKey, model)
		if err != nil {
			return err
		}
		workerID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return workerID, nil
}

// SpawnTx is Spawn on the caller's transaction.
func (p *Pool) SpawnTx(q storage.Querier, templateID, taskID, sessionKey, model string) (string, error) {
	tmpl, err := p.templates.GetTx(q, templateID)
	if err != nil {
		return "", err
	}
	if tmpl.Status != template.StatusActive {
		return "", errs.InvalidTransition("template %q is %s, not active", tmpl.Name, tmpl.Status)
	}
	t, err := p.tasks.GetTx(q, taskID)
	if err != nil {
		return "", err
	}
	if t.Status.Terminal() {
		return "", errs.InvalidTransition("task %s is %s", taskID, t.Status)
	}

	if model == "" {
		model = tmpl.Model
	}
	now := time.Now().UTC()

	active, err := p.activeCount(q, templateID)
	if err != nil {
		return "", err
	}
	if active >= tmpl.MaxParallel {
		p.logger.Warn("template over parallel limit",
			slog.String("template", tmpl.Name),
			slog.Int("active", active),
			slog.Int("max_parallel", tmpl.MaxParallel),
		)
		if _, err := p.log.Append(q, &event.Event{
			RefKind: event.RefTemplate,
			RefID:   templateID,
			Type:    event.TypeWorkerLimitExceeded,
			Message: fmt.Sprintf("Template %q has %d active workers (limit %d)", tmpl.Name, active, tmpl.MaxParallel),
			Payload: map[string]any{"active": active, "max_parallel": tmpl.MaxParallel},
		}); err != nil {
			return "", err
		}
	}

	// Supersede a live current worker before relinking.
	if t.WorkerID != "" {
		prev, err := p.GetTx(q, t.WorkerID)
		if err == nil && !prev.Status.Terminal() {
			if err := p.setStatus(q, prev, StatusFailed, now, true); err != nil {
				return "", err
			}
			if _, err := p.log.Append(q, &event.Event{
				RefKind: event.RefWorker,
				RefID:   prev.ID,
				Type:    event.TypeWorkerSuperseded,
				Message: fmt.Sprintf("Worker %s superseded on task %q", prev.ID, t.Title),
				Payload: map[string]any{"task_id": taskID},
			}); err != nil {
				return "", err
			}
		}
	}

	w := &Worker{
		ID:             storage.NewID(),
		TemplateID:     templateID,
		TaskID:         taskID,
		SessionKey:     sessionKey,
		Status:         StatusSpawning,
		Model:          model,
		SpawnedAt:      now,
		LastActivityAt: now,
	}
	_, err = q.Exec(`
		INSERT INTO workers
			(id, template_id, task_id, session_key, status, model, spawned_at, completed_at, last_activity_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.TemplateID, w.TaskID, w.SessionKey, string(w.Status), w.Model,
		w.SpawnedAt, nil, w.LastActivityAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert worker: %w", err)
	}

	if t.Status == task.StatusPending {
		if _, err := p.tasks.MarkAssigned(q, taskID, w.ID); err != nil {
			return "", err
		}
	} else {
		if err := p.tasks.SetWorker(q, taskID, w.ID); err != nil {
			return "", err
		}
	}

	if _, err := p.log.Append(q, &event.Event{
		RefKind: event.RefWorker,
		RefID:   w.ID,
		Type:    event.TypeWorkerSpawned,
		Message: fmt.Sprintf("Worker spawned from %q for task %q", tmpl.Name, t.Title),
		Payload: map[string]any{"template_id": templateID, "task_id": taskID, "model": model},
	}); err != nil {
		return "", err
	}
	return w.ID, nil
}

// Get retrieves a worker by ID.
func (p *Pool) Get(id string) (*Worker, error) {
	return p.GetTx(p.db.Querier(), id)
}

// GetTx retrieves a worker by ID on the caller's transaction.
func (p *Pool) GetTx(q storage.Querier, id string) (*Worker, error) {
	row := q.QueryRow(`
		SELECT id, template_id, task_id, session_key, status, model, spawned_at, completed_at, last_activity_at
		FROM workers WHERE id=?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("worker", id)
	}
	return w, err
}

// ListByTask returns all workers ever spawned for a task, oldest first.
func (p *Pool) ListByTask(taskID string) ([]*Worker, error) {
	rows, err := p.db.Querier().Query(`
		SELECT id, template_id, task_id, session_key, status, model, spawned_at, completed_at, last_activity_at
		FROM workers WHERE task_id=? ORDER BY spawned_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ActiveCount returns the number of non-terminal workers for a template.
func (p *Pool) ActiveCount(templateID string) (int, error) {
	return p.activeCount(p.db.Querier(), templateID)
}

func (p *Pool) activeCount(q storage.Querier, templateID string) (int, error) {
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM workers WHERE template_id=? AND status IN (?,?,?)`,
		templateID, string(StatusSpawning), string(StatusActive), string(StatusPaused),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active workers: %w", err)
	}
	return n, nil
}

// CompletedCountTx returns the number of completed workers for a template,
// used for the review cadence check.
func (p *Pool) CompletedCountTx(q storage.Querier, templateID string) (int, error) {
	var n int
	err := q.QueryRow(`SELECT COUNT(*) FROM workers WHERE template_id=? AND status=?`,
		templateID, string(StatusCompleted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed workers: %w", err)
	}
	return n, nil
}

// UpdateStatus moves a worker to the given status, bumping LastActivityAt.
// Illegal transitions, including any write to a terminal worker, are
// rejected with InvalidTransition rather than silently applied.
func (p *Pool) UpdateStatus(workerID string, status Status) error {
	return p.db.WithTx(func(q storage.Querier) error {
		return p.UpdateStatusTx(q, workerID, status)
	})
}

// UpdateStatusTx is UpdateStatus on the caller's transaction.
func (p *Pool) UpdateStatusTx(q storage.Querier, workerID string, status Status) error {
	w, err := p.GetTx(q, workerID)
	if err != nil {
		return err
	}
	if !CanTransition(w.Status, status) {
		return errs.InvalidTransition("worker %s: %s -> %s", workerID, w.Status, status)
	}
	now := time.Now().UTC()
	if err := p.setStatus(q, w, status, now, status.Terminal()); err != nil {
		return err
	}

	typ := event.TypeWorkerStatusChanged
	switch status {
	case StatusCompleted:
		typ = event.TypeWorkerCompleted
	case StatusFailed:
		typ = event.TypeWorkerFailed
	}
	_, err = p.log.Append(q, &event.Event{
		RefKind: event.RefWorker,
		RefID:   workerID,
		Type:    typ,
		Message: fmt.Sprintf("Worker %s: %s -> %s", workerID, w.Status, status),
		Payload: map[string]any{"from": string(w.Status), "to": string(status)},
	})
	return err
}

// Complete marks a worker completed, stamping CompletedAt and LastActivityAt.
func (p *Pool) Complete(workerID string) error {
	return p.UpdateStatus(workerID, StatusCompleted)
}

// Fail marks a worker failed, stamping CompletedAt and LastActivityAt.
func (p *Pool) Fail(workerID string) error {
	return p.UpdateStatus(workerID, StatusFailed)
}

// setStatus writes the status row; terminal transitions also stamp
// CompletedAt. The WHERE clause re-checks the previous status so a racing
// writer cannot flip a worker that already moved on.
func (p *Pool) setStatus(q storage.Querier, w *Worker, status Status, now time.Time, terminal bool) error {
	var res sql.Result
	var err error
	if terminal {
		res, err = q.Exec(`
			UPDATE workers SET status=?, completed_at=?, last_activity_at=? WHERE id=? AND status=?`,
			string(status), now, now, w.ID, string(w.Status))
	} else {
		res, err = q.Exec(`
			UPDATE workers SET status=?, last_activity_at=? WHERE id=? AND status=?`,
			string(status), now, w.ID, string(w.Status))
	}
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errs.InvalidTransition("worker %s changed concurrently", w.ID)
	}
	return nil
}

// AgentExists reports whether an agent ID resolves to a known worker.
// Pool is the agent directory the message bus validates senders against.
func (p *Pool) AgentExists(id string) (bool, error) {
	var n int
	err := p.db.Querier().QueryRow(`SELECT COUNT(*) FROM workers WHERE id=?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup agent: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(s scanner) (*Worker, error) {
	var w Worker
	var status string
	var completedAt sql.NullTime
	err := s.Scan(
		&w.ID, &w.TemplateID, &w.TaskID, &w.SessionKey, &status, &w.Model,
		&w.SpawnedAt, &completedAt, &w.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return &w, nil
}
