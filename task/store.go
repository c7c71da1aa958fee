package task

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/storage"
)

// Store persists tasks. Mutating methods take a storage.Querier so the
// orchestrator can bundle them with worker, deliverable, and event writes
// inside one transaction. Status changes are conditional updates: they only
// succeed from the states that permit them, which is what makes dispatch
// mutually exclusive and result delivery idempotent in its terminal effect.
type Store struct {
	db *storage.DB
}

// NewStore creates a Store over the shared database.
func NewStore(db *storage.DB) *Store { return &Store{db: db} }

// Insert persists a new task, assigning ID and timestamps. Status defaults
// to pending and priority to normal.
func (s *Store) Insert(q storage.Querier, t *Task) (string, error) {
	if t.Title == "" {
		return "", fmt.Errorf("task title is required")
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == 0 {
		t.Priority = PriorityNormal
	}
	if t.Priority < PriorityLowest || t.Priority > PriorityUrgent {
		return "", fmt.Errorf("priority must be between %d and %d, got %d", PriorityLowest, PriorityUrgent, t.Priority)
	}
	t.ID = storage.NewID()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := q.Exec(`
		INSERT INTO tasks
			(id, title, description, status, priority, worker_id, project_id,
			 result, error, created_at, updated_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Status), int(t.Priority),
		t.WorkerID, t.ProjectID, t.Result, t.Error,
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *Store) Get(id string) (*Task, error) {
	return s.GetTx(s.db.Querier(), id)
}

// GetTx retrieves a task by ID on the caller's transaction.
func (s *Store) GetTx(q storage.Querier, id string) (*Task, error) {
	row := q.QueryRow(`SELECT * FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("task", id)
	}
	return t, err
}

// List returns tasks matching the filter, most urgent and oldest first.
func (s *Store) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT * FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.ProjectID != "" {
		q.WriteString(" AND project_id=?")
		args = append(args, filter.ProjectID)
	}
	if filter.WorkerID != "" {
		q.WriteString(" AND worker_id=?")
		args = append(args, filter.WorkerID)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Querier().Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkAssigned conditionally moves a pending task to assigned and links the
// worker. Returns false if the task was not in pending.
func (s *Store) MarkAssigned(q storage.Querier, id, workerID string) (bool, error) {
	res, err := q.Exec(`
		UPDATE tasks SET status=?, worker_id=?, updated_at=?
		WHERE id=? AND status=?`,
		string(StatusAssigned), workerID, time.Now().UTC(),
		id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("assign task: %w", err)
	}
	return oneRow(res)
}

// SetWorker relinks the task's current worker without a status change.
// Used when a replacement worker supersedes a live one.
func (s *Store) SetWorker(q storage.Querier, id, workerID string) error {
	res, err := q.Exec(`UPDATE tasks SET worker_id=?, updated_at=? WHERE id=?`,
		workerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set task worker: %w", err)
	}
	ok, err := oneRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("task", id)
	}
	return nil
}

// MarkRunning conditionally moves a pending or assigned task to running and
// stamps StartedAt. Returns false if the task was already past dispatch,
// which is the double-dispatch guard: at most one caller wins the update.
func (s *Store) MarkRunning(q storage.Querier, id string, now time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE tasks SET status=?, started_at=?, updated_at=?
		WHERE id=? AND status IN (?,?)`,
		string(StatusRunning), now, now,
		id, string(StatusPending), string(StatusAssigned),
	)
	if err != nil {
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return oneRow(res)
}

// MarkCompleted conditionally moves a running task to completed, stamping
// the result and CompletedAt. Returns false if the task was not running.
func (s *Store) MarkCompleted(q storage.Querier, id, result string, now time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE tasks SET status=?, result=?, completed_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(StatusCompleted), result, now, now,
		id, string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("mark task completed: %w", err)
	}
	return oneRow(res)
}

// MarkFailed conditionally moves a running task to failed, stamping the
// error and CompletedAt. Returns false if the task was not running.
func (s *Store) MarkFailed(q storage.Querier, id, errMsg string, now time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE tasks SET status=?, error=?, completed_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(StatusFailed), errMsg, now, now,
		id, string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("mark task failed: %w", err)
	}
	return oneRow(res)
}

// Delete removes a task. Tasks with workers or deliverables are history
// other entities reference, so deletion is rejected rather than cascaded.
func (s *Store) Delete(q storage.Querier, id string) error {
	var workers, deliverables int
	if err := q.QueryRow(`SELECT COUNT(*) FROM workers WHERE task_id=?`, id).Scan(&workers); err != nil {
		return fmt.Errorf("count dependent workers: %w", err)
	}
	if err := q.QueryRow(`SELECT COUNT(*) FROM deliverables WHERE task_id=?`, id).Scan(&deliverables); err != nil {
		return fmt.Errorf("count dependent deliverables: %w", err)
	}
	if workers > 0 || deliverables > 0 {
		return errs.IntegrityViolation("task %s has %d worker(s) and %d deliverable(s)", id, workers, deliverables)
	}
	res, err := q.Exec(`DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	ok, err := oneRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return errs.NotFound("task", id)
	}
	return nil
}

func oneRow(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status string
	var priority int
	var startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority,
		&t.WorkerID, &t.ProjectID, &t.Result, &t.Error,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Priority = Priority(priority)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
