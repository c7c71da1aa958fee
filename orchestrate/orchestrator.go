// Package orchestrate owns the task state machine: creation, assignment,
// dispatch to the execution runtime, and result ingestion. Every operation
// here is one serializable transaction; there is no in-process scheduling
// loop. Transitions are forward-only, and a failed or completed task is
// never reopened; retries are new tasks.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/foreman/deliverable"
	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/runtime"
	"github.com/GoCodeAlone/foreman/storage"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/template"
	"github.com/GoCodeAlone/foreman/worker"
)

// Orchestrator drives task lifecycles.
type Orchestrator struct {
	db           *storage.DB
	tasks        *task.Store
	templates    *template.Registry
	pool         *worker.Pool
	deliverables *deliverable.Pipeline
	log          *event.Log
	rt           runtime.Runtime
	logger       *slog.Logger
}

// New creates an Orchestrator over the shared database.
func New(db *storage.DB, tasks *task.Store, templates *template.Registry, pool *worker.Pool,
	deliverables *deliverable.Pipeline, log *event.Log, rt runtime.Runtime, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		db:           db,
		tasks:        tasks,
		templates:    templates,
		pool:         pool,
		deliverables: deliverables,
		log:          log,
		rt:           rt,
		logger:       logger,
	}
}

// CreateTask persists a new pending task.
func (o *Orchestrator) CreateTask(t *task.Task) (string, error) {
	var id string
	err := o.db.WithTx(func(q storage.Querier) error {
		var err error
		id, err = o.tasks.Insert(q, t)
		if err != nil {
			return err
		}
		_, err = o.log.Append(q, &event.Event{
			RefKind: event.RefTask,
			RefID:   id,
			Type:    event.TypeTaskCreated,
			Message: fmt.Sprintf("Task %q created", t.Title),
			Payload: map[string]any{"priority": int(t.Priority), "project_id": t.ProjectID},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Assign spawns a worker from the template and moves the task from pending
// to assigned. Assign is the counting caller for the template's MaxParallel
// ceiling: it refuses to spawn at the limit. The check is admission control,
// not a lock; a racing pair may briefly exceed the ceiling and the pool
// records it.
func (o *Orchestrator) Assign(taskID, templateID, sessionKey, model string) (string, error) {
	tmpl, err := o.templates.Get(templateID)
	if err != nil {
		return "", err
	}
	active, err := o.pool.ActiveCount(templateID)
	if err != nil {
		return "", err
	}
	if active >= tmpl.MaxParallel {
		return "", fmt.Errorf("template %q at parallel limit (%d active)", tmpl.Name, active)
	}

	var workerID string
	err = o.db.WithTx(func(q storage.Querier) error {
		t, err := o.tasks.GetTx(q, taskID)
		if err != nil {
			return err
		}
		if t.Status != task.StatusPending {
			return errs.InvalidTransition("task %s is %s, not pending", taskID, t.Status)
		}
		workerID, err = o.pool.SpawnTx(q, templateID, taskID, sessionKey, model)
		if err != nil {
			return err
		}
		_, err = o.log.Append(q, &event.Event{
			RefKind: event.RefTask,
			RefID:   taskID,
			Type:    event.TypeTaskAssigned,
			Message: fmt.Sprintf("Task %q assigned to worker %s", t.Title, workerID),
			Payload: map[string]any{"worker_id": workerID, "template_id": templateID},
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return workerID, nil
}

// Dispatch moves the task to running, stamps StartedAt, records
// task_dispatched, and hands the task to the execution runtime. The status
// write is conditional on the task still being pre-dispatch, so two racing
// calls cannot both own the task: the loser gets InvalidTransition. The
// runtime call happens after the transaction commits; if it fails the task
// stays running and the external watchdog resolves it via ReceiveResult.
func (o *Orchestrator) Dispatch(ctx context.Context, taskID string) error {
	var t *task.Task
	err := o.db.WithTx(func(q storage.Querier) error {
		var err error
		t, err = o.tasks.GetTx(q, taskID)
		if err != nil {
			return err
		}
		ok, err := o.tasks.MarkRunning(q, taskID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return errs.InvalidTransition("task %s is %s, not dispatchable", taskID, t.Status)
		}
		_, err = o.log.Append(q, &event.Event{
			RefKind: event.RefTask,
			RefID:   taskID,
			Type:    event.TypeTaskDispatched,
			Message: fmt.Sprintf("Task %q dispatched", t.Title),
			Payload: map[string]any{"priority": int(t.Priority)},
		})
		return err
	})
	if err != nil {
		return err
	}

	err = o.rt.Dispatch(ctx, runtime.DispatchRequest{
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    int(t.Priority),
	})
	if err != nil {
		o.logger.Warn("runtime dispatch failed, task remains running",
			slog.String("task", taskID), slog.Any("err", err))
		return fmt.Errorf("runtime dispatch: %w", err)
	}
	return nil
}

// Result is the outcome delivered by the execution runtime.
type Result struct {
	Result string      `json:"result,omitempty"`
	Status task.Status `json:"status"` // completed or failed
	Error  string      `json:"error,omitempty"`
}

// ReceiveResult ingests a terminal outcome for a running task. It is the
// single seam where the orchestrator touches both the worker pool and the
// deliverable pipeline, and it runs as one transaction: task update, worker
// flip, deliverable creation, and events all commit together or not at all.
//
// Completion requires the task to carry a project reference, checked before
// any write. The task update is conditional on status running, so a second
// delivery of the same outcome fails instead of double-creating the
// deliverable.
func (o *Orchestrator) ReceiveResult(taskID string, res Result) error {
	switch res.Status {
	case task.StatusCompleted, task.StatusFailed:
	default:
		return fmt.Errorf("result status must be completed or failed, got %q", res.Status)
	}

	return o.db.WithTx(func(q storage.Querier) error {
		t, err := o.tasks.GetTx(q, taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if res.Status == task.StatusCompleted {
			if t.ProjectID == "" {
				return errs.InvalidTransition("task %s has no project, cannot complete", taskID)
			}
			ok, err := o.tasks.MarkCompleted(q, taskID, res.Result, now)
			if err != nil {
				return err
			}
			if !ok {
				return errs.InvalidTransition("task %s is %s, not running", taskID, t.Status)
			}

			reviewDue, err := o.finishWorker(q, t, worker.StatusCompleted)
			if err != nil {
				return err
			}

			d := &deliverable.Deliverable{
				ProjectID: t.ProjectID,
				TaskID:    t.ID,
				Title:     t.Title,
				Content:   res.Result,
			}
			deliverableID, err := o.deliverables.CreateTx(q, d)
			if err != nil {
				return err
			}
			// A cadence hit submits the fresh draft in the same transaction,
			// so it lands in review with the full transition on record.
			if reviewDue {
				if err := o.deliverables.SubmitForReviewTx(q, deliverableID); err != nil {
					return err
				}
			}
			_, err = o.log.Append(q, &event.Event{
				RefKind: event.RefTask,
				RefID:   taskID,
				Type:    event.TypeTaskCompleted,
				Message: fmt.Sprintf("Task %q completed", t.Title),
				Payload: map[string]any{"deliverable_id": deliverableID},
			})
			return err
		}

		ok, err := o.tasks.MarkFailed(q, taskID, res.Error, now)
		if err != nil {
			return err
		}
		if !ok {
			return errs.InvalidTransition("task %s is %s, not running", taskID, t.Status)
		}
		if _, err := o.finishWorker(q, t, worker.StatusFailed); err != nil {
			return err
		}
		_, err = o.log.Append(q, &event.Event{
			RefKind: event.RefTask,
			RefID:   taskID,
			Type:    event.TypeTaskFailed,
			Message: fmt.Sprintf("Task %q failed: %s", t.Title, res.Error),
			Payload: map[string]any{"error": res.Error},
		})
		return err
	})
}

// finishWorker flips the task's current worker to the terminal status, if
// there is one still live, and checks the template's review cadence. It
// returns true when this completion is the template's ReviewEvery-th one,
// in which case a worker_review_due event is appended and the caller submits
// the new deliverable for review immediately.
func (o *Orchestrator) finishWorker(q storage.Querier, t *task.Task, status worker.Status) (bool, error) {
	if t.WorkerID == "" {
		return false, nil
	}
	w, err := o.pool.GetTx(q, t.WorkerID)
	if err != nil {
		return false, err
	}
	if w.Status.Terminal() {
		return false, nil
	}
	if err := o.pool.UpdateStatusTx(q, w.ID, status); err != nil {
		return false, err
	}
	if status != worker.StatusCompleted {
		return false, nil
	}

	tmpl, err := o.templates.GetTx(q, w.TemplateID)
	if err != nil {
		return false, err
	}
	completed, err := o.pool.CompletedCountTx(q, w.TemplateID)
	if err != nil {
		return false, err
	}
	if completed%tmpl.ReviewEvery != 0 {
		return false, nil
	}
	_, err = o.log.Append(q, &event.Event{
		RefKind: event.RefTemplate,
		RefID:   w.TemplateID,
		Type:    event.TypeWorkerReviewDue,
		Message: fmt.Sprintf("Template %q due for human review after %d completions", tmpl.Name, completed),
		Payload: map[string]any{"completed": completed, "review_every": tmpl.ReviewEvery},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteTask removes a task that has no workers or deliverables. Deleting
// history another entity depends on is rejected, never cascaded.
func (o *Orchestrator) DeleteTask(taskID string) error {
	return o.db.WithTx(func(q storage.Querier) error {
		t, err := o.tasks.GetTx(q, taskID)
		if err != nil {
			return err
		}
		if err := o.tasks.Delete(q, taskID); err != nil {
			return err
		}
		_, err = o.log.Append(q, &event.Event{
			RefKind: event.RefTask,
			RefID:   taskID,
			Type:    event.TypeTaskDeleted,
			Message: fmt.Sprintf("Task %q deleted", t.Title),
		})
		return err
	})
}
