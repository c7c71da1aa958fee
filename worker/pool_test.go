package worker

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/storage"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/template"
)

type fixture struct {
	db        *storage.DB
	pool      *Pool
	tasks     *task.Store
	templates *template.Registry
	log       *event.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-worker-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	db, err := storage.Open(path)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := event.NewLog(db)
	templates := template.NewRegistry(db, log)
	tasks := task.NewStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		db:        db,
		pool:      NewPool(db, templates, tasks, log, logger),
		tasks:     tasks,
		templates: templates,
		log:       log,
	}
}

func (fx *fixture) createTemplate(t *testing.T, name string, maxParallel int) string {
	t.Helper()
	id, err := fx.templates.Create(&template.Template{
		Name:        name,
		Role:        "tester",
		ReviewEvery: 5,
		MaxParallel: maxParallel,
		Status:      template.StatusActive,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return id
}

func (fx *fixture) createTask(t *testing.T, title string) string {
	t.Helper()
	id, err := fx.tasks.Insert(fx.db.Querier(), &task.Task{Title: title, ProjectID: "p1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestPool_Spawn_LinksTaskAndWorker(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "builder", 2)
	taskID := fx.createTask(t, "build it")

	workerID, err := fx.pool.Spawn(tmplID, taskID, "sess-1", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	w, err := fx.pool.Get(workerID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.Status != StatusSpawning {
		t.Errorf("Status = %q, want spawning", w.Status)
	}
	if w.TaskID != taskID {
		t.Errorf("TaskID = %q, want %q", w.TaskID, taskID)
	}
	if w.SessionKey != "sess-1" {
		t.Errorf("SessionKey = %q, want sess-1", w.SessionKey)
	}

	tk, err := fx.tasks.Get(taskID)
	if err != nil {
		t.Fatalf("task Get: %v", err)
	}
	if tk.Status != task.StatusAssigned {
		t.Errorf("task Status = %q, want assigned", tk.Status)
	}
	if tk.WorkerID != workerID {
		t.Errorf("task WorkerID = %q, want %q", tk.WorkerID, workerID)
	}

	events, err := fx.log.ByReference(event.RefWorker, workerID, 10)
	if err != nil {
		t.Fatalf("ByReference: %v", err)
	}
	if len(events) != 1 || events[0].Type != event.TypeWorkerSpawned {
		t.Errorf("events = %v, want one worker_spawned", events)
	}
}

func TestPool_Spawn_RequiresActiveTemplate(t *testing.T) {
	fx := newFixture(t)
	taskID := fx.createTask(t, "t")

	draftID, err := fx.templates.Create(&template.Template{
		Name: "dormant", ReviewEvery: 1, MaxParallel: 1, Status: template.StatusDraft,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	if _, err := fx.pool.Spawn(draftID, taskID, "", ""); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if _, err := fx.pool.Spawn("nonexistent", taskID, "", ""); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPool_Spawn_SoftAdmission(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "solo", 1)
	task1 := fx.createTask(t, "first")
	task2 := fx.createTask(t, "second")

	if _, err := fx.pool.Spawn(tmplID, task1, "", ""); err != nil {
		t.Fatalf("Spawn first: %v", err)
	}
	// Admission is soft: the second spawn is accepted, not rejected.
	if _, err := fx.pool.Spawn(tmplID, task2, "", ""); err != nil {
		t.Fatalf("Spawn over limit: %v", err)
	}

	events, err := fx.log.ByType(event.TypeWorkerLimitExceeded, 10)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("limit events = %d, want 1", len(events))
	}

	n, err := fx.pool.ActiveCount(tmplID)
	if err != nil {
		t.Fatalf("ActiveCount: %v", err)
	}
	if n != 2 {
		t.Errorf("ActiveCount = %d, want 2", n)
	}
}

func TestPool_Spawn_SupersedesCurrentWorker(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "builder", 5)
	taskID := fx.createTask(t, "contested")

	first, err := fx.pool.Spawn(tmplID, taskID, "", "")
	if err != nil {
		t.Fatalf("Spawn first: %v", err)
	}
	second, err := fx.pool.Spawn(tmplID, taskID, "", "")
	if err != nil {
		t.Fatalf("Spawn second: %v", err)
	}

	w1, _ := fx.pool.Get(first)
	w2, _ := fx.pool.Get(second)
	if w1.Status != StatusFailed {
		t.Errorf("first worker Status = %q, want failed (superseded)", w1.Status)
	}
	if w2.Status.Terminal() {
		t.Errorf("second worker Status = %q, want non-terminal", w2.Status)
	}

	// At most one current, non-terminal worker per task.
	workers, err := fx.pool.ListByTask(taskID)
	if err != nil {
		t.Fatalf("ListByTask: %v", err)
	}
	nonTerminal := 0
	for _, w := range workers {
		if !w.Status.Terminal() {
			nonTerminal++
		}
	}
	if nonTerminal != 1 {
		t.Errorf("non-terminal workers = %d, want 1", nonTerminal)
	}

	tk, _ := fx.tasks.Get(taskID)
	if tk.WorkerID != second {
		t.Errorf("task WorkerID = %q, want %q", tk.WorkerID, second)
	}
}

func TestPool_UpdateStatus_LegalPath(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "builder", 2)
	taskID := fx.createTask(t, "t")
	id, err := fx.pool.Spawn(tmplID, taskID, "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	for _, status := range []Status{StatusActive, StatusPaused, StatusActive} {
		if err := fx.pool.UpdateStatus(id, status); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
	}
	if err := fx.pool.Complete(id); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	w, _ := fx.pool.Get(id)
	if w.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", w.Status)
	}
	if w.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
}

func TestPool_UpdateStatus_RejectsIllegal(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "builder", 2)
	taskID := fx.createTask(t, "t")
	id, err := fx.pool.Spawn(tmplID, taskID, "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	// spawning -> paused is not in the table.
	if err := fx.pool.UpdateStatus(id, StatusPaused); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestPool_UpdateStatus_TerminalIsImmutable(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "builder", 2)
	taskID := fx.createTask(t, "t")
	id, err := fx.pool.Spawn(tmplID, taskID, "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := fx.pool.Fail(id); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	for _, status := range []Status{StatusActive, StatusCompleted, StatusFailed} {
		if err := fx.pool.UpdateStatus(id, status); !errors.Is(err, errs.ErrInvalidTransition) {
			t.Fatalf("UpdateStatus(%s) on terminal worker: err = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestPool_AgentExists(t *testing.T) {
	fx := newFixture(t)
	tmplID := fx.createTemplate(t, "builder", 2)
	taskID := fx.createTask(t, "t")
	id, err := fx.pool.Spawn(tmplID, taskID, "", "")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ok, err := fx.pool.AgentExists(id)
	if err != nil || !ok {
		t.Fatalf("AgentExists(%s) = %v, %v, want true", id, ok, err)
	}
	ok, err = fx.pool.AgentExists("ghost")
	if err != nil || ok {
		t.Fatalf("AgentExists(ghost) = %v, %v, want false", ok, err)
	}
}
