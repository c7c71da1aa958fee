package task

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-task-*.db")
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
	return NewStore(db), db
}

func mustInsert(t *testing.T, store *Store, db *storage.DB, tk *Task) string {
	t.Helper()
	id, err := store.Insert(db.Querier(), tk)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return id
}

func TestStore_InsertAndGet(t *testing.T) {
	store, db := newTestStore(t)

	tk := &Task{
		Title:       "Build landing page",
		Description: "Hero, features, footer",
		ProjectID:   "proj-1",
		Priority:    PriorityHigh,
	}
	id := mustInsert(t, store, db, tk)
	if id == "" {
		t.Fatal("Insert returned empty ID")
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != tk.Title {
		t.Errorf("Title = %q, want %q", got.Title, tk.Title)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Priority != PriorityHigh {
		t.Errorf("Priority = %d, want %d", got.Priority, PriorityHigh)
	}
	if got.StartedAt != nil {
		t.Errorf("StartedAt = %v, want nil", got.StartedAt)
	}
}

func TestStore_Insert_InvalidPriority(t *testing.T) {
	store, db := newTestStore(t)
	if _, err := store.Insert(db.Querier(), &Task{Title: "x", Priority: 9}); err == nil {
		t.Fatal("expected error for priority out of range")
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get("nonexistent")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_MarkRunning_OnlyFromPreDispatch(t *testing.T) {
	store, db := newTestStore(t)
	id := mustInsert(t, store, db, &Task{Title: "t"})

	ok, err := store.MarkRunning(db.Querier(), id, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if !ok {
		t.Fatal("MarkRunning from pending should succeed")
	}

	// Second dispatch loses the conditional update.
	ok, err = store.MarkRunning(db.Querier(), id, time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkRunning second: %v", err)
	}
	if ok {
		t.Fatal("MarkRunning from running should not succeed")
	}

	got, _ := store.Get(id)
	if got.Status != StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped")
	}
}

func TestStore_MarkCompleted_RequiresRunning(t *testing.T) {
	store, db := newTestStore(t)
	id := mustInsert(t, store, db, &Task{Title: "t", ProjectID: "p"})

	// Not running yet: a task cannot skip running.
	ok, err := store.MarkCompleted(db.Querier(), id, "done", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if ok {
		t.Fatal("MarkCompleted from pending should not succeed")
	}

	if _, err := store.MarkRunning(db.Querier(), id, time.Now().UTC()); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	ok, err = store.MarkCompleted(db.Querier(), id, "done", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if !ok {
		t.Fatal("MarkCompleted from running should succeed")
	}

	got, _ := store.Get(id)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.Result != "done" {
		t.Errorf("Result = %q, want done", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	// Terminal tasks never move again.
	ok, _ = store.MarkFailed(db.Querier(), id, "late failure", time.Now().UTC())
	if ok {
		t.Fatal("MarkFailed on completed task should not succeed")
	}
}

func TestStore_List_Filters(t *testing.T) {
	store, db := newTestStore(t)
	mustInsert(t, store, db, &Task{Title: "a", ProjectID: "p1", Priority: PriorityLow})
	mustInsert(t, store, db, &Task{Title: "b", ProjectID: "p2", Priority: PriorityUrgent})
	id := mustInsert(t, store, db, &Task{Title: "c", ProjectID: "p1"})
	if _, err := store.MarkRunning(db.Querier(), id, time.Now().UTC()); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	all, err := store.List(Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}
	if all[0].Title != "b" {
		t.Errorf("first task = %q, want b (highest priority)", all[0].Title)
	}

	byProject, err := store.List(Filter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("List by project: %v", err)
	}
	if len(byProject) != 2 {
		t.Errorf("len(byProject) = %d, want 2", len(byProject))
	}

	running := StatusRunning
	byStatus, err := store.List(Filter{Status: &running})
	if err != nil {
		t.Fatalf("List by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].Title != "c" {
		t.Errorf("byStatus = %v, want [c]", byStatus)
	}
}

func TestStore_Delete_RejectsDependents(t *testing.T) {
	store, db := newTestStore(t)
	id := mustInsert(t, store, db, &Task{Title: "t"})

	// Simulate a worker row referencing the task.
	_, err := db.Querier().Exec(`
		INSERT INTO workers (id, template_id, task_id, status, spawned_at, last_activity_at)
		VALUES ('w1','tmpl1',?, 'active', ?, ?)`, id, time.Now().UTC(), time.Now().UTC())
	if err != nil {
		t.Fatalf("insert worker: %v", err)
	}

	err = store.Delete(db.Querier(), id)
	if !errors.Is(err, errs.ErrIntegrityViolation) {
		t.Fatalf("err = %v, want ErrIntegrityViolation", err)
	}
	if _, err := store.Get(id); err != nil {
		t.Fatal("task should survive rejected delete")
	}
}

func TestStore_Delete(t *testing.T) {
	store, db := newTestStore(t)
	id := mustInsert(t, store, db, &Task{Title: "t"})

	if err := store.Delete(db.Querier(), id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(id); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}
