package event

import (
	"os"
	"testing"

	"github.com/GoCodeAlone/foreman/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-event-*.db")
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
	return NewLog(db)
}

func (l *Log) mustAppend(t *testing.T, e *Event) string {
	t.Helper()
	id, err := l.Append(l.db.Querier(), e)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

func TestLog_AppendAndRecent(t *testing.T) {
	log := newTestLog(t)

	log.mustAppend(t, &Event{Type: TypeTaskCreated, RefKind: RefTask, RefID: "t1", Message: "first"})
	log.mustAppend(t, &Event{Type: TypeTaskDispatched, RefKind: RefTask, RefID: "t1", Message: "second"})
	log.mustAppend(t, &Event{Type: TypeWorkerSpawned, RefKind: RefWorker, RefID: "w1", Message: "third"})

	events, err := log.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	// Newest first; same-timestamp ties broken by insertion order.
	if events[0].Message != "third" || events[2].Message != "first" {
		t.Errorf("order = [%s %s %s], want newest first", events[0].Message, events[1].Message, events[2].Message)
	}

	limited, err := log.Recent(2)
	if err != nil {
		t.Fatalf("Recent(2): %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestLog_ByReference(t *testing.T) {
	log := newTestLog(t)

	log.mustAppend(t, &Event{Type: TypeTaskCreated, RefKind: RefTask, RefID: "t1", Message: "a"})
	log.mustAppend(t, &Event{Type: TypeWorkerSpawned, RefKind: RefWorker, RefID: "w1", Message: "b"})
	log.mustAppend(t, &Event{Type: TypeTaskCompleted, RefKind: RefTask, RefID: "t1", Message: "c"})

	events, err := log.ByReference(RefTask, "t1", 10)
	if err != nil {
		t.Fatalf("ByReference: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	for _, e := range events {
		if e.RefID != "t1" {
			t.Errorf("RefID = %q, want t1", e.RefID)
		}
	}
}

func TestLog_ByType(t *testing.T) {
	log := newTestLog(t)

	log.mustAppend(t, &Event{Type: TypeMessageSent, RefKind: RefMessage, RefID: "m1", Message: "a"})
	log.mustAppend(t, &Event{Type: TypeTaskCreated, RefKind: RefTask, RefID: "t1", Message: "b"})
	log.mustAppend(t, &Event{Type: TypeMessageSent, RefKind: RefMessage, RefID: "m2", Message: "c"})

	events, err := log.ByType(TypeMessageSent, 10)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
}

func TestLog_PayloadRoundTrip(t *testing.T) {
	log := newTestLog(t)

	log.mustAppend(t, &Event{
		Type:    TypeTaskCompleted,
		RefKind: RefTask,
		RefID:   "t1",
		Message: "done",
		Payload: map[string]any{"deliverable_id": "d1"},
	})

	events, err := log.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if got := events[0].Payload["deliverable_id"]; got != "d1" {
		t.Errorf("payload deliverable_id = %v, want d1", got)
	}
}
