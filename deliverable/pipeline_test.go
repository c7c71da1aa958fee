package deliverable

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/storage"
)

func newTestPipeline(t *testing.T) (*Pipeline, *storage.DB, *event.Log) {
	t.Helper()
	f, err := os.CreateTemp("", "foreman-deliverable-*.db")
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
	return NewPipeline(db, log), db, log
}

func createDraft(t *testing.T, p *Pipeline, db *storage.DB) string {
	t.Helper()
	id, err := p.CreateTx(db.Querier(), &Deliverable{
		ProjectID: "proj-1",
		TaskID:    "task-1",
		Title:     "Landing page",
		Content:   "<html>...</html>",
		Format:    "html",
	})
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	return id
}

func TestPipeline_CreateDefaultsToDraft(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	id := createDraft(t, p, db)

	d, err := p.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Status != StatusDraft {
		t.Errorf("Status = %q, want draft", d.Status)
	}
	if d.DeliveredAt != nil {
		t.Error("DeliveredAt set on draft")
	}
}

func TestPipeline_ReviewFlow_Approve(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	id := createDraft(t, p, db)

	if err := p.SubmitForReview(id); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := p.Approve(id, "alice", "ship it"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := p.Deliver(id); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	d, _ := p.Get(id)
	if d.Status != StatusDelivered {
		t.Errorf("Status = %q, want delivered", d.Status)
	}
	if d.Reviewer != "alice" {
		t.Errorf("Reviewer = %q, want alice", d.Reviewer)
	}
	if d.DeliveredAt == nil {
		t.Error("DeliveredAt not stamped")
	}
}

func TestPipeline_Reject_RequiresNotes(t *testing.T) {
	p, db, log := newTestPipeline(t)
	id := createDraft(t, p, db)
	if err := p.SubmitForReview(id); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}

	if err := p.Reject(id, "alice", ""); err == nil {
		t.Fatal("expected error for empty rejection notes")
	}

	if err := p.Reject(id, "alice", "missing footer"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	d, _ := p.Get(id)
	if d.Status != StatusRejected {
		t.Errorf("Status = %q, want rejected", d.Status)
	}
	if d.ReviewNotes != "missing footer" {
		t.Errorf("ReviewNotes = %q, want missing footer", d.ReviewNotes)
	}

	// The rejection event carries the notes verbatim.
	events, err := log.ByType(event.TypeDeliverableRejected, 10)
	if err != nil {
		t.Fatalf("ByType: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("rejection events = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].Message, "missing footer") {
		t.Errorf("event message %q does not contain the notes", events[0].Message)
	}
}

func TestPipeline_Deliver_RequiresApproved(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	id := createDraft(t, p, db)

	// draft -> delivered is a hard failure.
	if err := p.Deliver(id); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Deliver from draft: err = %v, want ErrInvalidTransition", err)
	}

	if err := p.SubmitForReview(id); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := p.Deliver(id); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Deliver from review: err = %v, want ErrInvalidTransition", err)
	}

	d, _ := p.Get(id)
	if d.Status != StatusReview {
		t.Errorf("Status = %q, want review (unchanged by failed deliver)", d.Status)
	}
}

func TestPipeline_SubmitOnlyFromDraft(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	id := createDraft(t, p, db)

	if err := p.SubmitForReview(id); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if err := p.SubmitForReview(id); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("second submit: err = %v, want ErrInvalidTransition", err)
	}
}

func TestPipeline_ApproveRejectOnlyFromReview(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	id := createDraft(t, p, db)

	if err := p.Approve(id, "alice", ""); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Approve from draft: err = %v, want ErrInvalidTransition", err)
	}
	if err := p.Reject(id, "alice", "nope"); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("Reject from draft: err = %v, want ErrInvalidTransition", err)
	}
}

func TestPipeline_Get_NotFound(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	if _, err := p.Get("nonexistent"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPipeline_List(t *testing.T) {
	p, db, _ := newTestPipeline(t)
	createDraft(t, p, db)
	id := createDraft(t, p, db)
	if err := p.SubmitForReview(id); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}

	review := StatusReview
	got, err := p.List(Filter{Status: &review})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Errorf("List(review) = %v, want the submitted deliverable", got)
	}

	byProject, err := p.List(Filter{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("List by project: %v", err)
	}
	if len(byProject) != 2 {
		t.Errorf("len(byProject) = %d, want 2", len(byProject))
	}
}
