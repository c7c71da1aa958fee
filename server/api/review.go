package api

import (
	"encoding/json"
	"net/http"

	"github.com/GoCodeAlone/foreman/deliverable"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/msgbus"
)

// --- Deliverable handlers ---

func (h *Handlers) listDeliverables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := deliverable.Filter{
		ProjectID: q.Get("project_id"),
		TaskID:    q.Get("task_id"),
		Limit:     queryLimit(r, 0),
	}
	if s := q.Get("status"); s != "" {
		st := deliverable.Status(s)
		filter.Status = &st
	}
	deliverables, err := h.Deliverables.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if deliverables == nil {
		deliverables = []*deliverable.Deliverable{}
	}
	writeJSON(w, http.StatusOK, deliverables)
}

func (h *Handlers) getDeliverable(w http.ResponseWriter, r *http.Request) {
	d, err := h.Deliverables.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) submitDeliverable(w http.ResponseWriter, r *http.Request) {
	if err := h.Deliverables.SubmitForReview(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Notes    string `json:"notes,omitempty"`
}

func (h *Handlers) approveDeliverable(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := h.Deliverables.Approve(r.PathValue("id"), req.Reviewer, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) rejectDeliverable(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := h.Deliverables.Reject(r.PathValue("id"), req.Reviewer, req.Notes); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deliverDeliverable(w http.ResponseWriter, r *http.Request) {
	if err := h.Deliverables.Deliver(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Message handlers ---

type sendMessageRequest struct {
	From    string `json:"from"`
	To      string `json:"to,omitempty"`
	Content string `json:"content"`
}

func (h *Handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	id, err := h.Bus.Send(r.Context(), req.From, req.To, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handlers) conversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agent := q.Get("agent")
	if agent == "" {
		writeBadRequest(w, "agent query parameter is required")
		return
	}
	msgs, err := h.Bus.Conversation(agent, q.Get("with"), queryLimit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*msgbus.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		writeBadRequest(w, "agent query parameter is required")
		return
	}
	n, err := h.Bus.UnreadCount(agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (h *Handlers) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Bus.MarkRead(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Event feed ---

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := queryLimit(r, 50)

	var events []*event.Event
	var err error
	switch {
	case q.Get("type") != "":
		events, err = h.Events.ByType(event.Type(q.Get("type")), limit)
	case q.Get("ref_kind") != "" && q.Get("ref_id") != "":
		events, err = h.Events.ByReference(event.RefKind(q.Get("ref_kind")), q.Get("ref_id"), limit)
	default:
		events, err = h.Events.Recent(limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
