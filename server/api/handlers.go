// Package api defines the REST API handlers for the Foreman server.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/foreman/deliverable"
	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/msgbus"
	"github.com/GoCodeAlone/foreman/orchestrate"
	"github.com/GoCodeAlone/foreman/task"
	"github.com/GoCodeAlone/foreman/template"
	"github.com/GoCodeAlone/foreman/worker"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Orchestrator *orchestrate.Orchestrator
	Tasks        *task.Store
	Templates    *template.Registry
	Pool         *worker.Pool
	Deliverables *deliverable.Pipeline
	Bus          *msgbus.Bus
	Events       *event.Log
	Logger       *slog.Logger
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/assign", h.assignTask)
	mux.HandleFunc("POST /api/tasks/{id}/dispatch", h.dispatchTask)
	mux.HandleFunc("POST /api/tasks/{id}/result", h.taskResult)
	mux.HandleFunc("GET /api/tasks/{id}/workers", h.taskWorkers)

	mux.HandleFunc("GET /api/templates", h.listTemplates)
	mux.HandleFunc("POST /api/templates", h.createTemplate)
	mux.HandleFunc("GET /api/templates/{name}", h.getTemplate)
	mux.HandleFunc("PATCH /api/templates/{id}", h.updateTemplate)

	mux.HandleFunc("GET /api/workers/{id}", h.getWorker)
	mux.HandleFunc("POST /api/workers/{id}/status", h.updateWorkerStatus)

	mux.HandleFunc("GET /api/deliverables", h.listDeliverables)
	mux.HandleFunc("GET /api/deliverables/{id}", h.getDeliverable)
	mux.HandleFunc("POST /api/deliverables/{id}/submit", h.submitDeliverable)
	mux.HandleFunc("POST /api/deliverables/{id}/approve", h.approveDeliverable)
	mux.HandleFunc("POST /api/deliverables/{id}/reject", h.rejectDeliverable)
	mux.HandleFunc("POST /api/deliverables/{id}/deliver", h.deliverDeliverable)

	mux.HandleFunc("POST /api/messages", h.sendMessage)
	mux.HandleFunc("GET /api/messages/conversation", h.conversation)
	mux.HandleFunc("GET /api/messages/unread", h.unreadCount)
	mux.HandleFunc("POST /api/messages/{id}/read", h.markRead)

	mux.HandleFunc("GET /api/events", h.listEvents)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes: NotFound
// becomes 404, state-machine and integrity rejections 409, the rest 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrIntegrityViolation):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func queryLimit(r *http.Request, def int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		ProjectID: q.Get("project_id"),
		WorkerID:  q.Get("worker_id"),
		Limit:     queryLimit(r, 0),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	id, err := h.Orchestrator.CreateTask(&t)
	if err != nil {
		writeError(w, err)
		return
	}
	t.ID = id
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.DeleteTask(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	TemplateID string `json:"template_id"`
	SessionKey string `json:"session_key,omitempty"`
	Model      string `json:"model,omitempty"`
}

func (h *Handlers) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	workerID, err := h.Orchestrator.Assign(r.PathValue("id"), req.TemplateID, req.SessionKey, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"worker_id": workerID})
}

func (h *Handlers) dispatchTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Orchestrator.Dispatch(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskResult is the inbound result-delivery call from the execution runtime.
func (h *Handlers) taskResult(w http.ResponseWriter, r *http.Request) {
	var res orchestrate.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := h.Orchestrator.ReceiveResult(r.PathValue("id"), res); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) taskWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Pool.ListByTask(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if workers == nil {
		workers = []*worker.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// --- Template handlers ---

func (h *Handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.Templates.List(template.Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []*template.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (h *Handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t template.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	id, err := h.Templates.Create(&t)
	if err != nil {
		writeError(w, err)
		return
	}
	t.ID = id
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.Templates.GetByName(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var p template.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	t, err := h.Templates.Update(r.PathValue("id"), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Worker handlers ---

func (h *Handlers) getWorker(w http.ResponseWriter, r *http.Request) {
	wk, err := h.Pool.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wk)
}

type workerStatusRequest struct {
	Status worker.Status `json:"status"`
}

func (h *Handlers) updateWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var req workerStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if err := h.Pool.UpdateStatus(r.PathValue("id"), req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
