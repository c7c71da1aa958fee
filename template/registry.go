package template

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/storage"
)

// Registry persists worker templates.
type Registry struct {
	db  *storage.DB
	log *event.Log
}

// NewRegistry creates a Registry over the shared database.
func NewRegistry(db *storage.DB, log *event.Log) *Registry {
	return &Registry{db: db, log: log}
}

var titleCaser = cases.Title(language.English)

// displayName derives a human-readable name from a template slug,
// e.g. "landing-page-builder" -> "Landing Page Builder".
func displayName(name string) string {
	return titleCaser.String(strings.ReplaceAll(strings.ReplaceAll(name, "-", " "), "_", " "))
}

// Create persists a new template, assigning ID and timestamps.
// MaxParallel and ReviewEvery must both be at least 1. DisplayName defaults
// to the title-cased Name and Status to draft.
func (r *Registry) Create(t *Template) (string, error) {
	if t.Name == "" {
		return "", fmt.Errorf("template name is required")
	}
	if t.MaxParallel < 1 {
		return "", fmt.Errorf("max_parallel must be >= 1, got %d", t.MaxParallel)
	}
	if t.ReviewEvery < 1 {
		return "", fmt.Errorf("review_every must be >= 1, got %d", t.ReviewEvery)
	}
	if t.DisplayName == "" {
		t.DisplayName = displayName(t.Name)
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	t.ID = storage.NewID()
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	taskTypes, _ := json.Marshal(t.TaskTypes)
	tools, _ := json.Marshal(t.Tools)
	skills, _ := json.Marshal(t.Skills)

	err := r.db.WithTx(func(q storage.Querier) error {
		_, err := q.Exec(`
			INSERT INTO worker_templates
				(id, name, display_name, role, task_types, model, tools, skills,
				 system_prompt, review_every, max_parallel, status, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Name, t.DisplayName, t.Role,
			string(taskTypes), t.Model, string(tools), string(skills),
			t.SystemPrompt, t.ReviewEvery, t.MaxParallel, string(t.Status),
			t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert template: %w", err)
		}
		_, err = r.log.Append(q, &event.Event{
			RefKind: event.RefTemplate,
			RefID:   t.ID,
			Type:    event.TypeTemplateCreated,
			Message: fmt.Sprintf("Template %q created", t.DisplayName),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Get retrieves a template by ID.
func (r *Registry) Get(id string) (*Template, error) {
	return r.get(r.db.Querier(), "id", id)
}

// GetTx retrieves a template by ID on the caller's transaction.
func (r *Registry) GetTx(q storage.Querier, id string) (*Template, error) {
	return r.get(q, "id", id)
}

// GetByName retrieves a template by its unique name.
func (r *Registry) GetByName(name string) (*Template, error) {
	return r.get(r.db.Querier(), "name", name)
}

func (r *Registry) get(q storage.Querier, col, val string) (*Template, error) {
	row := q.QueryRow(selectCols+" FROM worker_templates WHERE "+col+"=?", val)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("template", val)
	}
	return t, err
}

// List returns templates, optionally filtered by status, name ascending.
func (r *Registry) List(status Status) ([]*Template, error) {
	q := selectCols + " FROM worker_templates"
	args := []any{}
	if status != "" {
		q += " WHERE status=?"
		args = append(args, string(status))
	}
	q += " ORDER BY name ASC"

	rows, err := r.db.Querier().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// Update applies a sparse patch: only non-nil fields change. Patched
// MaxParallel and ReviewEvery values are validated like Create.
func (r *Registry) Update(id string, p Patch) (*Template, error) {
	var updated *Template
	err := r.db.WithTx(func(q storage.Querier) error {
		t, err := r.get(q, "id", id)
		if err != nil {
			return err
		}
		if p.DisplayName != nil {
			t.DisplayName = *p.DisplayName
		}
		if p.Role != nil {
			t.Role = *p.Role
		}
		if p.TaskTypes != nil {
			t.TaskTypes = *p.TaskTypes
		}
		if p.Model != nil {
			t.Model = *p.Model
		}
		if p.Tools != nil {
			t.Tools = *p.Tools
		}
		if p.Skills != nil {
			t.Skills = *p.Skills
		}
		if p.SystemPrompt != nil {
			t.SystemPrompt = *p.SystemPrompt
		}
		if p.ReviewEvery != nil {
			if *p.ReviewEvery < 1 {
				return fmt.Errorf("review_every must be >= 1, got %d", *p.ReviewEvery)
			}
			t.ReviewEvery = *p.ReviewEvery
		}
		if p.MaxParallel != nil {
			if *p.MaxParallel < 1 {
				return fmt.Errorf("max_parallel must be >= 1, got %d", *p.MaxParallel)
			}
			t.MaxParallel = *p.MaxParallel
		}
		if p.Status != nil {
			t.Status = *p.Status
		}
		t.UpdatedAt = time.Now().UTC()

		taskTypes, _ := json.Marshal(t.TaskTypes)
		tools, _ := json.Marshal(t.Tools)
		skills, _ := json.Marshal(t.Skills)
		_, err = q.Exec(`
			UPDATE worker_templates SET
				display_name=?, role=?, task_types=?, model=?, tools=?, skills=?,
				system_prompt=?, review_every=?, max_parallel=?, status=?, updated_at=?
			WHERE id=?`,
			t.DisplayName, t.Role, string(taskTypes), t.Model, string(tools), string(skills),
			t.SystemPrompt, t.ReviewEvery, t.MaxParallel, string(t.Status), t.UpdatedAt,
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("update template: %w", err)
		}
		if _, err := r.log.Append(q, &event.Event{
			RefKind: event.RefTemplate,
			RefID:   t.ID,
			Type:    event.TypeTemplateUpdated,
			Message: fmt.Sprintf("Template %q updated", t.DisplayName),
		}); err != nil {
			return err
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

const selectCols = `SELECT id, name, display_name, role, task_types, model, tools, skills,
	system_prompt, review_every, max_parallel, status, created_at, updated_at`

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(s scanner) (*Template, error) {
	var t Template
	var status, taskTypesJSON, toolsJSON, skillsJSON string
	err := s.Scan(
		&t.ID, &t.Name, &t.DisplayName, &t.Role,
		&taskTypesJSON, &t.Model, &toolsJSON, &skillsJSON,
		&t.SystemPrompt, &t.ReviewEvery, &t.MaxParallel, &status,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	_ = json.Unmarshal([]byte(taskTypesJSON), &t.TaskTypes)
	_ = json.Unmarshal([]byte(toolsJSON), &t.Tools)
	_ = json.Unmarshal([]byte(skillsJSON), &t.Skills)
	return &t, nil
}
