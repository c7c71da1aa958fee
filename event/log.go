package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/foreman/storage"
)

// Log appends and queries audit events.
type Log struct {
	db *storage.DB
}

// NewLog creates a Log over the shared database.
func NewLog(db *storage.DB) *Log { return &Log{db: db} }

// Append persists e on the given Querier, assigning its ID and CreatedAt.
// Callers mutating other entities pass their transaction so the event
// commits with the state change it records.
func (l *Log) Append(q storage.Querier, e *Event) (string, error) {
	e.ID = storage.NewID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := []byte("{}")
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
	}
	_, err := q.Exec(`
		INSERT INTO events (id, ref_kind, ref_id, type, message, payload, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		e.ID, string(e.RefKind), e.RefID, string(e.Type), e.Message, string(payload), e.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return e.ID, nil
}

// Recent returns up to limit events, newest first. Events are totally
// ordered by timestamp; insertion order breaks ties.
func (l *Log) Recent(limit int) ([]*Event, error) {
	return l.query("", nil, limit)
}

// ByReference returns events referencing the given entity, newest first.
func (l *Log) ByReference(kind RefKind, id string, limit int) ([]*Event, error) {
	return l.query(" AND ref_kind=? AND ref_id=?", []any{string(kind), id}, limit)
}

// ByType returns events of the given type, newest first.
func (l *Log) ByType(t Type, limit int) ([]*Event, error) {
	return l.query(" AND type=?", []any{string(t)}, limit)
}

func (l *Log) query(cond string, args []any, limit int) ([]*Event, error) {
	q := strings.Builder{}
	q.WriteString("SELECT id, ref_kind, ref_id, type, message, payload, created_at FROM events WHERE 1=1")
	q.WriteString(cond)
	q.WriteString(" ORDER BY created_at DESC, rowid DESC")
	if limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	rows, err := l.db.Querier().Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var refKind, typ, payloadJSON string
		if err := rows.Scan(&e.ID, &refKind, &e.RefID, &typ, &e.Message, &payloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RefKind = RefKind(refKind)
		e.Type = Type(typ)
		if payloadJSON != "" && payloadJSON != "{}" {
			_ = json.Unmarshal([]byte(payloadJSON), &e.Payload)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
