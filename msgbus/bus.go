package msgbus

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/GoCodeAlone/foreman/errs"
	"github.com/GoCodeAlone/foreman/event"
	"github.com/GoCodeAlone/foreman/storage"
)

// previewLen bounds the message excerpt carried on message_sent events.
const previewLen = 50

// Bus is the persistent message bus with in-process live delivery.
type Bus struct {
	db  *storage.DB
	log *event.Log
	dir Directory

	mu       sync.RWMutex
	handlers map[string][]handlerEntry // agentID -> handlers
	entrySeq int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewBus creates a Bus validating senders and recipients against dir.
func NewBus(db *storage.DB, log *event.Log, dir Directory) *Bus {
	return &Bus{
		db:       db,
		log:      log,
		dir:      dir,
		handlers: make(map[string][]handlerEntry),
	}
}

// preview truncates content for the event feed, backing up to a rune
// boundary so the cut never produces invalid UTF-8.
func preview(content string) string {
	if len(content) <= previewLen {
		return content
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

// Send persists a message and appends its message_sent event in one
// transaction, then fans it out to live subscribers. The sender, and the
// recipient when one is given, must exist; an absent recipient means
// broadcast. A failed existence check creates neither message nor event.
func (b *Bus) Send(ctx context.Context, from, to, content string) (string, error) {
	ok, err := b.dir.AgentExists(from)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.NotFound("agent", from)
	}
	if to != "" {
		ok, err := b.dir.AgentExists(to)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", errs.NotFound("agent", to)
		}
	}

	msg := &Message{
		ID:        storage.NewID(),
		From:      from,
		To:        to,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err = b.db.WithTx(func(q storage.Querier) error {
		_, err := q.Exec(`
			INSERT INTO messages (id, from_id, to_id, content, read, created_at)
			VALUES (?,?,?,?,0,?)`,
			msg.ID, msg.From, msg.To, msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		summary := fmt.Sprintf("%s -> %s: %s", from, to, preview(content))
		if msg.Broadcast() {
			summary = fmt.Sprintf("%s -> all: %s", from, preview(content))
		}
		_, err = b.log.Append(q, &event.Event{
			RefKind: event.RefMessage,
			RefID:   msg.ID,
			Type:    event.TypeMessageSent,
			Message: summary,
			Payload: map[string]any{"from": from, "to": to},
		})
		return err
	})
	if err != nil {
		return "", err
	}

	b.dispatch(ctx, msg)
	return msg.ID, nil
}

// dispatch invokes live handlers outside the lock. Handler errors are the
// subscriber's problem; the message is already committed.
func (b *Bus) dispatch(ctx context.Context, msg *Message) {
	b.mu.RLock()
	var targets []Handler
	if msg.Broadcast() {
		for _, entries := range b.handlers {
			for _, e := range entries {
				targets = append(targets, e.handler)
			}
		}
	} else {
		for _, e := range b.handlers[msg.To] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		_ = h(ctx, msg)
	}
}

// Subscribe registers a handler for messages addressed to agentID,
// including broadcasts. The returned function unsubscribes it.
func (b *Bus) Subscribe(agentID string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entrySeq++
	id := b.entrySeq
	b.handlers[agentID] = append(b.handlers[agentID], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[agentID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, agentID)
		} else {
			b.handlers[agentID] = filtered
		}
	}
}

// Conversation returns the most recent limit messages sent or received by
// agentID, oldest first. Broadcasts count as received. With a counterpart,
// only traffic between the two (including the counterpart's broadcasts) is
// returned. The limit applies after merging both directions, so heavy
// one-sided traffic cannot crowd out the other side's newest messages.
func (b *Bus) Conversation(agentID, withAgentID string, limit int) ([]*Message, error) {
	var cond string
	var args []any
	if withAgentID == "" {
		cond = `from_id=? OR to_id=? OR to_id=''`
		args = []any{agentID, agentID}
	} else {
		cond = `(from_id=? AND to_id=?) OR (from_id=? AND (to_id=? OR to_id=''))`
		args = []any{agentID, withAgentID, withAgentID, agentID}
	}
	q := `SELECT id, from_id, to_id, content, read, created_at FROM messages
		WHERE ` + cond + ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := b.db.Querier().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the trim, ascending for the caller.
	for l, r := 0, len(msgs)-1; l < r; l, r = l+1, r-1 {
		msgs[l], msgs[r] = msgs[r], msgs[l]
	}
	return msgs, nil
}

// Get retrieves a message by ID.
func (b *Bus) Get(id string) (*Message, error) {
	row := b.db.Querier().QueryRow(
		`SELECT id, from_id, to_id, content, read, created_at FROM messages WHERE id=?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("message", id)
	}
	return m, err
}

// UnreadCount counts unread messages addressed directly to the agent.
func (b *Bus) UnreadCount(agentID string) (int, error) {
	var n int
	err := b.db.Querier().QueryRow(
		`SELECT COUNT(*) FROM messages WHERE to_id=? AND read=0`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

// MarkRead flips the read flag, appending a message_read event with the
// flip. Idempotent: re-marking a read message is a no-op and appends nothing.
func (b *Bus) MarkRead(id string) error {
	return b.db.WithTx(func(q storage.Querier) error {
		res, err := q.Exec(`UPDATE messages SET read=1 WHERE id=? AND read=0`, id)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			// Either already read (fine) or missing (not).
			var n int
			if err := q.QueryRow(`SELECT COUNT(*) FROM messages WHERE id=?`, id).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return errs.NotFound("message", id)
			}
			return nil
		}
		_, err = b.log.Append(q, &event.Event{
			RefKind: event.RefMessage,
			RefID:   id,
			Type:    event.TypeMessageRead,
			Message: fmt.Sprintf("Message %s marked read", id),
		})
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var read int
	if err := s.Scan(&m.ID, &m.From, &m.To, &m.Content, &read, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Read = read != 0
	return &m, nil
}
