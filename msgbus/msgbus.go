// Package msgbus carries agent-to-agent and broadcast messaging. Messages
// are persisted; an in-process subscription layer additionally fans new
// messages out to live handlers. The event log gets a truncated preview of
// every send so the feed stays scannable; full content lives only on the
// message record.
package msgbus

import (
	"context"
	"time"
)

// Message is a communication unit between agents. An empty To means
// broadcast. Only the Read flag is ever mutated after creation.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"` // sender agent ID
	To        string    `json:"to,omitempty"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Broadcast reports whether the message has no single recipient.
func (m *Message) Broadcast() bool { return m.To == "" }

// Handler processes incoming messages for a subscribed agent.
type Handler func(ctx context.Context, msg *Message) error

// Directory resolves agent identities. The worker pool implements it.
type Directory interface {
	AgentExists(id string) (bool, error)
}
