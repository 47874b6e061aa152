// Package conversations owns conversation lifecycle: status transitions,
// the append-only message log, and the per-conversation context record.
// It also builds the bounded context window handed to the orchestrator.
package conversations

import (
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Message is one entry in a conversation's append-only log.
// Messages are immutable once appended.
type Message struct {
	ID             string                    `json:"id"`
	ConversationID string                    `json:"conversation_id"`
	ContactID      string                    `json:"contact_id"`
	Direction      protocol.MessageDirection `json:"direction"`
	Type           protocol.MessageType      `json:"type"`
	Content        string                    `json:"content"`
	Channel        protocol.Channel          `json:"channel"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
	Timestamp      time.Time                 `json:"timestamp"`
}

// Context carries the router's classification and accumulated qualifiers
// for one conversation.
type Context struct {
	Intent       string         `json:"intent,omitempty"`
	Sentiment    string         `json:"sentiment,omitempty"`
	Language     string         `json:"language,omitempty"`
	LeadScore    *int           `json:"lead_score,omitempty"` // 0-100
	Tags         []string       `json:"tags,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

// Conversation is one customer interaction thread, owned by exactly one
// contact.
type Conversation struct {
	ID             string                      `json:"id"`
	ContactID      string                      `json:"contact_id"`
	Channel        protocol.Channel            `json:"channel"`
	Status         protocol.ConversationStatus `json:"status"`
	CurrentAgentID string                      `json:"current_agent_id,omitempty"` // persona key
	HumanAgentID   string                      `json:"human_agent_id,omitempty"`

	Messages []Message `json:"messages"`
	Context  Context   `json:"context"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Service-window fields: reserved metadata, nothing in the core reads
	// them.
	EntryPoint           string     `json:"entry_point,omitempty"`
	ServiceWindowStart   *time.Time `json:"service_window_start,omitempty"`
	ServiceWindowExpires *time.Time `json:"service_window_expires,omitempty"`
}

// Open reports whether the conversation is in a non-terminal state.
func (c *Conversation) Open() bool {
	return !c.Status.Terminal()
}

// InboundCount counts inbound messages in the log.
func (c *Conversation) InboundCount() int {
	n := 0
	for i := range c.Messages {
		if c.Messages[i].Direction == protocol.DirectionInbound {
			n++
		}
	}
	return n
}

// LastInbound returns the most recent inbound messages, newest last, up to
// limit entries.
func (c *Conversation) LastInbound(limit int) []Message {
	var out []Message
	for i := len(c.Messages) - 1; i >= 0 && len(out) < limit; i-- {
		if c.Messages[i].Direction == protocol.DirectionInbound {
			out = append(out, c.Messages[i])
		}
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// CloseReasonKey is the context custom-field recording why a conversation
// was closed.
const CloseReasonKey = "close-reason"
