package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

var (
	// ErrInvalidTransition is returned for status changes the state machine
	// forbids, e.g. anything out of closed except reopen.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInput is returned for malformed appends or filters.
	ErrInvalidInput = errors.New("invalid conversation input")
)

// Registry is the single writer for conversation records and their
// append-only message logs.
type Registry struct {
	store store.Store[Conversation]
	now   func() time.Time
}

// NewRegistry creates a conversation registry over the given store backend.
func NewRegistry(s store.Store[Conversation]) *Registry {
	return &Registry{store: s, now: time.Now}
}

// WithLock serializes fn against other compound operations on the same
// conversation key. The engine runs each inbound turn under this lock.
func (r *Registry) WithLock(ctx context.Context, key string, fn func() error) error {
	return r.store.WithLock(ctx, key, fn)
}

// Start creates a fresh active conversation for the contact with an empty
// message log and a blank context.
func (r *Registry) Start(ctx context.Context, contactID string, channel protocol.Channel) (*Conversation, error) {
	if contactID == "" || !channel.Valid() {
		return nil, fmt.Errorf("%w: contact=%q channel=%q", ErrInvalidInput, contactID, channel)
	}
	now := r.now()
	conv := Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ContactID: contactID,
		Channel:   channel,
		Status:    protocol.StatusActive,
		Messages:  []Message{},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.Create(ctx, conv.ID, conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// Get returns a conversation by id.
func (r *Registry) Get(ctx context.Context, id string) (*Conversation, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetActive returns the contact's most recently updated conversation whose
// status is active or waiting, or nil when none exists.
func (r *Registry) GetActive(ctx context.Context, contactID string) (*Conversation, error) {
	matches, err := r.store.Find(ctx, func(c Conversation) bool {
		return c.ContactID == contactID &&
			(c.Status == protocol.StatusActive || c.Status == protocol.StatusWaiting)
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	for _, c := range matches[1:] {
		if c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return &best, nil
}

// GetOpen returns the contact's most recently updated non-terminal
// conversation, or nil. Inbound events append to this conversation when it
// exists, keeping at most one open conversation per contact.
func (r *Registry) GetOpen(ctx context.Context, contactID string) (*Conversation, error) {
	matches, err := r.store.Find(ctx, func(c Conversation) bool {
		return c.ContactID == contactID && !c.Status.Terminal()
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	for _, c := range matches[1:] {
		if c.UpdatedAt.After(best.UpdatedAt) {
			best = c
		}
	}
	return &best, nil
}

// AppendMessage appends msg to the conversation's log, assigning an id and
// timestamp when missing. Timestamps are forced strictly monotone within the
// conversation.
func (r *Registry) AppendMessage(ctx context.Context, convID string, msg Message) (*Message, error) {
	if msg.Content == "" && msg.Type == protocol.MessageText {
		return nil, fmt.Errorf("%w: empty text message", ErrInvalidInput)
	}

	var appended Message
	_, err := r.store.Update(ctx, convID, func(c *Conversation) {
		if msg.ID == "" {
			msg.ID = uuid.Must(uuid.NewV7()).String()
		}
		if msg.Type == "" {
			msg.Type = protocol.MessageText
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = r.now()
		}
		if n := len(c.Messages); n > 0 {
			if last := c.Messages[n-1].Timestamp; !msg.Timestamp.After(last) {
				msg.Timestamp = last.Add(time.Millisecond)
			}
		}
		msg.ConversationID = c.ID
		if msg.ContactID == "" {
			msg.ContactID = c.ContactID
		}
		c.Messages = append(c.Messages, msg)
		c.UpdatedAt = r.now()
		appended = msg
	})
	if err != nil {
		return nil, err
	}
	return &appended, nil
}

// allowedTransitions encodes the conversation state machine. Reopen is the
// only way out of closed and is handled by Reopen, not UpdateStatus.
var allowedTransitions = map[protocol.ConversationStatus][]protocol.ConversationStatus{
	protocol.StatusActive:      {protocol.StatusWaiting, protocol.StatusPaused, protocol.StatusHandoff, protocol.StatusHumanActive, protocol.StatusClosed},
	protocol.StatusWaiting:     {protocol.StatusActive, protocol.StatusPaused, protocol.StatusHandoff, protocol.StatusHumanActive, protocol.StatusClosed},
	protocol.StatusPaused:      {protocol.StatusActive, protocol.StatusHandoff, protocol.StatusClosed},
	protocol.StatusHandoff:     {protocol.StatusActive, protocol.StatusHumanActive, protocol.StatusClosed},
	protocol.StatusHumanActive: {protocol.StatusActive, protocol.StatusHandoff, protocol.StatusClosed},
	protocol.StatusClosed:      {},
}

func transitionAllowed(from, to protocol.ConversationStatus) bool {
	if from == to {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateStatus transitions the conversation's status, validating against the
// state machine. Transitions to human-active require a human agent to be
// recorded first (or use TakeOver).
func (r *Registry) UpdateStatus(ctx context.Context, id string, status protocol.ConversationStatus) (*Conversation, error) {
	var transitionErr error
	updated, err := r.store.Update(ctx, id, func(c *Conversation) {
		if !transitionAllowed(c.Status, status) {
			transitionErr = fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.Status, status)
			return
		}
		if status == protocol.StatusHumanActive && c.HumanAgentID == "" {
			transitionErr = fmt.Errorf("%w: human-active requires a human agent", ErrInvalidTransition)
			return
		}
		c.Status = status
		c.UpdatedAt = r.now()
	})
	if err != nil {
		return nil, err
	}
	if transitionErr != nil {
		return nil, transitionErr
	}
	return &updated, nil
}

// TakeOver assigns a human agent and transitions to human-active.
func (r *Registry) TakeOver(ctx context.Context, id, humanID string) (*Conversation, error) {
	if humanID == "" {
		return nil, fmt.Errorf("%w: empty human agent id", ErrInvalidInput)
	}
	var transitionErr error
	updated, err := r.store.Update(ctx, id, func(c *Conversation) {
		if !transitionAllowed(c.Status, protocol.StatusHumanActive) {
			transitionErr = fmt.Errorf("%w: %s → %s", ErrInvalidTransition, c.Status, protocol.StatusHumanActive)
			return
		}
		c.HumanAgentID = humanID
		c.Status = protocol.StatusHumanActive
		c.UpdatedAt = r.now()
	})
	if err != nil {
		return nil, err
	}
	if transitionErr != nil {
		return nil, transitionErr
	}
	return &updated, nil
}

// UpdateAgent records the persona currently serving the conversation.
func (r *Registry) UpdateAgent(ctx context.Context, id, agentID string) (*Conversation, error) {
	updated, err := r.store.Update(ctx, id, func(c *Conversation) {
		c.CurrentAgentID = agentID
		c.UpdatedAt = r.now()
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateContext shallow-merges patch into the conversation context: set
// fields overwrite, tag sets union, custom fields merge per key.
func (r *Registry) UpdateContext(ctx context.Context, id string, patch Context) (*Conversation, error) {
	updated, err := r.store.Update(ctx, id, func(c *Conversation) {
		if patch.Intent != "" {
			c.Context.Intent = patch.Intent
		}
		if patch.Sentiment != "" {
			c.Context.Sentiment = patch.Sentiment
		}
		if patch.Language != "" {
			c.Context.Language = patch.Language
		}
		if patch.LeadScore != nil {
			score := clampLeadScore(*patch.LeadScore)
			c.Context.LeadScore = &score
		}
		for _, tag := range patch.Tags {
			if !containsTag(c.Context.Tags, tag) {
				c.Context.Tags = append(c.Context.Tags, tag)
			}
		}
		if len(patch.CustomFields) > 0 {
			if c.Context.CustomFields == nil {
				c.Context.CustomFields = make(map[string]any, len(patch.CustomFields))
			}
			for k, v := range patch.CustomFields {
				c.Context.CustomFields[k] = v
			}
		}
		c.UpdatedAt = r.now()
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func clampLeadScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Close transitions the conversation to closed, recording the reason under
// the close-reason custom field.
func (r *Registry) Close(ctx context.Context, id, reason string) (*Conversation, error) {
	updated, err := r.store.Update(ctx, id, func(c *Conversation) {
		if c.Status == protocol.StatusClosed {
			return // closing twice is a no-op
		}
		if c.Context.CustomFields == nil {
			c.Context.CustomFields = make(map[string]any, 1)
		}
		c.Context.CustomFields[CloseReasonKey] = reason
		c.Status = protocol.StatusClosed
		c.UpdatedAt = r.now()
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Reopen returns a closed conversation to active and erases the close
// reason.
func (r *Registry) Reopen(ctx context.Context, id string) (*Conversation, error) {
	updated, err := r.store.Update(ctx, id, func(c *Conversation) {
		delete(c.Context.CustomFields, CloseReasonKey)
		c.Status = protocol.StatusActive
		c.UpdatedAt = r.now()
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetHistory returns the last limit messages in order, or the full log when
// limit <= 0.
func (r *Registry) GetHistory(ctx context.Context, id string, limit int) ([]Message, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs := c.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Filters narrow a Find call. Zero values mean "any".
type Filters struct {
	Status         protocol.ConversationStatus
	Channel        protocol.Channel
	CurrentAgentID string
	ContactID      string
	StartedBefore  time.Time
	StartedAfter   time.Time
}

// Find returns conversations matching every set filter, in creation order.
func (r *Registry) Find(ctx context.Context, f Filters) ([]Conversation, error) {
	return r.store.Find(ctx, func(c Conversation) bool {
		if f.Status != "" && c.Status != f.Status {
			return false
		}
		if f.Channel != "" && c.Channel != f.Channel {
			return false
		}
		if f.CurrentAgentID != "" && c.CurrentAgentID != f.CurrentAgentID {
			return false
		}
		if f.ContactID != "" && c.ContactID != f.ContactID {
			return false
		}
		if !f.StartedBefore.IsZero() && !c.StartedAt.Before(f.StartedBefore) {
			return false
		}
		if !f.StartedAfter.IsZero() && !c.StartedAt.After(f.StartedAfter) {
			return false
		}
		return true
	})
}

// Stats returns conversation counts grouped by status.
func (r *Registry) Stats(ctx context.Context) (map[protocol.ConversationStatus]int, error) {
	all, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[protocol.ConversationStatus]int)
	for _, c := range all {
		stats[c.Status]++
	}
	return stats, nil
}
