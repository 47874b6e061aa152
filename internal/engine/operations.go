package engine

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/pkg/protocol"
)

// HandleHumanReply appends a human agent's outbound message and moves the
// conversation to human-active. This path never invokes a persona.
func (e *Engine) HandleHumanReply(ctx context.Context, convID, humanID, content string) (*conversations.Message, error) {
	if humanID == "" || content == "" {
		return nil, fmt.Errorf("%w: human id and content required", ErrInvalidEvent)
	}

	var msg *conversations.Message
	err := e.convs.WithLock(ctx, convID, func() error {
		conv, err := e.convs.Get(ctx, convID)
		if err != nil {
			return err
		}

		if conv.Status != protocol.StatusHumanActive {
			if _, err := e.convs.TakeOver(ctx, convID, humanID); err != nil {
				return err
			}
		}

		msg, err = e.convs.AppendMessage(ctx, convID, conversations.Message{
			ContactID: conv.ContactID,
			Direction: protocol.DirectionOutbound,
			Type:      protocol.MessageText,
			Content:   content,
			Channel:   conv.Channel,
			Metadata:  map[string]any{protocol.MetaHumanAgent: humanID},
		})
		if err != nil {
			return err
		}

		conv, err = e.convs.Get(ctx, convID)
		if err != nil {
			return err
		}
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventMessageOutgoing,
			Conversation: conv,
			Contact:      e.contactOf(ctx, conv),
			Message:      msg,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// HandleHandoff manually transitions the conversation to handoff and emits
// the event.
func (e *Engine) HandleHandoff(ctx context.Context, convID, reason string) (*conversations.Conversation, error) {
	var conv *conversations.Conversation
	err := e.convs.WithLock(ctx, convID, func() error {
		updated, err := e.convs.UpdateStatus(ctx, convID, protocol.StatusHandoff)
		if err != nil {
			return err
		}
		conv = updated
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventConversationHandoff,
			Conversation: conv,
			Contact:      e.contactOf(ctx, conv),
			Reason:       reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ResumeAI returns a handed-off, human-active, or paused conversation to the
// persona.
func (e *Engine) ResumeAI(ctx context.Context, convID string) (*conversations.Conversation, error) {
	return e.convs.UpdateStatus(ctx, convID, protocol.StatusActive)
}

// Pause suspends persona replies without handing off.
func (e *Engine) Pause(ctx context.Context, convID string) (*conversations.Conversation, error) {
	return e.convs.UpdateStatus(ctx, convID, protocol.StatusPaused)
}

// Close closes the conversation and emits the event.
func (e *Engine) Close(ctx context.Context, convID, reason string) (*conversations.Conversation, error) {
	var conv *conversations.Conversation
	err := e.convs.WithLock(ctx, convID, func() error {
		closed, err := e.convs.Close(ctx, convID, reason)
		if err != nil {
			return err
		}
		conv = closed
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventConversationClosed,
			Conversation: conv,
			Contact:      e.contactOf(ctx, conv),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Reopen returns a closed conversation to active.
func (e *Engine) Reopen(ctx context.Context, convID string) (*conversations.Conversation, error) {
	return e.convs.Reopen(ctx, convID)
}

// StartConversation creates a fresh outbound-initiated conversation for the
// contact and emits conversation:started. Used by automation flows.
func (e *Engine) StartConversation(ctx context.Context, contactID string, channel protocol.Channel) (*conversations.Conversation, error) {
	contact, err := e.contacts.Get(ctx, contactID)
	if err != nil {
		return nil, err
	}

	var conv *conversations.Conversation
	err = e.convs.WithLock(ctx, "contact:"+contactID, func() error {
		if existing, err := e.convs.GetOpen(ctx, contactID); err != nil {
			return err
		} else if existing != nil {
			conv = existing
			return nil
		}

		created, err := e.convs.Start(ctx, contactID, channel)
		if err != nil {
			return err
		}
		if err := e.contacts.IncrementConversationCount(ctx, contactID); err != nil {
			return err
		}
		conv = created
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventConversationStarted,
			Conversation: created,
			Contact:      contact,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Bus exposes the engine's event bus for subscribers (trigger manager, API
// streaming).
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Conversations exposes the conversation registry for read paths.
func (e *Engine) Conversations() *conversations.Registry { return e.convs }

// Contacts exposes the contact registry for read paths.
func (e *Engine) Contacts() *contacts.Registry { return e.contacts }

func (e *Engine) contactOf(ctx context.Context, conv *conversations.Conversation) *contacts.Contact {
	contact, err := e.contacts.Get(ctx, conv.ContactID)
	if err != nil {
		return nil
	}
	return contact
}
