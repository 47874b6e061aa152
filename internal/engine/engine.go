// Package engine is the single entry point for inbound events: it binds a
// raw transport event to a durable conversation, guarantees per-conversation
// serial processing via the keyed queue, delegates the turn to the
// orchestrator, and emits lifecycle events on the bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/agents"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/pkg/protocol"
)

var (
	// ErrDuplicateMessage is returned when the transport message id was
	// already processed. Delivery is at-least-once; dedup keeps replies
	// single.
	ErrDuplicateMessage = errors.New("duplicate transport message")

	// ErrInvalidEvent is returned for raw events missing required fields.
	ErrInvalidEvent = errors.New("invalid inbound event")
)

// AgentType reports who served (or will serve) the turn.
const (
	AgentTypeAI    = "ai"
	AgentTypeHuman = "human"
)

// Result is the outcome of HandleIncoming.
type Result struct {
	Outgoing     *conversations.Message // nil when no persona reply was produced
	Conversation *conversations.Conversation
	Contact      *contacts.Contact
	Routing      *agents.Decision
	AgentType    string
}

type turn struct {
	raw     bus.InboundEvent
	contact *contacts.Contact
	convID  string
	result  *Result
}

// Engine choreographs the inbound pipeline.
type Engine struct {
	contacts *contacts.Registry
	convs    *conversations.Registry
	orch     *agents.Orchestrator
	bus      *bus.Bus
	queue    *queue.Queue[*turn]

	windowBudget int
	tracer       trace.Tracer
	dedup        *dedupSet
}

// New wires the engine over its collaborators.
func New(contactReg *contacts.Registry, convReg *conversations.Registry, orch *agents.Orchestrator, b *bus.Bus) *Engine {
	e := &Engine{
		contacts:     contactReg,
		convs:        convReg,
		orch:         orch,
		bus:          b,
		windowBudget: conversations.DefaultWindowBudget,
		tracer:       otel.Tracer("parley/engine"),
		dedup:        newDedupSet(4096),
	}
	e.queue = queue.New(e.runTurn)
	return e
}

// SetWindowBudget overrides the context-window token budget.
func (e *Engine) SetWindowBudget(budget int) {
	if budget > 0 {
		e.windowBudget = budget
	}
}

// HandleIncoming processes one raw inbound event end to end and blocks until
// the serialized turn completes. Turns for the same conversation run
// strictly in enqueue order; distinct conversations run concurrently.
func (e *Engine) HandleIncoming(ctx context.Context, raw bus.InboundEvent) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.handle_incoming",
		trace.WithAttributes(attribute.String("channel", string(raw.Channel))))
	defer span.End()

	if raw.Content == "" || raw.ChannelUserID == "" || !raw.Channel.Valid() {
		return nil, fmt.Errorf("%w: channel=%q channel_user_id=%q", ErrInvalidEvent, raw.Channel, raw.ChannelUserID)
	}
	if raw.MessageID != "" && !e.dedup.add(raw.MessageID) {
		slog.Debug("dropping duplicate inbound", "message_id", raw.MessageID)
		return nil, ErrDuplicateMessage
	}

	contact, created, err := e.contacts.GetOrCreate(ctx, raw.ChannelUserID, raw.Channel, raw.SenderName)
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
	span.SetAttributes(attribute.String("contact.id", contact.ID))
	if created {
		e.bus.Emit(bus.Event{
			Kind:    protocol.EventContactCreated,
			Contact: contact,
		})
	}

	conv, err := e.resolveConversation(ctx, contact, raw.Channel)
	if err != nil {
		return nil, err
	}

	t := &turn{raw: raw, contact: contact, convID: conv.ID, result: &Result{Contact: contact}}
	if err := <-e.queue.Enqueue(ctx, conv.ID, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}
	return t.result, nil
}

// resolveConversation finds the contact's open conversation or starts a new
// one. Serialized per contact so concurrent inbound events cannot open two
// conversations for the same contact.
func (e *Engine) resolveConversation(ctx context.Context, contact *contacts.Contact, channel protocol.Channel) (*conversations.Conversation, error) {
	var conv *conversations.Conversation
	err := e.convs.WithLock(ctx, "contact:"+contact.ID, func() error {
		existing, err := e.convs.GetOpen(ctx, contact.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			conv = existing
			return nil
		}

		created, err := e.convs.Start(ctx, contact.ID, channel)
		if err != nil {
			return err
		}
		if err := e.contacts.IncrementConversationCount(ctx, contact.ID); err != nil {
			slog.Warn("failed to bump conversation count", "contact", contact.ID, "error", err)
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
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	return conv, nil
}

// runTurn is the queue handler: steps 3-8 of the inbound pipeline, executed
// under the conversation's advisory lock.
func (e *Engine) runTurn(ctx context.Context, t *turn) error {
	return e.convs.WithLock(ctx, t.convID, func() error {
		inbound, err := e.convs.AppendMessage(ctx, t.convID, conversations.Message{
			ContactID: t.contact.ID,
			Direction: protocol.DirectionInbound,
			Type:      protocol.MessageText,
			Content:   t.raw.Content,
			Channel:   t.raw.Channel,
			Metadata:  toMetadata(t.raw.Metadata),
		})
		if err != nil {
			return fmt.Errorf("append inbound: %w", err)
		}

		conv, err := e.convs.Get(ctx, t.convID)
		if err != nil {
			return err
		}
		t.result.Conversation = conv

		e.bus.Emit(bus.Event{
			Kind:         protocol.EventMessageIncoming,
			Conversation: conv,
			Contact:      t.contact,
			Message:      inbound,
		})

		// While a human owns the conversation (or the AI is paused) the
		// inbound is recorded but no persona replies.
		switch conv.Status {
		case protocol.StatusHandoff, protocol.StatusHumanActive:
			t.result.AgentType = AgentTypeHuman
			return nil
		case protocol.StatusPaused:
			t.result.AgentType = AgentTypeAI
			return nil
		}
		t.result.AgentType = AgentTypeAI

		return e.runPersonaTurn(ctx, t, conv, inbound)
	})
}

func (e *Engine) runPersonaTurn(ctx context.Context, t *turn, conv *conversations.Conversation, inbound *conversations.Message) error {
	// The orchestrator gets a copy whose messages are the bounded window;
	// the stored conversation is never mutated by the turn.
	window := conversations.BuildWindow(conv, e.windowBudget)
	copied := *conv
	copied.Messages = window.Messages
	copied.Context = cloneContext(conv.Context)

	res, err := e.orch.Handle(ctx, *inbound, &copied, t.contact)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	t.result.Routing = res.Routing

	conv, err = e.reconcile(ctx, conv, res)
	if err != nil {
		return err
	}

	if res.Response.Reply != "" {
		outgoing, err := e.convs.AppendMessage(ctx, t.convID, conversations.Message{
			ContactID: t.contact.ID,
			Direction: protocol.DirectionOutbound,
			Type:      protocol.MessageText,
			Content:   res.Response.Reply,
			Channel:   conv.Channel,
			Metadata: map[string]any{
				protocol.MetaAgent:      res.Response.AgentKey,
				protocol.MetaConfidence: res.Response.Confidence,
				protocol.MetaAction:     res.Response.Action,
			},
		})
		if err != nil {
			return fmt.Errorf("append outbound: %w", err)
		}
		t.result.Outgoing = outgoing

		conv, err = e.convs.Get(ctx, t.convID)
		if err != nil {
			return err
		}
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventMessageOutgoing,
			Conversation: conv,
			Contact:      t.contact,
			Message:      outgoing,
		})
	}

	switch {
	case res.Response.Handoff:
		conv, err = e.convs.UpdateStatus(ctx, t.convID, protocol.StatusHandoff)
		if err != nil {
			return fmt.Errorf("transition to handoff: %w", err)
		}
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventConversationHandoff,
			Conversation: conv,
			Contact:      t.contact,
			Reason:       res.Response.HandoffReason,
		})

	case res.Response.Action == agents.ActionClose:
		conv, err = e.convs.Close(ctx, t.convID, "closed by assistant")
		if err != nil {
			return fmt.Errorf("close conversation: %w", err)
		}
		e.bus.Emit(bus.Event{
			Kind:         protocol.EventConversationClosed,
			Conversation: conv,
			Contact:      t.contact,
		})
	}

	t.result.Conversation = conv
	return nil
}

// reconcile writes the orchestrator-returned fields back into the registry:
// current agent, context classification, lead score.
func (e *Engine) reconcile(ctx context.Context, conv *conversations.Conversation, res *agents.Result) (*conversations.Conversation, error) {
	if agentKey := res.Conversation.CurrentAgentID; agentKey != "" && agentKey != conv.CurrentAgentID {
		updated, err := e.convs.UpdateAgent(ctx, conv.ID, agentKey)
		if err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
		conv = updated
	}

	patch := conversations.Context{
		Intent:    res.Conversation.Context.Intent,
		Sentiment: res.Conversation.Context.Sentiment,
		Language:  res.Conversation.Context.Language,
		LeadScore: res.Conversation.Context.LeadScore,
	}
	if patch.Intent != "" || patch.Sentiment != "" || patch.Language != "" || patch.LeadScore != nil {
		updated, err := e.convs.UpdateContext(ctx, conv.ID, patch)
		if err != nil {
			return nil, fmt.Errorf("update context: %w", err)
		}
		conv = updated
	}
	return conv, nil
}

func cloneContext(c conversations.Context) conversations.Context {
	out := c
	if c.LeadScore != nil {
		score := *c.LeadScore
		out.LeadScore = &score
	}
	out.Tags = append([]string(nil), c.Tags...)
	if c.CustomFields != nil {
		out.CustomFields = make(map[string]any, len(c.CustomFields))
		for k, v := range c.CustomFields {
			out.CustomFields[k] = v
		}
	}
	return out
}

func toMetadata(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// dedupSet is a bounded set of seen transport message ids with FIFO
// eviction.
type dedupSet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{seen: make(map[string]struct{}, capacity), cap: capacity}
}

// add records the id and reports whether it was new.
func (d *dedupSet) add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return true
}
