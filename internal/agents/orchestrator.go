package agents

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/prompt"
)

// fallbackReply is the safe reply substituted when the model cannot be
// reached; the conversation is flagged for handoff instead of closed.
const fallbackReply = "I'm sorry, I'm having trouble responding right now — let me connect you with a member of our team who can help."

const fallbackConfidence = 0.3

// Action values a persona turn can return.
const (
	ActionReply   = "reply"
	ActionHandoff = "handoff"
	ActionClose   = "close-conversation"
)

// Response is one persona turn's outcome.
type Response struct {
	Reply         string
	AgentKey      string
	Action        string
	Handoff       bool
	HandoffReason string
	Confidence    float64
}

// Result is what Handle returns to the engine: the turn response, the
// (copied) conversation with orchestrator-updated fields, and the routing
// decision when one was made.
type Result struct {
	Response     Response
	Conversation *conversations.Conversation
	Routing      *Decision
}

// Orchestrator routes unassigned conversations, runs persona turns, and
// decides handoff/transfer. It never mutates the caller's conversation: the
// engine hands it a copy and reconciles returned fields.
type Orchestrator struct {
	router    *Router
	catalog   *Catalog
	llm       llm.Client
	knowledge *knowledge.Index
	tracer    trace.Tracer
}

// NewOrchestrator wires the orchestrator over its collaborators.
func NewOrchestrator(client llm.Client, idx *knowledge.Index, catalog *Catalog) *Orchestrator {
	return &Orchestrator{
		router:    NewRouter(client, idx, catalog),
		catalog:   catalog,
		llm:       client,
		knowledge: idx,
		tracer:    otel.Tracer("parley/agents"),
	}
}

// Router exposes the orchestrator's router, mainly for configuration.
func (o *Orchestrator) Router() *Router { return o.router }

// Handle runs one agent turn for the inbound message. The conversation is
// the engine's windowed copy; routing/transfer decisions are applied to it
// and returned for reconciliation.
func (o *Orchestrator) Handle(ctx context.Context, inbound conversations.Message, conv *conversations.Conversation, contact *contacts.Contact) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle",
		trace.WithAttributes(
			attribute.String("conversation.id", conv.ID),
			attribute.String("channel", string(conv.Channel)),
		))
	defer span.End()

	result := &Result{Conversation: conv}

	// Route when unassigned; otherwise check for a mid-conversation
	// transfer before the turn.
	if conv.CurrentAgentID == "" {
		decision := o.router.Route(ctx, inbound, conv)
		result.Routing = &decision
		conv.CurrentAgentID = decision.AgentKey
		applyClassification(conv, decision)
		slog.Info("conversation routed",
			"conversation", conv.ID, "agent", decision.AgentKey,
			"intent", decision.Intent, "confidence", decision.Confidence, "method", decision.Method)
	} else if decision, ok := o.router.ProposeTransfer(conv.CurrentAgentID, inbound); ok {
		result.Routing = &decision
		slog.Info("persona transfer",
			"conversation", conv.ID, "from", conv.CurrentAgentID, "to", decision.AgentKey)
		conv.CurrentAgentID = decision.AgentKey
	}

	persona, ok := o.catalog.Get(conv.CurrentAgentID)
	if !ok {
		persona = o.catalog.Default()
		conv.CurrentAgentID = persona.Key
	}
	span.SetAttributes(attribute.String("persona", persona.Key))

	resp := o.runPersona(ctx, persona, inbound, conv, contact)
	// A plain reply after routing carries the routing confidence; detector
	// handoffs and fallbacks keep their own.
	if result.Routing != nil && resp.Action == ActionReply {
		resp.Confidence = result.Routing.Confidence
	}
	result.Response = resp

	if resp.Handoff {
		span.SetStatus(codes.Ok, "handoff: "+resp.HandoffReason)
	}
	return result, nil
}

// runPersona dispatches the persona turn by behavior variant. Detectors may
// short-circuit before any model call; on LLM exhaustion the safe fallback
// reply is substituted and the turn flags handoff.
func (o *Orchestrator) runPersona(ctx context.Context, p Persona, inbound conversations.Message, conv *conversations.Conversation, contact *contacts.Contact) Response {
	ctx, span := o.tracer.Start(ctx, "persona.run",
		trace.WithAttributes(attribute.String("persona", p.Key)))
	defer span.End()

	if reason := detectHandoff(p, inbound, conv); reason != "" {
		return handoffResponse(p, reason)
	}

	stagePrompt := ""
	switch p.Behavior {
	case BehaviorSupport:
		if containsAny(inbound.Content, refundKeywords) {
			return handoffResponse(p, ReasonRefundRequest)
		}
		if score := frustrationScore(conv, inbound); score >= frustrationThreshold {
			slog.Info("frustration escalation", "conversation", conv.ID, "score", score)
			return handoffResponse(p, ReasonFrustrationDetected)
		}

	case BehaviorSales:
		stage := salesStage(conv, inbound)
		stagePrompt = stagePrompts[stage]
		score := leadScore(conv, inbound)
		conv.Context.LeadScore = &score
		span.SetAttributes(
			attribute.String("sales.stage", string(stage)),
			attribute.Int("sales.lead_score", score),
		)
	}

	built := prompt.BuildPersona(prompt.PersonaInput{
		PersonaKey:   p.Key,
		SystemPrompt: p.SystemPrompt,
		StagePrompt:  stagePrompt,
		Knowledge:    o.knowledge,
		Conversation: conv,
		Contact:      contact,
		Inbound:      inbound,
	})

	resp, err := o.llm.Chat(ctx, llm.ChatRequest{
		System:      built.System,
		Messages:    built.History,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Model:       p.Model,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "llm call exhausted")
		slog.Error("persona llm call failed, substituting fallback",
			"persona", p.Key, "conversation", conv.ID, "error", err)
		return Response{
			Reply:         fallbackReply,
			AgentKey:      p.Key,
			Action:        ActionHandoff,
			Handoff:       true,
			HandoffReason: "assistant unavailable",
			Confidence:    fallbackConfidence,
		}
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
	)

	return Response{
		Reply:      resp.Content,
		AgentKey:   p.Key,
		Action:     ActionReply,
		Confidence: 1,
	}
}

// handoffResponse builds the reply for a detector-tripped handoff. No model
// call is required for the decision.
func handoffResponse(p Persona, reason HandoffReason) Response {
	return Response{
		Reply:         "I understand — let me connect you with a member of our team right away.",
		AgentKey:      p.Key,
		Action:        ActionHandoff,
		Handoff:       true,
		HandoffReason: string(reason),
		Confidence:    1,
	}
}

func applyClassification(conv *conversations.Conversation, d Decision) {
	if d.Intent != "" {
		conv.Context.Intent = d.Intent
	}
	if d.Sentiment != "" {
		conv.Context.Sentiment = d.Sentiment
	}
	if d.Language != "" {
		conv.Context.Language = d.Language
	}
}
