package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/parleyhq/parley/internal/agents"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
}

func (f *fakeLLM) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return &llm.ChatResponse{Content: "Happy to help!"}, nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return &llm.ChatResponse{Content: resp}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) record(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func testEngine(t *testing.T, client llm.Client) (*Engine, *recorder) {
	t.Helper()

	root := t.TempDir()
	write := func(category, name, content string) {
		dir := filepath.Join(root, category)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("company", "info", `{"name": "Acme"}`)
	write("config", "routing-rules", `{"rules": [
		{"intent": "sales", "keywords": ["buy", "price", "product"]},
		{"intent": "support", "keywords": ["help", "broken"]}
	]}`)
	idx, err := knowledge.NewIndex(root)
	if err != nil {
		t.Fatal(err)
	}

	contactReg := contacts.NewRegistry(store.NewMemStore[contacts.Contact]())
	convReg := conversations.NewRegistry(store.NewMemStore[conversations.Conversation]())
	orch := agents.NewOrchestrator(client, idx, agents.NewCatalog())

	b := bus.New()
	rec := &recorder{}
	b.SubscribeAll(rec.record)

	return New(contactReg, convReg, orch, b), rec
}

func routerJSON(intent string) string {
	return `{"intent": "` + intent + `", "confidence": 0.9, "language": "en", "sentiment": "neutral", "summary": "s"}`
}

func inboundEvent(content, userID string) bus.InboundEvent {
	return bus.InboundEvent{
		Content:       content,
		ChannelUserID: userID,
		Channel:       protocol.ChannelWhatsApp,
	}
}

func TestHandleIncoming_RouteAndReply(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("sales"), "Our widgets start at $19.99."}}
	e, rec := testEngine(t, client)

	res, err := e.HandleIncoming(context.Background(), inboundEvent("I want to buy a product", "+100"))
	if err != nil {
		t.Fatal(err)
	}

	if res.Contact.ChannelUserID != "+100" {
		t.Errorf("contact channel_user_id = %q", res.Contact.ChannelUserID)
	}
	if res.Conversation.CurrentAgentID != "sales" {
		t.Errorf("current agent = %q, want sales", res.Conversation.CurrentAgentID)
	}
	if res.Conversation.Status != protocol.StatusActive {
		t.Errorf("status = %s, want active", res.Conversation.Status)
	}
	if len(res.Conversation.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(res.Conversation.Messages))
	}
	in, out := res.Conversation.Messages[0], res.Conversation.Messages[1]
	if in.Direction != protocol.DirectionInbound || in.Content != "I want to buy a product" {
		t.Errorf("inbound = %+v", in)
	}
	if out.Direction != protocol.DirectionOutbound || out.Content == "" {
		t.Errorf("outbound = %+v", out)
	}
	if agent, _ := out.Metadata[protocol.MetaAgent].(string); agent != "sales" {
		t.Errorf("outbound metadata agent = %q, want sales", agent)
	}

	want := []string{
		protocol.EventContactCreated,
		protocol.EventConversationStarted,
		protocol.EventMessageIncoming,
		protocol.EventMessageOutgoing,
	}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestHandleIncoming_HandoffOnExplicitRequest(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("support")}}
	e, rec := testEngine(t, client)
	ctx := context.Background()

	if _, err := e.HandleIncoming(ctx, inboundEvent("hello, I need help", "+200")); err != nil {
		t.Fatal(err)
	}

	res, err := e.HandleIncoming(ctx, inboundEvent("I want to speak to a human agent now", "+200"))
	if err != nil {
		t.Fatal(err)
	}

	if res.Conversation.Status != protocol.StatusHandoff {
		t.Errorf("status = %s, want handoff", res.Conversation.Status)
	}
	if res.Outgoing == nil || res.Outgoing.Content == "" {
		t.Error("no outbound reply before handoff")
	}

	var handoff *bus.Event
	for i := range rec.events {
		if rec.events[i].Kind == protocol.EventConversationHandoff {
			handoff = &rec.events[i]
		}
	}
	if handoff == nil {
		t.Fatal("conversation:handoff not emitted")
	}
	if handoff.Reason == "" || !contains(handoff.Reason, "human") {
		t.Errorf("handoff reason = %q, want mention of human", handoff.Reason)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestHandleIncoming_AppendsToOpenConversation(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("sales")}}
	e, _ := testEngine(t, client)
	ctx := context.Background()

	first, err := e.HandleIncoming(ctx, inboundEvent("I want to buy", "+300"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.HandleIncoming(ctx, inboundEvent("tell me more", "+300"))
	if err != nil {
		t.Fatal(err)
	}

	if first.Conversation.ID != second.Conversation.ID {
		t.Error("second inbound opened a new conversation")
	}
	if second.Contact.ConversationCount != 1 {
		t.Errorf("conversation count = %d, want 1", second.Contact.ConversationCount)
	}

	// Timestamps stay strictly monotone across the appended messages.
	msgs := second.Conversation.Messages
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].Timestamp.After(msgs[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
}

func TestHandleIncoming_ContactCreatedEmittedOnce(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("sales")}}
	e, rec := testEngine(t, client)
	ctx := context.Background()

	if _, err := e.HandleIncoming(ctx, inboundEvent("first", "+350")); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleIncoming(ctx, inboundEvent("second", "+350")); err != nil {
		t.Fatal(err)
	}

	createdEvents := 0
	for _, kind := range rec.kinds() {
		if kind == protocol.EventContactCreated {
			createdEvents++
		}
	}
	if createdEvents != 1 {
		t.Errorf("contact:created events = %d, want exactly 1 for a returning identity", createdEvents)
	}
}

func TestHandleIncoming_DuplicateMessageID(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("sales")}}
	e, _ := testEngine(t, client)
	ctx := context.Background()

	ev := inboundEvent("hello", "+400")
	ev.MessageID = "wamid.1"

	if _, err := e.HandleIncoming(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleIncoming(ctx, ev); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("err = %v, want ErrDuplicateMessage", err)
	}
}

func TestHandleIncoming_NoPersonaReplyDuringHandoff(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("support")}}
	e, _ := testEngine(t, client)
	ctx := context.Background()

	first, err := e.HandleIncoming(ctx, inboundEvent("help me", "+500"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleHandoff(ctx, first.Conversation.ID, "manual"); err != nil {
		t.Fatal(err)
	}

	res, err := e.HandleIncoming(ctx, inboundEvent("are you there?", "+500"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outgoing != nil {
		t.Error("persona replied while status=handoff")
	}
	if res.AgentType != AgentTypeHuman {
		t.Errorf("agent type = %q, want human", res.AgentType)
	}
}

func TestHandleHumanReply(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("support")}}
	e, rec := testEngine(t, client)
	ctx := context.Background()

	first, err := e.HandleIncoming(ctx, inboundEvent("help", "+600"))
	if err != nil {
		t.Fatal(err)
	}
	convID := first.Conversation.ID

	msg, err := e.HandleHumanReply(ctx, convID, "agent-7", "Hi, this is Sam from support.")
	if err != nil {
		t.Fatal(err)
	}
	if human, _ := msg.Metadata[protocol.MetaHumanAgent].(string); human != "agent-7" {
		t.Errorf("human-agent metadata = %q", human)
	}

	conv, err := e.Conversations().Get(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != protocol.StatusHumanActive {
		t.Errorf("status = %s, want human-active", conv.Status)
	}
	if conv.HumanAgentID != "agent-7" {
		t.Errorf("human agent = %q", conv.HumanAgentID)
	}

	last := rec.events[len(rec.events)-1]
	if last.Kind != protocol.EventMessageOutgoing {
		t.Errorf("last event = %s, want message:outgoing", last.Kind)
	}

	// Resume hands the conversation back to the persona.
	resumed, err := e.ResumeAI(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != protocol.StatusActive {
		t.Errorf("status after resume = %s", resumed.Status)
	}
}

func TestHandleIncoming_FallbackFlagsHandoff(t *testing.T) {
	client := &fakeLLM{err: errors.New("provider down")}
	e, _ := testEngine(t, client)

	res, err := e.HandleIncoming(context.Background(), inboundEvent("What is the price of your product?", "+700"))
	if err != nil {
		t.Fatal(err)
	}

	// Router fell back to keyword scoring and the persona turn substituted
	// the safe fallback, flagging handoff.
	if res.Routing == nil || res.Routing.Method != "keyword-fallback" {
		t.Errorf("routing = %+v", res.Routing)
	}
	if res.Routing.AgentKey != "sales" {
		t.Errorf("routed agent = %q, want sales", res.Routing.AgentKey)
	}
	if res.Conversation.Status != protocol.StatusHandoff {
		t.Errorf("status = %s, want handoff", res.Conversation.Status)
	}
	if res.Outgoing == nil {
		t.Fatal("fallback reply missing")
	}
}

func TestCloseAndReopen(t *testing.T) {
	client := &fakeLLM{responses: []string{routerJSON("sales")}}
	e, rec := testEngine(t, client)
	ctx := context.Background()

	first, err := e.HandleIncoming(ctx, inboundEvent("buy", "+800"))
	if err != nil {
		t.Fatal(err)
	}
	convID := first.Conversation.ID

	closed, err := e.Close(ctx, convID, "resolved")
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != protocol.StatusClosed {
		t.Errorf("status = %s", closed.Status)
	}
	if reason, _ := closed.Context.CustomFields[conversations.CloseReasonKey].(string); reason != "resolved" {
		t.Errorf("close reason = %q", reason)
	}
	if kinds := rec.kinds(); kinds[len(kinds)-1] != protocol.EventConversationClosed {
		t.Errorf("last event = %s", kinds[len(kinds)-1])
	}

	// A new inbound from the same contact starts a fresh conversation.
	next, err := e.HandleIncoming(ctx, inboundEvent("hello again, want to buy", "+800"))
	if err != nil {
		t.Fatal(err)
	}
	if next.Conversation.ID == convID {
		t.Error("inbound appended to a closed conversation")
	}

	reopened, err := e.Reopen(ctx, convID)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != protocol.StatusActive {
		t.Errorf("status after reopen = %s", reopened.Status)
	}
}
