package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/pkg/protocol"
)

func testKnowledge(t *testing.T) *knowledge.Index {
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
	write("company", "tone-of-voice", `{"tone": "warm and direct"}`)
	write("config", "router", `{"instruction": "Route this message. Reply with JSON."}`)
	write("support", "faq", `{"faqs": [{"question": "What is your refund policy?", "answer": "30 days.", "keywords": ["refund"]}]}`)
	write("sales", "products", `{"products": [{"id": "w-1", "name": "Widget"}]}`)

	idx, err := knowledge.NewIndex(root)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func makeConv(contents ...string) *conversations.Conversation {
	conv := &conversations.Conversation{
		ID:        "conv-1",
		ContactID: "c-1",
		Channel:   protocol.ChannelWhatsApp,
		Status:    protocol.StatusActive,
	}
	base := time.Now()
	for i, content := range contents {
		dir := protocol.DirectionInbound
		if i%2 == 1 {
			dir = protocol.DirectionOutbound
		}
		conv.Messages = append(conv.Messages, conversations.Message{
			Content:   content,
			Direction: dir,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return conv
}

func inbound(content string) conversations.Message {
	return conversations.Message{Content: content, Direction: protocol.DirectionInbound}
}

func TestBuildRouter(t *testing.T) {
	idx := testKnowledge(t)
	conv := makeConv("a", "b", "c", "d", "e", "f", "g")

	p := BuildRouter(idx, conv, inbound("route me"))

	if p.System != "Route this message. Reply with JSON." {
		t.Errorf("system = %q, want knowledge router instruction", p.System)
	}
	// Last five history messages plus the current inbound.
	if len(p.History) != 6 {
		t.Fatalf("history = %d turns, want 6", len(p.History))
	}
	last := p.History[len(p.History)-1]
	if last.Role != "user" || last.Content != "route me" {
		t.Errorf("final turn = %+v, want user/route me", last)
	}
}

func TestBuildRouter_DefaultInstruction(t *testing.T) {
	root := t.TempDir()
	idx, err := knowledge.NewIndex(root)
	if err != nil {
		t.Fatal(err)
	}

	p := BuildRouter(idx, makeConv(), inbound("hi"))
	if !strings.Contains(p.System, `"intent"`) {
		t.Errorf("default router instruction missing JSON shape: %q", p.System)
	}
}

func TestBuildPersona_Substitution(t *testing.T) {
	idx := testKnowledge(t)
	conv := makeConv("hello")
	contact := &contacts.Contact{ID: "c-1", Name: "Dana", Channel: protocol.ChannelWhatsApp}

	p := BuildPersona(PersonaInput{
		PersonaKey:   "sales",
		SystemPrompt: "You are a {companyName} sales agent on {channel}, talking to {contactName}.",
		Knowledge:    idx,
		Conversation: conv,
		Contact:      contact,
		Inbound:      inbound("hello"),
	})

	if !strings.HasPrefix(p.System, "You are a Acme sales agent on whatsapp, talking to Dana.") {
		t.Errorf("system prompt substitution failed: %q", p.System[:80])
	}
	if !strings.Contains(p.System, "warm and direct") {
		t.Error("tone of voice missing")
	}
	if !strings.Contains(p.System, "## Knowledge Base") {
		t.Error("knowledge base section missing")
	}
	if !strings.Contains(p.System, "## Customer Info") {
		t.Error("customer info section missing")
	}
}

func TestBuildPersona_FAQAndContext(t *testing.T) {
	idx := testKnowledge(t)
	conv := makeConv("hi")
	conv.Context.Intent = "support"
	conv.Context.Sentiment = "negative"

	p := BuildPersona(PersonaInput{
		PersonaKey:   "support",
		SystemPrompt: "Support agent.",
		Knowledge:    idx,
		Conversation: conv,
		Contact:      &contacts.Contact{Name: "Sam", Channel: protocol.ChannelWeb},
		Inbound:      inbound("what about a refund?"),
	})

	if !strings.Contains(p.System, "Relevant FAQ Matches") {
		t.Error("FAQ section missing for refund query")
	}
	if !strings.Contains(p.System, "30 days.") {
		t.Error("FAQ answer missing")
	}
	if !strings.Contains(p.System, "Intent: support") || !strings.Contains(p.System, "Sentiment: negative") {
		t.Error("conversation context section incomplete")
	}
}

func TestBuildPersona_HistoryCapAndDedup(t *testing.T) {
	idx := testKnowledge(t)

	var contents []string
	for i := 0; i < 30; i++ {
		contents = append(contents, strings.Repeat("m", i+1))
	}
	conv := makeConv(contents...)

	// The current inbound is already the last history entry: no duplicate.
	last := conv.Messages[len(conv.Messages)-1]
	lastInbound := conversations.Message{Content: last.Content, Direction: protocol.DirectionInbound}
	conv.Messages[len(conv.Messages)-1].Direction = protocol.DirectionInbound

	p := BuildPersona(PersonaInput{
		PersonaKey:   "sales",
		SystemPrompt: "Agent.",
		Knowledge:    idx,
		Conversation: conv,
		Inbound:      lastInbound,
	})
	if len(p.History) != 20 {
		t.Errorf("history = %d turns, want 20 (capped, no duplicate)", len(p.History))
	}

	// A fresh inbound is appended on top of the cap.
	p = BuildPersona(PersonaInput{
		PersonaKey:   "sales",
		SystemPrompt: "Agent.",
		Knowledge:    idx,
		Conversation: conv,
		Inbound:      inbound("brand new"),
	})
	if len(p.History) != 21 {
		t.Errorf("history = %d turns, want 21", len(p.History))
	}
	if got := p.History[len(p.History)-1].Content; got != "brand new" {
		t.Errorf("final turn = %q", got)
	}
}

func TestBuildPersona_KnowledgeBounded(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sales")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// One block that fits and one that cannot.
	big := strings.Repeat("x", 100_000)
	if err := os.WriteFile(filepath.Join(dir, "small.json"), []byte(`{"note": "fits"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "huge.json"), []byte(`{"blob": "`+big+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	idx, err := knowledge.NewIndex(root)
	if err != nil {
		t.Fatal(err)
	}

	p := BuildPersona(PersonaInput{
		PersonaKey:   "sales",
		SystemPrompt: "Agent.",
		Knowledge:    idx,
		Conversation: makeConv("hi"),
		Inbound:      inbound("hi"),
	})

	if len(p.System) > 80_000 {
		t.Errorf("system prompt = %d chars, exceeds bound", len(p.System))
	}
	if !strings.Contains(p.System, "fits") {
		t.Error("small knowledge block was dropped")
	}
	if strings.Contains(p.System, big[:100]) {
		t.Error("oversized knowledge block was included")
	}
}
