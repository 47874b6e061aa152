package agents

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/pkg/protocol"
)

// fakeLLM returns canned responses or a fixed error.
type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.response}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

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
	write("config", "routing-rules", `{"rules": [
		{"intent": "sales", "keywords": ["buy", "price", "cost", "product"]},
		{"intent": "support", "keywords": ["help", "broken", "refund"]}
	]}`)

	idx, err := knowledge.NewIndex(root)
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func activeConv(contents ...string) *conversations.Conversation {
	conv := &conversations.Conversation{
		ID:        "conv-1",
		ContactID: "c-1",
		Channel:   protocol.ChannelWhatsApp,
		Status:    protocol.StatusActive,
	}
	base := time.Now()
	for i, content := range contents {
		conv.Messages = append(conv.Messages, conversations.Message{
			Content:   content,
			Direction: protocol.DirectionInbound,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return conv
}

func inboundMsg(content string) conversations.Message {
	return conversations.Message{Content: content, Direction: protocol.DirectionInbound}
}

func TestRoute_LLMClassification(t *testing.T) {
	client := &fakeLLM{response: `{"intent": "sales", "confidence": 0.9, "language": "en", "sentiment": "positive", "summary": "wants to buy"}`}
	r := NewRouter(client, testKnowledge(t), NewCatalog())

	d := r.Route(context.Background(), inboundMsg("I want to buy a product"), activeConv())
	if d.AgentKey != "sales" {
		t.Errorf("agent = %s, want sales", d.AgentKey)
	}
	if d.Confidence != 0.9 || d.Method != "llm" {
		t.Errorf("decision = %+v", d)
	}
}

func TestRoute_FallbackOnLLMFailure(t *testing.T) {
	client := &fakeLLM{err: errors.New("network down")}
	r := NewRouter(client, testKnowledge(t), NewCatalog())

	d := r.Route(context.Background(), inboundMsg("What is the price of your product?"), activeConv())
	if d.Method != "keyword-fallback" {
		t.Fatalf("method = %s, want keyword-fallback", d.Method)
	}
	// "price" and "product" each hit the sales rule.
	if d.AgentKey != "sales" {
		t.Errorf("agent = %s, want sales", d.AgentKey)
	}
	if d.Confidence < 0.3 || d.Confidence > 0.85 {
		t.Errorf("confidence = %v, want within [0.3, 0.85]", d.Confidence)
	}
}

func TestRoute_FallbackOnLowConfidence(t *testing.T) {
	client := &fakeLLM{response: `{"intent": "sales", "confidence": 0.2}`}
	r := NewRouter(client, testKnowledge(t), NewCatalog())

	d := r.Route(context.Background(), inboundMsg("hello there"), activeConv())
	if d.Method != "keyword-fallback" {
		t.Fatalf("method = %s, want keyword-fallback", d.Method)
	}
	// No routing keywords hit: default persona at the floor confidence.
	if d.AgentKey != "support" || d.Confidence != 0.3 {
		t.Errorf("decision = %+v, want support at 0.3", d)
	}
}

func TestRoute_FallbackConfidenceModel(t *testing.T) {
	client := &fakeLLM{err: errors.New("down")}
	r := NewRouter(client, testKnowledge(t), NewCatalog())

	tests := []struct {
		name    string
		content string
		want    float64
	}{
		{"one hit", "how much does it cost", 0.6},
		{"two hits", "price of the product", 0.7},
		{"capped", "buy buy buy buy buy buy", 0.85},
		{"no hits", "good morning", 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Route(context.Background(), inboundMsg(tt.content), activeConv())
			if d.Confidence != tt.want {
				t.Errorf("confidence = %v, want %v", d.Confidence, tt.want)
			}
		})
	}
}

func TestProposeTransfer(t *testing.T) {
	r := NewRouter(&fakeLLM{}, testKnowledge(t), NewCatalog())

	// Support content while assigned to sales: transfer proposed.
	d, ok := r.ProposeTransfer("sales", inboundMsg("my account is broken, I need help"))
	if !ok || d.AgentKey != "support" {
		t.Errorf("transfer = %+v ok=%v, want support", d, ok)
	}

	// Content matching the current persona: no transfer.
	if _, ok := r.ProposeTransfer("sales", inboundMsg("what is the price?")); ok {
		t.Error("transfer proposed despite current persona matching")
	}

	// Content matching nothing: no transfer.
	if _, ok := r.ProposeTransfer("sales", inboundMsg("good morning")); ok {
		t.Error("transfer proposed with no keyword match")
	}
}

func TestFrustrationScore_Monotone(t *testing.T) {
	contents := []string{"this is bad", "really annoying", "terrible experience", "WORST SERVICE EVER!!!"}

	prev := 0
	conv := activeConv()
	for _, content := range contents {
		score := frustrationScore(conv, inboundMsg(content))
		if score < prev {
			t.Fatalf("score decreased from %d to %d after %q", prev, score, content)
		}
		prev = score
		conv.Messages = append(conv.Messages, conversations.Message{
			Content:   content,
			Direction: protocol.DirectionInbound,
			Timestamp: time.Now(),
		})
	}
}

func TestFrustrationScore_Signals(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"severe word", "this is terrible", severeWeight},
		{"mild word", "a bit slow", mildWeight},
		{"all caps", "ABSOLUTELY NO GOOD", allCapsWeight},
		{"punctuation run", "why is this late??", punctRunWeight},
		{"combined", "TERRIBLE SERVICE!!!", severeWeight + allCapsWeight + punctRunWeight},
		{"short caps ignored", "NO", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frustrationScore(activeConv(), inboundMsg(tt.content)); got != tt.want {
				t.Errorf("score = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSalesStage(t *testing.T) {
	tests := []struct {
		name    string
		history []string
		inbound string
		want    SalesStage
	}{
		{"first message", nil, "hi", StageQualifying},
		{"few messages", []string{"hi"}, "tell me more", StageQualifying},
		{"presenting", []string{"hi", "what do you sell", "interesting"}, "tell me more", StagePresenting},
		{"objection", []string{"hi"}, "that seems too expensive", StageObjectionHandling},
		{"closing", []string{"hi", "what do you sell", "sounds good"}, "I want to buy it", StageClosing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := salesStage(activeConv(tt.history...), inboundMsg(tt.inbound)); got != tt.want {
				t.Errorf("stage = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLeadScore(t *testing.T) {
	// Base 20 + one inbound 5 = 25.
	if got := leadScore(activeConv(), inboundMsg("hello")); got != 25 {
		t.Errorf("score = %d, want 25", got)
	}

	// Buying signal adds 8.
	if got := leadScore(activeConv(), inboundMsg("I want to buy")); got != 33 {
		t.Errorf("score = %d, want 33", got)
	}

	// Disengagement subtracts 10.
	if got := leadScore(activeConv(), inboundMsg("no thanks, not interested")); got != 15 {
		t.Errorf("score = %d, want 15", got)
	}

	// Inbound bonus caps at 25.
	conv := activeConv("a", "b", "c", "d", "e", "f", "g", "h")
	if got := leadScore(conv, inboundMsg("i")); got != 45 {
		t.Errorf("score = %d, want 45 (base 20 + capped 25)", got)
	}
}

func TestHandle_RouteAndReply(t *testing.T) {
	client := &fakeLLM{response: `{"intent": "sales", "confidence": 0.9, "language": "en", "sentiment": "positive", "summary": "s"}`}
	o := NewOrchestrator(client, testKnowledge(t), NewCatalog())

	conv := activeConv("I want to buy a product")
	contact := &contacts.Contact{ID: "c-1", Name: "Dana", Channel: protocol.ChannelWhatsApp}

	// First call answers the router; make the persona turn return text.
	res, err := o.Handle(context.Background(), inboundMsg("I want to buy a product"), conv, contact)
	if err != nil {
		t.Fatal(err)
	}
	if res.Conversation.CurrentAgentID != "sales" {
		t.Errorf("current agent = %s, want sales", res.Conversation.CurrentAgentID)
	}
	if res.Routing == nil || res.Routing.Intent != "sales" {
		t.Errorf("routing = %+v", res.Routing)
	}
	if res.Response.Reply == "" || res.Response.Handoff {
		t.Errorf("response = %+v, want non-empty reply without handoff", res.Response)
	}
	if res.Conversation.Context.Intent != "sales" {
		t.Errorf("context intent = %q", res.Conversation.Context.Intent)
	}
}

func TestHandle_ExplicitHandoffRequest(t *testing.T) {
	client := &fakeLLM{response: "should not matter"}
	o := NewOrchestrator(client, testKnowledge(t), NewCatalog())

	conv := activeConv("hi")
	conv.CurrentAgentID = "support"

	res, err := o.Handle(context.Background(), inboundMsg("I want to speak to a human agent now"), conv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Response.Handoff {
		t.Fatal("handoff not flagged")
	}
	if res.Response.HandoffReason != string(ReasonExplicitRequest) {
		t.Errorf("reason = %q", res.Response.HandoffReason)
	}
	if client.calls != 0 {
		t.Errorf("llm called %d times, want 0 (detector short-circuit)", client.calls)
	}
}

func TestHandle_FallbackOnLLMExhaustion(t *testing.T) {
	client := &fakeLLM{err: errors.New("provider down")}
	o := NewOrchestrator(client, testKnowledge(t), NewCatalog())

	conv := activeConv("hello")
	conv.CurrentAgentID = "support"

	res, err := o.Handle(context.Background(), inboundMsg("can you explain your service?"), conv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Response.Handoff {
		t.Error("fallback turn must flag handoff")
	}
	if res.Response.Reply != fallbackReply {
		t.Errorf("reply = %q, want the safe fallback", res.Response.Reply)
	}
	if res.Response.Confidence >= 0.5 {
		t.Errorf("confidence = %v, want < 0.5", res.Response.Confidence)
	}
}

func TestHandle_FrustrationEscalation(t *testing.T) {
	client := &fakeLLM{response: "ignored"}
	o := NewOrchestrator(client, testKnowledge(t), NewCatalog())

	conv := activeConv("TERRIBLE SERVICE!!!", "UNACCEPTABLE", "worst experience", "still bad", "awful")
	conv.CurrentAgentID = "support"

	res, err := o.Handle(context.Background(), inboundMsg("this is horrible"), conv, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Response.Handoff {
		t.Fatal("frustration did not force handoff")
	}
	if res.Response.HandoffReason != string(ReasonFrustrationDetected) &&
		res.Response.HandoffReason != string(ReasonNegativeSentiment) {
		t.Errorf("reason = %q", res.Response.HandoffReason)
	}
	if client.calls != 0 {
		t.Errorf("llm called %d times, want 0", client.calls)
	}
}

func TestCatalog_CustomOverridesBuiltin(t *testing.T) {
	c := NewCatalog()
	c.Register(Persona{Key: "sales", Name: "Custom Sales", SystemPrompt: "custom", Temperature: 0.5})

	p, ok := c.Get("sales")
	if !ok || p.Name != "Custom Sales" {
		t.Errorf("persona = %+v", p)
	}
	if len(c.All()) != 2 {
		t.Errorf("catalog size = %d, want 2", len(c.All()))
	}
	if c.Default().Key != "support" {
		t.Errorf("default = %s, want support", c.Default().Key)
	}
}
