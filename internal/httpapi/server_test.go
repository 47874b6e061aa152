package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parleyhq/parley/internal/agents"
	"github.com/parleyhq/parley/internal/broadcast"
	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/flows"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/templates"
	"github.com/parleyhq/parley/pkg/protocol"
)

// scriptedLLM replies with canned content, or errors when empty.
type scriptedLLM struct {
	reply string
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.reply == "" {
		return nil, errors.New("model offline")
	}
	return &llm.ChatResponse{Content: s.reply}, nil
}

// stubChannel records sends and authenticates webhooks by a shared token.
type stubChannel struct {
	name  protocol.Channel
	sends []string
	event bus.InboundEvent
}

func (c *stubChannel) Name() protocol.Channel      { return c.name }
func (c *stubChannel) Start(context.Context) error { return nil }
func (c *stubChannel) Stop(context.Context) error  { return nil }
func (c *stubChannel) VerifyToken() string         { return "handshake-token" }

func (c *stubChannel) VerifyWebhook(r *http.Request, _ []byte) bool {
	return r.Header.Get("X-Stub-Signature") == "valid"
}

func (c *stubChannel) ParseIncoming([]byte) ([]bus.InboundEvent, error) {
	if c.event.Content == "" {
		return nil, nil
	}
	return []bus.InboundEvent{c.event}, nil
}

func (c *stubChannel) SendMessage(_ context.Context, to, content string) error {
	c.sends = append(c.sends, to+":"+content)
	return nil
}

func (c *stubChannel) SendImage(context.Context, string, string, string) error { return nil }
func (c *stubChannel) SendButtons(context.Context, string, string, []channels.Button) error {
	return nil
}
func (c *stubChannel) SendTemplate(context.Context, string, string, map[string]string) error {
	return nil
}

type testEnv struct {
	mux  *http.ServeMux
	stub *stubChannel
}

func newTestEnv(t *testing.T, model *scriptedLLM) *testEnv {
	t.Helper()

	idx, err := knowledge.NewIndex(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	contactReg := contacts.NewRegistry(store.NewMemStore[contacts.Contact]())
	convReg := conversations.NewRegistry(store.NewMemStore[conversations.Conversation]())
	b := bus.New()
	orch := agents.NewOrchestrator(model, idx, agents.NewCatalog())
	eng := engine.New(contactReg, convReg, orch, b)

	stub := &stubChannel{name: protocol.ChannelWhatsApp}
	chMgr := channels.NewManager()
	chMgr.Register(stub)

	flowEng := flows.New(store.NewMemStore[flows.Flow](), store.NewMemStore[flows.Execution](),
		chMgr, contactReg, convReg, eng, b)
	triggers := flows.NewTriggers(flowEng, b)

	srv := NewServer("127.0.0.1:0", Deps{
		Engine:     eng,
		Flows:      flowEng,
		Triggers:   triggers,
		Broadcasts: broadcast.NewManager(store.NewMemStore[broadcast.Broadcast](), contactReg, chMgr),
		Templates:  templates.NewManager(store.NewMemStore[templates.Template]()),
		Knowledge:  idx,
		Channels:   chMgr,
	})
	return &testEnv{mux: srv.BuildMux(), stub: stub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not an error envelope: %s", rec.Body.String())
	}
	return body
}

func TestIncomingMessage(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "Happy to help!"})

	rec := env.do(t, http.MethodPost, "/messages/incoming", map[string]any{
		"content":         "hello there",
		"channel":         "whatsapp",
		"channel_user_id": "15550001",
		"sender_name":     "Ada",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var res struct {
		Conversation *conversations.Conversation `json:"conversation"`
		Outgoing     *conversations.Message      `json:"outgoing"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Conversation == nil || res.Conversation.ID == "" {
		t.Fatalf("no conversation in response: %s", rec.Body.String())
	}
	if res.Outgoing == nil || res.Outgoing.Content != "Happy to help!" {
		t.Errorf("outgoing = %+v", res.Outgoing)
	}

	// The conversation is now visible through the read API.
	list := env.do(t, http.MethodGet, "/conversations", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}
}

func TestErrorEnvelope_InvalidInput(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	rec := env.do(t, http.MethodPost, "/messages/incoming", map[string]any{
		"content": "", "channel": "whatsapp", "channel_user_id": "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeErr(t, rec); body.Error.Code != "invalid-input" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestErrorEnvelope_NotFound(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	rec := env.do(t, http.MethodGet, "/conversations/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeErr(t, rec); body.Error.Code != "not-found" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestErrorEnvelope_DuplicateMessage(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})
	msg := map[string]any{
		"content": "hi", "channel": "whatsapp", "channel_user_id": "1", "message_id": "m-1",
	}

	if rec := env.do(t, http.MethodPost, "/messages/incoming", msg); rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/messages/incoming", msg)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status = %d", rec.Code)
	}
	if body := decodeErr(t, rec); body.Error.Code != "duplicate-message" {
		t.Errorf("code = %q", body.Error.Code)
	}
}

func TestTemplateLifecycleOverAPI(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	rec := env.do(t, http.MethodPost, "/templates", map[string]any{
		"name":    "welcome",
		"content": "Hi {name}, welcome to {company}!",
		"channel": "web",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created templates.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if len(created.Variables) != 2 {
		t.Errorf("variables = %v", created.Variables)
	}

	rec = env.do(t, http.MethodPost, "/templates/"+created.ID+"/render", map[string]any{
		"values": map[string]string{"name": "Ada", "company": "Parley"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("render status = %d", rec.Code)
	}
	var rendered map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &rendered); err != nil {
		t.Fatal(err)
	}
	if rendered["rendered"] != "Hi Ada, welcome to Parley!" {
		t.Errorf("rendered = %q", rendered["rendered"])
	}
}

func TestFlowCreateAndActivate(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	rec := env.do(t, http.MethodPost, "/flows", map[string]any{
		"name":    "greeter",
		"trigger": "message-received",
		"steps": []map[string]any{
			{"name": "greet", "action": map[string]any{
				"type":   "send-message",
				"config": map[string]any{"content": "hello"},
			}},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var f flows.Flow
	if err := json.Unmarshal(rec.Body.Bytes(), &f); err != nil {
		t.Fatal(err)
	}
	if f.Active {
		t.Error("flow active on creation")
	}

	rec = env.do(t, http.MethodPost, "/flows/"+f.ID+"/activate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &f); err != nil {
		t.Fatal(err)
	}
	if !f.Active {
		t.Error("flow not active after activate")
	}
}

func TestWebhookVerifyHandshake(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	rec := env.do(t, http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=handshake-token&hub.challenge=42", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "42" {
		t.Errorf("challenge echo = %q", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet,
		"/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad token status = %d", rec.Code)
	}
}

func TestWebhookDelivery(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "On it!"})
	env.stub.event = bus.InboundEvent{
		Content:       "I need help",
		Channel:       protocol.ChannelWhatsApp,
		ChannelUserID: "15550001",
		MessageID:     "wamid.77",
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Stub-Signature", "valid")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["received"] != 1 {
		t.Errorf("received = %d", res["received"])
	}

	list := env.do(t, http.MethodGet, "/contacts", nil)
	if !bytes.Contains(list.Body.Bytes(), []byte("15550001")) {
		t.Errorf("contact not created from webhook delivery: %s", list.Body.String())
	}
}

func TestWebhookDelivery_BadSignature(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Stub-Signature", "forged")
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookDelivery_UnknownChannel(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{reply: "x"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}
