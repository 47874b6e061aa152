package channels

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/pkg/protocol"
)

type stubAdapter struct {
	name  protocol.Channel
	sends []string
}

func (s *stubAdapter) Name() protocol.Channel                   { return s.name }
func (s *stubAdapter) Start(context.Context) error              { return nil }
func (s *stubAdapter) Stop(context.Context) error               { return nil }
func (s *stubAdapter) VerifyWebhook(*http.Request, []byte) bool { return false }
func (s *stubAdapter) ParseIncoming([]byte) ([]bus.InboundEvent, error) {
	return nil, nil
}

func (s *stubAdapter) SendMessage(_ context.Context, to, content string) error {
	s.sends = append(s.sends, "msg:"+to+":"+content)
	return nil
}

func (s *stubAdapter) SendImage(_ context.Context, to, url, _ string) error {
	s.sends = append(s.sends, "img:"+to+":"+url)
	return nil
}

func (s *stubAdapter) SendButtons(_ context.Context, to, text string, _ []Button) error {
	s.sends = append(s.sends, "btn:"+to+":"+text)
	return nil
}

func (s *stubAdapter) SendTemplate(_ context.Context, to, name string, _ map[string]string) error {
	s.sends = append(s.sends, "tpl:"+to+":"+name)
	return nil
}

func TestManagerDispatchesByChannel(t *testing.T) {
	m := NewManager()
	tg := &stubAdapter{name: protocol.ChannelTelegram}
	wa := &stubAdapter{name: protocol.ChannelWhatsApp}
	m.Register(tg)
	m.Register(wa)
	ctx := context.Background()

	if err := m.SendMessage(ctx, protocol.ChannelTelegram, "123", "hi"); err != nil {
		t.Fatal(err)
	}
	if err := m.SendTemplate(ctx, protocol.ChannelWhatsApp, "+1", "welcome", nil); err != nil {
		t.Fatal(err)
	}

	if len(tg.sends) != 1 || tg.sends[0] != "msg:123:hi" {
		t.Errorf("telegram sends = %v", tg.sends)
	}
	if len(wa.sends) != 1 || wa.sends[0] != "tpl:+1:welcome" {
		t.Errorf("whatsapp sends = %v", wa.sends)
	}
}

type failingAdapter struct {
	stubAdapter
	err error
}

func (f *failingAdapter) Start(context.Context) error { return f.err }

func TestStartAllReturnsFirstFailure(t *testing.T) {
	m := NewManager()
	m.Register(&stubAdapter{name: protocol.ChannelTelegram})
	m.Register(&failingAdapter{
		stubAdapter: stubAdapter{name: protocol.ChannelWhatsApp},
		err:         errors.New("bad token"),
	})

	err := m.StartAll(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}
	if !strings.Contains(err.Error(), "whatsapp") {
		t.Errorf("error does not name the failing channel: %v", err)
	}
}

func TestManagerUnregisteredChannelIsNoOp(t *testing.T) {
	m := NewManager()
	if err := m.SendMessage(context.Background(), protocol.ChannelInstagram, "u", "hi"); err != nil {
		t.Errorf("unregistered send returned error: %v", err)
	}
}

func TestWebhookRateLimiter(t *testing.T) {
	r := NewWebhookRateLimiter()
	for i := 0; i < rateLimitMaxHits; i++ {
		if !r.Allow("key") {
			t.Fatalf("request %d denied inside the window budget", i)
		}
	}
	if r.Allow("key") {
		t.Error("request above the window budget allowed")
	}
	if !r.Allow("other-key") {
		t.Error("independent key throttled")
	}
}
