// Package instagram connects to Instagram Messaging via the Graph API:
// outbound sends go to the messages endpoint, inbound arrives on the signed
// Messenger-platform webhook.
package instagram

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/pkg/protocol"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Config holds the adapter's settings.
type Config struct {
	AccessToken string
	AppSecret   string
	VerifyToken string
	BaseURL     string // overridable for tests
}

// Adapter serves the instagram transport.
type Adapter struct {
	config Config
	http   *http.Client
}

// New creates the adapter from config.
func New(cfg Config) (*Adapter, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("instagram: access token required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Name returns the transport identifier.
func (a *Adapter) Name() protocol.Channel { return protocol.ChannelInstagram }

// Start is a no-op: inbound traffic arrives on the webhook.
func (a *Adapter) Start(_ context.Context) error { return nil }

// Stop is a no-op.
func (a *Adapter) Stop(_ context.Context) error { return nil }

// VerifyToken answers the Graph webhook subscription handshake.
func (a *Adapter) VerifyToken() string { return a.config.VerifyToken }

// VerifyWebhook checks the X-Hub-Signature-256 HMAC over the raw body.
func (a *Adapter) VerifyWebhook(r *http.Request, body []byte) bool {
	if a.config.AppSecret == "" {
		return false
	}
	provided, ok := strings.CutPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.config.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(provided), []byte(expected))
}

type webhookPayload struct {
	Entry []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				MID     string `json:"mid"`
				Text    string `json:"text"`
				IsEcho  bool   `json:"is_echo"`
				QuickRe struct {
					Payload string `json:"payload"`
				} `json:"quick_reply"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// ParseIncoming extracts inbound events from a verified webhook body. Echoes
// of our own sends are skipped.
func (a *Adapter) ParseIncoming(body []byte) ([]bus.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("instagram: decode webhook: %w", err)
	}

	var events []bus.InboundEvent
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			if m.Message.IsEcho || m.Message.Text == "" {
				continue
			}
			events = append(events, bus.InboundEvent{
				Content:       m.Message.Text,
				ChannelUserID: m.Sender.ID,
				Channel:       protocol.ChannelInstagram,
				MessageID:     m.Message.MID,
			})
		}
	}
	return events, nil
}

// SendMessage delivers a text message.
func (a *Adapter) SendMessage(ctx context.Context, to, content string) error {
	return a.post(ctx, map[string]any{
		"recipient": map[string]any{"id": to},
		"message":   map[string]any{"text": content},
	})
}

// SendImage delivers an image attachment by URL. Instagram has no caption
// field on attachments; a non-empty caption goes out as a follow-up text.
func (a *Adapter) SendImage(ctx context.Context, to, url, caption string) error {
	err := a.post(ctx, map[string]any{
		"recipient": map[string]any{"id": to},
		"message": map[string]any{
			"attachment": map[string]any{
				"type":    "image",
				"payload": map[string]any{"url": url},
			},
		},
	})
	if err != nil {
		return err
	}
	if caption != "" {
		return a.SendMessage(ctx, to, caption)
	}
	return nil
}

// SendButtons delivers a text message with quick replies. The platform caps
// quick replies at 13.
func (a *Adapter) SendButtons(ctx context.Context, to, text string, buttons []channels.Button) error {
	if len(buttons) > 13 {
		buttons = buttons[:13]
	}
	quickReplies := make([]map[string]any, 0, len(buttons))
	for i, b := range buttons {
		payload := b.Payload
		if payload == "" {
			payload = fmt.Sprintf("btn-%d", i+1)
		}
		quickReplies = append(quickReplies, map[string]any{
			"content_type": "text",
			"title":        channels.Truncate(b.Text, 20),
			"payload":      payload,
		})
	}
	return a.post(ctx, map[string]any{
		"recipient": map[string]any{"id": to},
		"message": map[string]any{
			"text":          text,
			"quick_replies": quickReplies,
		},
	})
}

// SendTemplate sends pre-rendered template content: Instagram messaging has
// no server-side template registry.
func (a *Adapter) SendTemplate(ctx context.Context, to, name string, params map[string]string) error {
	content := params["_rendered"]
	if content == "" {
		content = name
	}
	return a.SendMessage(ctx, to, content)
}

func (a *Adapter) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("instagram: %w", err)
	}
	url := a.config.BaseURL + "/me/messages?access_token=" + a.config.AccessToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("instagram: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("instagram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("instagram: send returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
