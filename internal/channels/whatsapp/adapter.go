// Package whatsapp connects to the WhatsApp Cloud API: outbound sends go to
// the Graph messages endpoint, inbound arrives on a signed webhook.
package whatsapp

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
	"sort"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/channels"
	"github.com/parleyhq/parley/pkg/protocol"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

// Config holds the adapter's settings. AppSecret signs webhook deliveries;
// VerifyToken answers the webhook subscription handshake.
type Config struct {
	AccessToken   string
	PhoneNumberID string
	AppSecret     string
	VerifyToken   string
	BaseURL       string // overridable for tests
}

// Adapter serves the whatsapp transport.
type Adapter struct {
	config Config
	http   *http.Client
}

// New creates the adapter from config.
func New(cfg Config) (*Adapter, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, errors.New("whatsapp: access token and phone number id required")
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
func (a *Adapter) Name() protocol.Channel { return protocol.ChannelWhatsApp }

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
	header := r.Header.Get("X-Hub-Signature-256")
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.config.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(provided), []byte(expected))
}

// webhookPayload mirrors the Cloud API webhook shape, limited to the fields
// the engine consumes.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Button struct {
						Text string `json:"text"`
					} `json:"button"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseIncoming extracts inbound events from a verified webhook body.
// Status-only deliveries yield an empty slice.
func (a *Adapter) ParseIncoming(body []byte) ([]bus.InboundEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}

	var events []bus.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				content := msg.Text.Body
				if content == "" {
					content = msg.Button.Text
				}
				if content == "" {
					continue
				}
				events = append(events, bus.InboundEvent{
					Content:       content,
					ChannelUserID: msg.From,
					Channel:       protocol.ChannelWhatsApp,
					SenderName:    names[msg.From],
					MessageID:     msg.ID,
				})
			}
		}
	}
	return events, nil
}

// SendMessage delivers a text message.
func (a *Adapter) SendMessage(ctx context.Context, to, content string) error {
	return a.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": content},
	})
}

// SendImage delivers an image by link.
func (a *Adapter) SendImage(ctx context.Context, to, url, caption string) error {
	image := map[string]any{"link": url}
	if caption != "" {
		image["caption"] = caption
	}
	return a.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             image,
	})
}

// SendButtons delivers an interactive reply-button message. The Cloud API
// caps reply buttons at three.
func (a *Adapter) SendButtons(ctx context.Context, to, text string, buttons []channels.Button) error {
	if len(buttons) > 3 {
		buttons = buttons[:3]
	}
	replies := make([]map[string]any, 0, len(buttons))
	for i, b := range buttons {
		id := b.Payload
		if id == "" {
			id = fmt.Sprintf("btn-%d", i+1)
		}
		replies = append(replies, map[string]any{
			"type":  "reply",
			"reply": map[string]any{"id": id, "title": channels.Truncate(b.Text, 20)},
		})
	}
	return a.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": text},
			"action": map[string]any{"buttons": replies},
		},
	})
}

// SendTemplate delivers a pre-approved named template with body parameters.
func (a *Adapter) SendTemplate(ctx context.Context, to, name string, params map[string]string) error {
	// Body parameters are positional; order by key for determinism.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parameters := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		parameters = append(parameters, map[string]any{"type": "text", "text": params[k]})
	}
	template := map[string]any{
		"name":     name,
		"language": map[string]any{"code": "en"},
	}
	if len(parameters) > 0 {
		template["components"] = []map[string]any{
			{"type": "body", "parameters": parameters},
		}
	}
	return a.post(ctx, map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "template",
		"template":          template,
	})
}

func (a *Adapter) post(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", a.config.BaseURL, a.config.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.config.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp: send returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
