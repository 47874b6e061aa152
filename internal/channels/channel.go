// Package channels provides the transport abstraction layer for
// multi-platform messaging. Adapters connect external platforms (WhatsApp,
// Telegram, Instagram, web chat) to the conversation engine: they verify and
// parse inbound webhooks or run their own listeners, and expose a uniform
// outbound send surface dispatched by the Manager.
package channels

import (
	"context"
	"net/http"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Button is one quick-reply option on an interactive message.
type Button struct {
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
}

// InboundHandler receives inbound events from listening adapters (long
// polling, websocket hubs). Webhook-driven adapters instead surface events
// through ParseIncoming and are invoked by the HTTP layer.
type InboundHandler func(ctx context.Context, ev bus.InboundEvent)

// Adapter is the capability set every transport implements. Send operations
// are called with the channel pre-selected by the Manager.
type Adapter interface {
	// Name returns the transport this adapter serves.
	Name() protocol.Channel

	// Start begins listening for inbound traffic. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, to, content string) error
	SendImage(ctx context.Context, to, url, caption string) error
	SendButtons(ctx context.Context, to, text string, buttons []Button) error
	SendTemplate(ctx context.Context, to, name string, params map[string]string) error

	// VerifyWebhook authenticates an inbound webhook request against the
	// adapter's shared secret. Adapters without a webhook surface return
	// false.
	VerifyWebhook(r *http.Request, body []byte) bool

	// ParseIncoming extracts inbound events from a verified webhook body.
	ParseIncoming(body []byte) ([]bus.InboundEvent, error)
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
