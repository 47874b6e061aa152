package flows

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/pkg/protocol"
)

const defaultWebhookTimeout = 10 * time.Second

// runAction executes one step's action. A positive return is a wait in
// milliseconds; any error is fatal to the execution.
func (e *Engine) runAction(ctx context.Context, flow *Flow, exec *Execution, step Step) (int64, error) {
	cfg := step.Action.Config

	switch step.Action.Type {
	case ActionSendMessage:
		channel, to, err := e.destination(ctx, exec, cfg)
		if err != nil {
			return 0, err
		}
		return 0, e.transport.SendMessage(ctx, channel, to, cfgString(cfg, "content"))

	case ActionSendImage:
		channel, to, err := e.destination(ctx, exec, cfg)
		if err != nil {
			return 0, err
		}
		return 0, e.transport.SendImage(ctx, channel, to, cfgString(cfg, "url"), cfgString(cfg, "caption"))

	case ActionAddTag:
		if exec.ContactID == "" {
			return 0, fmt.Errorf("add-tag: execution has no contact")
		}
		tag := cfgString(cfg, "tag")
		updated, added, err := e.contacts.AddTag(ctx, exec.ContactID, tag)
		if err != nil {
			return 0, err
		}
		if added {
			e.bus.Emit(bus.Event{
				Kind:    protocol.EventContactTagAdded,
				Contact: updated,
				Data:    map[string]any{"tag": tag},
			})
		}
		return 0, nil

	case ActionRemoveTag:
		if exec.ContactID == "" {
			return 0, fmt.Errorf("remove-tag: execution has no contact")
		}
		_, err := e.contacts.RemoveTag(ctx, exec.ContactID, cfgString(cfg, "tag"))
		return 0, err

	case ActionAssignAgent:
		if exec.ConversationID == "" {
			return 0, fmt.Errorf("assign-agent: execution has no conversation")
		}
		_, err := e.convs.UpdateAgent(ctx, exec.ConversationID, cfgString(cfg, "agent"))
		return 0, err

	case ActionWait:
		return waitMillis(cfg), nil

	case ActionWebhook:
		return 0, e.postWebhook(ctx, flow, exec, cfg)

	case ActionUpdateContact:
		if exec.ContactID == "" {
			return 0, fmt.Errorf("update-contact: execution has no contact")
		}
		fields, _ := cfg["fields"].(map[string]any)
		return 0, e.updateContact(ctx, exec.ContactID, fields)

	case ActionStartConversation:
		return 0, e.startConversation(ctx, exec, cfg)

	case ActionCloseConversation:
		if exec.ConversationID == "" {
			return 0, fmt.Errorf("close-conversation: execution has no conversation")
		}
		_, err := e.convs.Close(ctx, exec.ConversationID, "closed by flow "+flow.ID)
		return 0, err
	}
	return 0, fmt.Errorf("unknown action type %q", step.Action.Type)
}

// destination resolves the transport channel and recipient for a send: the
// action config wins, then the execution context, then the contact record.
func (e *Engine) destination(ctx context.Context, exec *Execution, cfg map[string]any) (protocol.Channel, string, error) {
	channel := protocol.Channel(cfgString(cfg, "channel"))
	if channel == "" {
		channel = protocol.Channel(stringAt(exec.Context, CtxChannel))
	}
	to := cfgString(cfg, "to")
	if to == "" {
		to = stringAt(exec.Context, CtxChannelUserID)
	}

	if (channel == "" || to == "") && exec.ContactID != "" {
		contact, err := e.contacts.Get(ctx, exec.ContactID)
		if err != nil {
			return "", "", fmt.Errorf("resolve send destination: %w", err)
		}
		if channel == "" {
			channel = contact.Channel
		}
		if to == "" {
			to = contact.ChannelUserID
		}
	}
	if !channel.Valid() || to == "" {
		return "", "", fmt.Errorf("send destination unresolved (channel=%q to=%q)", channel, to)
	}
	return channel, to, nil
}

// waitMillis maps the wait config to milliseconds. Unknown units fall back
// to seconds.
func waitMillis(cfg map[string]any) int64 {
	duration, ok := toFloat(cfg["duration"])
	if !ok || duration <= 0 {
		return 0
	}
	var unit time.Duration
	switch cfgString(cfg, "unit") {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		unit = time.Second
	}
	return int64(duration * float64(unit/time.Millisecond))
}

func (e *Engine) postWebhook(ctx context.Context, flow *Flow, exec *Execution, cfg map[string]any) error {
	url := cfgString(cfg, "url")
	if url == "" {
		return fmt.Errorf("webhook: url required")
	}
	timeout := defaultWebhookTimeout
	if ms, ok := toFloat(cfg["timeout_ms"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"flow_id":         flow.ID,
		"conversation_id": exec.ConversationID,
		"contact_id":      exec.ContactID,
		"data":            exec.Context,
		"timestamp":       e.now().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s returned %d", url, resp.StatusCode)
	}
	return nil
}

func (e *Engine) updateContact(ctx context.Context, contactID string, fields map[string]any) error {
	patch := contacts.Update{CustomFields: make(map[string]any)}
	for k, v := range fields {
		switch k {
		case "name":
			patch.Name, _ = v.(string)
		case "email":
			patch.Email, _ = v.(string)
		case "phone":
			patch.Phone, _ = v.(string)
		default:
			patch.CustomFields[k] = v
		}
	}
	_, err := e.contacts.Update(ctx, contactID, patch)
	return err
}

func (e *Engine) startConversation(ctx context.Context, exec *Execution, cfg map[string]any) error {
	if exec.ContactID == "" {
		return fmt.Errorf("start-conversation: execution has no contact")
	}
	channel := protocol.Channel(cfgString(cfg, "channel"))
	if channel == "" {
		channel = protocol.Channel(stringAt(exec.Context, CtxChannel))
	}
	if channel == "" {
		contact, err := e.contacts.Get(ctx, exec.ContactID)
		if err != nil {
			return fmt.Errorf("start-conversation: %w", err)
		}
		channel = contact.Channel
	}
	conv, err := e.starter.StartConversation(ctx, exec.ContactID, channel)
	if err != nil {
		return err
	}
	exec.ConversationID = conv.ID
	exec.Context[CtxConversationID] = conv.ID
	return nil
}

func cfgString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
