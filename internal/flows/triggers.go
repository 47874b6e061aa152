package flows

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Default business-hours window when a flow enables the outside-hours filter
// without setting its own bounds. Start is inclusive, end exclusive, local
// time.
const (
	defaultBusinessStartHour = 9
	defaultBusinessEndHour   = 18
)

// Triggers bridges engine events and cron schedules onto flow executions.
// It subscribes to the bus, matches active flows against each event, and
// fires executions asynchronously so subscribers never block a turn.
type Triggers struct {
	engine *Engine
	now    func() time.Time

	mu    sync.Mutex
	stops map[string]chan struct{} // armed scheduled flows, by flow id
}

// NewTriggers wires the manager, subscribes it to the bus, and installs
// itself as the engine's activation hook for cron scheduling.
func NewTriggers(e *Engine, b *bus.Bus) *Triggers {
	t := &Triggers{
		engine: e,
		now:    time.Now,
		stops:  make(map[string]chan struct{}),
	}
	b.Subscribe(protocol.EventMessageIncoming, t.onIncoming)
	b.Subscribe(protocol.EventConversationStarted, t.eventHandler(TriggerConversationStarted))
	b.Subscribe(protocol.EventConversationClosed, t.eventHandler(TriggerConversationClosed))
	b.Subscribe(protocol.EventConversationHandoff, t.eventHandler(TriggerHandoffResolved))
	b.Subscribe(protocol.EventContactCreated, t.onContactCreated)
	b.Subscribe(protocol.EventContactTagAdded, t.onTagAdded)
	e.SetActivationHook(t.onActivation)
	return t
}

// Start arms cron schedules for every already-active scheduled flow. Call
// once at boot, after flows are loaded.
func (t *Triggers) Start(ctx context.Context) error {
	scheduled, err := t.engine.ActiveFlows(ctx, TriggerScheduled)
	if err != nil {
		return err
	}
	for _, f := range scheduled {
		if err := t.arm(f); err != nil {
			slog.Warn("skipping scheduled flow", "flow", f.ID, "error", err)
		}
	}
	return nil
}

// Stop disarms every cron schedule.
func (t *Triggers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, stop := range t.stops {
		close(stop)
		delete(t.stops, id)
	}
}

// FireCustom runs every active custom-webhook flow with the given payload.
// Exposed to the HTTP API.
func (t *Triggers) FireCustom(ctx context.Context, payload map[string]any) (int, error) {
	matching, err := t.engine.ActiveFlows(ctx, TriggerCustomWebhook)
	if err != nil {
		return 0, err
	}
	execCtx := map[string]any{CtxTrigger: string(TriggerCustomWebhook)}
	for k, v := range payload {
		execCtx[k] = v
	}
	for _, f := range matching {
		t.execute(f, execCtx)
	}
	return len(matching), nil
}

// FireTagAdded runs tag-added flows for the contact. Reached through the
// contact:tag-added bus event, emitted wherever a tag actually lands on a
// contact.
func (t *Triggers) FireTagAdded(ctx context.Context, contactID, tag string) {
	matching, err := t.engine.ActiveFlows(ctx, TriggerTagAdded)
	if err != nil {
		slog.Error("listing tag-added flows", "error", err)
		return
	}
	for _, f := range matching {
		t.execute(f, map[string]any{
			CtxTrigger:   string(TriggerTagAdded),
			CtxContactID: contactID,
			"tag":        tag,
		})
	}
}

// FireContactCreated runs contact-created flows for a freshly resolved
// contact. Reached through the contact:created bus event the conversation
// engine emits on first inbound from a new identity.
func (t *Triggers) FireContactCreated(ctx context.Context, contactID string, channel protocol.Channel) {
	matching, err := t.engine.ActiveFlows(ctx, TriggerContactCreated)
	if err != nil {
		slog.Error("listing contact-created flows", "error", err)
		return
	}
	for _, f := range matching {
		if f.TriggerConfig.Channel != "" && f.TriggerConfig.Channel != channel {
			continue
		}
		t.execute(f, map[string]any{
			CtxTrigger:   string(TriggerContactCreated),
			CtxContactID: contactID,
			CtxChannel:   string(channel),
		})
	}
}

// onIncoming fans one inbound message out to message-received flows and,
// when a configured keyword matches, keyword-detected flows.
func (t *Triggers) onIncoming(ev bus.Event) {
	ctx := context.Background()
	t.fire(ctx, TriggerMessageReceived, ev, nil)
	t.fire(ctx, TriggerKeywordDetected, ev, func(f Flow) bool {
		return keywordMatch(f.TriggerConfig.Keywords, ev.Message.Content)
	})
}

func (t *Triggers) eventHandler(kind TriggerKind) bus.Handler {
	return func(ev bus.Event) {
		t.fire(context.Background(), kind, ev, nil)
	}
}

func (t *Triggers) onContactCreated(ev bus.Event) {
	if ev.Contact == nil {
		return
	}
	t.FireContactCreated(context.Background(), ev.Contact.ID, ev.Contact.Channel)
}

func (t *Triggers) onTagAdded(ev bus.Event) {
	if ev.Contact == nil {
		return
	}
	tag, _ := ev.Data["tag"].(string)
	t.FireTagAdded(context.Background(), ev.Contact.ID, tag)
}

// fire runs every active flow of the kind whose trigger filters pass. extra
// is an additional per-kind predicate.
func (t *Triggers) fire(ctx context.Context, kind TriggerKind, ev bus.Event, extra func(Flow) bool) {
	matching, err := t.engine.ActiveFlows(ctx, kind)
	if err != nil {
		slog.Error("listing flows for trigger", "kind", kind, "error", err)
		return
	}
	for _, f := range matching {
		if !t.filtersPass(f.TriggerConfig, ev) {
			continue
		}
		if extra != nil && !extra(f) {
			continue
		}
		t.execute(f, eventContext(kind, ev))
	}
}

func (t *Triggers) filtersPass(cfg TriggerConfig, ev bus.Event) bool {
	if cfg.Channel != "" && (ev.Conversation == nil || ev.Conversation.Channel != cfg.Channel) {
		return false
	}
	if cfg.OutsideBusinessHours {
		start, end := cfg.StartHour, cfg.EndHour
		if start == 0 && end == 0 {
			start, end = defaultBusinessStartHour, defaultBusinessEndHour
		}
		hour := t.now().Hour()
		if hour >= start && hour < end {
			return false
		}
	}
	return true
}

// execute fires the flow on its own goroutine so a slow action (webhook,
// transport send) never stalls the emitting turn.
func (t *Triggers) execute(f Flow, execCtx map[string]any) {
	go func() {
		if _, err := t.engine.Execute(context.Background(), f.ID, execCtx); err != nil {
			slog.Error("trigger execution failed", "flow", f.ID, "error", err)
		}
	}()
}

// onActivation arms or disarms the cron schedule for scheduled flows.
func (t *Triggers) onActivation(f Flow, active bool) {
	if f.Trigger != TriggerScheduled {
		return
	}
	if !active {
		t.disarm(f.ID)
		return
	}
	if err := t.arm(f); err != nil {
		slog.Error("arming scheduled flow", "flow", f.ID, "error", err)
	}
}

func (t *Triggers) arm(f Flow) error {
	expr := f.TriggerConfig.Cron
	if _, err := gronx.NextTickAfter(expr, t.now(), false); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, armed := t.stops[f.ID]; armed {
		return nil
	}
	stop := make(chan struct{})
	t.stops[f.ID] = stop
	go t.cronLoop(f.ID, expr, stop)
	slog.Info("scheduled flow armed", "flow", f.ID, "cron", expr)
	return nil
}

func (t *Triggers) disarm(flowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.stops[flowID]; ok {
		close(stop)
		delete(t.stops, flowID)
		slog.Info("scheduled flow disarmed", "flow", flowID)
	}
}

func (t *Triggers) cronLoop(flowID, expr string, stop <-chan struct{}) {
	for {
		next, err := gronx.NextTickAfter(expr, t.now(), false)
		if err != nil {
			slog.Error("computing next cron tick", "flow", flowID, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		fireAt := next
		go func() {
			_, err := t.engine.Execute(context.Background(), flowID, map[string]any{
				CtxTrigger:     string(TriggerScheduled),
				CtxScheduledAt: fireAt.Format(time.RFC3339),
			})
			if err != nil {
				slog.Error("scheduled execution failed", "flow", flowID, "error", err)
			}
		}()
	}
}

func keywordMatch(keywords []string, content string) bool {
	if len(keywords) == 0 {
		return false
	}
	lowered := strings.ToLower(content)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func eventContext(kind TriggerKind, ev bus.Event) map[string]any {
	ctx := map[string]any{CtxTrigger: string(kind)}
	if ev.Conversation != nil {
		ctx[CtxConversationID] = ev.Conversation.ID
		ctx[CtxChannel] = string(ev.Conversation.Channel)
		ctx[CtxContactID] = ev.Conversation.ContactID
	}
	if ev.Contact != nil {
		ctx[CtxContactID] = ev.Contact.ID
		ctx[CtxChannelUserID] = ev.Contact.ChannelUserID
	}
	if ev.Message != nil {
		ctx[CtxContent] = ev.Message.Content
	}
	if ev.Reason != "" {
		ctx["reason"] = ev.Reason
	}
	return ctx
}
