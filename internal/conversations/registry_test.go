package conversations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

func newTestRegistry() *Registry {
	return NewRegistry(store.NewMemStore[Conversation]())
}

func TestStartAndGetActive(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	if _, err := r.GetActive(ctx, "contact-1"); err != nil {
		t.Fatal(err)
	}

	conv, err := r.Start(ctx, "contact-1", protocol.ChannelWhatsApp)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status != protocol.StatusActive || len(conv.Messages) != 0 {
		t.Fatalf("fresh conversation not blank: %+v", conv)
	}

	active, err := r.GetActive(ctx, "contact-1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != conv.ID {
		t.Fatalf("GetActive = %+v, want %s", active, conv.ID)
	}

	if _, err := r.Start(ctx, "", protocol.ChannelWeb); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Start with empty contact = %v, want ErrInvalidInput", err)
	}
}

func TestGetActive_PicksMostRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	a, _ := r.Start(ctx, "c1", protocol.ChannelWeb)
	b, _ := r.Start(ctx, "c1", protocol.ChannelWeb)
	if _, err := r.AppendMessage(ctx, a.ID, Message{Content: "later", Direction: protocol.DirectionInbound}); err != nil {
		t.Fatal(err)
	}
	_ = b

	active, _ := r.GetActive(ctx, "c1")
	if active.ID != a.ID {
		t.Errorf("GetActive picked %s, want most recently updated %s", active.ID, a.ID)
	}
}

func TestAppendMessage_MonotoneTimestamps(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	conv, _ := r.Start(ctx, "c1", protocol.ChannelTelegram)

	base := time.Now()
	// Second append carries an older timestamp; the registry must force
	// strict monotonicity.
	if _, err := r.AppendMessage(ctx, conv.ID, Message{Content: "a", Direction: protocol.DirectionInbound, Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AppendMessage(ctx, conv.ID, Message{Content: "b", Direction: protocol.DirectionOutbound, Timestamp: base.Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(ctx, conv.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("message count = %d", len(got.Messages))
	}
	if !got.Messages[1].Timestamp.After(got.Messages[0].Timestamp) {
		t.Errorf("timestamps not strictly monotone: %v then %v",
			got.Messages[0].Timestamp, got.Messages[1].Timestamp)
	}

	if _, err := r.AppendMessage(ctx, "missing", Message{Content: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("append to missing conversation = %v, want ErrNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		from    protocol.ConversationStatus
		to      protocol.ConversationStatus
		wantErr bool
	}{
		{"active to paused", protocol.StatusActive, protocol.StatusPaused, false},
		{"paused to active", protocol.StatusPaused, protocol.StatusActive, false},
		{"active to handoff", protocol.StatusActive, protocol.StatusHandoff, false},
		{"handoff to active", protocol.StatusHandoff, protocol.StatusActive, false},
		{"active to closed", protocol.StatusActive, protocol.StatusClosed, false},
		{"paused to closed", protocol.StatusPaused, protocol.StatusClosed, false},
		{"same status", protocol.StatusActive, protocol.StatusActive, false},
		{"closed to active via UpdateStatus", protocol.StatusClosed, protocol.StatusActive, true},
		{"closed to handoff", protocol.StatusClosed, protocol.StatusHandoff, true},
		{"paused to human-active", protocol.StatusPaused, protocol.StatusHumanActive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			conv, _ := r.Start(ctx, "c1", protocol.ChannelWeb)
			if tt.from != protocol.StatusActive {
				if tt.from == protocol.StatusClosed {
					if _, err := r.Close(ctx, conv.ID, "test"); err != nil {
						t.Fatal(err)
					}
				} else {
					if _, err := r.UpdateStatus(ctx, conv.ID, tt.from); err != nil {
						t.Fatal(err)
					}
				}
			}

			_, err := r.UpdateStatus(ctx, conv.ID, tt.to)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("UpdateStatus(%s→%s) = %v, want ErrInvalidTransition", tt.from, tt.to, err)
				}
			} else if err != nil {
				t.Errorf("UpdateStatus(%s→%s) = %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestHumanActiveRequiresHumanAgent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	conv, _ := r.Start(ctx, "c1", protocol.ChannelWeb)

	if _, err := r.UpdateStatus(ctx, conv.ID, protocol.StatusHumanActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("human-active without human agent = %v, want ErrInvalidTransition", err)
	}

	got, err := r.TakeOver(ctx, conv.ID, "agent-smith")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.StatusHumanActive || got.HumanAgentID != "agent-smith" {
		t.Errorf("TakeOver result: %+v", got)
	}
}

func TestCloseAndReopen(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	conv, _ := r.Start(ctx, "c1", protocol.ChannelWeb)

	closed, err := r.Close(ctx, conv.ID, "resolved")
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != protocol.StatusClosed {
		t.Errorf("status = %s", closed.Status)
	}
	if got := closed.Context.CustomFields[CloseReasonKey]; got != "resolved" {
		t.Errorf("close reason = %v", got)
	}

	reopened, err := r.Reopen(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Status != protocol.StatusActive {
		t.Errorf("reopened status = %s", reopened.Status)
	}
	if _, ok := reopened.Context.CustomFields[CloseReasonKey]; ok {
		t.Error("close reason not erased on reopen")
	}
}

func TestUpdateContext_ShallowMerge(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	conv, _ := r.Start(ctx, "c1", protocol.ChannelWeb)

	score := 140 // out of range, must clamp
	if _, err := r.UpdateContext(ctx, conv.ID, Context{
		Intent:       "sales",
		LeadScore:    &score,
		Tags:         []string{"hot"},
		CustomFields: map[string]any{"source": "ad"},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := r.UpdateContext(ctx, conv.ID, Context{
		Sentiment:    "positive",
		Tags:         []string{"hot", "eu"},
		CustomFields: map[string]any{"plan": "pro"},
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get(ctx, conv.ID)
	if got.Context.Intent != "sales" || got.Context.Sentiment != "positive" {
		t.Errorf("context fields lost in merge: %+v", got.Context)
	}
	if *got.Context.LeadScore != 100 {
		t.Errorf("lead score = %d, want clamped 100", *got.Context.LeadScore)
	}
	if len(got.Context.Tags) != 2 {
		t.Errorf("tags = %v, want deduped union", got.Context.Tags)
	}
	if got.Context.CustomFields["source"] != "ad" || got.Context.CustomFields["plan"] != "pro" {
		t.Errorf("custom fields = %v", got.Context.CustomFields)
	}
}

func TestGetHistory(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	conv, _ := r.Start(ctx, "c1", protocol.ChannelWeb)
	for i := 0; i < 5; i++ {
		if _, err := r.AppendMessage(ctx, conv.ID, Message{Content: string(rune('a' + i)), Direction: protocol.DirectionInbound}); err != nil {
			t.Fatal(err)
		}
	}

	tail, err := r.GetHistory(ctx, conv.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Content != "d" || tail[1].Content != "e" {
		t.Errorf("tail = %+v", tail)
	}

	full, _ := r.GetHistory(ctx, conv.ID, 0)
	if len(full) != 5 {
		t.Errorf("full history length = %d", len(full))
	}
}

func TestFindAndStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	a, _ := r.Start(ctx, "c1", protocol.ChannelWhatsApp)
	b, _ := r.Start(ctx, "c2", protocol.ChannelTelegram)
	if _, err := r.UpdateAgent(ctx, a.ID, "sales"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Close(ctx, b.ID, "done"); err != nil {
		t.Fatal(err)
	}

	byStatus, _ := r.Find(ctx, Filters{Status: protocol.StatusClosed})
	if len(byStatus) != 1 || byStatus[0].ID != b.ID {
		t.Errorf("Find by status = %+v", byStatus)
	}

	byAgent, _ := r.Find(ctx, Filters{CurrentAgentID: "sales", Channel: protocol.ChannelWhatsApp})
	if len(byAgent) != 1 || byAgent[0].ID != a.ID {
		t.Errorf("Find by agent+channel = %+v", byAgent)
	}

	stats, _ := r.Stats(ctx)
	if stats[protocol.StatusActive] != 1 || stats[protocol.StatusClosed] != 1 {
		t.Errorf("Stats = %v", stats)
	}
}
