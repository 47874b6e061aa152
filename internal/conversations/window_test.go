package conversations

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/parleyhq/parley/pkg/protocol"
)

func makeConv(msgCount, contentLen int) *Conversation {
	conv := &Conversation{ID: "conv-1", ContactID: "c1", Channel: protocol.ChannelWeb}
	base := time.Now()
	for i := 0; i < msgCount; i++ {
		dir := protocol.DirectionInbound
		if i%2 == 1 {
			dir = protocol.DirectionOutbound
		}
		conv.Messages = append(conv.Messages, Message{
			ID:        "m" + string(rune('0'+i%10)),
			Direction: dir,
			Content:   strings.Repeat("x", contentLen),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	return conv
}

func TestBuildWindow_UnderBudgetVerbatim(t *testing.T) {
	conv := makeConv(10, 40)
	w := BuildWindow(conv, 0)
	if w.Truncated {
		t.Error("window truncated under budget")
	}
	if len(w.Messages) != 10 {
		t.Errorf("messages = %d, want 10", len(w.Messages))
	}
	if w.TokenEstimate != 10*10 { // 40 chars / 4
		t.Errorf("token estimate = %d, want 100", w.TokenEstimate)
	}
}

func TestBuildWindow_TruncatesMiddle(t *testing.T) {
	// 50 messages of 400 chars ≈ 5000 tokens; budget 1000 forces truncation.
	conv := makeConv(50, 400)
	w := BuildWindow(conv, 1000)

	if !w.Truncated {
		t.Fatal("window not truncated")
	}
	// first + summary + last 15
	if len(w.Messages) != 17 {
		t.Fatalf("messages = %d, want 17", len(w.Messages))
	}
	if w.Messages[0].ID != conv.Messages[0].ID {
		t.Error("first message not preserved")
	}
	if w.Messages[1].Type != protocol.MessageSystem {
		t.Errorf("second message type = %s, want system summary", w.Messages[1].Type)
	}
	if w.SummarizedCount != 50-1-15 {
		t.Errorf("summarized count = %d, want 34", w.SummarizedCount)
	}
	for i := 0; i < 15; i++ {
		want := conv.Messages[35+i]
		if w.Messages[2+i].Timestamp != want.Timestamp {
			t.Fatalf("tail message %d mismatched", i)
		}
	}
	if w.TokenEstimate >= 5000 {
		t.Errorf("token estimate not reduced: %d", w.TokenEstimate)
	}
}

func TestBuildWindow_SummaryFormat(t *testing.T) {
	conv := &Conversation{ID: "c", Channel: protocol.ChannelWeb}
	base := time.Now()
	add := func(dir protocol.MessageDirection, content string) {
		conv.Messages = append(conv.Messages, Message{
			Direction: dir,
			Content:   content,
			Timestamp: base.Add(time.Duration(len(conv.Messages)) * time.Second),
		})
	}

	add(protocol.DirectionInbound, "first message about pricing")
	for i := 0; i < 10; i++ {
		add(protocol.DirectionInbound, "customer question "+strings.Repeat("long ", 30))
		add(protocol.DirectionOutbound, "agent answer "+strings.Repeat("word ", 30))
	}
	for i := 0; i < 15; i++ {
		add(protocol.DirectionInbound, "tail")
	}

	w := BuildWindow(conv, 50)
	if !w.Truncated {
		t.Fatal("expected truncation")
	}
	summary := w.Messages[1].Content
	if !strings.HasPrefix(summary, "[Summary of ") {
		t.Errorf("summary prefix missing: %q", summary)
	}
	if !strings.Contains(summary, "Customer discussed: ") {
		t.Errorf("summary missing customer section: %q", summary)
	}
	if !strings.Contains(summary, "Agent responded about: ") {
		t.Errorf("summary missing agent section: %q", summary)
	}
	// Snippets are bounded at 80 chars: split sections and check lengths.
	if strings.Count(summary, ";") < 2 {
		t.Errorf("snippets not semicolon separated: %q", summary)
	}
	for _, part := range strings.Split(summary, "; ") {
		if len(part) > 120 { // 80-char snippet + section label
			t.Errorf("snippet too long: %q", part)
		}
	}
}

func TestSnip_KeepsRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"ascii over limit", strings.Repeat("a", 200)},
		{"multibyte spanning the cut", strings.Repeat("a", summarySnippetLen-1) + "héllo"},
		{"all multibyte", strings.Repeat("ürün çok iyi ", 20)},
		{"cjk", strings.Repeat("你好世界", 40)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := snip(tt.in)
			if len(got) > summarySnippetLen {
				t.Errorf("len = %d, want <= %d", len(got), summarySnippetLen)
			}
			if !utf8.ValidString(got) {
				t.Errorf("snip produced invalid UTF-8: %q", got)
			}
			if !strings.HasPrefix(tt.in, got) {
				t.Errorf("snip is not a prefix of the input: %q", got)
			}
		})
	}
}

func TestBuildWindow_SmallConversationNeverSummarized(t *testing.T) {
	// Even a huge single message stays verbatim when the log is shorter
	// than first+tail.
	conv := makeConv(5, 100_000)
	w := BuildWindow(conv, 10)
	if w.Truncated {
		t.Error("short log must not be truncated")
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abc", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%d chars) = %d, want %d", len(tt.in), got, tt.want)
		}
	}
}
