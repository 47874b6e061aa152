package conversations

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/parleyhq/parley/pkg/protocol"
)

const (
	// DefaultWindowBudget is the default token budget for a prompt window.
	DefaultWindowBudget = 50_000

	// windowTailSize is how many trailing messages survive truncation.
	windowTailSize = 15

	summarySnippetLen  = 80
	summaryMaxInbound  = 5
	summaryMaxOutbound = 3
)

// Window is a bounded view over a conversation's messages for prompting.
type Window struct {
	Messages      []Message
	Truncated     bool
	TokenEstimate int
	// SummarizedCount is how many middle messages the summary replaced.
	SummarizedCount int
}

// EstimateTokens approximates the token cost of a string as ceil(chars/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func estimateMessages(msgs []Message) int {
	total := 0
	for i := range msgs {
		total += EstimateTokens(msgs[i].Content)
	}
	return total
}

// BuildWindow bounds the conversation's history by token estimate. Under
// budget, all messages are returned verbatim. Over budget, the very first
// message and the last windowTailSize messages are kept and the middle is
// replaced by a deterministic summary string; no LLM call is made.
func BuildWindow(conv *Conversation, maxTokens int) Window {
	if maxTokens <= 0 {
		maxTokens = DefaultWindowBudget
	}

	msgs := conv.Messages
	total := estimateMessages(msgs)
	if total <= maxTokens || len(msgs) <= windowTailSize+1 {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return Window{Messages: out, TokenEstimate: total}
	}

	first := msgs[0]
	tail := msgs[len(msgs)-windowTailSize:]
	middle := msgs[1 : len(msgs)-windowTailSize]

	summary := Message{
		ID:             first.ID + "-summary",
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		Direction:      protocol.DirectionOutbound,
		Type:           protocol.MessageSystem,
		Content:        summarize(middle),
		Channel:        conv.Channel,
		Timestamp:      middle[len(middle)-1].Timestamp,
	}

	out := make([]Message, 0, len(tail)+2)
	out = append(out, first, summary)
	out = append(out, tail...)

	return Window{
		Messages:        out,
		Truncated:       true,
		TokenEstimate:   estimateMessages(out),
		SummarizedCount: len(middle),
	}
}

// summarize renders the replaced middle messages as a deterministic local
// summary line.
func summarize(middle []Message) string {
	var inbound, outbound []string
	for i := range middle {
		snippet := snip(middle[i].Content)
		if snippet == "" {
			continue
		}
		switch middle[i].Direction {
		case protocol.DirectionInbound:
			if len(inbound) < summaryMaxInbound {
				inbound = append(inbound, snippet)
			}
		case protocol.DirectionOutbound:
			if len(outbound) < summaryMaxOutbound {
				outbound = append(outbound, snippet)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Summary of %d earlier messages]", len(middle))
	if len(inbound) > 0 {
		b.WriteString(" Customer discussed: ")
		b.WriteString(strings.Join(inbound, "; "))
	}
	if len(outbound) > 0 {
		b.WriteString("; Agent responded about: ")
		b.WriteString(strings.Join(outbound, "; "))
	}
	return b.String()
}

// snip bounds a message to summarySnippetLen bytes, backing up to a rune
// boundary so the cut never splits a multi-byte character.
func snip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= summarySnippetLen {
		return s
	}
	cut := summarySnippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
