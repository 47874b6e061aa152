// Package prompt composes the system prompt and chat history for router and
// persona turns. It owns the prompt-size bounds: the knowledge section stops
// growing at maxPromptChars and history is capped per turn kind.
package prompt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/pkg/protocol"
)

const (
	// maxPromptChars bounds the persona system prompt; knowledge blocks that
	// would push past it are skipped.
	maxPromptChars = 80_000

	routerHistoryLimit  = 5
	personaHistoryLimit = 20
)

// Prompt is a built system prompt plus chat history, ready for an LLM call.
type Prompt struct {
	System  string
	History []llm.Message
}

const defaultRouterInstruction = `You are a conversation router for a customer service platform.
Classify the customer's latest message and respond with JSON only:
{"intent": "<sales|support|other>", "confidence": <0.0-1.0>, "language": "<ISO 639-1>", "sentiment": "<positive|neutral|negative>", "summary": "<one sentence>"}`

// BuildRouter composes the router classification prompt: the router
// instruction from knowledge (or the built-in default), the last five
// messages as context, and the current inbound as the final user turn.
func BuildRouter(idx *knowledge.Index, conv *conversations.Conversation, inbound conversations.Message) Prompt {
	instruction := idx.RouterInstruction()
	if instruction == "" {
		instruction = defaultRouterInstruction
	}

	history := mapHistory(tail(conv.Messages, routerHistoryLimit))
	history = appendInbound(history, inbound)

	return Prompt{System: instruction, History: history}
}

// PersonaInput carries everything a persona turn prompt needs.
type PersonaInput struct {
	PersonaKey   string
	SystemPrompt string // persona template with {companyName}/{channel}/{contactName} variables
	StagePrompt  string // optional stage-specific addition (sales stage machine)

	Knowledge    *knowledge.Index
	Conversation *conversations.Conversation
	Contact      *contacts.Contact
	Inbound      conversations.Message
}

// BuildPersona composes the full persona turn prompt: substituted system
// prompt, tone of voice, the knowledge base section (bounded), FAQ matches,
// customer info, conversation context, and the trailing history.
func BuildPersona(in PersonaInput) Prompt {
	companyName := companyName(in.Knowledge)

	system := substituteVars(in.SystemPrompt, map[string]string{
		"companyName": companyName,
		"channel":     string(in.Conversation.Channel),
		"contactName": contactName(in.Contact),
	})

	var b strings.Builder
	b.WriteString(system)

	if in.StagePrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(in.StagePrompt)
	}

	if tone := toneOfVoice(in.Knowledge); tone != "" {
		b.WriteString("\n\nTone of voice: ")
		b.WriteString(tone)
	}

	writeKnowledgeSection(&b, in.Knowledge.FindRelevantData(in.Inbound.Content, in.PersonaKey))
	writeFAQSection(&b, in.Knowledge.SearchFAQ(in.Inbound.Content))
	writeCustomerInfo(&b, in.Contact)
	writeConversationContext(&b, in.Conversation)

	history := mapHistory(tail(in.Conversation.Messages, personaHistoryLimit))
	history = appendInbound(history, in.Inbound)

	return Prompt{System: b.String(), History: history}
}

// writeKnowledgeSection appends each knowledge block under "## Knowledge
// Base", skipping any block whose inclusion would exceed maxPromptChars.
// Blocks are written in key order so the cut is deterministic.
func writeKnowledgeSection(b *strings.Builder, blocks map[string]map[string]any) {
	if len(blocks) == 0 {
		return
	}

	keys := make([]string, 0, len(blocks))
	for k := range blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("\n\n## Knowledge Base")
	for _, key := range keys {
		raw, err := json.MarshalIndent(blocks[key], "", "  ")
		if err != nil {
			continue
		}
		block := fmt.Sprintf("\n\n### %s\n%s", key, raw)
		if b.Len()+len(block) > maxPromptChars {
			continue
		}
		b.WriteString(block)
	}
}

func writeFAQSection(b *strings.Builder, matches []knowledge.FAQMatch) {
	if len(matches) == 0 {
		return
	}
	b.WriteString("\n\nRelevant FAQ Matches:")
	for _, m := range matches {
		entry := fmt.Sprintf("\nQ: %s\nA: %s", m.Question, m.Answer)
		if b.Len()+len(entry) > maxPromptChars {
			break
		}
		b.WriteString(entry)
	}
}

func writeCustomerInfo(b *strings.Builder, contact *contacts.Contact) {
	if contact == nil {
		return
	}
	b.WriteString("\n\n## Customer Info\n")
	fmt.Fprintf(b, "Name: %s\n", contactName(contact))
	fmt.Fprintf(b, "Channel: %s\n", contact.Channel)
	if len(contact.Tags) > 0 {
		fmt.Fprintf(b, "Tags: %s\n", strings.Join(contact.Tags, ", "))
	}
	fmt.Fprintf(b, "Previous conversations: %d\n", contact.ConversationCount)
}

func writeConversationContext(b *strings.Builder, conv *conversations.Conversation) {
	cc := conv.Context
	if cc.Intent == "" && cc.Sentiment == "" && cc.Language == "" && cc.LeadScore == nil && len(cc.Tags) == 0 {
		return
	}
	b.WriteString("\n\n## Conversation Context\n")
	if cc.Intent != "" {
		fmt.Fprintf(b, "Intent: %s\n", cc.Intent)
	}
	if cc.Sentiment != "" {
		fmt.Fprintf(b, "Sentiment: %s\n", cc.Sentiment)
	}
	if cc.Language != "" {
		fmt.Fprintf(b, "Language: %s\n", cc.Language)
	}
	if cc.LeadScore != nil {
		fmt.Fprintf(b, "Lead score: %d\n", *cc.LeadScore)
	}
	if len(cc.Tags) > 0 {
		fmt.Fprintf(b, "Tags: %s\n", strings.Join(cc.Tags, ", "))
	}
}

// mapHistory converts conversation messages to chat turns: inbound → user,
// outbound → assistant. System messages (window summaries) become user turns
// so the model sees them as context.
func mapHistory(msgs []conversations.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "assistant"
		if m.Direction == protocol.DirectionInbound || m.Type == protocol.MessageSystem {
			role = "user"
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// appendInbound adds the current inbound as the final user turn unless it is
// already the last history entry.
func appendInbound(history []llm.Message, inbound conversations.Message) []llm.Message {
	if n := len(history); n > 0 && history[n-1].Role == "user" && history[n-1].Content == inbound.Content {
		return history
	}
	return append(history, llm.Message{Role: "user", Content: inbound.Content})
}

func tail(msgs []conversations.Message, limit int) []conversations.Message {
	if len(msgs) > limit {
		return msgs[len(msgs)-limit:]
	}
	return msgs
}

// substituteVars replaces {var} placeholders in a persona template.
func substituteVars(s string, vars map[string]string) string {
	for k, v := range vars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

func companyName(idx *knowledge.Index) string {
	if doc, ok := idx.Get(knowledge.KeyCompanyInfo); ok {
		if name, _ := doc.Data["name"].(string); name != "" {
			return name
		}
	}
	return "our company"
}

func toneOfVoice(idx *knowledge.Index) string {
	if doc, ok := idx.Get(knowledge.KeyToneOfVoice); ok {
		if tone, _ := doc.Data["tone"].(string); tone != "" {
			return tone
		}
	}
	return ""
}

func contactName(contact *contacts.Contact) string {
	if contact != nil && contact.Name != "" {
		return contact.Name
	}
	return "the customer"
}
