// Package llm provides the chat-completion client used by the router and
// personas. Providers are hand-rolled over net/http; OpenAI-compatible and
// Anthropic backends are included.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrParse marks a response the model returned but that could not be decoded
// as the requested JSON shape. Callers treat it like a network failure.
var ErrParse = errors.New("parse llm response")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a Chat call.
type ChatRequest struct {
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// ChatResponse is the model's reply with token accounting.
type ChatResponse struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Client is the LLM capability the orchestrator depends on.
type Client interface {
	// Chat sends one completion request. Implementations retry transient
	// failures internally per their retry config.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string
}

// ChatJSON sends req and decodes the response content into T, stripping a
// leading fenced code block if present. Decode failures return ErrParse.
func ChatJSON[T any](ctx context.Context, c Client, req ChatRequest) (*T, error) {
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := StripCodeFence(resp.Content)
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return &out, nil
}

// StripCodeFence removes a leading ```json ... ``` (or bare ```) wrapper.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:] // drop the language tag line
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
