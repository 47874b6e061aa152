package agents

import (
	"context"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/conversations"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/prompt"
)

// DefaultConfidenceThreshold is the minimum LLM classification confidence
// before the router falls back to keyword scoring.
const DefaultConfidenceThreshold = 0.6

const (
	// keyword-fallback confidence model: 0.3 with no hits, otherwise
	// 0.5 + hits*0.1 capped at 0.85.
	fallbackNoHitConfidence = 0.3
	fallbackBaseConfidence  = 0.5
	fallbackPerHit          = 0.1
	fallbackMaxConfidence   = 0.85
)

// Classification is the JSON shape the router asks the model for.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Sentiment  string  `json:"sentiment"`
	Summary    string  `json:"summary"`
}

// Decision is the router's output: the selected persona plus the
// classification that produced it.
type Decision struct {
	AgentKey   string
	Intent     string
	Confidence float64
	Language   string
	Sentiment  string
	Summary    string

	// Method records how the decision was made: "llm", "keyword-fallback",
	// or "transfer".
	Method string
}

// Router picks a persona for an unassigned conversation and proposes
// mid-conversation transfers.
type Router struct {
	llm       llm.Client
	knowledge *knowledge.Index
	catalog   *Catalog
	threshold float64
}

// NewRouter creates a router over the LLM client, knowledge index, and
// persona catalog.
func NewRouter(client llm.Client, idx *knowledge.Index, catalog *Catalog) *Router {
	return &Router{llm: client, knowledge: idx, catalog: catalog, threshold: DefaultConfidenceThreshold}
}

// SetThreshold overrides the LLM-confidence threshold.
func (r *Router) SetThreshold(threshold float64) {
	if threshold > 0 && threshold <= 1 {
		r.threshold = threshold
	}
}

// Route classifies the inbound message and selects a persona. LLM failures
// and low-confidence classifications fall back to keyword scoring; the
// decision's confidence is always in [0, 1].
func (r *Router) Route(ctx context.Context, inbound conversations.Message, conv *conversations.Conversation) Decision {
	p := prompt.BuildRouter(r.knowledge, conv, inbound)

	cls, err := llm.ChatJSON[Classification](ctx, r.llm, llm.ChatRequest{
		System:      p.System,
		Messages:    p.History,
		Temperature: 0.1,
		MaxTokens:   256,
	})
	if err != nil {
		slog.Warn("router llm classification failed, falling back to keywords", "error", err)
		return r.keywordFallback(inbound.Content)
	}
	if cls.Confidence < r.threshold {
		slog.Debug("router confidence below threshold, falling back to keywords",
			"confidence", cls.Confidence, "threshold", r.threshold)
		return r.keywordFallback(inbound.Content)
	}

	confidence := cls.Confidence
	if confidence > 1 {
		confidence = 1
	}

	return Decision{
		AgentKey:   r.personaForIntent(cls.Intent, inbound.Content),
		Intent:     cls.Intent,
		Confidence: confidence,
		Language:   cls.Language,
		Sentiment:  cls.Sentiment,
		Summary:    cls.Summary,
		Method:     "llm",
	}
}

// keywordFallback scores the knowledge routing rules against the message:
// per rule, count case-insensitive keyword hits and pick the highest-scoring
// intent, defaulting to support.
func (r *Router) keywordFallback(content string) Decision {
	lower := strings.ToLower(content)

	bestIntent := ""
	bestAgent := ""
	bestHits := 0
	for _, rule := range r.knowledge.RoutingRules() {
		hits := 0
		for _, kw := range rule.Keywords {
			hits += strings.Count(lower, strings.ToLower(kw))
		}
		if hits > bestHits {
			bestHits = hits
			bestIntent = rule.Intent
			bestAgent = rule.Agent
		}
	}

	if bestHits == 0 {
		def := r.catalog.Default()
		return Decision{
			AgentKey:   def.Key,
			Intent:     def.Key,
			Confidence: fallbackNoHitConfidence,
			Method:     "keyword-fallback",
		}
	}

	confidence := fallbackBaseConfidence + float64(bestHits)*fallbackPerHit
	if confidence > fallbackMaxConfidence {
		confidence = fallbackMaxConfidence
	}
	if bestAgent == "" {
		bestAgent = bestIntent
	}

	return Decision{
		AgentKey:   r.personaForIntent(bestAgent, content),
		Intent:     bestIntent,
		Confidence: confidence,
		Method:     "keyword-fallback",
	}
}

// personaForIntent maps an intent to a catalog persona. A persona keyed by
// the intent wins outright; otherwise candidates are ranked by keyword hits
// (weight 2) and topic-name hits (weight 1), defaulting to the designated
// default persona.
func (r *Router) personaForIntent(intent, content string) string {
	if _, ok := r.catalog.Get(intent); ok {
		return intent
	}

	best := r.catalog.Default().Key
	bestScore := 0
	for _, p := range r.catalog.All() {
		score := rankPersona(p, content)
		if score > bestScore {
			bestScore = score
			best = p.Key
		}
	}
	return best
}

// rankPersona scores a persona against the message content.
func rankPersona(p Persona, content string) int {
	lower := strings.ToLower(content)
	score := 0
	for _, kw := range p.RoutingKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			score += 2
		}
	}
	for _, topic := range p.Topics {
		if strings.Contains(lower, strings.ToLower(topic)) {
			score++
		}
	}
	return score
}

// ProposeTransfer checks whether the inbound content matches another
// persona's keywords or topics and not the current persona's. When it does,
// the returned decision proposes the switch; the caller applies it before
// the turn runs.
func (r *Router) ProposeTransfer(currentKey string, inbound conversations.Message) (Decision, bool) {
	current, ok := r.catalog.Get(currentKey)
	if ok && rankPersona(current, inbound.Content) > 0 {
		return Decision{}, false
	}

	bestKey := ""
	bestScore := 0
	for _, p := range r.catalog.All() {
		if p.Key == currentKey {
			continue
		}
		if score := rankPersona(p, inbound.Content); score > bestScore {
			bestScore = score
			bestKey = p.Key
		}
	}
	if bestKey == "" {
		return Decision{}, false
	}

	confidence := fallbackBaseConfidence + float64(bestScore)*fallbackPerHit
	if confidence > fallbackMaxConfidence {
		confidence = fallbackMaxConfidence
	}

	return Decision{
		AgentKey:   bestKey,
		Intent:     bestKey,
		Confidence: confidence,
		Method:     "transfer",
	}, true
}
