package agents

import (
	"strings"
	"unicode"

	"github.com/parleyhq/parley/internal/conversations"
)

// Keyword lists behind the rule-based detectors. Both the generic and the
// localized lists are always active; a match in either counts, so detection
// stays monotone regardless of the conversation's detected language.
var (
	handoffKeywords = []string{
		"human", "agent", "manager", "representative", "real person",
		"speak to someone", "talk to a person", "operator", "supervisor",
	}
	handoffKeywordsLocalized = []string{
		"انسان", "موظف", "مدير", "خدمة العملاء", "شخص حقيقي",
	}

	negativeKeywords = []string{
		"bad", "terrible", "awful", "horrible", "worst", "angry",
		"frustrated", "unacceptable", "disappointed", "useless", "hate",
	}
	negativeKeywordsLocalized = []string{
		"سيء", "فظيع", "غاضب", "محبط",
	}

	severeFrustrationWords = []string{
		"terrible", "horrible", "worst", "unacceptable", "furious",
		"disgusting", "scam", "fraud",
	}
	mildFrustrationWords = []string{
		"bad", "annoying", "slow", "disappointed", "frustrated", "upset",
		"ridiculous", "waste",
	}

	refundKeywords = []string{
		"refund", "return", "money back", "chargeback", "cancel my order",
	}

	buyingKeywords = []string{
		"buy", "purchase", "order now", "sign me up", "subscribe",
		"checkout", "i'll take", "let's do it", "send the invoice",
	}
	objectionKeywords = []string{
		"too expensive", "not sure", "think about it", "competitor",
		"cheaper", "concern", "worried", "hesitant",
	}
	disengagementKeywords = []string{
		"not interested", "stop messaging", "leave me alone", "unsubscribe",
		"maybe later", "no thanks",
	}
)

const (
	frustrationThreshold = 5
	frustrationWindow    = 5

	severeWeight    = 3
	mildWeight      = 1
	allCapsWeight   = 2
	punctRunWeight  = 1
	allCapsMinChars = 10

	consecutiveNegativeLimit = 3
)

// HandoffReason names which detector tripped.
type HandoffReason string

const (
	ReasonExplicitRequest     HandoffReason = "customer requested a human agent"
	ReasonMaxTurns            HandoffReason = "conversation exceeded the turn limit"
	ReasonNegativeSentiment   HandoffReason = "repeated negative sentiment"
	ReasonRefundRequest       HandoffReason = "refund or return request"
	ReasonFrustrationDetected HandoffReason = "customer frustration detected"
)

func containsAny(content string, keywords []string) bool {
	lower := strings.ToLower(content)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// detectHandoff runs the shared detectors every persona applies before
// calling the model. Returns the tripped reason, or empty when the turn may
// proceed.
func detectHandoff(p Persona, inbound conversations.Message, conv *conversations.Conversation) HandoffReason {
	if containsAny(inbound.Content, handoffKeywords) || containsAny(inbound.Content, handoffKeywordsLocalized) {
		return ReasonExplicitRequest
	}

	if p.MaxTurns > 0 && conv.InboundCount() >= p.MaxTurns {
		return ReasonMaxTurns
	}

	if consecutiveNegative(conv, inbound) >= consecutiveNegativeLimit {
		return ReasonNegativeSentiment
	}

	return ""
}

// consecutiveNegative counts the streak of trailing inbound messages
// (including the current one) that contain a negative-sentiment keyword.
func consecutiveNegative(conv *conversations.Conversation, inbound conversations.Message) int {
	streak := 0
	check := func(content string) bool {
		return containsAny(content, negativeKeywords) || containsAny(content, negativeKeywordsLocalized)
	}

	if !check(inbound.Content) {
		return 0
	}
	streak = 1

	recent := conv.LastInbound(consecutiveNegativeLimit)
	// Skip the current inbound if it is already appended to the log.
	if n := len(recent); n > 0 && recent[n-1].Content == inbound.Content {
		recent = recent[:n-1]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		if !check(recent[i].Content) {
			break
		}
		streak++
	}
	return streak
}

// frustrationScore sums the frustration signals over the last five inbound
// messages plus the current one: severe words weigh 3, mild words 1, an
// ALL-CAPS message longer than 10 characters 2, and a run of two or more
// '!' or '?' 1. The score is monotone in accumulated trigger words.
func frustrationScore(conv *conversations.Conversation, inbound conversations.Message) int {
	window := conv.LastInbound(frustrationWindow)
	if n := len(window); n == 0 || window[n-1].Content != inbound.Content {
		window = append(window, inbound)
		if len(window) > frustrationWindow {
			window = window[len(window)-frustrationWindow:]
		}
	}

	score := 0
	for _, msg := range window {
		lower := strings.ToLower(msg.Content)
		for _, w := range severeFrustrationWords {
			score += strings.Count(lower, w) * severeWeight
		}
		for _, w := range mildFrustrationWords {
			score += strings.Count(lower, w) * mildWeight
		}
		if isShouting(msg.Content) {
			score += allCapsWeight
		}
		if hasPunctuationRun(msg.Content) {
			score += punctRunWeight
		}
	}
	return score
}

// isShouting reports whether the message is ALL CAPS, longer than the
// minimum, and actually contains letters.
func isShouting(s string) bool {
	if len(s) <= allCapsMinChars {
		return false
	}
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}

// hasPunctuationRun reports a run of two or more '!' or '?'.
func hasPunctuationRun(s string) bool {
	run := 0
	for _, r := range s {
		if r == '!' || r == '?' {
			run++
			if run >= 2 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// SalesStage is the sales persona's conversation stage.
type SalesStage string

const (
	StageQualifying        SalesStage = "qualifying"
	StagePresenting        SalesStage = "presenting"
	StageObjectionHandling SalesStage = "objection-handling"
	StageClosing           SalesStage = "closing"
)

// salesStage derives the stage from the conversation so far plus the current
// inbound.
func salesStage(conv *conversations.Conversation, inbound conversations.Message) SalesStage {
	inboundCount := conv.InboundCount()
	if n := len(conv.Messages); n == 0 || conv.Messages[n-1].Content != inbound.Content {
		inboundCount++
	}

	buying := false
	objection := false
	for _, msg := range conv.LastInbound(inboundCount) {
		if containsAny(msg.Content, buyingKeywords) {
			buying = true
		}
		if containsAny(msg.Content, objectionKeywords) {
			objection = true
		}
	}
	if containsAny(inbound.Content, buyingKeywords) {
		buying = true
	}
	if containsAny(inbound.Content, objectionKeywords) {
		objection = true
	}

	switch {
	case buying && inboundCount > 3:
		return StageClosing
	case objection:
		return StageObjectionHandling
	case inboundCount > 2:
		return StagePresenting
	default:
		return StageQualifying
	}
}

var stagePrompts = map[SalesStage]string{
	StageQualifying:        "Current sales stage: qualifying. Ask open questions to understand what the customer needs before recommending anything.",
	StagePresenting:        "Current sales stage: presenting. Recommend the most suitable products from the knowledge base and explain their value.",
	StageObjectionHandling: "Current sales stage: objection handling. Address the customer's concerns directly and honestly; do not dismiss them.",
	StageClosing:           "Current sales stage: closing. The customer shows buying intent; guide them through completing the purchase.",
}

const (
	leadScoreBase         = 20
	leadScorePerInbound   = 5
	leadScoreInboundCap   = 25
	leadScorePerBuying    = 8
	leadScorePerDisengage = 10
)

// leadScore computes the 0-100 lead score over the conversation's inbound
// messages plus the current one.
func leadScore(conv *conversations.Conversation, inbound conversations.Message) int {
	msgs := conv.LastInbound(len(conv.Messages))
	if n := len(msgs); n == 0 || msgs[n-1].Content != inbound.Content {
		msgs = append(msgs, inbound)
	}

	score := leadScoreBase
	inboundBonus := len(msgs) * leadScorePerInbound
	if inboundBonus > leadScoreInboundCap {
		inboundBonus = leadScoreInboundCap
	}
	score += inboundBonus

	for _, msg := range msgs {
		if containsAny(msg.Content, buyingKeywords) {
			score += leadScorePerBuying
		}
		if containsAny(msg.Content, disengagementKeywords) {
			score -= leadScorePerDisengage
		}
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
