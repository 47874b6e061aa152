// Package agents implements the agent orchestrator: routing an unassigned
// conversation to a persona, running persona turns with rule-based
// detectors, and deciding handoff or transfer.
package agents

// Behavior selects a persona's rule-detector variant. Dispatch happens in a
// single run function; there is no type hierarchy behind personas.
type Behavior string

const (
	// BehaviorGeneric runs only the shared handoff detectors.
	BehaviorGeneric Behavior = "generic"

	// BehaviorSupport adds refund escalation and frustration scoring.
	BehaviorSupport Behavior = "support"

	// BehaviorSales adds the sales stage machine and lead scoring.
	BehaviorSales Behavior = "sales"
)

// Persona is an LLM-backed reply policy: a system prompt plus model
// parameters and the routing metadata the router ranks candidates by.
// Custom personas loaded from the store use the same shape as the built-ins.
type Persona struct {
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
	Model        string   `json:"model,omitempty"`
	Behavior     Behavior `json:"behavior,omitempty"`

	// RoutingKeywords and Topics drive catalog ranking: keyword hits weigh
	// 2, topic-name hits weigh 1.
	RoutingKeywords []string `json:"routing_keywords,omitempty"`
	Topics          []string `json:"topics,omitempty"`

	// MaxTurns forces handoff once the conversation has this many inbound
	// messages. Zero means no limit.
	MaxTurns int `json:"max_turns,omitempty"`

	// Default marks the persona the router falls back to when nothing
	// matches.
	Default bool `json:"default,omitempty"`
}

const defaultMaxTurns = 30

// Builtins returns the fixed persona set registered at startup. Custom
// personas loaded from persistence share the catalog and override built-ins
// by key.
func Builtins() []Persona {
	return []Persona{
		{
			Key:  "sales",
			Name: "Sales Assistant",
			SystemPrompt: "You are a sales assistant for {companyName}, chatting with {contactName} on {channel}. " +
				"Understand the customer's needs, recommend suitable products from the knowledge base, " +
				"and guide them toward a purchase. Be helpful, never pushy. Keep replies short and conversational.",
			Temperature:     0.7,
			MaxTokens:       1024,
			Behavior:        BehaviorSales,
			RoutingKeywords: []string{"buy", "price", "cost", "purchase", "order", "product", "discount", "quote"},
			Topics:          []string{"pricing", "products", "purchasing"},
			MaxTurns:        defaultMaxTurns,
		},
		{
			Key:  "support",
			Name: "Support Assistant",
			SystemPrompt: "You are a customer support assistant for {companyName}, helping {contactName} on {channel}. " +
				"Resolve issues using the knowledge base and FAQ. If you cannot resolve the issue, say so honestly. " +
				"Keep replies short and empathetic.",
			Temperature:     0.4,
			MaxTokens:       1024,
			Behavior:        BehaviorSupport,
			RoutingKeywords: []string{"help", "problem", "issue", "broken", "error", "refund", "account", "not working"},
			Topics:          []string{"troubleshooting", "orders", "account"},
			MaxTurns:        defaultMaxTurns,
			Default:         true,
		},
	}
}
