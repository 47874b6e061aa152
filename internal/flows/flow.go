// Package flows implements the automation flow engine: declarative flows of
// conditional steps fired by triggers, executed stepwise with wait/resume
// semantics so a delayed step never blocks a goroutine on wall-clock time.
package flows

import (
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// TriggerKind names the event class that fires a flow.
type TriggerKind string

const (
	TriggerMessageReceived     TriggerKind = "message-received"
	TriggerKeywordDetected     TriggerKind = "keyword-detected"
	TriggerTagAdded            TriggerKind = "tag-added"
	TriggerConversationStarted TriggerKind = "conversation-started"
	TriggerConversationClosed  TriggerKind = "conversation-closed"
	TriggerScheduled           TriggerKind = "scheduled"
	TriggerContactCreated      TriggerKind = "contact-created"
	TriggerHandoffResolved     TriggerKind = "handoff-resolved"
	TriggerCustomWebhook       TriggerKind = "custom-webhook"
)

// Valid reports whether k names a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerMessageReceived, TriggerKeywordDetected, TriggerTagAdded,
		TriggerConversationStarted, TriggerConversationClosed, TriggerScheduled,
		TriggerContactCreated, TriggerHandoffResolved, TriggerCustomWebhook:
		return true
	}
	return false
}

// TriggerConfig carries the kind-specific filters for a flow's trigger.
type TriggerConfig struct {
	Keywords []string         `json:"keywords,omitempty"` // keyword-detected
	Cron     string           `json:"cron,omitempty"`     // scheduled
	Channel  protocol.Channel `json:"channel,omitempty"`  // restrict to one transport

	// OutsideBusinessHours fires the flow only outside the inclusive
	// start-hour / exclusive end-hour window, evaluated in local time.
	OutsideBusinessHours bool `json:"outside_business_hours,omitempty"`
	StartHour            int  `json:"start_hour,omitempty"`
	EndHour              int  `json:"end_hour,omitempty"`
}

// ActionType names a step's side effect.
type ActionType string

const (
	ActionSendMessage       ActionType = "send-message"
	ActionSendImage         ActionType = "send-image"
	ActionAddTag            ActionType = "add-tag"
	ActionRemoveTag         ActionType = "remove-tag"
	ActionAssignAgent       ActionType = "assign-agent"
	ActionWait              ActionType = "wait"
	ActionWebhook           ActionType = "webhook"
	ActionUpdateContact     ActionType = "update-contact"
	ActionStartConversation ActionType = "start-conversation"
	ActionCloseConversation ActionType = "close-conversation"
)

// Action is a step's side effect: a type plus its free-form config.
type Action struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Operator names a condition comparison.
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpGT       = "gt"
	OpLT       = "lt"
	OpExists   = "exists"
)

// Condition gates a step on a value in the execution context. Field is a
// dotted path; a missing segment resolves to undefined and the condition is
// false (no operator errors on undefined).
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// Step is one unit of a flow: an action, optional gating conditions, and an
// optional jump target overriding sequential order.
type Step struct {
	ID         string      `json:"id"`
	Name       string      `json:"name,omitempty"`
	Action     Action      `json:"action"`
	Conditions []Condition `json:"conditions,omitempty"`
	NextStepID string      `json:"next_step_id,omitempty"`
}

// Flow is a declarative automation: a trigger plus an ordered step list.
// Only active flows fire.
type Flow struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Trigger       TriggerKind   `json:"trigger"`
	TriggerConfig TriggerConfig `json:"trigger_config"`
	Steps         []Step        `json:"steps"`
	Active        bool          `json:"active"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (f *Flow) stepIndex(stepID string) int {
	for i := range f.Steps {
		if f.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// ExecutionStatus is the lifecycle state of one flow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Execution is one run of a flow. A wait leaves the execution running with
// CurrentStepID pointing at the step to resume from.
type Execution struct {
	ID             string          `json:"id"`
	FlowID         string          `json:"flow_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ContactID      string          `json:"contact_id,omitempty"`
	Status         ExecutionStatus `json:"status"`
	CurrentStepID  string          `json:"current_step_id,omitempty"`
	Context        map[string]any  `json:"context,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Well-known execution context keys. Trigger handlers populate them; actions
// read them to resolve the send destination.
const (
	CtxTrigger        = "trigger"
	CtxChannel        = "channel"
	CtxChannelUserID  = "channel-user-id"
	CtxContactID      = "contact-id"
	CtxConversationID = "conversation-id"
	CtxContent        = "content"
	CtxScheduledAt    = "scheduled-at"
)
