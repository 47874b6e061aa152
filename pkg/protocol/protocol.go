// Package protocol defines the wire-level constants shared between the core
// engine, the transport adapters, and API clients: channel identifiers,
// engine event names, and message/conversation enums.
package protocol

// Channel identifies a messaging transport.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
	ChannelTelegram  Channel = "telegram"
	ChannelWeb       Channel = "web"
)

// Channels lists every supported transport.
var Channels = []Channel{ChannelWhatsApp, ChannelInstagram, ChannelTelegram, ChannelWeb}

// Valid reports whether c names a supported transport.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWhatsApp, ChannelInstagram, ChannelTelegram, ChannelWeb:
		return true
	}
	return false
}

// Engine event names published on the bus.
const (
	EventConversationStarted = "conversation:started"
	EventConversationClosed  = "conversation:closed"
	EventConversationHandoff = "conversation:handoff"
	EventMessageIncoming     = "message:incoming"
	EventMessageOutgoing     = "message:outgoing"
	EventContactCreated      = "contact:created"
	EventContactTagAdded     = "contact:tag-added"
	EventExecutionFailed     = "execution:failed"
)

// MessageDirection distinguishes inbound customer messages from outbound replies.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageButton   MessageType = "button"
	MessageTemplate MessageType = "template"
	MessageSystem   MessageType = "system"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive      ConversationStatus = "active"
	StatusWaiting     ConversationStatus = "waiting"
	StatusHandoff     ConversationStatus = "handoff"
	StatusHumanActive ConversationStatus = "human-active"
	StatusPaused      ConversationStatus = "paused"
	StatusClosed      ConversationStatus = "closed"
)

// Terminal reports whether the status permits no further persona turns
// without an explicit reopen.
func (s ConversationStatus) Terminal() bool { return s == StatusClosed }

// Reserved metadata keys on messages.
const (
	MetaAgent      = "agent"       // persona key that produced an outbound message
	MetaHumanAgent = "human-agent" // human id when a human sent it
	MetaConfidence = "confidence"
	MetaAction     = "action"
)
