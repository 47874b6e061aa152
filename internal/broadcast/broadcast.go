// Package broadcast implements one-shot bulk outbound sends to a filtered
// contact set, paced by per-channel rate limits and cancellable between
// sends.
package broadcast

import (
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Status is the lifecycle state of a broadcast.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Target filters the contact set a broadcast goes to. A contact matches when
// the channel matches (if set) and it carries every required tag.
type Target struct {
	Channel protocol.Channel `json:"channel,omitempty"`
	Tags    []string         `json:"tags,omitempty"`
}

// Totals tracks delivery counters for one broadcast.
type Totals struct {
	Recipients int `json:"recipients"`
	Sent       int `json:"sent"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// Broadcast is one bulk send. Recipients is the resolved contact-id list,
// frozen at creation in registry order.
type Broadcast struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Content     string               `json:"content"`
	MessageType protocol.MessageType `json:"message_type"`
	Target      Target               `json:"target"`
	Recipients  []string             `json:"recipients"`
	Totals      Totals               `json:"totals"`
	Status      Status               `json:"status"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// channelRates is the per-channel send ceiling in messages per second.
var channelRates = map[protocol.Channel]int{
	protocol.ChannelWhatsApp:  80,
	protocol.ChannelTelegram:  30,
	protocol.ChannelInstagram: 20,
	protocol.ChannelWeb:       100,
}
