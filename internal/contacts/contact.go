// Package contacts owns contact identity: resolving a (channel,
// channel-user-id) pair to a stable contact record, plus tags and
// custom fields. All mutations go through the Registry.
package contacts

import (
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Contact is a customer identity resolved from a transport.
// A (Channel, ChannelUserID) pair is unique and is the identity key.
type Contact struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	Email         string           `json:"email,omitempty"`
	Phone         string           `json:"phone,omitempty"`
	Channel       protocol.Channel `json:"channel"`
	ChannelUserID string           `json:"channel_user_id"`

	Tags         []string       `json:"tags,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`

	LastSeenAt        time.Time `json:"last_seen_at"`
	ConversationCount int       `json:"conversation_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// HasTag reports whether the contact carries tag.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
