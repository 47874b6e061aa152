package contacts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// ErrInvalidInput is returned when a caller passes an empty identity or an
// unsupported channel.
var ErrInvalidInput = errors.New("invalid contact input")

// Registry is the single writer for contact records. There is no deletion
// API: contacts are only ever archived by callers via custom fields.
type Registry struct {
	store store.Store[Contact]
	now   func() time.Time
}

// NewRegistry creates a contact registry over the given store backend.
func NewRegistry(s store.Store[Contact]) *Registry {
	return &Registry{store: s, now: time.Now}
}

func identityKey(channel protocol.Channel, channelUserID string) string {
	return string(channel) + ":" + channelUserID
}

// GetOrCreate resolves (channel, channelUserID) to a contact, creating one on
// first inbound; the second return reports whether the contact is new. On a
// hit it refreshes last-seen-at and back-fills the name only when previously
// empty. Serialized per identity key so concurrent inbound events from the
// same user cannot create duplicates.
func (r *Registry) GetOrCreate(ctx context.Context, channelUserID string, channel protocol.Channel, name string) (*Contact, bool, error) {
	if channelUserID == "" || !channel.Valid() {
		return nil, false, fmt.Errorf("%w: channel=%q channel_user_id=%q", ErrInvalidInput, channel, channelUserID)
	}

	var result *Contact
	var created bool
	err := r.store.WithLock(ctx, identityKey(channel, channelUserID), func() error {
		existing, err := r.lookup(ctx, channel, channelUserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if existing != nil {
			updated, err := r.store.Update(ctx, existing.ID, func(c *Contact) {
				if now := r.now(); now.After(c.LastSeenAt) {
					c.LastSeenAt = now
				}
				if c.Name == "" && name != "" {
					c.Name = name
				}
			})
			if err != nil {
				return err
			}
			result = &updated
			return nil
		}

		now := r.now()
		contact := Contact{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Name:          name,
			Channel:       channel,
			ChannelUserID: channelUserID,
			LastSeenAt:    now,
			CreatedAt:     now,
		}
		if err := r.store.Create(ctx, contact.ID, contact); err != nil {
			return err
		}
		result = &contact
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (r *Registry) lookup(ctx context.Context, channel protocol.Channel, channelUserID string) (*Contact, error) {
	matches, err := r.store.Find(ctx, func(c Contact) bool {
		return c.Channel == channel && c.ChannelUserID == channelUserID
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	return &matches[0], nil
}

// Get returns a contact by id.
func (r *Registry) Get(ctx context.Context, id string) (*Contact, error) {
	c, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Update applies a partial update to the contact's mutable fields. Empty
// fields in patch are left untouched; custom fields are shallow-merged.
type Update struct {
	Name         string
	Email        string
	Phone        string
	CustomFields map[string]any
}

// Update mutates the contact under its advisory lock.
func (r *Registry) Update(ctx context.Context, id string, patch Update) (*Contact, error) {
	var result Contact
	err := r.store.WithLock(ctx, id, func() error {
		updated, err := r.store.Update(ctx, id, func(c *Contact) {
			if patch.Name != "" {
				c.Name = patch.Name
			}
			if patch.Email != "" {
				c.Email = patch.Email
			}
			if patch.Phone != "" {
				c.Phone = patch.Phone
			}
			if len(patch.CustomFields) > 0 {
				if c.CustomFields == nil {
					c.CustomFields = make(map[string]any, len(patch.CustomFields))
				}
				for k, v := range patch.CustomFields {
					c.CustomFields[k] = v
				}
			}
		})
		result = updated
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AddTag adds tag to the contact's tag set; the second return reports
// whether the tag was actually new. Duplicates are ignored.
func (r *Registry) AddTag(ctx context.Context, id, tag string) (*Contact, bool, error) {
	if tag == "" {
		return nil, false, fmt.Errorf("%w: empty tag", ErrInvalidInput)
	}
	var result Contact
	var added bool
	err := r.store.WithLock(ctx, id, func() error {
		updated, err := r.store.Update(ctx, id, func(c *Contact) {
			if !c.HasTag(tag) {
				c.Tags = append(c.Tags, tag)
				added = true
			}
		})
		result = updated
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return &result, added, nil
}

// RemoveTag removes tag from the contact's tag set. Absent tags are ignored.
func (r *Registry) RemoveTag(ctx context.Context, id, tag string) (*Contact, error) {
	var result Contact
	err := r.store.WithLock(ctx, id, func() error {
		updated, err := r.store.Update(ctx, id, func(c *Contact) {
			for i, t := range c.Tags {
				if t == tag {
					c.Tags = append(c.Tags[:i], c.Tags[i+1:]...)
					break
				}
			}
		})
		result = updated
		return err
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// IncrementConversationCount bumps the contact's conversation counter.
func (r *Registry) IncrementConversationCount(ctx context.Context, id string) error {
	return r.store.WithLock(ctx, id, func() error {
		_, err := r.store.Update(ctx, id, func(c *Contact) {
			c.ConversationCount++
		})
		return err
	})
}

// Search returns contacts whose name, email, or channel-user-id contains
// query (case-insensitive), or that carry a tag containing query exactly.
func (r *Registry) Search(ctx context.Context, query string) ([]Contact, error) {
	q := strings.ToLower(query)
	return r.store.Find(ctx, func(c Contact) bool {
		if strings.Contains(strings.ToLower(c.Name), q) ||
			strings.Contains(strings.ToLower(c.Email), q) ||
			strings.Contains(strings.ToLower(c.ChannelUserID), q) {
			return true
		}
		for _, t := range c.Tags {
			if strings.Contains(t, query) {
				return true
			}
		}
		return false
	})
}

// All returns every contact in creation order.
func (r *Registry) All(ctx context.Context) ([]Contact, error) {
	return r.store.GetAll(ctx)
}
