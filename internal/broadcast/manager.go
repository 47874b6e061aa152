package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/internal/contacts"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

var (
	// ErrNotSendable is returned by Send for cancelled or completed
	// broadcasts.
	ErrNotSendable = errors.New("broadcast is not sendable")

	// ErrInvalidBroadcast is returned for broadcasts failing validation.
	ErrInvalidBroadcast = errors.New("invalid broadcast")
)

// Transport is the outbound send surface the manager needs.
type Transport interface {
	SendMessage(ctx context.Context, channel protocol.Channel, to, content string) error
}

// CreateParams describes a new broadcast. Predicate is an optional extra
// filter applied at creation only; it is not persisted.
type CreateParams struct {
	Name         string
	Content      string
	MessageType  protocol.MessageType
	Target       Target
	Predicate    func(contacts.Contact) bool
	ScheduledFor *time.Time
}

// Manager owns broadcasts: it resolves target sets at creation, arms timers
// for scheduled sends, and paces the send loop per channel.
type Manager struct {
	store     store.Store[Broadcast]
	contacts  *contacts.Registry
	transport Transport
	now       func() time.Time

	mu       sync.Mutex
	timers   map[string]*time.Timer
	limiters map[protocol.Channel]*rate.Limiter
}

// NewManager wires the manager.
func NewManager(s store.Store[Broadcast], contactReg *contacts.Registry, transport Transport) *Manager {
	m := &Manager{
		store:     s,
		contacts:  contactReg,
		transport: transport,
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
		limiters:  make(map[protocol.Channel]*rate.Limiter, len(channelRates)),
	}
	for channel, perSecond := range channelRates {
		m.limiters[channel] = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return m
}

// Create resolves the target contact set and stores the broadcast. A future
// schedule arms a one-shot timer that invokes Send; otherwise the broadcast
// stays a draft until sent explicitly.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Broadcast, error) {
	if p.Name == "" || p.Content == "" {
		return nil, fmt.Errorf("%w: name and content required", ErrInvalidBroadcast)
	}
	if p.MessageType == "" {
		p.MessageType = protocol.MessageText
	}

	matched, err := m.contacts.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	recipients := make([]string, 0, len(matched))
	for i := range matched {
		c := &matched[i]
		if !matchesTarget(c, p.Target) {
			continue
		}
		if p.Predicate != nil && !p.Predicate(*c) {
			continue
		}
		recipients = append(recipients, c.ID)
	}

	b := Broadcast{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Name:        p.Name,
		Content:     p.Content,
		MessageType: p.MessageType,
		Target:      p.Target,
		Recipients:  recipients,
		Totals:      Totals{Recipients: len(recipients)},
		Status:      StatusDraft,
		CreatedAt:   m.now(),
	}
	if p.ScheduledFor != nil && p.ScheduledFor.After(m.now()) {
		b.Status = StatusScheduled
		b.ScheduledFor = p.ScheduledFor
	}
	if err := m.store.Create(ctx, b.ID, b); err != nil {
		return nil, err
	}

	if b.Status == StatusScheduled {
		m.armTimer(b.ID, time.Until(*p.ScheduledFor))
	}
	slog.Info("broadcast created",
		"broadcast", b.ID, "recipients", len(recipients), "status", b.Status)
	return &b, nil
}

func (m *Manager) armTimer(id string, in time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[id] = time.AfterFunc(in, func() {
		if _, err := m.Send(context.Background(), id); err != nil {
			slog.Error("scheduled broadcast send failed", "broadcast", id, "error", err)
		}
	})
}

// Get returns one broadcast by id.
func (m *Manager) Get(ctx context.Context, id string) (*Broadcast, error) {
	b, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// List returns all broadcasts in creation order.
func (m *Manager) List(ctx context.Context) ([]Broadcast, error) {
	return m.store.GetAll(ctx)
}

// Send runs the broadcast's send loop: one outbound message per recipient,
// paced by the recipient channel's rate limiter, re-checking for
// cancellation between sends.
func (m *Manager) Send(ctx context.Context, id string) (*Broadcast, error) {
	b, err := m.store.Update(ctx, id, func(x *Broadcast) {
		if x.Status == StatusDraft || x.Status == StatusScheduled {
			x.Status = StatusSending
			now := m.now()
			x.StartedAt = &now
		}
	})
	if err != nil {
		return nil, err
	}
	if b.Status != StatusSending {
		return nil, fmt.Errorf("%w: status=%s", ErrNotSendable, b.Status)
	}

	cancelled := false
	for _, contactID := range b.Recipients {
		contact, err := m.contacts.Get(ctx, contactID)
		if err != nil {
			m.bump(ctx, id, func(t *Totals) { t.Failed++ })
			continue
		}

		if err := m.limiters[contact.Channel].Wait(ctx); err != nil {
			return nil, err
		}

		// Cancellation takes effect at the rate-limit boundary.
		cur, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == StatusCancelled {
			cancelled = true
			break
		}

		if err := m.transport.SendMessage(ctx, contact.Channel, contact.ChannelUserID, b.Content); err != nil {
			slog.Warn("broadcast send failed",
				"broadcast", id, "contact", contactID, "error", err)
			m.bump(ctx, id, func(t *Totals) { t.Failed++ })
			continue
		}
		m.bump(ctx, id, func(t *Totals) { t.Sent++; t.Delivered++ })
	}

	final, err := m.store.Update(ctx, id, func(x *Broadcast) {
		if cancelled || x.Status == StatusCancelled {
			x.Status = StatusCancelled
		} else {
			x.Status = StatusCompleted
		}
		now := m.now()
		x.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	slog.Info("broadcast finished",
		"broadcast", id, "status", final.Status,
		"sent", final.Totals.Sent, "failed", final.Totals.Failed)
	return &final, nil
}

// Cancel stops a broadcast: a scheduled timer is disarmed, an in-flight send
// loop observes the status at its next rate-limit boundary.
func (m *Manager) Cancel(ctx context.Context, id string) (*Broadcast, error) {
	m.mu.Lock()
	if timer, ok := m.timers[id]; ok {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	b, err := m.store.Update(ctx, id, func(x *Broadcast) {
		if x.Status != StatusCompleted {
			x.Status = StatusCancelled
		}
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (m *Manager) bump(ctx context.Context, id string, f func(*Totals)) {
	if _, err := m.store.Update(ctx, id, func(x *Broadcast) { f(&x.Totals) }); err != nil {
		slog.Error("updating broadcast totals", "broadcast", id, "error", err)
	}
}

func matchesTarget(c *contacts.Contact, t Target) bool {
	if t.Channel != "" && c.Channel != t.Channel {
		return false
	}
	for _, tag := range t.Tags {
		if !c.HasTag(tag) {
			return false
		}
	}
	return true
}
