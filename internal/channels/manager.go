package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Manager dispatches outbound sends to the adapter registered for the
// channel. Sends to an unregistered channel are logged no-ops, so automation
// keeps working in deployments with only a subset of transports configured.
type Manager struct {
	mu       sync.RWMutex
	adapters map[protocol.Channel]Adapter
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[protocol.Channel]Adapter)}
}

// Register installs the adapter for its channel, replacing any previous one.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
	slog.Info("channel adapter registered", "channel", a.Name())
}

// Get returns the adapter for the channel.
func (m *Manager) Get(channel protocol.Channel) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[channel]
	return a, ok
}

// Channels lists the registered transports.
func (m *Manager) Channels() []protocol.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.Channel, 0, len(m.adapters))
	for c := range m.adapters {
		out = append(out, c)
	}
	return out
}

// StartAll starts every registered adapter concurrently and returns the
// first failure. Adapters keep ctx for their own lifetime, so the group
// context is not used here.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var g errgroup.Group
	for channel, a := range m.adapters {
		g.Go(func() error {
			if err := a.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", channel, err)
			}
			slog.Info("channel adapter started", "channel", channel)
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every registered adapter; failures are logged and skipped.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for channel, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Warn("stopping channel adapter", "channel", channel, "error", err)
		}
	}
}

// SendMessage delivers a text message on the channel.
func (m *Manager) SendMessage(ctx context.Context, channel protocol.Channel, to, content string) error {
	a, ok := m.Get(channel)
	if !ok {
		m.dropped(channel, "message")
		return nil
	}
	return a.SendMessage(ctx, to, content)
}

// SendImage delivers an image by URL on the channel.
func (m *Manager) SendImage(ctx context.Context, channel protocol.Channel, to, url, caption string) error {
	a, ok := m.Get(channel)
	if !ok {
		m.dropped(channel, "image")
		return nil
	}
	return a.SendImage(ctx, to, url, caption)
}

// SendButtons delivers an interactive quick-reply message on the channel.
func (m *Manager) SendButtons(ctx context.Context, channel protocol.Channel, to, text string, buttons []Button) error {
	a, ok := m.Get(channel)
	if !ok {
		m.dropped(channel, "buttons")
		return nil
	}
	return a.SendButtons(ctx, to, text, buttons)
}

// SendTemplate delivers a pre-approved named template on the channel.
func (m *Manager) SendTemplate(ctx context.Context, channel protocol.Channel, to, name string, params map[string]string) error {
	a, ok := m.Get(channel)
	if !ok {
		m.dropped(channel, "template")
		return nil
	}
	return a.SendTemplate(ctx, to, name, params)
}

func (m *Manager) dropped(channel protocol.Channel, kind string) {
	slog.Warn("dropping outbound send, no adapter registered",
		"channel", channel, "kind", kind)
}
