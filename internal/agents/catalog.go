package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parleyhq/parley/internal/store"
)

// Catalog is the registry of routable personas. Built-ins are registered at
// construction; custom personas loaded from the store override built-ins
// sharing a key. The built-in set acts as the permanent fallback when no
// custom persona matches.
type Catalog struct {
	mu       sync.RWMutex
	personas map[string]Persona
	order    []string
}

// NewCatalog creates a catalog pre-populated with the built-in personas.
func NewCatalog() *Catalog {
	c := &Catalog{personas: make(map[string]Persona)}
	for _, p := range Builtins() {
		c.Register(p)
	}
	return c
}

// Register adds or replaces a persona by key.
func (c *Catalog) Register(p Persona) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.personas[p.Key]; !exists {
		c.order = append(c.order, p.Key)
	}
	c.personas[p.Key] = p
}

// LoadCustom merges personas from the store into the catalog. Invalid
// records are logged and skipped.
func (c *Catalog) LoadCustom(ctx context.Context, s store.Store[Persona]) error {
	custom, err := s.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("load custom personas: %w", err)
	}
	for _, p := range custom {
		if p.Key == "" || p.SystemPrompt == "" {
			slog.Warn("skipping custom persona without key or prompt", "key", p.Key)
			continue
		}
		c.Register(p)
	}
	if len(custom) > 0 {
		slog.Info("custom personas loaded", "count", len(custom))
	}
	return nil
}

// Get returns the persona under key.
func (c *Catalog) Get(key string) (Persona, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.personas[key]
	return p, ok
}

// Default returns the designated default persona. When several claim the
// flag, registration order wins.
func (c *Catalog) Default() Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, key := range c.order {
		if p := c.personas[key]; p.Default {
			return p
		}
	}
	// A catalog always holds the built-ins, so order is never empty.
	return c.personas[c.order[0]]
}

// All returns every persona in registration order.
func (c *Catalog) All() []Persona {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Persona, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.personas[key])
	}
	return out
}
