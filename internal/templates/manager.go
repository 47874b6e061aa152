// Package templates manages named message templates with {variable}
// placeholders and per-channel approval status.
package templates

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// ApprovalStatus tracks channel-side template review. WhatsApp templates
// start pending; every other channel is approved immediately.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Template is a reusable message with {variable} placeholders.
type Template struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Content   string           `json:"content"`
	Variables []string         `json:"variables"`
	Channel   protocol.Channel `json:"channel,omitempty"`
	Approval  ApprovalStatus   `json:"approval"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ErrInvalidTemplate is returned for templates failing validation.
var ErrInvalidTemplate = errors.New("invalid template")

var placeholderRe = regexp.MustCompile(`\{(\w+)\}`)

// ExtractVariables returns the unique {word} placeholders in content, in
// first-occurrence order.
func ExtractVariables(content string) []string {
	var vars []string
	seen := make(map[string]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		vars = append(vars, name)
	}
	return vars
}

// Manager owns the template store.
type Manager struct {
	store store.Store[Template]
	now   func() time.Time
}

// NewManager wires the manager.
func NewManager(s store.Store[Template]) *Manager {
	return &Manager{store: s, now: time.Now}
}

// Create stores a new template. When variables is nil they are extracted
// from the content.
func (m *Manager) Create(ctx context.Context, name, content string, variables []string, channel protocol.Channel) (*Template, error) {
	if name == "" || content == "" {
		return nil, fmt.Errorf("%w: name and content required", ErrInvalidTemplate)
	}
	if existing, _ := m.byName(ctx, name); existing != nil {
		return nil, fmt.Errorf("%w: name %q already taken", ErrInvalidTemplate, name)
	}
	if variables == nil {
		variables = ExtractVariables(content)
	}

	approval := ApprovalApproved
	if channel == protocol.ChannelWhatsApp {
		approval = ApprovalPending
	}

	t := Template{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Content:   content,
		Variables: variables,
		Channel:   channel,
		Approval:  approval,
		CreatedAt: m.now(),
	}
	t.UpdatedAt = t.CreatedAt
	if err := m.store.Create(ctx, t.ID, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Update patches the template. A content change re-extracts variables unless
// the caller supplies them explicitly.
func (m *Manager) Update(ctx context.Context, id, content string, variables []string) (*Template, error) {
	updated, err := m.store.Update(ctx, id, func(t *Template) {
		if content != "" && content != t.Content {
			t.Content = content
			if variables == nil {
				t.Variables = ExtractVariables(content)
			}
		}
		if variables != nil {
			t.Variables = variables
		}
		t.UpdatedAt = m.now()
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetApproval records the channel-side review outcome.
func (m *Manager) SetApproval(ctx context.Context, id string, status ApprovalStatus) (*Template, error) {
	updated, err := m.store.Update(ctx, id, func(t *Template) {
		t.Approval = status
		t.UpdatedAt = m.now()
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Get resolves a template by id first, then by name.
func (m *Manager) Get(ctx context.Context, nameOrID string) (*Template, error) {
	if t, err := m.store.Get(ctx, nameOrID); err == nil {
		return &t, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	t, err := m.byName(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("template %q: %w", nameOrID, store.ErrNotFound)
	}
	return t, nil
}

// List returns all templates in creation order.
func (m *Manager) List(ctx context.Context) ([]Template, error) {
	return m.store.GetAll(ctx)
}

// Delete removes the template.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Render substitutes every {var} in the template with values[var], or the
// empty string when missing. Non-placeholder text is never altered, so
// rendering an already-rendered string is a no-op.
func (m *Manager) Render(ctx context.Context, nameOrID string, values map[string]string) (string, error) {
	t, err := m.Get(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	return RenderContent(t.Content, values), nil
}

// RenderContent substitutes placeholders in raw content.
func RenderContent(content string, values map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(content, func(match string) string {
		name := strings.Trim(match, "{}")
		return values[name]
	})
}

func (m *Manager) byName(ctx context.Context, name string) (*Template, error) {
	matches, err := m.store.Find(ctx, func(t Template) bool { return t.Name == name })
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}
