// Package config holds the Parley runtime configuration: a JSON5 file
// overlaid with PARLEY_* environment variables. Secrets (API keys, channel
// tokens, the Postgres DSN) are never read from or written to the file.
package config

import (
	"fmt"

	"github.com/parleyhq/parley/internal/telemetry"
)

// Config is the root configuration for the Parley server.
type Config struct {
	Server    ServerConfig     `json:"server"`
	LLM       LLMConfig        `json:"llm"`
	Knowledge KnowledgeConfig  `json:"knowledge"`
	Engine    EngineConfig     `json:"engine"`
	Channels  ChannelsConfig   `json:"channels"`
	Database  DatabaseConfig   `json:"database,omitempty"`
	Telemetry telemetry.Config `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig selects the model provider for routing and persona replies.
// APIKey comes from env only: PARLEY_ANTHROPIC_API_KEY or
// PARLEY_OPENAI_API_KEY depending on provider.
type LLMConfig struct {
	Provider string `json:"provider"` // "anthropic" (default) or "openai"
	Model    string `json:"model,omitempty"`
	APIBase  string `json:"api_base,omitempty"`
	APIKey   string `json:"-"`
}

// KnowledgeConfig locates the knowledge tree.
type KnowledgeConfig struct {
	Root  string `json:"root"`
	Watch bool   `json:"watch"` // hot-reload on file changes
}

// EngineConfig tunes conversation processing.
type EngineConfig struct {
	WindowBudget int `json:"window_budget,omitempty"` // context token budget per turn
}

// DatabaseConfig configures optional Postgres persistence. When the DSN is
// empty everything runs on in-memory stores. PostgresDSN is env-only:
// PARLEY_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN   string `json:"-"`
	MigrationsDir string `json:"migrations_dir,omitempty"`
}

// Persistent reports whether Postgres-backed stores should be used.
func (d DatabaseConfig) Persistent() bool { return d.PostgresDSN != "" }

// ChannelsConfig holds per-channel adapter settings. A channel is started
// only when Enabled; providing credentials via env auto-enables it.
type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp,omitempty"`
	Instagram InstagramConfig `json:"instagram,omitempty"`
	Web       WebConfig       `json:"web,omitempty"`
}

// TelegramConfig configures the Telegram Bot API adapter.
// Token is env-only: PARLEY_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Token       string `json:"-"`
	PollTimeout int    `json:"poll_timeout,omitempty"` // long-poll seconds
}

// WhatsAppConfig configures the WhatsApp Cloud API adapter. AccessToken,
// AppSecret and VerifyToken are env-only: PARLEY_WHATSAPP_ACCESS_TOKEN,
// PARLEY_WHATSAPP_APP_SECRET, PARLEY_WHATSAPP_VERIFY_TOKEN.
type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
	AccessToken   string `json:"-"`
	AppSecret     string `json:"-"`
	VerifyToken   string `json:"-"`
}

// InstagramConfig configures the Instagram Messaging adapter. Secrets are
// env-only: PARLEY_INSTAGRAM_ACCESS_TOKEN, PARLEY_INSTAGRAM_APP_SECRET,
// PARLEY_INSTAGRAM_VERIFY_TOKEN.
type InstagramConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	AccessToken string `json:"-"`
	AppSecret   string `json:"-"`
	VerifyToken string `json:"-"`
}

// WebConfig configures the embeddable web chat websocket.
type WebConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}
