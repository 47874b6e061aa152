package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
		},
		Knowledge: KnowledgeConfig{
			Root:  "./knowledge",
			Watch: true,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{PollTimeout: 30},
			Web:      WebConfig{Enabled: true},
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and are the only source for secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("PARLEY_HOST", &c.Server.Host)
	if v := os.Getenv("PARLEY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// LLM
	envStr("PARLEY_LLM_PROVIDER", &c.LLM.Provider)
	envStr("PARLEY_LLM_MODEL", &c.LLM.Model)
	envStr("PARLEY_LLM_API_BASE", &c.LLM.APIBase)
	switch c.LLM.Provider {
	case "openai":
		envStr("PARLEY_OPENAI_API_KEY", &c.LLM.APIKey)
	default:
		envStr("PARLEY_ANTHROPIC_API_KEY", &c.LLM.APIKey)
	}

	// Knowledge
	envStr("PARLEY_KNOWLEDGE_ROOT", &c.Knowledge.Root)

	// Database
	envStr("PARLEY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("PARLEY_MIGRATIONS_DIR", &c.Database.MigrationsDir)

	// Channel secrets
	envStr("PARLEY_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("PARLEY_WHATSAPP_ACCESS_TOKEN", &c.Channels.WhatsApp.AccessToken)
	envStr("PARLEY_WHATSAPP_APP_SECRET", &c.Channels.WhatsApp.AppSecret)
	envStr("PARLEY_WHATSAPP_VERIFY_TOKEN", &c.Channels.WhatsApp.VerifyToken)
	envStr("PARLEY_WHATSAPP_PHONE_NUMBER_ID", &c.Channels.WhatsApp.PhoneNumberID)
	envStr("PARLEY_INSTAGRAM_ACCESS_TOKEN", &c.Channels.Instagram.AccessToken)
	envStr("PARLEY_INSTAGRAM_APP_SECRET", &c.Channels.Instagram.AppSecret)
	envStr("PARLEY_INSTAGRAM_VERIFY_TOKEN", &c.Channels.Instagram.VerifyToken)

	// Auto-enable channels when credentials arrive via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.WhatsApp.AccessToken != "" && c.Channels.WhatsApp.PhoneNumberID != "" {
		c.Channels.WhatsApp.Enabled = true
	}
	if c.Channels.Instagram.AccessToken != "" {
		c.Channels.Instagram.Enabled = true
	}

	// Telemetry
	envStr("PARLEY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("PARLEY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("PARLEY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("PARLEY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("PARLEY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file. Secret fields carry `json:"-"` so
// they never land on disk.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
