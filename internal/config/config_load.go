package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		WhatsApp: WhatsAppConfig{
			BridgeURL:             "ws://127.0.0.1:3001",
			DMPolicy:              "open",
			GroupPolicy:           "open",
			RequestTimeoutSeconds: 30,
			SendRatePerSecond:     1,
			SendBurst:             5,
		},
		Commands: CommandsConfig{
			RateLimitHits:          20,
			RateLimitWindowSeconds: 60,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "wabot",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (plus env overlays).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("WABOT_BRIDGE_URL", &c.WhatsApp.BridgeURL)
	envStr("WABOT_DM_POLICY", &c.WhatsApp.DMPolicy)
	envStr("WABOT_GROUP_POLICY", &c.WhatsApp.GroupPolicy)

	// Allowlist from env (comma-separated)
	if v := os.Getenv("WABOT_ALLOW_FROM"); v != "" {
		c.WhatsApp.AllowFrom = strings.Split(v, ",")
	}
	if v := os.Getenv("WABOT_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WhatsApp.RequestTimeoutSeconds = n
		}
	}

	// Telemetry
	envStr("WABOT_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("WABOT_OTLP_PROTOCOL", &c.Telemetry.Protocol)
	envStr("WABOT_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("WABOT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("WABOT_OTLP_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

var validPolicies = map[string]bool{"": true, "open": true, "allowlist": true, "disabled": true}

// Validate rejects values the bot cannot run with.
func (c *Config) Validate() error {
	if c.WhatsApp.BridgeURL == "" {
		return fmt.Errorf("whatsapp bridge_url is required")
	}
	if !validPolicies[c.WhatsApp.DMPolicy] {
		return fmt.Errorf("invalid whatsapp dm_policy %q", c.WhatsApp.DMPolicy)
	}
	if !validPolicies[c.WhatsApp.GroupPolicy] {
		return fmt.Errorf("invalid whatsapp group_policy %q", c.WhatsApp.GroupPolicy)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("invalid telemetry protocol %q", c.Telemetry.Protocol)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
	}
	return nil
}

// Save writes the config to a JSON file.
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
