package config

import (
	"encoding/json"
	"fmt"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, so phone
// numbers may be written unquoted in allow_from.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the bot.
type Config struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Commands  CommandsConfig  `json:"commands"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// WhatsAppConfig configures the bridge connection and inbound policies.
type WhatsAppConfig struct {
	BridgeURL             string              `json:"bridge_url"`
	AllowFrom             FlexibleStringSlice `json:"allow_from"`
	DMPolicy              string              `json:"dm_policy,omitempty"`               // "open" (default), "allowlist", "disabled"
	GroupPolicy           string              `json:"group_policy,omitempty"`            // "open" (default), "allowlist", "disabled"
	RequestTimeoutSeconds int                 `json:"request_timeout_seconds,omitempty"` // bridge request timeout (default 30)
	SendRatePerSecond     float64             `json:"send_rate_per_second,omitempty"`    // outbound pacing (default 1)
	SendBurst             int                 `json:"send_burst,omitempty"`              // outbound burst (default 5)
}

// CommandsConfig tunes the command router.
type CommandsConfig struct {
	Greetings              []string `json:"greetings,omitempty"`                 // exact-match greetings (default hi, hello, hey, salam)
	RateLimitHits          int      `json:"rate_limit_hits,omitempty"`           // messages per sender per window (default 20)
	RateLimitWindowSeconds int      `json:"rate_limit_window_seconds,omitempty"` // window length (default 60)
}

// TelemetryConfig configures OpenTelemetry export for traces.
// When disabled, spans are created against a no-op provider.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local dev)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "wabot")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}
