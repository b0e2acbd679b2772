package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so profiles can say "10m" or "2h".
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Profile is a YAML deployment profile overriding selected settings per
// environment (e.g. stricter windows for production).
type Profile struct {
	Name               string   `yaml:"name"`
	StoreBackend       string   `yaml:"store_backend,omitempty"`
	ReplayBackend      string   `yaml:"replay_backend,omitempty"`
	MaxIntentTTL       Duration `yaml:"max_intent_ttl,omitempty"`
	ClockSkew          Duration `yaml:"clock_skew_tolerance,omitempty"`
	WebhookWindow      Duration `yaml:"webhook_replay_window,omitempty"`
	KeyBits            int      `yaml:"key_bits,omitempty"`
	SettlementMaxTries int      `yaml:"settlement_max_attempts,omitempty"`
	SettlementTimeout  Duration `yaml:"settlement_timeout,omitempty"`
	TelemetryEnabled   bool     `yaml:"telemetry_enabled,omitempty"`
	OTLPEndpoint       string   `yaml:"otlp_endpoint,omitempty"`
}

// LoadProfile parses a profile file and applies it over cfg.
func LoadProfile(path string, cfg *Config) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("config: profile %s has no name", path)
	}
	p.apply(cfg)
	return &p, nil
}

func (p *Profile) apply(cfg *Config) {
	if p.StoreBackend != "" {
		cfg.StoreBackend = p.StoreBackend
	}
	if p.ReplayBackend != "" {
		cfg.ReplayBackend = p.ReplayBackend
	}
	if p.MaxIntentTTL > 0 {
		cfg.MaxIntentTTL = time.Duration(p.MaxIntentTTL)
	}
	if p.ClockSkew > 0 {
		cfg.ClockSkew = time.Duration(p.ClockSkew)
	}
	if p.WebhookWindow > 0 {
		cfg.WebhookWindow = time.Duration(p.WebhookWindow)
	}
	if p.KeyBits > 0 {
		cfg.KeyBits = p.KeyBits
	}
	if p.SettlementMaxTries > 0 {
		cfg.SettlementMaxAttempts = p.SettlementMaxTries
	}
	if p.SettlementTimeout > 0 {
		cfg.SettlementTimeout = time.Duration(p.SettlementTimeout)
	}
	if p.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = p.OTLPEndpoint
	}
	if p.TelemetryEnabled {
		cfg.TelemetryEnabled = true
	}
}
