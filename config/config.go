// Package config loads govcollectord's runtime configuration from YAML, with
// environment-variable overrides for secret-bearing fields.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support human-readable YAML values.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings such as "30s" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the configuration surface for the vote collector.
type Config struct {
	NetworkID                  string   `yaml:"networkId"`
	GovernanceComponentAddress string   `yaml:"governanceComponentAddress"`
	GatewayBaseURL             string   `yaml:"gatewayBaseUrl"`
	GatewayBasicAuth           string   `yaml:"gatewayBasicAuth"`
	DatabaseURL                string   `yaml:"databaseUrl"`
	ListenerFromStateVersion   int64    `yaml:"listenerFromStateVersion"`
	ListenerLimitPerPage       int      `yaml:"listenerLimitPerPage"`
	ListenerWaitTime           Duration `yaml:"listenerWaitTime"`
	ListenerRetryAttempts      int      `yaml:"listenerRetryAttempts"`
	WeightConcurrency          int      `yaml:"weightConcurrency"`
	GatewayPageConcurrency     int      `yaml:"gatewayPageConcurrency"`
	DedupWindow                int      `yaml:"dedupWindow"`
	TriggerConcurrency         int      `yaml:"triggerConcurrency"`
	TriggerMaxAttempts         int      `yaml:"triggerMaxAttempts"`
	TriggerBackoffInitial      Duration `yaml:"triggerBackoffInitial"`
	TriggerBackoffCeiling      Duration `yaml:"triggerBackoffCeiling"`
	WeightStrategy             string   `yaml:"weightStrategy"`
	LogLevel                   string   `yaml:"logLevel"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig tunes optional OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	Environment string `yaml:"environment"`
}

type loadOptions struct {
	skipEnvOverrides bool
}

// Option customises Load's behavior.
type Option func(*loadOptions)

// WithoutEnvOverrides disables environment-variable overrides. Intended for
// tests that want a hermetic, file-only configuration.
func WithoutEnvOverrides() Option {
	return func(o *loadOptions) {
		if o == nil {
			return
		}
		o.skipEnvOverrides = true
	}
}

// Load reads configuration from the supplied YAML path, applies defaults,
// overlays secret environment variables, and validates the result.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Config{}
	options := loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	applyDefaults(&cfg)
	if !options.skipEnvOverrides {
		applyEnvOverrides(&cfg)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenerLimitPerPage <= 0 {
		cfg.ListenerLimitPerPage = 100
	}
	if cfg.ListenerWaitTime.Duration == 0 {
		cfg.ListenerWaitTime.Duration = 10 * time.Second
	}
	if cfg.ListenerRetryAttempts <= 0 {
		cfg.ListenerRetryAttempts = 3
	}
	if cfg.WeightConcurrency <= 0 {
		cfg.WeightConcurrency = 5
	}
	if cfg.GatewayPageConcurrency <= 0 {
		cfg.GatewayPageConcurrency = 5
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10_000
	}
	if cfg.TriggerConcurrency <= 0 {
		cfg.TriggerConcurrency = 4
	}
	if cfg.TriggerMaxAttempts <= 0 {
		cfg.TriggerMaxAttempts = 10
	}
	if cfg.TriggerBackoffInitial.Duration == 0 {
		cfg.TriggerBackoffInitial.Duration = time.Second
	}
	if cfg.TriggerBackoffCeiling.Duration == 0 {
		cfg.TriggerBackoffCeiling.Duration = 30 * time.Second
	}
	if cfg.WeightStrategy == "" {
		cfg.WeightStrategy = "stake"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// applyEnvOverrides lets operators supply secret-bearing values outside the
// YAML file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("GOVVOTED_DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("GOVVOTED_GATEWAY_BASIC_AUTH")); v != "" {
		cfg.GatewayBasicAuth = v
	}
}

func validate(cfg Config) error {
	if cfg.NetworkID == "" {
		return fmt.Errorf("networkId must be configured")
	}
	if cfg.GovernanceComponentAddress == "" {
		return fmt.Errorf("governanceComponentAddress must be configured")
	}
	if cfg.GatewayBaseURL == "" {
		return fmt.Errorf("gatewayBaseUrl must be configured")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("databaseUrl must be configured")
	}
	switch cfg.WeightStrategy {
	case "stake", "badge", "composite":
	default:
		return fmt.Errorf("weightStrategy %q is not recognized", cfg.WeightStrategy)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q is not recognized", cfg.LogLevel)
	}
	return nil
}
