// Package config loads node configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid indicates the configuration failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Duration wraps time.Duration so TOML values can be written as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root node configuration.
type Config struct {
	AgentID string `toml:"agent_id"`

	Broker    BrokerConfig    `toml:"broker"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Collab    CollabConfig    `toml:"collab"`
	Presence  PresenceConfig  `toml:"presence"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// BrokerConfig configures the broker connection and retry policy.
type BrokerConfig struct {
	// URL of the NATS broker.
	URL string `toml:"url"`

	// FallbackURL of a websocket relay used when the broker is down.
	FallbackURL string `toml:"fallback_url"`

	Name     string `toml:"name"`
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	// ConnectAttempts bounds initial connection retries.
	ConnectAttempts int `toml:"connect_attempts"`

	// BackoffBase is the first retry delay; each attempt doubles it.
	BackoffBase Duration `toml:"backoff_base"`

	// AckTimeout is how long a requires_ack publish waits per attempt.
	AckTimeout Duration `toml:"ack_timeout"`

	// AckRetries bounds resends of an unacknowledged message.
	AckRetries int `toml:"ack_retries"`

	// BufferSize for subscription channels.
	BufferSize int `toml:"buffer_size"`
}

// DiscoveryConfig configures the capability registry.
type DiscoveryConfig struct {
	// StalenessThreshold after which an unrefreshed capability is hidden.
	StalenessThreshold Duration `toml:"staleness_threshold"`

	// SweepInterval between staleness eviction passes.
	SweepInterval Duration `toml:"sweep_interval"`

	// MinTrust filters discovered capabilities by advertiser trust score.
	MinTrust float64 `toml:"min_trust"`
}

// CollabConfig configures the collaboration manager.
type CollabConfig struct {
	// SubtaskTimeout bounds the wait for one subtask result.
	// Zero means wait indefinitely.
	SubtaskTimeout Duration `toml:"subtask_timeout"`

	// MinTrust required of executors when resolving capability filters.
	MinTrust float64 `toml:"min_trust"`
}

// PresenceConfig configures periodic capability re-advertisement.
type PresenceConfig struct {
	AdvertiseInterval Duration `toml:"advertise_interval"`
}

// TelemetryConfig configures the OTLP trace exporter and the
// per-message audit log.
type TelemetryConfig struct {
	// Endpoint of the OTLP collector. Empty disables tracing.
	Endpoint string `toml:"endpoint"`

	// Protocol is "grpc" or "http".
	Protocol string `toml:"protocol"`

	Insecure bool `toml:"insecure"`

	// MessageLog selects the message audit exporter: "file", "http" or
	// "noop". Empty disables message logging.
	MessageLog string `toml:"message_log"`

	// MessageLogTarget is the JSONL file path ("file") or collector URL
	// ("http") the audit log writes to.
	MessageLogTarget string `toml:"message_log_target"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:             "nats://localhost:4222",
			ConnectAttempts: 3,
			BackoffBase:     Duration{1 * time.Second},
			AckTimeout:      Duration{10 * time.Second},
			AckRetries:      3,
			BufferSize:      256,
		},
		Discovery: DiscoveryConfig{
			StalenessThreshold: Duration{600 * time.Second},
			SweepInterval:      Duration{60 * time.Second},
		},
		Presence: PresenceConfig{
			AdvertiseInterval: Duration{5 * time.Minute},
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
	}
}

// Load reads a TOML file, layered over defaults, and validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML from a string, layered over defaults.
func Parse(data string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalid)
	}
	if c.Broker.URL == "" && c.Broker.FallbackURL == "" {
		return fmt.Errorf("%w: broker.url or broker.fallback_url is required", ErrInvalid)
	}
	if c.Broker.ConnectAttempts < 1 {
		return fmt.Errorf("%w: broker.connect_attempts must be at least 1", ErrInvalid)
	}
	if c.Broker.BackoffBase.Duration < 0 {
		return fmt.Errorf("%w: broker.backoff_base must not be negative", ErrInvalid)
	}
	if c.Discovery.MinTrust < 0 || c.Discovery.MinTrust > 1 {
		return fmt.Errorf("%w: discovery.min_trust must be in [0,1]", ErrInvalid)
	}
	if c.Collab.MinTrust < 0 || c.Collab.MinTrust > 1 {
		return fmt.Errorf("%w: collab.min_trust must be in [0,1]", ErrInvalid)
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("%w: telemetry.protocol must be grpc or http", ErrInvalid)
	}
	switch c.Telemetry.MessageLog {
	case "", "noop":
	case "file", "http":
		if c.Telemetry.MessageLogTarget == "" {
			return fmt.Errorf("%w: telemetry.message_log_target is required for %s message logs", ErrInvalid, c.Telemetry.MessageLog)
		}
	default:
		return fmt.Errorf("%w: telemetry.message_log must be file, http or noop", ErrInvalid)
	}
	return nil
}

// BackoffBaseDuration returns the configured backoff base as a plain duration.
func (b *BrokerConfig) BackoffBaseDuration() time.Duration { return b.BackoffBase.Duration }

// AckTimeoutDuration returns the ack timeout as a plain duration.
func (b *BrokerConfig) AckTimeoutDuration() time.Duration { return b.AckTimeout.Duration }

// StalenessThresholdDuration returns the threshold as a plain duration.
func (d *DiscoveryConfig) StalenessThresholdDuration() time.Duration {
	return d.StalenessThreshold.Duration
}

// SweepIntervalDuration returns the sweep interval as a plain duration.
func (d *DiscoveryConfig) SweepIntervalDuration() time.Duration { return d.SweepInterval.Duration }

// SubtaskTimeoutDuration returns the subtask timeout as a plain duration.
func (c *CollabConfig) SubtaskTimeoutDuration() time.Duration { return c.SubtaskTimeout.Duration }

// AdvertiseIntervalDuration returns the interval as a plain duration.
func (p *PresenceConfig) AdvertiseIntervalDuration() time.Duration {
	return p.AdvertiseInterval.Duration
}
