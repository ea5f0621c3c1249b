package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleTOML = `
agent_id = "agent-1"

[broker]
url = "nats://broker:4222"
connect_attempts = 5
backoff_base = "500ms"
ack_timeout = "3s"
ack_retries = 2

[discovery]
staleness_threshold = "120s"
sweep_interval = "10s"
min_trust = 0.4

[collab]
subtask_timeout = "30s"

[presence]
advertise_interval = "1m"

[telemetry]
endpoint = "localhost:4317"
protocol = "grpc"
insecure = true
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sampleTOML)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if cfg.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want %q", cfg.AgentID, "agent-1")
	}
	if cfg.Broker.URL != "nats://broker:4222" {
		t.Errorf("Broker.URL = %q", cfg.Broker.URL)
	}
	if cfg.Broker.ConnectAttempts != 5 {
		t.Errorf("ConnectAttempts = %d, want 5", cfg.Broker.ConnectAttempts)
	}
	if cfg.Broker.BackoffBaseDuration() != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 500ms", cfg.Broker.BackoffBaseDuration())
	}
	if cfg.Discovery.StalenessThresholdDuration() != 120*time.Second {
		t.Errorf("StalenessThreshold = %v, want 120s", cfg.Discovery.StalenessThresholdDuration())
	}
	if cfg.Discovery.MinTrust != 0.4 {
		t.Errorf("MinTrust = %v, want 0.4", cfg.Discovery.MinTrust)
	}
	if cfg.Collab.SubtaskTimeoutDuration() != 30*time.Second {
		t.Errorf("SubtaskTimeout = %v, want 30s", cfg.Collab.SubtaskTimeoutDuration())
	}
	if cfg.Presence.AdvertiseIntervalDuration() != time.Minute {
		t.Errorf("AdvertiseInterval = %v, want 1m", cfg.Presence.AdvertiseIntervalDuration())
	}
	if cfg.Telemetry.Endpoint != "localhost:4317" {
		t.Errorf("Telemetry.Endpoint = %q", cfg.Telemetry.Endpoint)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(`agent_id = "a1"`)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if cfg.Broker.URL != "nats://localhost:4222" {
		t.Errorf("default Broker.URL = %q", cfg.Broker.URL)
	}
	if cfg.Broker.ConnectAttempts != 3 {
		t.Errorf("default ConnectAttempts = %d, want 3", cfg.Broker.ConnectAttempts)
	}
	if cfg.Discovery.StalenessThresholdDuration() != 600*time.Second {
		t.Errorf("default StalenessThreshold = %v, want 600s", cfg.Discovery.StalenessThresholdDuration())
	}
	if cfg.Discovery.SweepIntervalDuration() != 60*time.Second {
		t.Errorf("default SweepInterval = %v, want 60s", cfg.Discovery.SweepIntervalDuration())
	}
	if cfg.Broker.AckRetries != 3 {
		t.Errorf("default AckRetries = %d, want 3", cfg.Broker.AckRetries)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing agent id", func(c *Config) { c.AgentID = "" }, true},
		{"no broker urls", func(c *Config) { c.Broker.URL = ""; c.Broker.FallbackURL = "" }, true},
		{"zero attempts", func(c *Config) { c.Broker.ConnectAttempts = 0 }, true},
		{"trust out of range", func(c *Config) { c.Discovery.MinTrust = 1.5 }, true},
		{"bad protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, true},
		{"fallback only", func(c *Config) { c.Broker.URL = ""; c.Broker.FallbackURL = "ws://relay" }, false},
		{"bad message log", func(c *Config) { c.Telemetry.MessageLog = "syslog" }, true},
		{"message log without target", func(c *Config) { c.Telemetry.MessageLog = "file" }, true},
		{"message log with target", func(c *Config) {
			c.Telemetry.MessageLog = "file"
			c.Telemetry.MessageLogTarget = "/tmp/audit.jsonl"
		}, false},
		{"noop message log", func(c *Config) { c.Telemetry.MessageLog = "noop" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.AgentID = "a1"
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error should wrap ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AgentID != "agent-1" {
		t.Errorf("AgentID = %q", cfg.AgentID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse(`
agent_id = "a1"
[broker]
backoff_base = "soon"
`)
	if err == nil {
		t.Error("expected error for unparseable duration")
	}
}
