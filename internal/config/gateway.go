package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the top-level configuration for the opsmap gateway
// binary.
type GatewayConfig struct {
	Gateway GatewayIdentity `yaml:"gateway"`
	Listen  ListenSection   `yaml:"listen"`
	Backend BackendSection  `yaml:"backend"`
	TLS     TLSConfig       `yaml:"tls"`
	Agents  AgentsSection   `yaml:"agents"`
	Auth    AuthSection     `yaml:"auth"`
	History HistorySection  `yaml:"history"`
	Audit   AuditSection    `yaml:"audit"`
	LogLevel string         `yaml:"log_level"`
}

// GatewayIdentity identifies this gateway instance to the backend.
type GatewayIdentity struct {
	ID   string `yaml:"id"`
	Zone string `yaml:"zone"`
}

// ListenSection configures the gateway's own HTTP/WebSocket listener.
type ListenSection struct {
	// Addr is the listen address for agent WebSocket connections and the
	// REST surface, e.g. "0.0.0.0:8443".
	Addr string `yaml:"addr"`
}

// BackendSection configures the outbound connection to the backend.
type BackendSection struct {
	URL                   string `yaml:"url"`
	ReconnectIntervalSecs int    `yaml:"reconnect_interval_secs"`
	HeartbeatIntervalSecs int    `yaml:"heartbeat_interval_secs"`
}

// AgentsSection tunes agent-session bookkeeping.
type AgentsSection struct {
	// RegistrationTimeoutSecs bounds how long a freshly-opened agent
	// WebSocket connection has to send its Register message. Defaults to
	// 30.
	RegistrationTimeoutSecs int `yaml:"registration_timeout_secs"`

	// StaleAfterSecs is the heartbeat age after which an agent is
	// considered dead and evicted from the registry. Defaults to 90.
	StaleAfterSecs int `yaml:"stale_after_secs"`

	// SweepIntervalSecs is how often the stale-agent sweep runs. Defaults
	// to 30.
	SweepIntervalSecs int `yaml:"sweep_interval_secs"`

	// CommandQueueSize bounds the per-agent outbound command queue.
	// Defaults to 100.
	CommandQueueSize int `yaml:"command_queue_size"`
}

// AuthSection configures JWT verification for the operator REST surface.
type AuthSection struct {
	// JWTPublicKeyPath is the PEM-encoded RSA public key used to verify
	// RS256 bearer tokens on operator REST endpoints. Leave empty to
	// disable JWT validation (dev mode); agents never authenticate this
	// way — they present a TLS client certificate instead.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// AuditSection configures the tamper-evident command audit trail.
type AuditSection struct {
	// FilePath is the append-only NDJSON audit log path. Leave empty to
	// disable command auditing.
	FilePath string `yaml:"file_path"`
}

// HistorySection configures the local agent-connection-history store.
type HistorySection struct {
	// Enabled turns on the sqlite-backed history store. Defaults to true.
	Enabled bool `yaml:"enabled"`

	// FilePath is the sqlite database path. Defaults to
	// "/var/lib/opsmap/history.db".
	FilePath string `yaml:"file_path"`
}

// LoadGatewayConfig reads, defaults, and validates the gateway config at
// path.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := GatewayConfig{TLS: TLSConfig{Enabled: true}, History: HistorySection{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyGatewayDefaults(&cfg)

	if err := validateGatewayConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = "0.0.0.0:8443"
	}
	if cfg.Backend.ReconnectIntervalSecs == 0 {
		cfg.Backend.ReconnectIntervalSecs = 10
	}
	if cfg.Backend.HeartbeatIntervalSecs == 0 {
		cfg.Backend.HeartbeatIntervalSecs = 30
	}
	if cfg.Agents.RegistrationTimeoutSecs == 0 {
		cfg.Agents.RegistrationTimeoutSecs = 30
	}
	if cfg.Agents.StaleAfterSecs == 0 {
		cfg.Agents.StaleAfterSecs = 90
	}
	if cfg.Agents.SweepIntervalSecs == 0 {
		cfg.Agents.SweepIntervalSecs = 30
	}
	if cfg.Agents.CommandQueueSize == 0 {
		cfg.Agents.CommandQueueSize = 100
	}
	if cfg.History.FilePath == "" {
		cfg.History.FilePath = "/var/lib/opsmap/history.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validateGatewayConfig(cfg *GatewayConfig) error {
	var errs []error

	if cfg.Gateway.ID == "" {
		errs = append(errs, errors.New("gateway.id is required"))
	}
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, validateTLS("tls", cfg.TLS)...)

	return joinErrs(errs)
}
