package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the top-level configuration for the opsmap agent binary.
type AgentConfig struct {
	Agent     AgentSection     `yaml:"agent"`
	Gateway   GatewaySection   `yaml:"gateway"`
	TLS       TLSConfig        `yaml:"tls"`
	Scheduler SchedulerSection `yaml:"scheduler"`
	Buffer    BufferSection    `yaml:"buffer"`
	Labels    map[string]string `yaml:"labels"`
	LogLevel  string           `yaml:"log_level"`
}

// AgentSection identifies this agent instance.
type AgentSection struct {
	// ID is this agent's identifier. "auto" (the default) makes the
	// connection synthesise "<hostname>-<8 random hex chars>" once at
	// startup; that value is then used for the life of the process.
	ID string `yaml:"id"`
}

// GatewaySection configures the outbound connection to the gateway.
type GatewaySection struct {
	// URL is the gateway's WebSocket endpoint, e.g. "wss://gw.example.com/ws".
	URL string `yaml:"url"`

	// ReconnectIntervalSecs is the fixed delay between reconnect attempts.
	// Defaults to 10.
	ReconnectIntervalSecs int `yaml:"reconnect_interval_secs"`

	// HeartbeatIntervalSecs is loaded and defaulted but not read by the
	// agent: it sends a pong only in reply to a gateway ping, with no idle
	// heartbeat timer of its own. Defaults to 30.
	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_secs"`

	// TimeoutSecs bounds the WebSocket dial and handshake to the gateway.
	// Defaults to 60.
	TimeoutSecs int `yaml:"timeout_secs"`
}

// SchedulerSection tunes the check scheduler.
type SchedulerSection struct {
	// DefaultCheckIntervalSecs is applied to any check definition that
	// omits interval_secs. Defaults to 30.
	DefaultCheckIntervalSecs int `yaml:"default_check_interval_secs"`

	// BatchSendIntervalSecs is how often unchanged-status deltas are
	// flushed as a single status_batch. Defaults to 60.
	BatchSendIntervalSecs int `yaml:"batch_send_interval_secs"`

	// MaxConcurrentChecks bounds how many checks may run at once. Defaults
	// to 10.
	MaxConcurrentChecks int `yaml:"max_concurrent_checks"`
}

// BufferSection configures the offline delivery buffer.
type BufferSection struct {
	// MaxSize is the maximum number of queued messages before the oldest
	// is evicted. Defaults to 10000.
	MaxSize int `yaml:"max_size"`

	// FilePath is where the buffer persists across restarts. Defaults to
	// "/var/lib/opsmap/buffer.json".
	FilePath string `yaml:"file_path"`
}

// LoadAgentConfig reads, defaults, and validates the agent config at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg := AgentConfig{TLS: TLSConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyAgentDefaults(&cfg)

	if err := validateAgentConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.Agent.ID == "" {
		cfg.Agent.ID = "auto"
	}
	if cfg.Gateway.ReconnectIntervalSecs == 0 {
		cfg.Gateway.ReconnectIntervalSecs = 10
	}
	if cfg.Gateway.HeartbeatIntervalSecs == 0 {
		cfg.Gateway.HeartbeatIntervalSecs = 30
	}
	if cfg.Gateway.TimeoutSecs == 0 {
		cfg.Gateway.TimeoutSecs = 60
	}
	if cfg.Scheduler.DefaultCheckIntervalSecs == 0 {
		cfg.Scheduler.DefaultCheckIntervalSecs = 30
	}
	if cfg.Scheduler.BatchSendIntervalSecs == 0 {
		cfg.Scheduler.BatchSendIntervalSecs = 60
	}
	if cfg.Scheduler.MaxConcurrentChecks == 0 {
		cfg.Scheduler.MaxConcurrentChecks = 10
	}
	if cfg.Buffer.MaxSize == 0 {
		cfg.Buffer.MaxSize = 10000
	}
	if cfg.Buffer.FilePath == "" {
		cfg.Buffer.FilePath = "/var/lib/opsmap/buffer.json"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validateAgentConfig(cfg *AgentConfig) error {
	var errs []error

	if cfg.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, validateTLS("tls", cfg.TLS)...)

	return joinErrs(errs)
}
