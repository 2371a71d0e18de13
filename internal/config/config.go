// Package config provides YAML configuration loading and validation shared
// by the agent and gateway binaries.
package config

import (
	"errors"
	"fmt"
)

// TLSConfig holds certificate and key paths for mTLS. Used identically by
// both the agent (connecting to its gateway) and the gateway (terminating
// agent connections). The gateway's connection to the backend does not use
// it.
type TLSConfig struct {
	// Enabled toggles TLS on the connection this config section applies to.
	// Defaults to true.
	Enabled bool `yaml:"enabled"`

	// CertPath is the path to the PEM-encoded client/server certificate.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the PEM-encoded private key.
	KeyPath string `yaml:"key_path"`

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the peer's certificate.
	CAPath string `yaml:"ca_path"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) error {
	if !validLogLevels[level] {
		return fmt.Errorf("log_level %q must be one of: debug, info, warn, error", level)
	}
	return nil
}

func validateTLS(prefix string, tls TLSConfig) []error {
	if !tls.Enabled {
		return nil
	}
	var errs []error
	if tls.CertPath == "" {
		errs = append(errs, fmt.Errorf("%s.cert_path is required when tls.enabled", prefix))
	}
	if tls.KeyPath == "" {
		errs = append(errs, fmt.Errorf("%s.key_path is required when tls.enabled", prefix))
	}
	if tls.CAPath == "" {
		errs = append(errs, fmt.Errorf("%s.ca_path is required when tls.enabled", prefix))
	}
	return errs
}

func joinErrs(errs []error) error {
	return errors.Join(errs...)
}
