package worker

// config.go — optional operational overlay for the serve subcommand,
// following the teacher's loadInRepoConfig overlay pattern: a YAML file
// supplies operator knobs that don't belong on the command line, field by
// field, and a missing file is not an error.

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the worker service's well-known listen port.
const DefaultPort = 21816

// Config holds the worker service's operational knobs.
type Config struct {
	// Port is the TCP port to listen on. Falls back to an ephemeral port
	// if unavailable, regardless of this value.
	Port int `yaml:"port"`

	// QueryRetries is how many times Spawn retries the initial capability
	// query before giving up, in case the backend needs a moment after
	// connecting back before it can answer.
	QueryRetries int `yaml:"query_retries"`

	// BootstrapTimeoutSeconds bounds how long the service waits for
	// the render backend to dial back after being spawned.
	BootstrapTimeoutSeconds int `yaml:"bootstrap_timeout_seconds"`
}

// DefaultConfig returns the configuration used when no --config file is
// given, or when a given file leaves a field unset.
func DefaultConfig() Config {
	return Config{
		Port:                    DefaultPort,
		QueryRetries:            1,
		BootstrapTimeoutSeconds: 30,
	}
}

// LoadConfig reads an optional YAML overlay at path and applies it field by
// field onto the defaults. A missing path is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if overlay.Port != 0 {
		cfg.Port = overlay.Port
	}
	if overlay.QueryRetries != 0 {
		cfg.QueryRetries = overlay.QueryRetries
	}
	if overlay.BootstrapTimeoutSeconds != 0 {
		cfg.BootstrapTimeoutSeconds = overlay.BootstrapTimeoutSeconds
	}

	return cfg, nil
}
