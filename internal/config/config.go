// Package config loads the Quill CLI configuration: defaults overlaid by an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"quill/internal/broker"
	"quill/internal/session"
	"quill/internal/tokenstore"
)

// DefaultConfigPath is the default configuration file location, relative to
// the user's home directory.
const DefaultConfigPath = ".config/quill/config.yaml"

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the CLI configuration.
type Config struct {
	// PolicyURL is where the allowlist policy document is fetched from.
	PolicyURL string `yaml:"policyUrl"`

	// StorageDir is the token storage directory.
	StorageDir string `yaml:"storageDir,omitempty"`

	// CallbackPort is the local OAuth callback server port.
	CallbackPort int `yaml:"callbackPort,omitempty"`

	// LoginTimeout bounds the interactive login flow.
	LoginTimeout Duration `yaml:"loginTimeout,omitempty"`

	// CheckInterval is the background token validity check interval.
	CheckInterval Duration `yaml:"checkInterval,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CallbackPort:  broker.DefaultCallbackPort,
		LoginTimeout:  Duration(broker.DefaultLoginTimeout),
		CheckInterval: Duration(session.DefaultCheckInterval),
		LogLevel:      "info",
	}
}

// DefaultPath returns the default config file path for the current user.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, DefaultConfigPath), nil
}

// DefaultStorageDir returns the default token storage directory for the
// current user.
func DefaultStorageDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, tokenstore.DefaultStorageDir), nil
}

// Load returns the defaults overlaid with the YAML file at path, if it
// exists. An empty path uses the default location; a missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		defaultPath, err := DefaultPath()
		if err != nil {
			return cfg, nil
		}
		path = defaultPath
	}

	// #nosec G304 -- path is the user's own config file location
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}
