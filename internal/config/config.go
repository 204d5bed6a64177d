package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	DeviceName       string        `yaml:"device_name"`
	Backend          string        `yaml:"backend"`    // "tinygo" or "hci"
	HCIDevice        int           `yaml:"hci_device"` // hci<N>, hci backend only
	InboundCapacity  int           `yaml:"inbound_capacity"`
	ReadvertiseDelay time.Duration `yaml:"readvertise_delay"`
	StreamBuffer     int           `yaml:"stream_buffer"`
	LogLevel         string        `yaml:"log_level"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleuart")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		DeviceName:       "BLE-UART",
		Backend:          "tinygo",
		HCIDevice:        0,
		InboundCapacity:  128,
		ReadvertiseDelay: 500 * time.Millisecond,
		StreamBuffer:     1024,
		LogLevel:         "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	// The name has to fit in a 31-byte advertising packet next to the flags
	// and the 128-bit service UUID.
	if len(c.DeviceName) > 29 {
		return fmt.Errorf("device_name must be at most 29 bytes, got %d", len(c.DeviceName))
	}

	switch c.Backend {
	case "tinygo", "hci":
	default:
		return fmt.Errorf("backend must be \"tinygo\" or \"hci\", got %q", c.Backend)
	}

	if c.HCIDevice < 0 {
		return fmt.Errorf("hci_device must be >= 0")
	}

	if c.InboundCapacity <= 0 {
		return fmt.Errorf("inbound_capacity must be > 0")
	}

	if c.ReadvertiseDelay < 0 {
		return fmt.Errorf("readvertise_delay must not be negative")
	}

	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# bleuart configuration
# backend: tinygo (BlueZ/CoreBluetooth/WinRT) or hci (raw Linux HCI socket)
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. If a config file already exists it is left untouched and
// WriteDefault returns ("", nil).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(defaultHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
