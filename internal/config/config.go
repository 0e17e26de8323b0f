package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	appName    = "localscope"
	configFile = "config.yaml"
	// CurrentVersion is the only config schema version this build understands.
	CurrentVersion = 1
)

// Sweep methods.
const (
	SweepICMP    = "icmp"
	SweepCommand = "command"
	SweepARP     = "arp"
)

// History backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config is the on-disk user configuration.
type Config struct {
	Version   int           `yaml:"version"`
	LogLevel  string        `yaml:"log_level,omitempty"`
	Interface string        `yaml:"interface,omitempty"` // Overrides primary interface detection
	Sweep     SweepConfig   `yaml:"sweep"`
	Probe     ProbeConfig   `yaml:"probe"`
	History   HistoryConfig `yaml:"history"`
	MDNS      MDNSConfig    `yaml:"mdns"`
	API       APIConfig     `yaml:"api"`
}

// SweepConfig controls the reachability sweep.
type SweepConfig struct {
	Method  string        `yaml:"method"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProbeConfig controls TCP service probing.
type ProbeConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"` // 0 means one goroutine per attempt
}

// HistoryConfig selects where device history is persisted.
type HistoryConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
	Limit   int    `yaml:"limit"`
}

// MDNSConfig controls optional hostname enrichment.
type MDNSConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
}

// APIConfig controls the collaborator HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Sweep: SweepConfig{
			Method:  SweepICMP,
			Timeout: 200 * time.Millisecond,
		},
		Probe: ProbeConfig{
			Timeout: 500 * time.Millisecond,
		},
		History: HistoryConfig{
			Backend: BackendFile,
			Limit:   50,
		},
		MDNS: MDNSConfig{
			Timeout: 1500 * time.Millisecond,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8754",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}
	switch c.Sweep.Method {
	case SweepICMP, SweepCommand, SweepARP:
	default:
		return fmt.Errorf("unknown sweep method %q", c.Sweep.Method)
	}
	if c.Sweep.Timeout <= 0 {
		return errors.New("sweep.timeout must be greater than 0")
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("probe.timeout must be greater than 0")
	}
	if c.Probe.MaxConcurrency < 0 {
		return errors.New("probe.max_concurrency cannot be negative")
	}
	switch c.History.Backend {
	case BackendFile:
	case BackendPostgres:
		if c.History.DSN == "" {
			return errors.New("history.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	if c.History.Limit <= 0 {
		return errors.New("history.limit must be greater than 0")
	}
	if c.MDNS.Enabled && c.MDNS.Timeout <= 0 {
		return errors.New("mdns.timeout must be greater than 0 when mdns is enabled")
	}
	return nil
}

// HistoryPath returns the configured history file, defaulting to the config directory.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.json"), nil
}

// GetConfigDir returns the OS-appropriate configuration directory:
//   - Linux: $XDG_CONFIG_HOME/localscope or $HOME/.config/localscope
//   - macOS: $HOME/.config/localscope
//   - Windows: %LOCALAPPDATA%\localscope
func GetConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName), nil
		}
		profile := os.Getenv("USERPROFILE")
		if profile == "" {
			return "", errors.New("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(profile, "AppData", "Local", appName), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".config", appName), nil
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".config", appName), nil
	}
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Load reads the configuration at path. An empty path selects GetConfigPath.
// A missing file yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		if path, err = GetConfigPath(); err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	header := []byte("# LocalScope configuration\n# Location: " + path + "\n\n")
	data = append(header, data...)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}
