package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "nextgen-chat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "NEXTGEN_CHAT_DATA_DIR"
	// DefaultListenAddress is the relay address used when no override exists.
	DefaultListenAddress = ":9999"
	// DefaultLogLevel is the slog level name used when none is configured.
	DefaultLogLevel = "INFO"
	// DefaultSentAtFutureTolerance bounds how far ahead of the relay clock sent_at may be.
	DefaultSentAtFutureTolerance = 5 * time.Minute
	// DefaultHandshakeTimeout bounds the pre-auth exchange of one connection.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultKeepAliveInterval is how long a session may idle before a ping.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultSecurityEventRetention is how long audit entries are kept.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour

	configFileName = "config.json"
	envFileName    = ".env"
)

// Duration is a time.Duration persisted as a Go duration string such as "30s".
type Duration struct {
	time.Duration
}

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// RelayConfig contains persistent relay settings.
type RelayConfig struct {
	RelayID                string   `json:"relay_id"`
	RelayName              string   `json:"relay_name"`
	ListenAddress          string   `json:"listen_address"`
	LogLevel               string   `json:"log_level"`
	DiscoveryEnabled       bool     `json:"discovery_enabled"`
	SentAtFutureTolerance  Duration `json:"sent_at_future_tolerance"`
	HandshakeTimeout       Duration `json:"handshake_timeout"`
	KeepAliveInterval      Duration `json:"keep_alive_interval"`
	SecurityEventRetention Duration `json:"security_event_retention"`
	// ConnectionRateLimitPerIP is the number of connections one IP may open per minute; 0 disables it.
	ConnectionRateLimitPerIP int    `json:"connection_rate_limit_per_ip"`
	RelayKeyPath             string `json:"relay_key_path"`
}

// envOverrides are applied on top of config.json. Unset variables keep the file value.
type envOverrides struct {
	ListenAddress         *string `env:"LISTEN_ADDRESS"`
	LogLevel              *string `env:"LOG_LEVEL"`
	DiscoveryEnabled      *bool   `env:"DISCOVERY_ENABLED"`
	SentAtFutureTolerance *string `env:"SENT_AT_FUTURE_TOLERANCE"`
	HandshakeTimeout      *string `env:"HANDSHAKE_TIMEOUT"`
	KeepAliveInterval     *string `env:"KEEP_ALIVE_INTERVAL"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NEXTGEN_CHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*RelayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg RelayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *RelayConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, applies environment overrides and
// returns the effective config with the data directory it lives in. Overrides are never
// written back to config.json.
func LoadOrCreate() (*RelayConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case err == nil:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	default:
		return nil, "", err
	}

	if err := applyEnvironment(cfg, dataDir); err != nil {
		return nil, "", err
	}
	return cfg, dataDir, nil
}

// applyEnvironment loads .env files from the working directory and the data directory,
// then overlays the process environment. Variables already set are never replaced by a file.
func applyEnvironment(cfg *RelayConfig, dataDir string) error {
	for _, path := range []string{envFileName, filepath.Join(dataDir, envFileName)} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}

	var overrides envOverrides
	if _, err := env.UnmarshalFromEnviron(&overrides); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	if overrides.ListenAddress != nil {
		cfg.ListenAddress = *overrides.ListenAddress
	}
	if overrides.LogLevel != nil {
		cfg.LogLevel = strings.ToUpper(*overrides.LogLevel)
	}
	if overrides.DiscoveryEnabled != nil {
		cfg.DiscoveryEnabled = *overrides.DiscoveryEnabled
	}

	durations := []struct {
		name   string
		value  *string
		target *Duration
	}{
		{name: "SENT_AT_FUTURE_TOLERANCE", value: overrides.SentAtFutureTolerance, target: &cfg.SentAtFutureTolerance},
		{name: "HANDSHAKE_TIMEOUT", value: overrides.HandshakeTimeout, target: &cfg.HandshakeTimeout},
		{name: "KEEP_ALIVE_INTERVAL", value: overrides.KeepAliveInterval, target: &cfg.KeepAliveInterval},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
		d.target.Duration = parsed
	}
	return nil
}

func defaultConfig(dataDir string) *RelayConfig {
	cfg := &RelayConfig{DiscoveryEnabled: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *RelayConfig, dataDir string) bool {
	updated := false

	if cfg.RelayID == "" {
		cfg.RelayID = uuid.NewString()
		updated = true
	}

	if cfg.RelayName == "" {
		relayName := "NextGen-Chat relay"
		if host, err := os.Hostname(); err == nil && host != "" {
			relayName = host
		}
		cfg.RelayName = relayName
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	if level := strings.ToUpper(cfg.LogLevel); level != cfg.LogLevel || level == "" {
		if level == "" {
			level = DefaultLogLevel
		}
		cfg.LogLevel = level
		updated = true
	}

	defaults := []struct {
		target   *Duration
		fallback time.Duration
	}{
		{target: &cfg.SentAtFutureTolerance, fallback: DefaultSentAtFutureTolerance},
		{target: &cfg.HandshakeTimeout, fallback: DefaultHandshakeTimeout},
		{target: &cfg.KeepAliveInterval, fallback: DefaultKeepAliveInterval},
		{target: &cfg.SecurityEventRetention, fallback: DefaultSecurityEventRetention},
	}
	for _, d := range defaults {
		if d.target.Duration <= 0 {
			d.target.Duration = d.fallback
			updated = true
		}
	}

	if cfg.ConnectionRateLimitPerIP < 0 {
		cfg.ConnectionRateLimitPerIP = 0
		updated = true
	}

	if cfg.RelayKeyPath == "" {
		cfg.RelayKeyPath = filepath.Join(dataDir, "keys", "relay_ed25519.pem")
		updated = true
	}

	return updated
}
