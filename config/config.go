package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "asiochat"
	// DefaultRelayHost is the relay server used when no override exists.
	DefaultRelayHost = "localhost"
	// DefaultRelayPort is the relay server REST/websocket port.
	DefaultRelayPort = 8080
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

const (
	// KeyValidityPeriod is how long one key record encrypts new content.
	// Older keys stay resolvable for decrypting messages timestamped
	// within their window.
	KeyValidityPeriod = 7 * 24 * time.Hour
	// RetryBaseDelay is the first reliable-channel retry delay; attempt n
	// waits RetryBaseDelay * 2^n.
	RetryBaseDelay = 5 * time.Second
	// MaxRetryAttempts caps reliable-channel retries before a message is
	// marked failed.
	MaxRetryAttempts = 3
	// HealthProbeInterval is the reachability probe period.
	HealthProbeInterval = 10 * time.Second
	// HealthProbeTimeout bounds a single reachability probe.
	HealthProbeTimeout = 2 * time.Second
)

// ClientConfig contains persistent local-client settings.
type ClientConfig struct {
	UserID        string `json:"user_id"`
	DisplayName   string `json:"display_name"`
	RelayHost     string `json:"relay_host"`
	RelayPort     int    `json:"relay_port"`
	ListenPort    int    `json:"listen_port"`
	MasterKeyPath string `json:"master_key_path"`
}

// RelayAddr returns the relay server host:port.
func (c *ClientConfig) RelayAddr() string {
	return fmt.Sprintf("%s:%d", c.RelayHost, c.RelayPort)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ASIOCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("ASIOCHAT_DATA_DIR"); override != "" {
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
		filepath.Join(dataDir, "media"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	displayName := "asiochat user"
	if host, err := os.Hostname(); err == nil && host != "" {
		displayName = host
	}

	return &ClientConfig{
		UserID:        uuid.NewString(),
		DisplayName:   displayName,
		RelayHost:     DefaultRelayHost,
		RelayPort:     DefaultRelayPort,
		ListenPort:    0,
		MasterKeyPath: filepath.Join(dataDir, "keys", "master.key"),
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		displayName := "asiochat user"
		if host, err := os.Hostname(); err == nil && host != "" {
			displayName = host
		}
		cfg.DisplayName = displayName
		updated = true
	}

	if cfg.RelayHost == "" {
		cfg.RelayHost = DefaultRelayHost
		updated = true
	}
	if cfg.RelayPort <= 0 {
		cfg.RelayPort = DefaultRelayPort
		updated = true
	}
	if cfg.ListenPort < 0 {
		cfg.ListenPort = 0
		updated = true
	}

	if cfg.MasterKeyPath == "" {
		cfg.MasterKeyPath = filepath.Join(dataDir, "keys", "master.key")
		updated = true
	}

	return updated
}
