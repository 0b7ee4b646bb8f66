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

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatcore"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "CHATCORE_DATA_DIR"
	// DefaultPageSize is the number of messages fetched per history page.
	DefaultPageSize = 30
	// DefaultFlushWindowMS is the realtime batching window.
	DefaultFlushWindowMS = 100
	// DefaultOperationTimeoutMS bounds each store round trip.
	DefaultOperationTimeoutMS = 15000
	// EnvironmentDevelopment switches logging to console output.
	EnvironmentDevelopment = "development"
	// EnvironmentProduction logs JSON lines.
	EnvironmentProduction = "production"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	UserID             string `json:"user_id"`
	PageSize           int    `json:"page_size"`
	FlushWindowMS      int    `json:"flush_window_ms"`
	OperationTimeoutMS int    `json:"operation_timeout_ms"`
	KeysDir            string `json:"keys_dir"`
	LogLevel           string `json:"log_level"`
	Environment        string `json:"environment"`
}

// FlushWindow returns the realtime batching window as a duration.
func (c *ClientConfig) FlushWindow() time.Duration {
	return time.Duration(c.FlushWindowMS) * time.Millisecond
}

// OperationTimeout returns the per-operation timeout as a duration.
func (c *ClientConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMS) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATCORE_DATA_DIR is set, its value is used as an explicit override.
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
// Missing or invalid fields of an existing config are filled with defaults
// and written back.
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
	return &ClientConfig{
		UserID:             uuid.NewString(),
		PageSize:           DefaultPageSize,
		FlushWindowMS:      DefaultFlushWindowMS,
		OperationTimeoutMS: DefaultOperationTimeoutMS,
		KeysDir:            filepath.Join(dataDir, "keys"),
		LogLevel:           "info",
		Environment:        EnvironmentProduction,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if strings.TrimSpace(cfg.UserID) == "" {
		cfg.UserID = uuid.NewString()
		updated = true
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.FlushWindowMS <= 0 {
		cfg.FlushWindowMS = DefaultFlushWindowMS
		updated = true
	}
	if cfg.OperationTimeoutMS <= 0 {
		cfg.OperationTimeoutMS = DefaultOperationTimeoutMS
		updated = true
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(dataDir, "keys")
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	env := normalizeEnvironment(cfg.Environment)
	if cfg.Environment != env {
		cfg.Environment = env
		updated = true
	}

	return updated
}

func normalizeEnvironment(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case EnvironmentDevelopment:
		return EnvironmentDevelopment
	default:
		return EnvironmentProduction
	}
}
