package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.UserID == "" {
		t.Fatalf("expected non-empty user ID")
	}
	if firstCfg.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, firstCfg.PageSize)
	}
	if firstCfg.FlushWindow() != 100*time.Millisecond {
		t.Fatalf("expected 100ms flush window, got %v", firstCfg.FlushWindow())
	}
	if firstCfg.OperationTimeout() != 15*time.Second {
		t.Fatalf("expected 15s operation timeout, got %v", firstCfg.OperationTimeout())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.UserID != firstCfg.UserID {
		t.Fatalf("expected stable user ID, got %q then %q", firstCfg.UserID, secondCfg.UserID)
	}
	if secondCfg.KeysDir != firstCfg.KeysDir {
		t.Fatalf("expected stable keys dir, got %q then %q", firstCfg.KeysDir, secondCfg.KeysDir)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &ClientConfig{
		UserID:      "existing-user",
		PageSize:    -5,
		Environment: "Development",
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.UserID != "existing-user" {
		t.Fatalf("expected user ID to be retained, got %q", cfg.UserID)
	}
	if cfg.PageSize != DefaultPageSize || cfg.FlushWindowMS != DefaultFlushWindowMS {
		t.Fatalf("expected invalid values replaced by defaults, got %+v", cfg)
	}
	if cfg.Environment != EnvironmentDevelopment {
		t.Fatalf("expected environment normalized to development, got %q", cfg.Environment)
	}
	if cfg.KeysDir != filepath.Join(tempDir, "keys") {
		t.Fatalf("unexpected keys dir %q", cfg.KeysDir)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.PageSize != DefaultPageSize {
		t.Fatalf("expected normalized config to be persisted, got page size %d", reloaded.PageSize)
	}
}
