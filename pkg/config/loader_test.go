package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spillstore.json")
	writeConfigFile(t, path, `{
		"location": "/var/lib/spill",
		"sync_mode": "immediate",
		"compression": "snappy",
		"max_entries": 500,
		"purge_interval": 15
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Location != "/var/lib/spill" {
		t.Errorf("expected location from file, got %s", cfg.Location)
	}
	if cfg.SyncMode != SyncImmediate {
		t.Errorf("expected immediate sync, got %s", cfg.SyncMode)
	}
	if cfg.Compression != "snappy" || cfg.MaxEntries != 500 || cfg.PurgeInterval != 15 {
		t.Errorf("unexpected values: %+v", cfg.Snapshot())
	}
	// untouched keys keep their defaults
	if cfg.FileName != DefaultDataFileName || cfg.ProcessBatchSize != 128 {
		t.Errorf("expected defaults for unset keys, got %+v", cfg.Snapshot())
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("SPILLSTORE_LOCATION", "/srv/spill")
	t.Setenv("SPILLSTORE_MAX_ENTRIES", "42")
	t.Setenv("SPILLSTORE_FRAGMENTATION_FACTOR", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Location != "/srv/spill" || cfg.MaxEntries != 42 || cfg.FragmentationFactor != 0.5 {
		t.Errorf("environment overrides not applied: %+v", cfg.Snapshot())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	writeConfigFile(t, path, `{"fragmentation_factor": 3}`)

	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWatchReloads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping file watch test in short mode")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "spillstore.json")
	writeConfigFile(t, path, `{"location": "/srv/spill", "purge_interval": 1}`)

	reloaded := make(chan *Config, 16)
	w, err := Watch(path, func(cfg *Config, err error) {
		if err == nil && cfg != nil {
			select {
			case reloaded <- cfg:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	writeConfigFile(t, path, `{"location": "/srv/spill", "purge_interval": 7}`)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.PurgeInterval == 7 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for config reload")
		}
	}
}
