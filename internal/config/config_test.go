package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("explicit missing file should error")
	}

	c, err = Load("")
	if err != nil {
		t.Fatalf("Load with no file should fall back to defaults: %v", err)
	}
	if c.Sync.Interval != 5*time.Minute {
		t.Errorf("unexpected default interval: %v", c.Sync.Interval)
	}
	if c.Sync.BatchSize != 50 || c.Sync.MaxRetries != 10 {
		t.Errorf("unexpected sync defaults: %+v", c.Sync)
	}
	if c.Sync.PruneAfter != 48*time.Hour {
		t.Errorf("unexpected prune window: %v", c.Sync.PruneAfter)
	}
	if c.Database.Path == "" {
		t.Error("expected a default database path")
	}
}

func TestFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgersync.yaml")
	data := []byte("remote:\n  base_url: https://sync.example.com/api\nsync:\n  batch_size: 25\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("LEDGERSYNC_REMOTE_TOKEN", "env-token")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Remote.BaseURL != "https://sync.example.com/api" {
		t.Errorf("file value not read: %q", c.Remote.BaseURL)
	}
	if c.Sync.BatchSize != 25 {
		t.Errorf("file override lost: %d", c.Sync.BatchSize)
	}
	if c.Remote.Token != "env-token" {
		t.Errorf("env override lost: %q", c.Remote.Token)
	}
	// Untouched keys keep their defaults.
	if c.Sync.PullPageSize != 500 {
		t.Errorf("default lost after file load: %d", c.Sync.PullPageSize)
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledgersync.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  batch_size: 10\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	reloaded := make(chan *Config, 1)
	c.Watch(func(fresh *Config) {
		select {
		case reloaded <- fresh:
		default:
		}
	})

	if err := os.WriteFile(path, []byte("sync:\n  batch_size: 99\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}

	select {
	case fresh := <-reloaded:
		if fresh.Sync.BatchSize != 99 {
			t.Errorf("reload carried stale value: %d", fresh.Sync.BatchSize)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}
