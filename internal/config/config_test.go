package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.CallTimeout != 30*time.Second {
		t.Errorf("call timeout = %v, want 30s", cfg.Sync.CallTimeout)
	}
	if cfg.Snapshot.SizeCeilingMB != 10 {
		t.Errorf("size ceiling = %d MB, want 10", cfg.Snapshot.SizeCeilingMB)
	}
	if cfg.Snapshot.Freshness != 24*time.Hour {
		t.Errorf("freshness = %v, want 24h", cfg.Snapshot.Freshness)
	}
	if cfg.DataDir == "" {
		t.Error("data dir is empty")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
actor_id: tech-7
remote:
  base_url: https://fieldsync.example.com
sync:
  max_attempts: 3
  debounce: 5s
`
	if err := os.WriteFile(filepath.Join(dir, "fieldsync.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ActorID != "tech-7" {
		t.Errorf("actor id = %q", cfg.ActorID)
	}
	if cfg.Remote.BaseURL != "https://fieldsync.example.com" {
		t.Errorf("base url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.Debounce != 5*time.Second {
		t.Errorf("debounce = %v, want 5s", cfg.Sync.Debounce)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.CallTimeout != 30*time.Second {
		t.Errorf("call timeout = %v, want default 30s", cfg.Sync.CallTimeout)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load of generated config failed: %v", err)
	}
	def := Default()
	if cfg.Sync.MaxAttempts != def.Sync.MaxAttempts {
		t.Errorf("max attempts = %d, want %d", cfg.Sync.MaxAttempts, def.Sync.MaxAttempts)
	}
	if cfg.Snapshot.SizeCeilingMB != def.Snapshot.SizeCeilingMB {
		t.Errorf("size ceiling = %d, want %d", cfg.Snapshot.SizeCeilingMB, def.Snapshot.SizeCeilingMB)
	}

	if err := WriteDefault(path); err == nil {
		t.Error("WriteDefault overwrote an existing file")
	}
}

func TestSnapshotCeilingBytes(t *testing.T) {
	c := SnapshotConfig{SizeCeilingMB: 10}
	if got := c.SnapshotCeilingBytes(); got != 10<<20 {
		t.Errorf("ceiling = %d, want %d", got, 10<<20)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FIELDSYNC_ACTOR_ID", "tech-99")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ActorID != "tech-99" {
		t.Errorf("actor id = %q, want env override", cfg.ActorID)
	}
}
