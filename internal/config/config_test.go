package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsUnderPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("server:\n  port: \"9090\"\nemergency:\n  max_chunk_bytes: 1024\n")
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port from file, got %q", cfg.Server.Port)
	}
	if cfg.Emergency.MaxChunkBytes != 1024 {
		t.Fatalf("expected max_chunk_bytes 1024, got %d", cfg.Emergency.MaxChunkBytes)
	}
	if cfg.Emergency.LockTTL != 30*time.Second {
		t.Fatalf("expected default lock ttl, got %v", cfg.Emergency.LockTTL)
	}
	if cfg.Capture.CountdownSeconds != 2 || cfg.Capture.ChunkInterval != time.Second {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Capture.LocationMaxAge != 5*time.Minute {
		t.Fatalf("unexpected location max age: %v", cfg.Capture.LocationMaxAge)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRIMEWATCH_CAPTURE_TOKEN", "env-token")
	t.Setenv("CRIMEWATCH_SERVER_PORT", "7000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Capture.Token != "env-token" {
		t.Fatalf("expected token from env, got %q", cfg.Capture.Token)
	}
	if cfg.Server.Port != "7000" {
		t.Fatalf("expected port from env, got %q", cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
