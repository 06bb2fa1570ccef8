package config

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RawDataRoot == "" {
		t.Fatalf("expected default raw data root")
	}
}

func TestLoadValidatesAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instrument.yaml")
	cfg := Default()
	cfg.ExpTimeOverHead = 5
	cfg.DBURI = "postgres://localhost/opdb"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ExpTimeOverHead != 5 || loaded.DBURI != "postgres://localhost/opdb" {
		t.Fatalf("round-trip mismatch: %+v", loaded)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	cfg := Default()
	cfg.RawDataRoot = ""
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for empty rawDataRoot")
	}
}

func TestValidateRejectsNegativeTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Timeouts.Read = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for negative timeout")
	}
}

func TestReadTimeForArmFallback(t *testing.T) {
	cfg := Default()
	if got := cfg.ReadTimeForArm("n"); got != 10.857 {
		t.Fatalf("ReadTimeForArm(n) = %v, want 10.857", got)
	}
	if got := cfg.ReadTimeForArm("missing"); got != 10.857 {
		t.Fatalf("ReadTimeForArm fallback = %v, want 10.857", got)
	}
}
