package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUsesDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.RowNumberCap != 1000 {
		t.Fatalf("expected default row cap 1000, got %d", cfg.Orchestrator.RowNumberCap)
	}
	if cfg.Extraction.MaxInMemoryBytes != 500<<20 {
		t.Fatalf("expected 500MB in-memory ceiling, got %d", cfg.Extraction.MaxInMemoryBytes)
	}
	if cfg.Storage.Driver != "local" {
		t.Fatalf("expected local storage, got %q", cfg.Storage.Driver)
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
database:
  host: db.internal
  port: 6543
orchestrator:
  workers: 3
  run_timeout: 90s
logging:
  format: json
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("DATACHECK_ORCHESTRATOR_ROW_NUMBER_CAP", "25")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 6543 {
		t.Fatalf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Orchestrator.Workers != 3 || cfg.Orchestrator.RunTimeout != 90*time.Second {
		t.Fatalf("unexpected orchestrator config: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.RowNumberCap != 25 {
		t.Fatalf("expected env override of row cap, got %d", cfg.Orchestrator.RowNumberCap)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected json logging, got %q", cfg.Logging.Format)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown storage driver to be rejected")
	}
}
