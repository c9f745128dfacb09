package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := DefaultConfig()
	if cfg.Server.Port != want.Server.Port {
		t.Errorf("port = %d, want %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Pipeline.Method != "median" || cfg.Pipeline.Alpha != 0.05 {
		t.Errorf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Confidence != 0.9990 {
		t.Errorf("confidence = %g, want 0.9990", cfg.Pipeline.Confidence)
	}
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	content := `
server:
  port: 9000
pipeline:
  method: quantile
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Pipeline.Method != "quantile" {
		t.Errorf("method = %s, want quantile", cfg.Pipeline.Method)
	}
	// Unset fields fall back to defaults.
	if cfg.Jobs.MaxConcurrent != 1 || cfg.Jobs.RetentionDays != 7 {
		t.Errorf("jobs defaults not applied: %+v", cfg.Jobs)
	}
	if cfg.Cache.ResultSizeMB != 128 {
		t.Errorf("cache defaults not applied: %+v", cfg.Cache)
	}
	if cfg.Pipeline.Alpha != 0.05 || cfg.Pipeline.MaxIterations != 500 {
		t.Errorf("pipeline defaults not applied: %+v", cfg.Pipeline)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed YAML")
	}
}
