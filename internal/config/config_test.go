package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiredb.yaml")
	contents := `
data_dir: /var/lib/wiredb
buffer_pool_pages: 4096
checkpoint_interval: 1m
logging:
  level: debug
  pretty: true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/var/lib/wiredb" {
		t.Fatalf("got DataDir %q", cfg.DataDir)
	}
	if cfg.BufferPoolPages != 4096 {
		t.Fatalf("got BufferPoolPages %d", cfg.BufferPoolPages)
	}
	if cfg.WALSegmentBytes != Default().WALSegmentBytes {
		t.Fatalf("expected unset field to keep its default, got %d", cfg.WALSegmentBytes)
	}
	if !cfg.Logging.Pretty || cfg.Logging.Level != "debug" {
		t.Fatalf("got logging %+v", cfg.Logging)
	}

	period, err := cfg.CheckpointPeriod()
	if err != nil {
		t.Fatal(err)
	}
	if period != time.Minute {
		t.Fatalf("got checkpoint period %v, want 1m", period)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestDefaultCheckpointPeriod(t *testing.T) {
	cfg := Default()
	period, err := cfg.CheckpointPeriod()
	if err != nil {
		t.Fatal(err)
	}
	if period != 30*time.Second {
		t.Fatalf("got %v, want 30s", period)
	}
}
