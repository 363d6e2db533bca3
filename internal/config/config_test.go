package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecharged.yaml")
	body := `
database:
  path: /tmp/sidecharge.db
ota:
  chunk_size: 15
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.TickInterval != 300 {
		t.Errorf("tick interval = %d, want default 300", cfg.Scheduler.TickInterval)
	}
	if cfg.OTA.RetryInterval != 60 {
		t.Errorf("ota retry interval = %d, want default 60", cfg.OTA.RetryInterval)
	}
}

func TestValidateRejectsBadChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecharged.yaml")
	body := `
database:
  path: /tmp/sidecharge.db
ota:
  chunk_size: 64
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for oversized chunk_size")
	}
}

func TestValidateRequiresCmdAuthKeyWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sidecharged.yaml")
	body := `
database:
  path: /tmp/sidecharge.db
ota:
  chunk_size: 15
cmd_auth:
  enabled: true
  key_hex: "deadbeef"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load: want error for short cmd_auth key")
	}
}
