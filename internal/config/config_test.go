package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceID != "edge-001" {
		t.Fatalf("unexpected default device_id: %s", cfg.DeviceID)
	}
	if cfg.MaxRestarts != 10 {
		t.Fatalf("unexpected default max_restarts: %d", cfg.MaxRestarts)
	}
	if cfg.WatchdogInterval != 5*time.Second {
		t.Fatalf("unexpected default watchdog_interval: %s", cfg.WatchdogInterval)
	}
	if cfg.QueueMaxRows != 0 {
		t.Fatalf("unexpected default queue_max_rows: %d", cfg.QueueMaxRows)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Name != "sensor_reader" {
		t.Fatalf("expected the default demo worker, got %+v", cfg.Workers)
	}
}

func TestLoadFromTOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentryd.toml")
	contents := `
device_id = "gateway-42"
max_restarts = 3
temp_threshold = 80.0
workers = "collector:/usr/bin/collect:true,uploader:/usr/bin/upload:false"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write toml: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceID != "gateway-42" {
		t.Fatalf("unexpected device_id: %s", cfg.DeviceID)
	}
	if cfg.MaxRestarts != 3 {
		t.Fatalf("unexpected max_restarts: %d", cfg.MaxRestarts)
	}
	if cfg.TempThreshold != 80.0 {
		t.Fatalf("unexpected temp_threshold: %v", cfg.TempThreshold)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(cfg.Workers))
	}
	if cfg.Workers[0].Name != "collector" || !cfg.Workers[0].Essential {
		t.Fatalf("unexpected first worker: %+v", cfg.Workers[0])
	}
	if cfg.Workers[1].Name != "uploader" || cfg.Workers[1].Essential {
		t.Fatalf("unexpected second worker: %+v", cfg.Workers[1])
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestParseWorkersGrammar(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{name: "empty", raw: "", wantLen: len(defaultWorkers)},
		{name: "single", raw: "a:/bin/a:true", wantLen: 1},
		{name: "multiple", raw: "a:/bin/a:true,b:/bin/b:false", wantLen: 2},
		{name: "missing field", raw: "a:/bin/a", wantErr: true},
		{name: "bad bool", raw: "a:/bin/a:maybe", wantErr: true},
		{name: "empty name", raw: ":/bin/a:true", wantErr: true},
		{name: "duplicate name", raw: "a:/bin/a:true,a:/bin/b:false", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			specs, err := ParseWorkers(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(specs) != tc.wantLen {
				t.Fatalf("expected %d specs, got %d", tc.wantLen, len(specs))
			}
		})
	}
}
