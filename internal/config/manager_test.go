package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
logging:
  level: debug
  console: true
storage:
  path: /var/lib/blastd/blastd.db
  busy_timeout: 10s
media_dir: /var/lib/blastd/media
dispatch:
  tick_interval: 500ms
  batch_size: 5
  min_send_interval: 2s
billing:
  charge_mailings: true
  prices:
    mailing_message: 0.4
sweeper:
  enabled: true
  retention: 168h
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.TickInterval() != 500*time.Millisecond {
		t.Fatalf("tick = %v", cfg.TickInterval())
	}
	if cfg.Dispatch.BatchSize != 5 {
		t.Fatalf("batch = %d", cfg.Dispatch.BatchSize)
	}
	if cfg.MinSendInterval() != 2*time.Second {
		t.Fatalf("min send = %v", cfg.MinSendInterval())
	}
	if cfg.BusyTimeout() != 10*time.Second {
		t.Fatalf("busy timeout = %v", cfg.BusyTimeout())
	}
	if !cfg.Billing.ChargeMailings || cfg.Billing.Prices["mailing_message"] != 0.4 {
		t.Fatalf("billing = %+v", cfg.Billing)
	}
	if cfg.SweeperRetention() != 168*time.Hour {
		t.Fatalf("retention = %v", cfg.SweeperRetention())
	}
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "logging:\n  console: true\n")
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if cfg.TickInterval() != time.Second {
		t.Fatalf("tick = %v", cfg.TickInterval())
	}
	if cfg.Dispatch.BatchSize != 30 {
		t.Fatalf("batch = %d", cfg.Dispatch.BatchSize)
	}
	if cfg.Storage.Path == "" || cfg.MediaDir == "" {
		t.Fatalf("paths not defaulted: %+v", cfg)
	}
	if cfg.Sweeper.Schedule == "" {
		t.Fatal("sweeper schedule not defaulted")
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
	}{
		{"unknown field", "dispatch:\n  tick_intervall: 1s\n"},
		{"bad duration", "dispatch:\n  tick_interval: soon\n"},
		{"negative duration", "dispatch:\n  min_send_interval: -2s\n"},
		{"negative price", "billing:\n  prices:\n    mailing_message: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := NewManager(path).Parse(); err == nil {
				t.Fatal("want parse error")
			}
		})
	}
}

func TestSubscribePublishesOnChange(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "dispatch:\n  batch_size: 5\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe()

	if err := os.WriteFile(path, []byte("dispatch:\n  batch_size: 9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.BatchSize != 9 {
			t.Fatalf("batch = %d, want 9", cfg.Dispatch.BatchSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config published")
	}

	// an unchanged reload is suppressed
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("duplicate config published")
	case <-time.After(100 * time.Millisecond):
	}
}
