package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Requests.TTL != 24*time.Hour {
		t.Fatalf("expected 24h ttl, got %s", cfg.Requests.TTL)
	}
	if cfg.Channel.MaxRetries != 5 {
		t.Fatalf("expected 5 retries, got %d", cfg.Channel.MaxRetries)
	}
	if !cfg.EligibilityEnforced() {
		t.Fatalf("eligibility should be enforced by default")
	}
	if cfg.Server.DevLogin {
		t.Fatalf("dev login must be off by default")
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("requests:\n  ttl: 2h\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Requests.TTL != 2*time.Hour {
		t.Fatalf("ttl override lost: %s", cfg.Requests.TTL)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Live.Broker != "memory" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown driver":     "storage:\n  driver: mysql\n",
		"postgres no dsn":    "storage:\n  driver: postgres\n",
		"redis no addr":      "live:\n  broker: redis\n",
		"zero ttl":           "requests:\n  ttl: 0s\n",
		"backoff inverted":   "channel:\n  initial_backoff: 10s\n  max_backoff: 1s\n",
		"webhook no url":     "webhooks:\n  - url: \"\"\n",
		"telemetry endpoint": "telemetry:\n  enabled: true\n",
		"short leader ttl":   "live:\n  relay_interval: 1s\n  leader_ttl: 1s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "buscart.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("unexpected base path %q", cfg.Server.BasePath)
	}
	disabled := false
	cfg.Matching.EnforceEligibility = &disabled
	if cfg.EligibilityEnforced() {
		t.Fatalf("expected eligibility disabled")
	}
}
