package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gantry/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.toml")
	cfg, resolved, exists, err := config.Load(missing)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if resolved != missing {
		t.Fatalf("resolved = %q, want %q", resolved, missing)
	}
	if cfg.Resilience.BreakerMaxFailures != 3 {
		t.Fatalf("breaker_max_failures default = %d", cfg.Resilience.BreakerMaxFailures)
	}
	if cfg.Workflow.QueuePollInterval != 5 {
		t.Fatalf("queue_poll_interval default = %d", cfg.Workflow.QueuePollInterval)
	}
	if !cfg.Workflow.ApprovalRequired {
		t.Fatal("approval_required should default to true")
	}
}

func TestLoadNormalizesScannerExtensions(t *testing.T) {
	path := writeConfig(t, `
[scanner]
allowed_extensions = ["MKV", " .mp4 ", ""]
`)
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := []string{".mkv", ".mp4"}
	if len(cfg.Scanner.AllowedExtensions) != len(want) {
		t.Fatalf("extensions = %v", cfg.Scanner.AllowedExtensions)
	}
	for i, ext := range want {
		if cfg.Scanner.AllowedExtensions[i] != ext {
			t.Fatalf("extensions = %v, want %v", cfg.Scanner.AllowedExtensions, want)
		}
	}
}

func TestLoadRejectsEnabledDestinationWithoutURL(t *testing.T) {
	path := writeConfig(t, `
[destinations.sites.alpha]
enabled = true
api_key = "k"
`)
	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDestinationInheritsResilienceDefaults(t *testing.T) {
	path := writeConfig(t, `
[resilience]
rate_per_second = 2.5
rate_burst = 7

[destinations.sites.alpha]
enabled = true
base_url = "https://tracker.example.org/api"
api_key = "k"
`)
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	site := cfg.Destinations.Sites["alpha"]
	if site.RatePerSecond != 2.5 || site.RateBurst != 7 {
		t.Fatalf("site rate = %v burst = %d", site.RatePerSecond, site.RateBurst)
	}
	if got := cfg.EnabledDestinations(); len(got) != 1 || got[0] != "alpha" {
		t.Fatalf("EnabledDestinations = %v", got)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load of sample failed: %v", err)
	}
	if !exists {
		t.Fatal("sample config should exist")
	}
	if cfg.Resilience.RetryMaxRetries != 3 {
		t.Fatalf("sample retry_max_retries = %d", cfg.Resilience.RetryMaxRetries)
	}
}
