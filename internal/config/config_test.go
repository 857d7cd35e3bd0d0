package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[logging]
dir = "/tmp/linkdiag"

[[interfaces]]
name = "eth0"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if !cfg.LinkMonitor.Enabled {
		t.Fatalf("link monitor should default to enabled")
	}
	if cfg.Portal.ExpectedStatus != 204 {
		t.Fatalf("expected status default 204, got %d", cfg.Portal.ExpectedStatus)
	}
	if cfg.Portal.MinAttemptSpacing() != 3*time.Second {
		t.Fatalf("expected 3s attempt spacing, got %s", cfg.Portal.MinAttemptSpacing())
	}
	if cfg.Diagnostics.MaxDNSRetries != 2 {
		t.Fatalf("expected 2 dns retries, got %d", cfg.Diagnostics.MaxDNSRetries)
	}
	if cfg.LinkMonitor.FastTestPeriod() != 200*time.Millisecond {
		t.Fatalf("unexpected fast test period %s", cfg.LinkMonitor.FastTestPeriod())
	}
	if len(cfg.Diagnostics.FallbackDNSServers) != 2 {
		t.Fatalf("expected fallback dns servers, got %v", cfg.Diagnostics.FallbackDNSServers)
	}
}

func TestLoadKeepsExplicitDisable(t *testing.T) {
	path := writeConfig(t, `
[link_monitor]
enabled = false

[[interfaces]]
name = "wlan0"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LinkMonitor.Enabled {
		t.Fatalf("explicit enabled = false was overridden")
	}
}

func TestLoadReportsAllProblems(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "loud"

[portal]
url = "ftp://example.com/"

[diagnostics]
fallback_dns_servers = ["not-an-ip"]

[[interfaces]]
name = "eth0"

[[interfaces]]
name = "eth0"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"logging.level", "portal.url", "fallback_dns_servers[0]", "duplicated"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[portal]
urll = "http://example.com/"

[[interfaces]]
name = "eth0"
`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "portal.urll") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadSettingsWithoutInterfaces(t *testing.T) {
	path := writeConfig(t, `
[portal]
url = "http://connectivity.example/generate_204"
`)

	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "interfaces must not be empty") {
		t.Fatalf("expected daemon config to require interfaces, got %v", err)
	}
	cfg, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if cfg.Portal.URL != "http://connectivity.example/generate_204" {
		t.Fatalf("unexpected portal url %q", cfg.Portal.URL)
	}

	path = writeConfig(t, `
[[interfaces]]
name = "eth0"

[[interfaces]]
name = "eth0"
`)
	if _, err := LoadSettings(path); err == nil || !strings.Contains(err.Error(), "duplicated") {
		t.Fatalf("expected duplicate interface error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
