package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Runtime.Driver != "auto" {
		t.Errorf("Runtime.Driver = %q, want auto", cfg.Runtime.Driver)
	}
	if cfg.Lifecycle.ProvisionTimeout != 2*time.Minute {
		t.Errorf("Lifecycle.ProvisionTimeout = %s, want 2m", cfg.Lifecycle.ProvisionTimeout)
	}
	if cfg.Exec.DefaultTimeout != 30*time.Second {
		t.Errorf("Exec.DefaultTimeout = %s, want 30s", cfg.Exec.DefaultTimeout)
	}
	if cfg.Reaper.Interval != 30*time.Second {
		t.Errorf("Reaper.Interval = %s, want 30s", cfg.Reaper.Interval)
	}
	if len(cfg.Templates) == 0 {
		t.Fatal("DefaultConfig has no templates")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestDefaultTemplates_OriginalLimits(t *testing.T) {
	for _, tmpl := range DefaultTemplates() {
		if tmpl.MaxLifetime <= 0 {
			t.Errorf("%s: MaxLifetime = %s, want > 0", tmpl.ID, tmpl.MaxLifetime)
		}
		if tmpl.MaxConcurrentPerUser < 1 {
			t.Errorf("%s: MaxConcurrentPerUser = %d, want >= 1", tmpl.ID, tmpl.MaxConcurrentPerUser)
		}
	}

	var py TemplateConfig
	for _, tmpl := range DefaultTemplates() {
		if tmpl.ID == "py-basic" {
			py = tmpl
		}
	}
	if py.Limits.MemoryMB != 512 || py.Limits.CPUPercent != 50 || py.Limits.DiskMB != 1024 {
		t.Errorf("py-basic limits = %+v, want 512MB/50%%/1024MB", py.Limits)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown driver", func(c *Config) { c.Runtime.Driver = "podman" }, true},
		{"containerd driver", func(c *Config) { c.Runtime.Driver = "containerd" }, false},
		{"empty scope", func(c *Config) { c.Runtime.Scope = "" }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Exec.DefaultTimeout = 2 * time.Minute
			c.Exec.MaxTimeout = time.Minute
		}, true},
		{"zero provision timeout", func(c *Config) { c.Lifecycle.ProvisionTimeout = 0 }, true},
		{"zero cleanup retries", func(c *Config) { c.Lifecycle.CleanupRetries = 0 }, true},
		{"negative max instances", func(c *Config) { c.Lifecycle.MaxInstances = -1 }, true},
		{"tiny output cap", func(c *Config) { c.Exec.MaxOutputBytes = 10 }, true},
		{"reaper interval too short", func(c *Config) { c.Reaper.Interval = time.Millisecond }, true},
		{"reaper disabled ignores interval", func(c *Config) {
			c.Reaper.Enabled = false
			c.Reaper.Interval = 0
		}, false},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, true},
		{"no templates", func(c *Config) { c.Templates = nil }, true},
		{"template without id", func(c *Config) { c.Templates[0].ID = "" }, true},
		{"duplicate template ids", func(c *Config) { c.Templates[1].ID = c.Templates[0].ID }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
runtime:
  driver: docker
  scope: ci
lifecycle:
  provision_timeout: 45s
  max_instances: 10
exec:
  default_timeout: 15s
  max_timeout: 120s
templates:
  - id: py-basic
    kind: programming-language
    language: python
    network_policy: none
    max_lifetime: 10m
    max_concurrent_per_user: 1
    limits:
      memory_mb: 256
      cpu_percent: 25
      disk_mb: 128
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Runtime.Driver != "docker" || cfg.Runtime.Scope != "ci" {
		t.Errorf("Runtime = %+v, want docker/ci", cfg.Runtime)
	}
	if cfg.Lifecycle.ProvisionTimeout != 45*time.Second {
		t.Errorf("ProvisionTimeout = %s, want 45s", cfg.Lifecycle.ProvisionTimeout)
	}
	if cfg.Lifecycle.CleanupRetries != 3 {
		t.Errorf("CleanupRetries = %d, want default 3", cfg.Lifecycle.CleanupRetries)
	}
	if cfg.Exec.DefaultTimeout != 15*time.Second {
		t.Errorf("Exec.DefaultTimeout = %s, want 15s", cfg.Exec.DefaultTimeout)
	}
	if len(cfg.Templates) != 1 {
		t.Fatalf("got %d templates, want 1 (file replaces defaults)", len(cfg.Templates))
	}
	tmpl := cfg.Templates[0]
	if tmpl.MaxLifetime != 10*time.Minute || tmpl.Limits.CPUPercent != 25 {
		t.Errorf("template = %+v", tmpl)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9191")
	t.Setenv("DATABASE_URL", "postgres://lab@db/lab")
	t.Setenv("LAB_API_KEYS", "k1, k2,,")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://lab@db/lab" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if len(cfg.Security.AllowedKeys) != 2 || cfg.Security.AllowedKeys[1] != "k2" {
		t.Errorf("AllowedKeys = %v, want [k1 k2]", cfg.Security.AllowedKeys)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
