package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Lifecycle LifecycleConfig  `yaml:"lifecycle"`
	Exec      ExecConfig       `yaml:"exec"`
	Reaper    ReaperConfig     `yaml:"reaper"`
	Database  DatabaseConfig   `yaml:"database"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   TracingConfig    `yaml:"tracing"`
	Security  SecurityConfig   `yaml:"security"`
	TLS       TLSConfig        `yaml:"tls"`
	Templates []TemplateConfig `yaml:"templates"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// RuntimeConfig selects and tunes the container runtime driver.
type RuntimeConfig struct {
	Driver           string        `yaml:"driver"` // "auto" (default), "docker", or "containerd"
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	Scope            string        `yaml:"scope"`         // Label value separating deployments that share a daemon
	StorageQuota     bool          `yaml:"storage_quota"` // Docker storage driver supports --storage-opt size
	PullImages       bool          `yaml:"pull_images"`   // Resolve template images at startup
	StopGrace        time.Duration `yaml:"stop_grace"`
	SeccompProfile   string        `yaml:"seccomp_profile"` // Path to a Docker seccomp JSON; empty uses the built-in profiles
}

// LifecycleConfig bounds instance admission and teardown.
type LifecycleConfig struct {
	MaxInstances     int           `yaml:"max_instances"` // Global cap across users; 0 disables
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	CleanupTimeout   time.Duration `yaml:"cleanup_timeout"`
	CleanupRetries   int           `yaml:"cleanup_retries"`
	ErrorRetention   time.Duration `yaml:"error_retention"`
	TombstoneTTL     time.Duration `yaml:"tombstone_ttl"`
}

type ExecConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	KillGrace      time.Duration `yaml:"kill_grace"`
}

type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	Sample      float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TemplateConfig is the on-disk form of an environment template. The catalog
// turns these into immutable templates and rejects invalid ones at startup.
type TemplateConfig struct {
	ID                   string        `yaml:"id"`
	Kind                 string        `yaml:"kind"`
	Description          string        `yaml:"description"`
	Image                string        `yaml:"image"`
	CompanionImage       string        `yaml:"companion_image"`
	Language             string        `yaml:"language"`
	NetworkPolicy        string        `yaml:"network_policy"`
	Limits               LimitsConfig  `yaml:"limits"`
	MaxLifetime          time.Duration `yaml:"max_lifetime"`
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
	RenewalWindow        time.Duration `yaml:"renewal_window"`
	ExclusiveExec        *bool         `yaml:"exclusive_exec"`
	Command              []string      `yaml:"command"`
	WorkDir              string        `yaml:"workdir"`
	Env                  []string      `yaml:"env"`
	Mounts               []MountConfig `yaml:"mounts"`
}

type LimitsConfig struct {
	MemoryMB   int64 `yaml:"memory_mb"`
	CPUPercent int   `yaml:"cpu_percent"` // 100 = one full core
	DiskMB     int64 `yaml:"disk_mb"`
	PidsLimit  int64 `yaml:"pids_limit"`
}

// MountConfig is a read-only host path exposed inside a sandbox.
type MountConfig struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CONFIG_PATH or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays the supported environment variables onto the config.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			c.Server.Port = p
		} else {
			log.Warn().Str("port", port).Msg("ignoring malformed PORT")
		}
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}
	if keys := os.Getenv("LAB_API_KEYS"); keys != "" {
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.AllowedKeys = append(c.Security.AllowedKeys, k)
			}
		}
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    11 * time.Minute, // > exec.max_timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20,
		},
		Runtime: RuntimeConfig{
			Driver:           "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "lab-sandbox",
			Scope:            "default",
			PullImages:       false,
			StopGrace:        5 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			MaxInstances:     200,
			ProvisionTimeout: 2 * time.Minute,
			CleanupTimeout:   time.Minute,
			CleanupRetries:   3,
			ErrorRetention:   15 * time.Minute,
			TombstoneTTL:     time.Hour,
		},
		Exec: ExecConfig{
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     10 * time.Minute,
			MaxOutputBytes: 1 << 20,
			MaxUploadBytes: 10 << 20,
			KillGrace:      5 * time.Second,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "lab-sandbox",
			Sample:      0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Templates: DefaultTemplates(),
	}
}

// DefaultTemplates is the built-in lab set used when the config file does
// not declare its own templates.
func DefaultTemplates() []TemplateConfig {
	std := LimitsConfig{MemoryMB: 512, CPUPercent: 50, DiskMB: 1024, PidsLimit: 256}
	return []TemplateConfig{
		{
			ID:                   "py-basic",
			Kind:                 "programming-language",
			Description:          "Python 3 exercise runtime",
			Image:                "docker.io/library/python:3.10-slim",
			Language:             "python",
			NetworkPolicy:        "none",
			Limits:               std,
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 1,
			WorkDir:              "/workspace",
		},
		{
			ID:                   "c-basic",
			Kind:                 "programming-language",
			Description:          "C toolchain (gcc) exercise runtime",
			Image:                "docker.io/library/gcc:latest",
			Language:             "c",
			NetworkPolicy:        "none",
			Limits:               std,
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 1,
			WorkDir:              "/workspace",
		},
		{
			ID:                   "go-basic",
			Kind:                 "programming-language",
			Description:          "Go exercise runtime",
			Image:                "docker.io/library/golang:1.24-alpine",
			Language:             "go",
			NetworkPolicy:        "none",
			Limits:               LimitsConfig{MemoryMB: 1024, CPUPercent: 100, DiskMB: 1024, PidsLimit: 256},
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 1,
			WorkDir:              "/workspace",
		},
		{
			ID:                   "web-vuln",
			Kind:                 "vulnerability",
			Description:          "Deliberately vulnerable web application",
			Image:                "docker.io/webgoat/webgoat:latest",
			NetworkPolicy:        "internal-bridge",
			Limits:               LimitsConfig{MemoryMB: 1024, CPUPercent: 100, DiskMB: 1024, PidsLimit: 512},
			MaxLifetime:          2 * time.Hour,
			MaxConcurrentPerUser: 1,
		},
		{
			ID:                   "net-range",
			Kind:                 "networking",
			Description:          "Target host and attacker box on a private pair network",
			Image:                "docker.io/library/ubuntu:22.04",
			CompanionImage:       "docker.io/kalilinux/kali-rolling:latest",
			NetworkPolicy:        "isolated-pair",
			Limits:               std,
			MaxLifetime:          2 * time.Hour,
			MaxConcurrentPerUser: 1,
		},
		{
			ID:                   "crypto-bench",
			Kind:                 "cryptography",
			Description:          "Cryptography workbench",
			Image:                "docker.io/library/python:3.10-slim",
			NetworkPolicy:        "none",
			Limits:               std,
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 2,
			WorkDir:              "/workspace",
		},
		{
			ID:                   "re-bench",
			Kind:                 "reverse-engineering",
			Description:          "Reverse engineering workbench",
			Image:                "docker.io/remnux/radare2:latest",
			NetworkPolicy:        "none",
			Limits:               std,
			MaxLifetime:          2 * time.Hour,
			MaxConcurrentPerUser: 1,
		},
		{
			ID:                   "malware-lab",
			Kind:                 "malware-analysis",
			Description:          "Offline malware analysis sandbox",
			Image:                "docker.io/remnux/remnux-distro:focal",
			NetworkPolicy:        "none",
			Limits:               LimitsConfig{MemoryMB: 1024, CPUPercent: 100, DiskMB: 2048, PidsLimit: 256},
			MaxLifetime:          time.Hour,
			MaxConcurrentPerUser: 1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Runtime.Driver {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("runtime.driver must be auto, docker, or containerd, got %q", c.Runtime.Driver)
	}
	if c.Runtime.Scope == "" {
		return fmt.Errorf("runtime.scope must not be empty")
	}
	if c.Lifecycle.ProvisionTimeout <= 0 {
		return fmt.Errorf("lifecycle.provision_timeout must be > 0")
	}
	if c.Lifecycle.CleanupTimeout <= 0 {
		return fmt.Errorf("lifecycle.cleanup_timeout must be > 0")
	}
	if c.Lifecycle.CleanupRetries < 1 {
		return fmt.Errorf("lifecycle.cleanup_retries must be >= 1")
	}
	if c.Lifecycle.MaxInstances < 0 {
		return fmt.Errorf("lifecycle.max_instances must be >= 0")
	}
	if c.Exec.DefaultTimeout <= 0 {
		return fmt.Errorf("exec.default_timeout must be > 0")
	}
	if c.Exec.DefaultTimeout > c.Exec.MaxTimeout {
		return fmt.Errorf("exec.default_timeout (%s) must be <= max_timeout (%s)",
			c.Exec.DefaultTimeout, c.Exec.MaxTimeout)
	}
	if c.Exec.MaxOutputBytes < 1024 {
		return fmt.Errorf("exec.max_output_bytes must be >= 1024")
	}
	if c.Exec.MaxUploadBytes < 1 {
		return fmt.Errorf("exec.max_upload_bytes must be >= 1")
	}
	if c.Reaper.Enabled && c.Reaper.Interval < time.Second {
		return fmt.Errorf("reaper.interval must be >= 1s, got %s", c.Reaper.Interval)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("at least one template is required")
	}
	seen := make(map[string]struct{}, len(c.Templates))
	for i, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("templates[%d]: id is required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("templates[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
