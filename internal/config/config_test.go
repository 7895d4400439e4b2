package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  seed_url: https://example.com/
  user_agent: test-agent
  request_timeout: 5s
  max_redirects: 3
  max_concurrent_verifications: 16
  max_concurrent_extractions: 4
  per_host_rps: 2.5
scope:
  include_subdomains: true
  include_hosts: ["cdn.example.net", "*.static.example.org"]
  aliases: ["staging.example.com"]
pool:
  max_size: 3
renderer:
  mode: static
  nav_timeout: 10s
report:
  driver: sqlite
  batch_size: 50
  sqlite:
    path: /tmp/reports.db
api:
  enabled: true
  port: 9090
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.SeedURL != "https://example.com/" {
		t.Fatalf("unexpected seed: %q", cfg.Crawler.SeedURL)
	}
	if cfg.Crawler.RequestTimeout != 5*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.Crawler.RequestTimeout)
	}
	if cfg.Crawler.MaxConcurrentVerifications != 16 || cfg.Crawler.MaxConcurrentExtractions != 4 {
		t.Fatalf("unexpected concurrency: %+v", cfg.Crawler)
	}
	if cfg.Crawler.PerHostRPS != 2.5 {
		t.Fatalf("unexpected rps: %v", cfg.Crawler.PerHostRPS)
	}
	if !cfg.Scope.IncludeSubdomains || len(cfg.Scope.IncludeHosts) != 2 || cfg.Scope.Aliases[0] != "staging.example.com" {
		t.Fatalf("unexpected scope: %+v", cfg.Scope)
	}
	if cfg.Renderer.Mode != "static" || cfg.Renderer.NavTimeout != 10*time.Second {
		t.Fatalf("unexpected renderer: %+v", cfg.Renderer)
	}
	if cfg.Report.Driver != ReportSQLite || cfg.Report.SQLite.Path != "/tmp/reports.db" || cfg.Report.BatchSize != 50 {
		t.Fatalf("unexpected report: %+v", cfg.Report)
	}
	if !cfg.API.Enabled || cfg.API.Port != 9090 {
		t.Fatalf("unexpected api: %+v", cfg.API)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging: %+v", cfg.Logging)
	}
	// Untouched keys keep their defaults.
	if cfg.Hardware.SampleInterval != 2*time.Second || cfg.Pool.ShutdownTimeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Hardware, cfg.Pool)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Report.Driver != ReportLog {
		t.Fatalf("expected log driver, got %q", cfg.Report.Driver)
	}
	if cfg.Renderer.Mode != "chromedp" {
		t.Fatalf("expected chromedp renderer, got %q", cfg.Renderer.Mode)
	}
	if cfg.Crawler.MaxRedirects != 10 {
		t.Fatalf("expected 10 redirects, got %d", cfg.Crawler.MaxRedirects)
	}
	if cfg.Progress.MaxBatchWait != 500*time.Millisecond {
		t.Fatalf("unexpected batch wait: %v", cfg.Progress.MaxBatchWait)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_SEED_URL", "https://env.example.com/")
	t.Setenv("CRAWLER_REPORT_DRIVER", "local")
	t.Setenv("CRAWLER_REPORT_LOCAL_BASE_DIR", "/var/reports")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.SeedURL != "https://env.example.com/" {
		t.Fatalf("unexpected seed: %q", cfg.Crawler.SeedURL)
	}
	if cfg.Report.Driver != ReportLocal || cfg.Report.Local.BaseDir != "/var/reports" {
		t.Fatalf("unexpected report: %+v", cfg.Report)
	}
}

func TestLoadWithBoundValuesWin(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("renderer.mode", "disabled")
	cfg, err := LoadWith(v, "")
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.Renderer.Mode != "disabled" {
		t.Fatalf("expected override, got %q", cfg.Renderer.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "bad seed scheme", mutate: func(c *Config) { c.Crawler.SeedURL = "ftp://example.com" }, want: "absolute http(s)"},
		{name: "relative seed", mutate: func(c *Config) { c.Crawler.SeedURL = "/about" }, want: "absolute http(s)"},
		{name: "timeout", mutate: func(c *Config) { c.Crawler.RequestTimeout = 0 }, want: "request_timeout"},
		{name: "redirects", mutate: func(c *Config) { c.Crawler.MaxRedirects = -1 }, want: "max_redirects"},
		{name: "verifications", mutate: func(c *Config) { c.Crawler.MaxConcurrentVerifications = 0 }, want: "max_concurrent_verifications"},
		{name: "extractions", mutate: func(c *Config) { c.Crawler.MaxConcurrentExtractions = 0 }, want: "max_concurrent_extractions"},
		{name: "rps", mutate: func(c *Config) { c.Crawler.PerHostRPS = -1 }, want: "per_host_rps"},
		{name: "pool", mutate: func(c *Config) { c.Pool.MaxSize = 0 }, want: "pool.max_size"},
		{name: "sampling", mutate: func(c *Config) { c.Hardware.SampleInterval = 0 }, want: "sample_interval"},
		{name: "renderer", mutate: func(c *Config) { c.Renderer.Mode = "phantom" }, want: "renderer.mode"},
		{name: "driver", mutate: func(c *Config) { c.Report.Driver = "kafka" }, want: "unknown report.driver"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Report.Driver = ReportPostgres }, want: "postgres.dsn"},
		{name: "sqlite path", mutate: func(c *Config) { c.Report.Driver = ReportSQLite; c.Report.SQLite.Path = "" }, want: "sqlite.path"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Report.Driver = ReportGCS }, want: "gcs.bucket"},
		{name: "batch", mutate: func(c *Config) { c.Report.BatchSize = 0 }, want: "batch_size"},
		{name: "pubsub pair", mutate: func(c *Config) { c.PubSub.ProjectID = "p" }, want: "pubsub"},
		{name: "api port", mutate: func(c *Config) { c.API.Enabled = true; c.API.Port = 0 }, want: "api.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
