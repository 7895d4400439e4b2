// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Report drivers.
const (
	ReportLog      = "log"
	ReportPostgres = "postgres"
	ReportSQLite   = "sqlite"
	ReportLocal    = "local"
	ReportGCS      = "gcs"
)

// Config captures every configuration knob loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Scope    ScopeConfig    `mapstructure:"scope"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Hardware HardwareConfig `mapstructure:"hardware"`
	Renderer RendererConfig `mapstructure:"renderer"`
	Report   ReportConfig   `mapstructure:"report"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	API      APIConfig      `mapstructure:"api"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CrawlerConfig governs verification and the pipeline stages.
type CrawlerConfig struct {
	SeedURL                    string        `mapstructure:"seed_url"`
	UserAgent                  string        `mapstructure:"user_agent"`
	RequestTimeout             time.Duration `mapstructure:"request_timeout"`
	MaxRedirects               int           `mapstructure:"max_redirects"`
	MaxConcurrentVerifications int           `mapstructure:"max_concurrent_verifications"`
	MaxConcurrentExtractions   int           `mapstructure:"max_concurrent_extractions"`
	PerHostRPS                 float64       `mapstructure:"per_host_rps"`
	MaxBodyBytes               int           `mapstructure:"max_body_bytes"`
}

// ScopeConfig widens what counts as internal.
type ScopeConfig struct {
	IncludeSubdomains bool     `mapstructure:"include_subdomains"`
	IncludeHosts      []string `mapstructure:"include_hosts"`
	Aliases           []string `mapstructure:"aliases"`
}

// PoolConfig sizes the renderer pool.
type PoolConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HardwareConfig controls resource pressure sampling.
type HardwareConfig struct {
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	LowCPUPercent     float64       `mapstructure:"low_cpu_percent"`
	LowMemoryPercent  float64       `mapstructure:"low_memory_percent"`
	HighCPUPercent    float64       `mapstructure:"high_cpu_percent"`
	HighMemoryPercent float64       `mapstructure:"high_memory_percent"`
}

// RendererConfig selects and tunes the page renderer.
type RendererConfig struct {
	Mode       string        `mapstructure:"mode"`
	NavTimeout time.Duration `mapstructure:"nav_timeout"`
	// SettleDelay waits after the body is ready for late scripts.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	ExecPath    string        `mapstructure:"exec_path"`
}

// ReportConfig selects where verification results go.
type ReportConfig struct {
	Driver        string         `mapstructure:"driver"`
	BatchSize     int            `mapstructure:"batch_size"`
	FlushInterval time.Duration  `mapstructure:"flush_interval"`
	Prefix        string         `mapstructure:"prefix"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	SQLite        SQLiteConfig   `mapstructure:"sqlite"`
	Local         LocalConfig    `mapstructure:"local"`
	GCS           GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig points at the report database.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// SQLiteConfig points at the report file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// LocalConfig is the directory JSON-lines reports are written under.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig is the bucket JSON-lines reports are uploaded to.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PubSubConfig holds the completion notice destination. Empty disables it.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// APIConfig controls the status and control server.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Without a path it looks for
// linkcrawler.{yaml,json,toml} in the working directory and $HOME/.linkcrawler.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, so flags bound to v
// take precedence over file and environment values.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("linkcrawler")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.linkcrawler")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.seed_url", "")
	v.SetDefault("crawler.user_agent", "linkcheck-bot/0.1")
	v.SetDefault("crawler.request_timeout", 15*time.Second)
	v.SetDefault("crawler.max_redirects", 10)
	v.SetDefault("crawler.max_concurrent_verifications", 8)
	v.SetDefault("crawler.max_concurrent_extractions", 2)
	v.SetDefault("crawler.per_host_rps", 5.0)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("scope.include_subdomains", false)
	v.SetDefault("scope.include_hosts", []string{})
	v.SetDefault("scope.aliases", []string{})
	v.SetDefault("pool.max_size", 2)
	v.SetDefault("pool.shutdown_timeout", 30*time.Second)
	v.SetDefault("hardware.sample_interval", 2*time.Second)
	v.SetDefault("hardware.low_cpu_percent", 40.0)
	v.SetDefault("hardware.low_memory_percent", 50.0)
	v.SetDefault("hardware.high_cpu_percent", 85.0)
	v.SetDefault("hardware.high_memory_percent", 85.0)
	v.SetDefault("renderer.mode", "chromedp")
	v.SetDefault("renderer.nav_timeout", 30*time.Second)
	v.SetDefault("renderer.settle_delay", 0)
	v.SetDefault("renderer.exec_path", "")
	v.SetDefault("report.driver", ReportLog)
	v.SetDefault("report.batch_size", 500)
	v.SetDefault("report.flush_interval", 2*time.Second)
	v.SetDefault("report.prefix", "reports")
	v.SetDefault("report.postgres.dsn", "")
	v.SetDefault("report.postgres.table", "link_reports")
	v.SetDefault("report.sqlite.path", "linkcheck.db")
	v.SetDefault("report.local.base_dir", "./out")
	v.SetDefault("report.gcs.bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.port", 8080)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. The seed URL is
// checked only when present so the CLI can supply it after loading.
func (c Config) Validate() error {
	if c.Crawler.SeedURL != "" {
		if err := ValidateSeed(c.Crawler.SeedURL); err != nil {
			return err
		}
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxRedirects < 0 {
		return fmt.Errorf("crawler.max_redirects must be >= 0")
	}
	if c.Crawler.MaxConcurrentVerifications <= 0 {
		return fmt.Errorf("crawler.max_concurrent_verifications must be > 0")
	}
	if c.Crawler.MaxConcurrentExtractions <= 0 {
		return fmt.Errorf("crawler.max_concurrent_extractions must be > 0")
	}
	if c.Crawler.PerHostRPS < 0 {
		return fmt.Errorf("crawler.per_host_rps must be >= 0")
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be > 0")
	}
	if c.Hardware.SampleInterval <= 0 {
		return fmt.Errorf("hardware.sample_interval must be > 0")
	}
	switch c.Renderer.Mode {
	case "chromedp", "static", "disabled":
	default:
		return fmt.Errorf("renderer.mode %q must be chromedp, static or disabled", c.Renderer.Mode)
	}
	if err := c.Report.validate(); err != nil {
		return err
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	return nil
}

func (r ReportConfig) validate() error {
	switch r.Driver {
	case ReportLog:
	case ReportPostgres:
		if r.Postgres.DSN == "" {
			return fmt.Errorf("report.postgres.dsn is required for the postgres driver")
		}
	case ReportSQLite:
		if r.SQLite.Path == "" {
			return fmt.Errorf("report.sqlite.path is required for the sqlite driver")
		}
	case ReportLocal:
		if r.Local.BaseDir == "" {
			return fmt.Errorf("report.local.base_dir is required for the local driver")
		}
	case ReportGCS:
		if r.GCS.Bucket == "" {
			return fmt.Errorf("report.gcs.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("unknown report.driver %q", r.Driver)
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("report.batch_size must be > 0")
	}
	return nil
}

// ValidateSeed checks that raw is an absolute http(s) URL with a host.
func ValidateSeed(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("crawler.seed_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("crawler.seed_url %q must be an absolute http(s) URL", raw)
	}
	return nil
}
