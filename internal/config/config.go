// Package config loads and validates divarbot configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Scraper modes.
const (
	ModeBrowser = "browser"
	ModeStatic  = "static"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelegramConfig configures the long-polling bot.
type TelegramConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Token              string `mapstructure:"token"`
	PollTimeoutSeconds int    `mapstructure:"poll_timeout_seconds"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`
	Debug              bool   `mapstructure:"debug"`
}

// ScraperConfig holds settings shared by both scraping modes.
type ScraperConfig struct {
	Mode               string  `mapstructure:"mode"`
	BaseURL            string  `mapstructure:"base_url"`
	UserAgent          string  `mapstructure:"user_agent"`
	OutlierFactor      float64 `mapstructure:"outlier_factor"`
	DomainQPS          float64 `mapstructure:"domain_qps"`
	DomainBurst        int     `mapstructure:"domain_burst"`
	HTTPTimeoutSeconds int     `mapstructure:"http_timeout_seconds"`
}

// BrowserConfig configures the headless Chrome session used for infinite scroll.
type BrowserConfig struct {
	Headless                bool   `mapstructure:"headless"`
	ExecPath                string `mapstructure:"exec_path"`
	NoSandbox               bool   `mapstructure:"no_sandbox"`
	ViewportWidth           int    `mapstructure:"viewport_width"`
	ViewportHeight          int    `mapstructure:"viewport_height"`
	Locale                  string `mapstructure:"locale"`
	MaxDurationSeconds      int    `mapstructure:"max_duration_seconds"`
	StallRounds             int    `mapstructure:"stall_rounds"`
	NetworkIdleMs           int    `mapstructure:"network_idle_ms"`
	SettleMs                int    `mapstructure:"settle_ms"`
	FirstCardTimeoutSeconds int    `mapstructure:"first_card_timeout_seconds"`
	ScrollTimeoutMs         int    `mapstructure:"scroll_timeout_ms"`
	MaxParallel             int    `mapstructure:"max_parallel"`
}

// WorkerConfig governs the asynchronous job pool behind the HTTP API.
type WorkerConfig struct {
	Concurrency       int `mapstructure:"concurrency"`
	QueueDepth        int `mapstructure:"queue_depth"`
	JobTimeoutSeconds int `mapstructure:"job_timeout_seconds"`
}

// StorageConfig selects where generated workbooks are written.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	S3      S3Config    `mapstructure:"s3"`
}

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// S3Config configures the S3 (or S3-compatible) backend.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// DatabaseConfig controls the optional Postgres job store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	JobsTable       string        `mapstructure:"jobs_table"`
	ListingsTable   string        `mapstructure:"listings_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls OpenTelemetry tracing. Trace context is carried
// into Pub/Sub completion messages when enabled.
type TelemetryConfig struct {
	Tracing     bool    `mapstructure:"tracing"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// envAliases maps config keys to the bare variable names used by the
// container images, in addition to the DIVARBOT_ prefixed form.
var envAliases = map[string]string{
	"server.host":      "HOST",
	"server.port":      "PORT",
	"browser.headless": "HEADLESS",
	"telegram.token":   "TELEGRAM_TOKEN",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DIVARBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindAliases(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
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

func bindAliases(v *viper.Viper) error {
	for key, bare := range envAliases {
		prefixed := "DIVARBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.poll_timeout_seconds", 60)
	v.SetDefault("telegram.max_concurrent", 2)
	v.SetDefault("telegram.debug", false)

	v.SetDefault("scraper.mode", ModeBrowser)
	v.SetDefault("scraper.base_url", "https://divar.ir")
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.outlier_factor", 1.5)
	v.SetDefault("scraper.domain_qps", 0)
	v.SetDefault("scraper.domain_burst", 1)
	v.SetDefault("scraper.http_timeout_seconds", 20)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.viewport_width", 1400)
	v.SetDefault("browser.viewport_height", 2800)
	v.SetDefault("browser.locale", "fa-IR")
	v.SetDefault("browser.max_duration_seconds", 240)
	v.SetDefault("browser.stall_rounds", 6)
	v.SetDefault("browser.network_idle_ms", 1500)
	v.SetDefault("browser.settle_ms", 300)
	v.SetDefault("browser.first_card_timeout_seconds", 20)
	v.SetDefault("browser.scroll_timeout_ms", 3000)
	v.SetDefault("browser.max_parallel", 1)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.queue_depth", 16)
	v.SetDefault("worker.job_timeout_seconds", 300)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.local.base_dir", "data/reports")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.use_path_style", false)

	// Keys without a default are invisible to Unmarshal when set only via env.
	v.SetDefault("auth.api_key", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("database.jobs_table", "scrape_jobs")
	v.SetDefault("database.listings_table", "listings")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "30m")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "divarbot")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return errors.New("worker.queue_depth must be > 0")
	}
	if c.Scraper.OutlierFactor < 0 {
		return errors.New("scraper.outlier_factor must be >= 0")
	}
	switch c.Scraper.Mode {
	case ModeBrowser, ModeStatic:
	default:
		return fmt.Errorf("scraper.mode must be %q or %q, got %q", ModeBrowser, ModeStatic, c.Scraper.Mode)
	}
	if c.Browser.StallRounds <= 0 {
		return errors.New("browser.stall_rounds must be > 0")
	}
	if c.Browser.MaxDurationSeconds <= 0 {
		return errors.New("browser.max_duration_seconds must be > 0")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return errors.New("browser viewport dimensions must be > 0")
	}
	if c.Browser.MaxParallel < 0 {
		return errors.New("browser.max_parallel must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.New("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	return c.validateStorage()
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return errors.New("storage.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return errors.New("storage.gcs.bucket must be set for the gcs backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket must be set for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// ValidateBot checks the settings required to start the Telegram bot.
func (c Config) ValidateBot() error {
	if !c.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token (TELEGRAM_TOKEN) must be set when the bot is enabled")
	}
	if c.Telegram.MaxConcurrent <= 0 {
		return errors.New("telegram.max_concurrent must be > 0")
	}
	return nil
}

// Addr returns the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// JobTimeout bounds a single pipeline run started from the API.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Worker.JobTimeoutSeconds) * time.Second
}

// ms is a small helper for the millisecond-valued browser knobs.
func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// MaxDuration is the scroll budget for one browser scrape.
func (b BrowserConfig) MaxDuration() time.Duration {
	return time.Duration(b.MaxDurationSeconds) * time.Second
}

// NetworkIdle is the upper bound spent waiting for the network to settle per round.
func (b BrowserConfig) NetworkIdle() time.Duration { return ms(b.NetworkIdleMs) }

// Settle is the fixed pause after each scroll round.
func (b BrowserConfig) Settle() time.Duration { return ms(b.SettleMs) }

// ScrollTimeout bounds scrolling the last card into view.
func (b BrowserConfig) ScrollTimeout() time.Duration { return ms(b.ScrollTimeoutMs) }

// FirstCardTimeout bounds the wait for the first listing card after navigation.
func (b BrowserConfig) FirstCardTimeout() time.Duration {
	return time.Duration(b.FirstCardTimeoutSeconds) * time.Second
}
