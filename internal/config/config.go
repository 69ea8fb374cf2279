// Package config loads and validates host configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/InvestigativeJournalismFoundation/huon-test/internal/state"
	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Config captures every knob the host reads.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CrawlConfig selects the plugin and seeds its session state.
type CrawlConfig struct {
	Plugin    string `mapstructure:"plugin"`
	Mode      string `mapstructure:"mode"`
	PageStart int    `mapstructure:"page_start"`
	PageSize  int    `mapstructure:"page_size"`
	// FromDate and ToDate bound DATE mode, formatted YYYY-MM-DD.
	FromDate     string        `mapstructure:"from_date"`
	ToDate       string        `mapstructure:"to_date"`
	MaxSeeds     int           `mapstructure:"max_seeds"`
	Concurrency  int           `mapstructure:"concurrency"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// HTTPConfig configures the executor, retries and per-host throttling.
type HTTPConfig struct {
	Client           string  `mapstructure:"client"`
	UserAgent        string  `mapstructure:"user_agent"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RatePerHost      float64 `mapstructure:"rate_per_host"`
	Burst            int     `mapstructure:"burst"`
}

// StorageConfig picks where raw pages are archived.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the Postgres pool. An empty DSN keeps sessions in memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds record notification settings. An empty ProjectID
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Storage providers.
const (
	ProviderMemory = "memory"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
)

// HTTP clients.
const (
	ClientColly = "colly"
	ClientResty = "resty"
)

// Load builds a Config from an optional file plus HUON_* environment
// variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HUON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawl.plugin", "")
	v.SetDefault("crawl.mode", "hist")
	v.SetDefault("crawl.page_start", 0)
	v.SetDefault("crawl.page_size", 0)
	v.SetDefault("crawl.from_date", "")
	v.SetDefault("crawl.to_date", "")
	v.SetDefault("crawl.max_seeds", 0)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.drain_timeout", 10*time.Second)
	v.SetDefault("http.client", ClientColly)
	v.SetDefault("http.user_agent", "huon-crawler/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("http.rate_per_host", 2.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("storage.base_dir", "data/pages")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "huon-records")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if _, err := c.Crawl.Session(); err != nil {
		return err
	}
	if c.Crawl.MaxSeeds < 0 {
		return fmt.Errorf("crawl.max_seeds must be >= 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.DrainTimeout < 0 {
		return fmt.Errorf("crawl.drain_timeout must be >= 0")
	}
	switch c.HTTP.Client {
	case ClientColly, ClientResty:
	default:
		return fmt.Errorf("http.client must be %q or %q, got %q", ClientColly, ClientResty, c.HTTP.Client)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffMaxMs < c.HTTP.BackoffInitialMs {
		return fmt.Errorf("http.backoff_max_ms must be >= http.backoff_initial_ms")
	}
	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local provider")
		}
	case ProviderGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// Session converts the crawl section into initial session state.
func (c CrawlConfig) Session() (state.Config, error) {
	mode, err := crawl.ParseRuntimeMode(c.Mode)
	if err != nil {
		return state.Config{}, fmt.Errorf("crawl.mode: %w", err)
	}
	cfg := state.Config{Mode: mode, PageStart: c.PageStart, PageSize: c.PageSize}
	if c.FromDate != "" {
		if cfg.From, err = time.Parse(crawl.DateLayout, c.FromDate); err != nil {
			return state.Config{}, fmt.Errorf("crawl.from_date: %w", err)
		}
	}
	if c.ToDate != "" {
		if cfg.To, err = time.Parse(crawl.DateLayout, c.ToDate); err != nil {
			return state.Config{}, fmt.Errorf("crawl.to_date: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return state.Config{}, fmt.Errorf("crawl: %w", err)
	}
	return cfg, nil
}

// Timeout is the per-request budget.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MaxAttempts counts the first try plus retries.
func (c HTTPConfig) MaxAttempts() int {
	return c.MaxRetries + 1
}

// BackoffInitial is the first retry delay.
func (c HTTPConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps retry delays.
func (c HTTPConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}
