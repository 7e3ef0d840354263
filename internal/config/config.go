// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	// portal.time_zone must resolve on hosts without a zoneinfo database.
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Archive providers. An empty provider disables archiving.
const (
	ArchiveNone   = ""
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// DefaultUserAgent is sent with every portal request unless overridden.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	DB      DBConfig      `mapstructure:"db"`
	Portal  PortalConfig  `mapstructure:"portal"`
	Queue   QueueConfig   `mapstructure:"queue"`
	News    NewsConfig    `mapstructure:"news"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Server  ServerConfig  `mapstructure:"server"`
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

// StoreConfig selects the queue store implementation.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Schema                 string `mapstructure:"schema"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PortalConfig describes how the news portal is reached.
type PortalConfig struct {
	ListingURL     string `mapstructure:"listing_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRedirects   int    `mapstructure:"max_redirects"`
	TimeZone       string `mapstructure:"time_zone"`
	// RequestsPerSecond throttles requests per host; zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// QueueConfig tunes the date-page and link-harvest stages.
type QueueConfig struct {
	BaselineDays        int `mapstructure:"baseline_days"`
	JumpPage            int `mapstructure:"jump_page"`
	EnqueueEvery        int `mapstructure:"enqueue_every"`
	PassTimeoutSeconds  int `mapstructure:"pass_timeout_seconds"`
	IntervalSeconds     int `mapstructure:"interval_seconds"`
	ErrorBackoffSeconds int `mapstructure:"error_backoff_seconds"`
}

// NewsConfig tunes the content fetch stage.
type NewsConfig struct {
	BatchSize              int `mapstructure:"batch_size"`
	Concurrency            int `mapstructure:"concurrency"`
	TimeoutMultiplier      int `mapstructure:"timeout_multiplier"`
	IntervalSeconds        int `mapstructure:"interval_seconds"`
	ErrorBackoffSeconds    int `mapstructure:"error_backoff_seconds"`
	MaxConsecutiveTimeouts int `mapstructure:"max_consecutive_timeouts"`
}

// ArchiveConfig sets where raw article pages are kept.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Dir      string `mapstructure:"dir"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSCRAWLER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 5)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.schema", "news")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("portal.listing_url", "https://news.naver.com/main/list.naver")
	v.SetDefault("portal.user_agent", DefaultUserAgent)
	v.SetDefault("portal.timeout_seconds", 15)
	v.SetDefault("portal.max_redirects", 10)
	v.SetDefault("portal.time_zone", "Asia/Seoul")
	v.SetDefault("portal.requests_per_second", 0)
	v.SetDefault("portal.burst", 1)
	v.SetDefault("queue.baseline_days", 1)
	v.SetDefault("queue.jump_page", 999)
	v.SetDefault("queue.enqueue_every", 1)
	v.SetDefault("queue.pass_timeout_seconds", 600)
	v.SetDefault("queue.interval_seconds", 5)
	v.SetDefault("queue.error_backoff_seconds", 5)
	v.SetDefault("news.batch_size", 100)
	v.SetDefault("news.concurrency", 4)
	v.SetDefault("news.timeout_multiplier", 2)
	v.SetDefault("news.interval_seconds", 0)
	v.SetDefault("news.error_backoff_seconds", 10)
	v.SetDefault("news.max_consecutive_timeouts", 0)
	v.SetDefault("archive.provider", ArchiveNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.dir", "data/archive")
	v.SetDefault("archive.prefix", "news")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.driver is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Portal.UserAgent == "" {
		return fmt.Errorf("portal.user_agent must be set")
	}
	if c.Portal.TimeoutSeconds <= 0 {
		return fmt.Errorf("portal.timeout_seconds must be > 0")
	}
	if _, err := time.LoadLocation(c.Portal.TimeZone); err != nil {
		return fmt.Errorf("portal.time_zone: %w", err)
	}
	if c.Portal.RequestsPerSecond < 0 || c.Portal.Burst < 0 {
		return fmt.Errorf("portal.requests_per_second and portal.burst must be >= 0")
	}
	if c.Queue.BaselineDays < 0 {
		return fmt.Errorf("queue.baseline_days must be >= 0")
	}
	if c.Queue.EnqueueEvery < 0 {
		return fmt.Errorf("queue.enqueue_every must be >= 0")
	}
	if c.News.BatchSize <= 0 {
		return fmt.Errorf("news.batch_size must be > 0")
	}
	if c.News.Concurrency <= 0 {
		return fmt.Errorf("news.concurrency must be > 0")
	}
	if c.News.TimeoutMultiplier < 0 {
		return fmt.Errorf("news.timeout_multiplier must be >= 0")
	}
	switch c.Archive.Provider {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	return nil
}

// NewsPassTimeout is the wall-clock budget of one fetch cycle: batch size
// times the multiplier, in seconds. Zero disables the budget.
func (c Config) NewsPassTimeout() time.Duration {
	return time.Duration(c.News.BatchSize*c.News.TimeoutMultiplier) * time.Second
}

// QueuePassTimeout is the wall-clock budget of one queue pass.
func (c Config) QueuePassTimeout() time.Duration {
	return seconds(c.Queue.PassTimeoutSeconds)
}

// PortalTimeout is the per-request timeout for portal fetches.
func (c Config) PortalTimeout() time.Duration {
	return seconds(c.Portal.TimeoutSeconds)
}

// Location resolves the portal time zone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Portal.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
