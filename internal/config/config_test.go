package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store.Driver)
	}
	if cfg.News.BatchSize != 100 || cfg.News.TimeoutMultiplier != 2 {
		t.Fatalf("unexpected news defaults: %+v", cfg.News)
	}
	if got := cfg.NewsPassTimeout(); got != 200*time.Second {
		t.Fatalf("expected news pass timeout 200s, got %v", got)
	}
	if cfg.Queue.BaselineDays != 1 || cfg.Queue.JumpPage != 999 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Location().String() != "Asia/Seoul" {
		t.Fatalf("expected Asia/Seoul, got %s", cfg.Location())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
logging:
  development: false
  level: warn
store:
  driver: postgres
db:
  dsn: postgres://crawler@localhost/news
  schema: crawl
  max_conns: 8
portal:
  user_agent: test-agent
  timeout_seconds: 30
queue:
  baseline_days: 2
  pass_timeout_seconds: 120
news:
  batch_size: 50
  concurrency: 2
  timeout_multiplier: 3
archive:
  provider: gcs
  bucket: raw-pages
pubsub:
  project_id: proj
  topic_name: news-committed
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Driver != StorePostgres || cfg.DB.Schema != "crawl" || cfg.DB.MaxConns != 8 {
		t.Fatalf("expected store overrides to apply: %+v %+v", cfg.Store, cfg.DB)
	}
	if cfg.Portal.UserAgent != "test-agent" || cfg.PortalTimeout() != 30*time.Second {
		t.Fatalf("expected portal overrides to apply: %+v", cfg.Portal)
	}
	if got := cfg.NewsPassTimeout(); got != 150*time.Second {
		t.Fatalf("expected news pass timeout 150s, got %v", got)
	}
	if got := cfg.QueuePassTimeout(); got != 2*time.Minute {
		t.Fatalf("expected queue pass timeout 2m, got %v", got)
	}
	if cfg.Archive.Provider != ArchiveGCS || cfg.Archive.Prefix != "news" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NEWSCRAWLER_NEWS_BATCH_SIZE", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.News.BatchSize != 7 {
		t.Fatalf("expected batch size 7 from env, got %d", cfg.News.BatchSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Store:  StoreConfig{Driver: StoreMemory},
		Portal: PortalConfig{UserAgent: "ua", TimeoutSeconds: 10, TimeZone: "UTC"},
		News:   NewsConfig{BatchSize: 10, Concurrency: 1},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name string
		cfg  func(c Config) Config
		want string
	}{
		{
			name: "unknown store",
			cfg:  func(c Config) Config { c.Store.Driver = "sqlite"; return c },
			want: "store.driver",
		},
		{
			name: "postgres without dsn",
			cfg:  func(c Config) Config { c.Store.Driver = StorePostgres; return c },
			want: "db.dsn",
		},
		{
			name: "empty user agent",
			cfg:  func(c Config) Config { c.Portal.UserAgent = ""; return c },
			want: "portal.user_agent",
		},
		{
			name: "bad time zone",
			cfg:  func(c Config) Config { c.Portal.TimeZone = "Mars/Olympus"; return c },
			want: "portal.time_zone",
		},
		{
			name: "negative request rate",
			cfg:  func(c Config) Config { c.Portal.RequestsPerSecond = -1; return c },
			want: "portal.requests_per_second",
		},
		{
			name: "negative baseline",
			cfg:  func(c Config) Config { c.Queue.BaselineDays = -1; return c },
			want: "queue.baseline_days",
		},
		{
			name: "zero batch size",
			cfg:  func(c Config) Config { c.News.BatchSize = 0; return c },
			want: "news.batch_size",
		},
		{
			name: "zero concurrency",
			cfg:  func(c Config) Config { c.News.Concurrency = 0; return c },
			want: "news.concurrency",
		},
		{
			name: "gcs archive without bucket",
			cfg:  func(c Config) Config { c.Archive.Provider = ArchiveGCS; return c },
			want: "archive.bucket",
		},
		{
			name: "unknown archive",
			cfg:  func(c Config) Config { c.Archive.Provider = "s3"; return c },
			want: "archive.provider",
		},
		{
			name: "topic without project",
			cfg:  func(c Config) Config { c.PubSub.TopicName = "t"; return c },
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg(base).Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
