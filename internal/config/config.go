// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Polling  PollingConfig  `mapstructure:"polling"`
	Pool     PoolConfig     `mapstructure:"pool"`
	History  HistoryConfig  `mapstructure:"history"`
	State    StateConfig    `mapstructure:"state"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Health   HealthConfig   `mapstructure:"health"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// UpstreamConfig points the client at the xAI API.
type UpstreamConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// APIKey is sent when a call carries no pool credential.
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AllowAnonymous bool          `mapstructure:"allow_anonymous"`
	UserAgent      string        `mapstructure:"user_agent"`
	RPS            float64       `mapstructure:"rps"`
}

// PollingConfig paces the status loop.
type PollingConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// PoolConfig bounds the credential pool.
type PoolConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// HistoryConfig bounds the job registry.
type HistoryConfig struct {
	Capacity  int `mapstructure:"capacity"`
	MaxImages int `mapstructure:"max_images"`
}

// StateConfig selects where pool and job snapshots live.
type StateConfig struct {
	Backend  string              `mapstructure:"backend"`
	Local    LocalStateConfig    `mapstructure:"local"`
	Postgres PostgresStateConfig `mapstructure:"postgres"`
	Redis    RedisStateConfig    `mapstructure:"redis"`
	GCS      GCSStateConfig      `mapstructure:"gcs"`
}

// LocalStateConfig stores snapshots as files.
type LocalStateConfig struct {
	Dir string `mapstructure:"dir"`
}

// PostgresStateConfig stores snapshots in a jsonb table.
type PostgresStateConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisStateConfig stores snapshots as Redis strings.
type RedisStateConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// GCSStateConfig stores snapshots as objects under Prefix in Bucket.
type GCSStateConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ArchiveConfig governs copying finished media into blob storage.
type ArchiveConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Workers    int                `mapstructure:"workers"`
	QueueDepth int                `mapstructure:"queue_depth"`
	Prefix     string             `mapstructure:"prefix"`
	Retries    int                `mapstructure:"retries"`
	Backoff    time.Duration      `mapstructure:"backoff"`
	Backend    string             `mapstructure:"backend"`
	Local      LocalArchiveConfig `mapstructure:"local"`
	GCS        GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig writes blobs below BaseDir.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConfig writes blobs to a bucket.
type GCSArchiveConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// PubSubConfig holds metadata for archive notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HealthConfig paces credential probes.
type HealthConfig struct {
	Workers int           `mapstructure:"workers"`
	Gap     time.Duration `mapstructure:"gap"`
	// Schedule is a cron spec; empty disables periodic checks.
	Schedule string        `mapstructure:"schedule"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ProgressConfig controls the lifecycle event hub.
type ProgressConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	LogEnabled bool `mapstructure:"log_enabled"`
	// StoreEvents persists transitions; requires the postgres state backend.
	StoreEvents   bool                `mapstructure:"store_events"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool              `mapstructure:"development"`
	File        LoggingFileConfig `mapstructure:"file"`
}

// LoggingFileConfig enables a rotating JSON log file when Path is set.
type LoggingFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IMAGINE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("upstream.base_url", "https://api.x.ai")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", time.Duration(0))
	v.SetDefault("upstream.allow_anonymous", false)
	v.SetDefault("upstream.user_agent", "imagine-orchestrator/0.1")
	v.SetDefault("upstream.rps", 0.0)
	v.SetDefault("polling.interval", 2*time.Second)
	v.SetDefault("pool.capacity", 20)
	v.SetDefault("history.capacity", 25)
	v.SetDefault("history.max_images", 6)
	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.local.dir", ".imagine")
	v.SetDefault("state.postgres.dsn", "")
	v.SetDefault("state.postgres.table", "imagine_state")
	v.SetDefault("state.postgres.max_conns", 4)
	v.SetDefault("state.postgres.min_conns", 0)
	v.SetDefault("state.postgres.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("state.redis.addr", "")
	v.SetDefault("state.redis.password", "")
	v.SetDefault("state.redis.db", 0)
	v.SetDefault("state.redis.prefix", "imagine")
	v.SetDefault("state.gcs.bucket", "")
	v.SetDefault("state.gcs.prefix", "state")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.workers", 2)
	v.SetDefault("archive.queue_depth", 32)
	v.SetDefault("archive.prefix", "media")
	v.SetDefault("archive.retries", 2)
	v.SetDefault("archive.backoff", 500*time.Millisecond)
	v.SetDefault("archive.backend", "memory")
	v.SetDefault("archive.local.base_dir", ".imagine/media")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.cache_control", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("health.workers", 1)
	v.SetDefault("health.gap", 150*time.Millisecond)
	v.SetDefault("health.schedule", "")
	v.SetDefault("health.timeout", 2*time.Minute)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.store_events", false)
	v.SetDefault("progress.batch.max_events", 50)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 14)
	v.SetDefault("logging.file.compress", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be > 0")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be > 0")
	}
	if c.History.MaxImages <= 0 {
		return fmt.Errorf("history.max_images must be > 0")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url must be set")
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.State.validate(); err != nil {
		return err
	}
	if c.Archive.Enabled {
		if err := c.Archive.validate(); err != nil {
			return err
		}
	}
	if c.Health.Workers <= 0 {
		return fmt.Errorf("health.workers must be > 0")
	}
	if c.Progress.StoreEvents && c.State.Backend != "postgres" {
		return fmt.Errorf("progress.store_events requires state.backend postgres")
	}
	return nil
}

func (s StateConfig) validate() error {
	switch s.Backend {
	case "", "memory":
	case "local":
		if s.Local.Dir == "" {
			return fmt.Errorf("state.local.dir must be set for the local backend")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("state.postgres.dsn must be set for the postgres backend")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("state.redis.addr must be set for the redis backend")
		}
	case "gcs":
		if s.GCS.Bucket == "" {
			return fmt.Errorf("state.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("state.backend %q is not one of memory, local, postgres, redis, gcs", s.Backend)
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	if a.Workers <= 0 {
		return fmt.Errorf("archive.workers must be > 0")
	}
	if a.QueueDepth <= 0 {
		return fmt.Errorf("archive.queue_depth must be > 0")
	}
	switch a.Backend {
	case "", "memory":
	case "local":
		if a.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if a.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of memory, local, gcs", a.Backend)
	}
	return nil
}

// Address is the listen address for the HTTP server.
func (c Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
