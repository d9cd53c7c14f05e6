// Package config loads and validates taskboard configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig points at the remote crawler service.
type CrawlerConfig struct {
	BaseURL        string       `mapstructure:"base_url"`
	TimeoutSeconds int          `mapstructure:"timeout_seconds"`
	AuthToken      string       `mapstructure:"auth_token"`
	Paths          CrawlerPaths `mapstructure:"paths"`
}

// CrawlerPaths overrides the crawler service endpoints.
type CrawlerPaths struct {
	Add      string `mapstructure:"add"`
	Start    string `mapstructure:"start"`
	Stop     string `mapstructure:"stop"`
	Progress string `mapstructure:"progress"`
}

// ReconcilerConfig sets the PROGRESS poll period.
type ReconcilerConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// BatchConfig controls the batch runner's wait loop.
type BatchConfig struct {
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	WaitTimeoutSeconds int `mapstructure:"wait_timeout_seconds"`
}

// TasksConfig bounds the task board.
type TasksConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// PersistenceConfig selects and configures the snapshot slot backend.
type PersistenceConfig struct {
	Backend       string         `mapstructure:"backend"`
	Key           string         `mapstructure:"key"`
	SaveTimeoutMs int            `mapstructure:"save_timeout_ms"`
	Local         LocalConfig    `mapstructure:"local"`
	Redis         RedisConfig    `mapstructure:"redis"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	GCS           GCSConfig      `mapstructure:"gcs"`
}

// LocalConfig configures the filesystem slot.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// RedisConfig configures the Redis slot.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// PostgresConfig configures the Postgres slot.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// GCSConfig configures the Cloud Storage slot.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ProgressConfig controls the progress event hub and its sinks.
type ProgressConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	LogEnabled        bool          `mapstructure:"log_enabled"`
	PrometheusEnabled bool          `mapstructure:"prometheus_enabled"`
	BufferSize        int           `mapstructure:"buffer_size"`
	Batch             ProgressBatch `mapstructure:"batch"`
	SinkTimeoutMs     int           `mapstructure:"sink_timeout_ms"`
	Kafka             KafkaConfig   `mapstructure:"kafka"`
	PubSub            PubSubConfig  `mapstructure:"pubsub"`
}

// ProgressBatch sets hub flush thresholds.
type ProgressBatch struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// KafkaConfig enables the Kafka sink when brokers and a topic are set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PubSubConfig enables the Pub/Sub sink when a project and topic are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Supported persistence backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKBOARD")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_grace_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.base_url", "http://localhost:8081")
	v.SetDefault("crawler.timeout_seconds", 10)
	v.SetDefault("crawler.auth_token", "")
	v.SetDefault("crawler.paths.add", "/api/urls")
	v.SetDefault("crawler.paths.start", "/api/crawl")
	v.SetDefault("crawler.paths.stop", "/api/stop")
	v.SetDefault("crawler.paths.progress", "/api/progress")
	v.SetDefault("reconciler.interval_ms", 3000)
	v.SetDefault("batch.poll_interval_ms", 2000)
	v.SetDefault("batch.wait_timeout_seconds", 0)
	v.SetDefault("tasks.capacity", 10)
	v.SetDefault("persistence.backend", BackendMemory)
	v.SetDefault("persistence.key", "urls")
	v.SetDefault("persistence.save_timeout_ms", 3000)
	v.SetDefault("persistence.local.base_dir", "data")
	v.SetDefault("persistence.redis.addr", "")
	v.SetDefault("persistence.redis.password", "")
	v.SetDefault("persistence.redis.db", 0)
	v.SetDefault("persistence.redis.prefix", "taskboard:")
	v.SetDefault("persistence.redis.ttl_seconds", 0)
	v.SetDefault("persistence.postgres.dsn", "")
	v.SetDefault("persistence.postgres.table", "task_snapshots")
	v.SetDefault("persistence.postgres.max_conns", 4)
	v.SetDefault("persistence.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("persistence.gcs.bucket", "")
	v.SetDefault("persistence.gcs.prefix", "taskboard")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.prometheus_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.kafka.brokers", []string{})
	v.SetDefault("progress.kafka.topic", "")
	v.SetDefault("progress.pubsub.project_id", "")
	v.SetDefault("progress.pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Crawler.BaseURL) == "" {
		return fmt.Errorf("crawler.base_url is required")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Reconciler.IntervalMs <= 0 {
		return fmt.Errorf("reconciler.interval_ms must be > 0")
	}
	if c.Batch.PollIntervalMs <= 0 {
		return fmt.Errorf("batch.poll_interval_ms must be > 0")
	}
	if c.Batch.WaitTimeoutSeconds < 0 {
		return fmt.Errorf("batch.wait_timeout_seconds must be >= 0")
	}
	if c.Tasks.Capacity <= 0 {
		return fmt.Errorf("tasks.capacity must be > 0")
	}
	if err := c.Persistence.validate(); err != nil {
		return err
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	if c.Progress.Kafka.Topic != "" && len(c.Progress.Kafka.Brokers) == 0 {
		return fmt.Errorf("progress.kafka.brokers must be set when progress.kafka.topic is set")
	}
	if (c.Progress.PubSub.ProjectID == "") != (c.Progress.PubSub.TopicName == "") {
		return fmt.Errorf("progress.pubsub.project_id and progress.pubsub.topic_name must be set together")
	}
	return nil
}

func (p PersistenceConfig) validate() error {
	if p.Key == "" {
		return fmt.Errorf("persistence.key is required")
	}
	switch p.Backend {
	case BackendMemory:
	case BackendLocal:
		if p.Local.BaseDir == "" {
			return fmt.Errorf("persistence.local.base_dir is required for the local backend")
		}
	case BackendRedis:
		if p.Redis.Addr == "" {
			return fmt.Errorf("persistence.redis.addr is required for the redis backend")
		}
	case BackendPostgres:
		if p.Postgres.DSN == "" {
			return fmt.Errorf("persistence.postgres.dsn is required for the postgres backend")
		}
	case BackendGCS:
		if p.GCS.Bucket == "" {
			return fmt.Errorf("persistence.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("persistence.backend %q is not supported", p.Backend)
	}
	return nil
}

// ReconcileInterval returns the PROGRESS poll period.
func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalMs) * time.Millisecond
}

// PollInterval returns the batch runner's board check period.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Batch.PollIntervalMs) * time.Millisecond
}

// WaitTimeout returns the per-task wait limit; zero means unbounded.
func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.Batch.WaitTimeoutSeconds) * time.Second
}

// CrawlerTimeout returns the per-request timeout for the crawler client.
func (c Config) CrawlerTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the API handler timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
