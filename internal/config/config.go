// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/url-archiver/internal/retry"
)

// Mirror backends.
const (
	MirrorNone   = "none"
	MirrorMemory = "memory"
	MirrorGCS    = "gcs"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Headless HeadlessConfig `mapstructure:"headless"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig locates the data root and the optional mirror.
type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	Mirror    string `mapstructure:"mirror"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory catalog.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// MaxConnLifetime converts the configured seconds.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSeconds) * time.Second
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	Name     string `mapstructure:"name"`
	Depth    int    `mapstructure:"depth"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RetryConfig holds the whole-item retry schedule.
type RetryConfig struct {
	DelaysSeconds []int `mapstructure:"delays_seconds"`
}

// Delays converts the schedule to durations.
func (c RetryConfig) Delays() []time.Duration {
	return retry.FromSeconds(c.DelaysSeconds)
}

// HTTPConfig configures outbound fetches.
type HTTPConfig struct {
	UserAgent             string  `mapstructure:"user_agent"`
	ConnectTimeoutSeconds int     `mapstructure:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int     `mapstructure:"read_timeout_seconds"`
	MaxHTMLBytes          int64   `mapstructure:"max_html_bytes"`
	DomainRPS             float64 `mapstructure:"domain_rps"`
	DomainBurst           int     `mapstructure:"domain_burst"`
}

// ConnectTimeout converts the configured seconds.
func (c HTTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ReadTimeout converts the configured seconds.
func (c HTTPConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// PolicyConfig holds the video download policy.
type PolicyConfig struct {
	// VideoAllowlist is filled from either a comma separated string or a list.
	VideoAllowlist []string `mapstructure:"-"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxParallel     int  `mapstructure:"max_parallel"`
	NavTimeoutSec   int  `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int  `mapstructure:"promotion_threshold"`
}

// NavTimeout converts the configured seconds.
func (c HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// PubSubConfig holds metadata for item event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig names the service in exported spans.
type TracingConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	cfg.Policy.VideoAllowlist = parseList(v.Get("policy.video_allowlist"))
	if raw, ok := v.Get("retry.delays_seconds").(string); ok {
		delays, err := parseInts(raw)
		if err != nil {
			return Config{}, fmt.Errorf("retry.delays_seconds: %w", err)
		}
		cfg.Retry.DelaysSeconds = delays
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("storage.data_dir", "/data")
	v.SetDefault("storage.mirror", MirrorNone)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 3600)
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.redis_url", "redis://redis:6379/0")
	v.SetDefault("queue.name", "default")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("retry.delays_seconds", []int{60, 120, 300})
	v.SetDefault("http.user_agent", "Mozilla/5.0 (ArchiveBot/0.1)")
	v.SetDefault("http.connect_timeout_seconds", 10)
	v.SetDefault("http.read_timeout_seconds", 30)
	v.SetDefault("http.max_html_bytes", 10<<20)
	v.SetDefault("http.domain_rps", 0)
	v.SetDefault("http.domain_burst", 1)
	v.SetDefault("policy.video_allowlist", "")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.service_name", "url-archiver")
}

// parseList accepts "a.com, b.com" or a YAML list and returns trimmed,
// lower-cased, non-empty entries.
func parseList(raw any) []string {
	var parts []string
	switch val := raw.(type) {
	case string:
		parts = strings.Split(val, ",")
	case []string:
		parts = val
	case []any:
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInts(raw string) ([]int, error) {
	var out []int
	for _, p := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil {
			return nil, fmt.Errorf("parse %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	switch c.Storage.Mirror {
	case MirrorNone, MirrorMemory:
	case MirrorGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.mirror is gcs")
		}
	default:
		return fmt.Errorf("storage.mirror must be one of none, memory, gcs")
	}
	switch c.Queue.Backend {
	case QueueMemory:
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case QueueRedis:
		if _, err := url.Parse(c.Queue.RedisURL); err != nil || c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url must be a valid url")
		}
		if c.Queue.Name == "" {
			return fmt.Errorf("queue.name is required for the redis backend")
		}
	default:
		return fmt.Errorf("queue.backend must be memory or redis")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	for _, d := range c.Retry.DelaysSeconds {
		if d < 0 {
			return fmt.Errorf("retry.delays_seconds must not be negative")
		}
	}
	if c.HTTP.ConnectTimeoutSeconds <= 0 || c.HTTP.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("http timeouts must be > 0")
	}
	if c.HTTP.MaxHTMLBytes <= 0 {
		return fmt.Errorf("http.max_html_bytes must be > 0")
	}
	if c.HTTP.DomainRPS < 0 {
		return fmt.Errorf("http.domain_rps must be >= 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}
