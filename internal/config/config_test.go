package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/data", cfg.Storage.DataDir)
	assert.Equal(t, MirrorNone, cfg.Storage.Mirror)
	assert.Equal(t, QueueMemory, cfg.Queue.Backend)
	assert.Equal(t, "redis://redis:6379/0", cfg.Queue.RedisURL)
	assert.Equal(t, 64, cfg.Queue.Depth)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute}, cfg.Retry.Delays())
	assert.Equal(t, 10*time.Second, cfg.HTTP.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout())
	assert.Equal(t, int64(10<<20), cfg.HTTP.MaxHTMLBytes)
	assert.Empty(t, cfg.Policy.VideoAllowlist)
	assert.Equal(t, "url-archiver", cfg.Tracing.ServiceName)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
server:
  port: 9090
logging:
  development: false
  level: debug
storage:
  data_dir: /srv/archive
  mirror: gcs
  gcs_bucket: archive-bucket
  gcs_prefix: mirror
db:
  dsn: postgres://u:p@db/archive
  max_conns: 5
  max_conn_lifetime_seconds: 60
queue:
  backend: redis
  redis_url: redis://localhost:6379/1
  name: archive
worker:
  concurrency: 8
retry:
  delays_seconds: [1, 2]
http:
  user_agent: test-agent
  domain_rps: 2.5
  domain_burst: 3
policy:
  video_allowlist:
    - " Example.COM "
    - ""
    - vimeo.com
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
pubsub:
  project_id: proj
  topic_name: items
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Logging.Development)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "archive-bucket", cfg.Storage.GCSBucket)
	assert.Equal(t, int32(5), cfg.DB.MaxConns)
	assert.Equal(t, time.Minute, cfg.DB.MaxConnLifetime())
	assert.Equal(t, QueueRedis, cfg.Queue.Backend)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, []int{1, 2}, cfg.Retry.DelaysSeconds)
	assert.InDelta(t, 2.5, cfg.HTTP.DomainRPS, 0.001)
	assert.Equal(t, []string{"example.com", "vimeo.com"}, cfg.Policy.VideoAllowlist)
	assert.Equal(t, 30*time.Second, cfg.Headless.NavTimeout())
	assert.Equal(t, "items", cfg.PubSub.TopicName)
}

func TestLoadAllowlistFromEnv(t *testing.T) {
	t.Setenv("ARCHIVER_POLICY_VIDEO_ALLOWLIST", "a.com, ,B.org")
	t.Setenv("ARCHIVER_WORKER_CONCURRENCY", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.com", "b.org"}, cfg.Policy.VideoAllowlist)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"data dir", func(c *Config) { c.Storage.DataDir = " " }, "storage.data_dir"},
		{"mirror", func(c *Config) { c.Storage.Mirror = "s3" }, "storage.mirror"},
		{"gcs bucket", func(c *Config) { c.Storage.Mirror = MirrorGCS }, "storage.gcs_bucket"},
		{"queue backend", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"queue depth", func(c *Config) { c.Queue.Depth = 0 }, "queue.depth"},
		{"concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"negative delay", func(c *Config) { c.Retry.DelaysSeconds = []int{-1} }, "retry.delays_seconds"},
		{"html bytes", func(c *Config) { c.HTTP.MaxHTMLBytes = 0 }, "http.max_html_bytes"},
		{"headless", func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 }, "headless.max_parallel"},
		{"pubsub pair", func(c *Config) { c.PubSub.TopicName = "items" }, "pubsub.project_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Retry.DelaysSeconds = append([]int(nil), base.Retry.DelaysSeconds...)
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestParseInts(t *testing.T) {
	t.Parallel()

	got, err := parseInts("5, 10 20")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10, 20}, got)

	_, err = parseInts("5,x")
	require.Error(t, err)
}
