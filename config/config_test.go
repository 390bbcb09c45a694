package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "dev", cfg.App.Env)
	assert.Equal(t, "sqs-archiver", cfg.App.Name)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int32(10), cfg.Queue.MaxMessages)
	assert.Equal(t, int32(20), cfg.Queue.WaitTimeSeconds)
	assert.Nil(t, cfg.FailVisibility())
	assert.Equal(t, "envelope", cfg.Archive.Format)
	assert.True(t, cfg.Archive.PartitionByTime)
	assert.Equal(t, 10*time.Second, cfg.Archive.WriteTimeout)
	assert.Equal(t, 4, cfg.Processor.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Processor.DeadlineMargin)
	assert.Equal(t, 10, cfg.Batch.MaxItems)
	assert.Equal(t, 5*time.Second, cfg.Batch.Window)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)

	assert.Error(t, cfg.RequireQueue())
	assert.Error(t, cfg.RequireBucket())
}

func TestLoad_DeploymentVariables(t *testing.T) {
	chdirTemp(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("APP_NAME", "archive-fn")
	t.Setenv("APP_VERSION", "1.4.0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("QUEUE_ARCHIVE_URL", "https://sqs.us-east-1.amazonaws.com/1/archive")
	t.Setenv("BUCKET_ARCHIVE_NAME", "archive-bucket")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Env)
	assert.Equal(t, "archive-fn", cfg.App.Name)
	assert.Equal(t, "1.4.0", cfg.App.Version)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/1/archive", cfg.Queue.URL)
	assert.Equal(t, "archive-bucket", cfg.Bucket.Name)
	assert.NoError(t, cfg.RequireQueue())
	assert.NoError(t, cfg.RequireBucket())
}

func TestLoad_PrefixedEnvWins(t *testing.T) {
	chdirTemp(t)
	t.Setenv("BUCKET_ARCHIVE_NAME", "legacy")
	t.Setenv("ARCHIVER_BUCKET_NAME", "preferred")
	t.Setenv("ARCHIVER_PROCESSOR_CONCURRENCY", "16")
	t.Setenv("ARCHIVER_BATCH_WINDOW", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "preferred", cfg.Bucket.Name)
	assert.Equal(t, 16, cfg.Processor.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.Window)
}

func TestLoad_File(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "archiver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bucket:
  name: from-file
  prefix: raw/events
archive:
  format: parquet
  compression: snappy
queue:
  fail_visibility_timeout: 5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "from-file", cfg.Bucket.Name)
	assert.Equal(t, "raw/events", cfg.Bucket.Prefix)
	assert.Equal(t, "parquet", cfg.Archive.Format)
	require.NotNil(t, cfg.FailVisibility())
	assert.Equal(t, int32(5), *cfg.FailVisibility())
}

func TestLoad_DefaultFileLocation(t *testing.T) {
	chdirTemp(t)
	require.NoError(t, os.WriteFile("archiver.yaml", []byte("bucket:\n  name: local\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Bucket.Name)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"max messages too high", func(c *Config) { c.Queue.MaxMessages = 11 }},
		{"max messages zero", func(c *Config) { c.Queue.MaxMessages = 0 }},
		{"wait time too long", func(c *Config) { c.Queue.WaitTimeSeconds = 21 }},
		{"no pollers", func(c *Config) { c.Queue.Pollers = 0 }},
		{"unknown format", func(c *Config) { c.Archive.Format = "avro" }},
		{"snappy outside parquet", func(c *Config) { c.Archive.Compression = "snappy" }},
		{"unknown compression", func(c *Config) { c.Archive.Compression = "lz4" }},
		{"zero concurrency", func(c *Config) { c.Processor.Concurrency = 0 }},
		{"zero write timeout", func(c *Config) { c.Archive.WriteTimeout = 0 }},
		{"zero window", func(c *Config) { c.Batch.Window = 0 }},
		{"zero retry attempts", func(c *Config) { c.Archive.RetryAttempts = 0 }},
		{"negative buffer", func(c *Config) { c.Queue.BufferSize = -1 }},
		{"unknown trace exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }},
		{"visibility shorter than window and write", func(c *Config) {
			c.Queue.VisibilityTimeout = 10
			c.Batch.Window = 5 * time.Second
			c.Archive.WriteTimeout = 5 * time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidate_LeaseLiftsVisibilityBound(t *testing.T) {
	chdirTemp(t)
	c, err := Load("")
	require.NoError(t, err)

	c.Queue.VisibilityTimeout = 10
	c.Queue.LeaseVisibilityTimeout = 30
	assert.NoError(t, c.Validate())

	c.Queue.LeaseVisibilityTimeout = 0
	c.Queue.VisibilityTimeout = 0
	assert.NoError(t, c.Validate(), "0 keeps the queue's own visibility timeout")
}

func TestSourceBufferSize(t *testing.T) {
	chdirTemp(t)
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, c.SourceBufferSize())

	c.Queue.Pollers = 3
	c.Batch.MaxItems = 4
	assert.Equal(t, 12, c.SourceBufferSize())

	c.Queue.BufferSize = 7
	assert.Equal(t, 7, c.SourceBufferSize())
}

func TestLoad_TracingFromEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ARCHIVER_TRACING_EXPORTER", "otlp")
	t.Setenv("ARCHIVER_TRACING_ENDPOINT", "http://collector:4318/v1/traces")
	t.Setenv("ARCHIVER_TRACING_SAMPLE_RATIO", "0.25")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "http://collector:4318/v1/traces", cfg.Tracing.Endpoint)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
}
