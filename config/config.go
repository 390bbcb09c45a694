package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Bucket    BucketConfig    `mapstructure:"bucket"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type AppConfig struct {
	Env     string `mapstructure:"env"`
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "text"; empty picks by app.env.
	Format string `mapstructure:"format"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
	// Endpoint overrides the service endpoints, e.g. for LocalStack.
	Endpoint string `mapstructure:"endpoint"`
}

type QueueConfig struct {
	URL               string `mapstructure:"url"`
	WaitTimeSeconds   int32  `mapstructure:"wait_time_seconds"`
	MaxMessages       int32  `mapstructure:"max_messages"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"`
	Pollers           int    `mapstructure:"pollers"`
	// BufferSize bounds prefetched messages. 0 sizes it from batch.max_items
	// and pollers; see SourceBufferSize.
	BufferSize        int    `mapstructure:"buffer_size"`

	// FailVisibilityTimeout < 0 leaves failed messages to the queue's
	// visibility timeout.
	FailVisibilityTimeout  int32         `mapstructure:"fail_visibility_timeout"`
	LeaseVisibilityTimeout int32         `mapstructure:"lease_visibility_timeout"`
	LeaseRenewEvery        time.Duration `mapstructure:"lease_renew_every"`
	ShutdownGrace          time.Duration `mapstructure:"shutdown_grace"`
}

type BucketConfig struct {
	Name   string `mapstructure:"name"`
	Prefix string `mapstructure:"prefix"`
}

type ArchiveConfig struct {
	Format          string        `mapstructure:"format"`
	Compression     string        `mapstructure:"compression"`
	MaxPayloadBytes int           `mapstructure:"max_payload_bytes"`
	PartitionByTime bool          `mapstructure:"partition_by_time"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

type ProcessorConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	DeadlineMargin time.Duration `mapstructure:"deadline_margin"`
}

type BatchConfig struct {
	MaxItems int           `mapstructure:"max_items"`
	MaxBytes int64         `mapstructure:"max_bytes"`
	Window   time.Duration `mapstructure:"window"`
}

type MetricsConfig struct {
	// Addr serves /metrics in poll mode when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	// Exporter is "none", "stdout" or "otlp".
	Exporter string `mapstructure:"exporter"`
	// Endpoint is the OTLP/HTTP traces URL; empty defers to OTEL_EXPORTER_OTLP_*.
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Variables the Lambda deployment has always set, bound next to their
// ARCHIVER_ counterparts.
var legacyEnv = map[string]string{
	"app.env":       "APP_ENV",
	"app.name":      "APP_NAME",
	"app.version":   "APP_VERSION",
	"logging.level": "LOG_LEVEL",
	"queue.url":     "QUEUE_ARCHIVE_URL",
	"bucket.name":   "BUCKET_ARCHIVE_NAME",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.name", "sqs-archiver")
	v.SetDefault("app.version", "dev")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.wait_time_seconds", 20)
	v.SetDefault("queue.max_messages", 10)
	v.SetDefault("queue.visibility_timeout", 30)
	v.SetDefault("queue.pollers", 1)
	v.SetDefault("queue.buffer_size", 0)
	v.SetDefault("queue.fail_visibility_timeout", -1)
	v.SetDefault("queue.lease_visibility_timeout", 0)
	v.SetDefault("queue.lease_renew_every", "20s")
	v.SetDefault("queue.shutdown_grace", "10s")
	v.SetDefault("bucket.name", "")
	v.SetDefault("bucket.prefix", "")
	v.SetDefault("archive.format", "envelope")
	v.SetDefault("archive.compression", "none")
	v.SetDefault("archive.max_payload_bytes", 5*1024*1024)
	v.SetDefault("archive.partition_by_time", true)
	v.SetDefault("archive.write_timeout", "10s")
	v.SetDefault("archive.retry_attempts", 3)
	v.SetDefault("archive.retry_base_delay", "50ms")
	v.SetDefault("archive.retry_max_delay", "1s")
	v.SetDefault("processor.concurrency", 4)
	v.SetDefault("processor.deadline_margin", "2s")
	v.SetDefault("batch.max_items", 10)
	v.SetDefault("batch.max_bytes", 0)
	v.SetDefault("batch.window", "5s")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads defaults, then the optional config file, then the environment.
// An empty configPath looks for archiver.yaml in . and /etc/sqs-archiver.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("archiver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sqs-archiver")
	}

	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "ARCHIVER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is only fine when none was asked for.
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks bounds. Queue URL and bucket are only required by the
// modes that use them; see RequireQueue and RequireBucket.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	q := c.Queue
	check(q.MaxMessages >= 1 && q.MaxMessages <= 10, "queue.max_messages must be between 1 and 10, got %d", q.MaxMessages)
	check(q.WaitTimeSeconds >= 0 && q.WaitTimeSeconds <= 20, "queue.wait_time_seconds must be between 0 and 20, got %d", q.WaitTimeSeconds)
	check(q.VisibilityTimeout >= 0, "queue.visibility_timeout must be non-negative")
	check(q.Pollers >= 1, "queue.pollers must be at least 1")
	check(q.BufferSize >= 0, "queue.buffer_size must be non-negative")
	check(q.LeaseVisibilityTimeout >= 0, "queue.lease_visibility_timeout must be non-negative")
	check(q.ShutdownGrace > 0, "queue.shutdown_grace must be positive")

	a := c.Archive
	check(a.Format == "envelope" || a.Format == "raw" || a.Format == "parquet", "archive.format %q is not one of envelope, raw, parquet", a.Format)
	check(validCompression(a.Format, a.Compression), "archive.compression %q is not supported for format %q", a.Compression, a.Format)
	check(a.MaxPayloadBytes > 0, "archive.max_payload_bytes must be positive")
	check(a.WriteTimeout > 0, "archive.write_timeout must be positive")
	check(a.RetryAttempts >= 1, "archive.retry_attempts must be at least 1")
	check(a.RetryBaseDelay >= 0 && a.RetryMaxDelay >= 0, "archive retry delays must be non-negative")

	check(c.Processor.Concurrency >= 1, "processor.concurrency must be at least 1")
	check(c.Processor.DeadlineMargin >= 0, "processor.deadline_margin must be non-negative")

	check(c.Batch.MaxItems >= 1, "batch.max_items must be at least 1")
	check(c.Batch.MaxBytes >= 0, "batch.max_bytes must be non-negative")
	check(c.Batch.Window > 0, "batch.window must be positive")

	tr := c.Tracing
	check(tr.Exporter == "none" || tr.Exporter == "stdout" || tr.Exporter == "otlp", "tracing.exporter %q is not one of none, stdout, otlp", tr.Exporter)
	check(tr.SampleRatio >= 0 && tr.SampleRatio <= 1, "tracing.sample_ratio must be between 0 and 1, got %v", tr.SampleRatio)

	// Without a lease a message must survive its wait in the batch plus the
	// write, or it is redelivered while being archived and its delete fails.
	if q.VisibilityTimeout > 0 && q.LeaseVisibilityTimeout == 0 {
		visibility := time.Duration(q.VisibilityTimeout) * time.Second
		check(c.Batch.Window+a.WriteTimeout < visibility,
			"queue.visibility_timeout (%s) must exceed batch.window + archive.write_timeout (%s) unless queue.lease_visibility_timeout is set",
			visibility, c.Batch.Window+a.WriteTimeout)
	}

	return errors.Join(errs...)
}

func validCompression(format, compression string) bool {
	switch compression {
	case "", "none", "gzip", "zstd":
		return true
	case "snappy":
		return format == "parquet"
	default:
		return false
	}
}

func (c *Config) RequireQueue() error {
	if strings.TrimSpace(c.Queue.URL) == "" {
		return errors.New("queue.url (QUEUE_ARCHIVE_URL) is required")
	}
	return nil
}

func (c *Config) RequireBucket() error {
	if strings.TrimSpace(c.Bucket.Name) == "" {
		return errors.New("bucket.name (BUCKET_ARCHIVE_NAME) is required")
	}
	return nil
}

// SourceBufferSize is the number of messages the pollers may prefetch. Each
// of them ages toward its visibility timeout while it waits, so by default
// the buffer holds one batch per poller.
func (c *Config) SourceBufferSize() int {
	if c.Queue.BufferSize > 0 {
		return c.Queue.BufferSize
	}
	return max(c.Batch.MaxItems*c.Queue.Pollers, 1)
}

// FailVisibility returns the release delay for failed messages, or nil when
// releasing is disabled.
func (c *Config) FailVisibility() *int32 {
	if c.Queue.FailVisibilityTimeout < 0 {
		return nil
	}
	v := c.Queue.FailVisibilityTimeout
	return &v
}
