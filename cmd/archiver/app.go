package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/baldanca/sqs-archiver/archiver"
	"github.com/baldanca/sqs-archiver/batcher"
	"github.com/baldanca/sqs-archiver/config"
	"github.com/baldanca/sqs-archiver/consumer"
	"github.com/baldanca/sqs-archiver/encoder"
	"github.com/baldanca/sqs-archiver/handler"
	"github.com/baldanca/sqs-archiver/logging"
	"github.com/baldanca/sqs-archiver/metrics"
	"github.com/baldanca/sqs-archiver/sink"
	"github.com/baldanca/sqs-archiver/source"
	"github.com/baldanca/sqs-archiver/tracing"
)

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	awsCfg  aws.Config
	proc    *archiver.Processor
	traces  *tracing.Provider
	dryRun  bool
}

func newApp(ctx context.Context, configPath, logLevel string, dryRun bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appVersion := cfg.App.Version
	if appVersion == "dev" {
		appVersion = version
	}
	format := cfg.Logging.Format
	if format == "" {
		format = logging.DefaultFormat(cfg.App.Env)
	}
	logger := logging.ForService(
		logging.New(os.Stdout, logging.ParseLevel(cfg.Logging.Level), format),
		cfg.App.Name, appVersion,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	// stdout carries the logs
	traces, err := tracing.Setup(ctx, tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.App.Name,
		Version:     appVersion,
	}, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	tp := traces.TracerProvider()
	otelaws.AppendMiddlewares(&awsCfg.APIOptions, otelaws.WithTracerProvider(tp))

	a := &app{cfg: cfg, logger: logger, reg: reg, metrics: m, awsCfg: awsCfg, traces: traces, dryRun: dryRun}

	var store sink.Sinkr
	if dryRun {
		logger.Warn("dry run: archiving into memory, nothing is deleted from the queue")
		store = sink.NewMemory()
	} else {
		if err := cfg.RequireBucket(); err != nil {
			return nil, err
		}
		store = sink.New(a.s3Client(), cfg.Bucket.Name, cfg.Bucket.Prefix)
	}

	enc, err := encoder.New(encoder.Config{
		Format:          cfg.Archive.Format,
		Compression:     cfg.Archive.Compression,
		MaxPayloadBytes: cfg.Archive.MaxPayloadBytes,
	})
	if err != nil {
		return nil, err
	}

	w := archiver.NewWriter(store, enc, archiver.WriterConfig{
		KeyFunc:      archiver.DefaultKeyFunc(enc.FileExtension(), cfg.Archive.PartitionByTime),
		WriteTimeout: cfg.Archive.WriteTimeout,
		Retry: archiver.SimpleRetry{
			Attempts:  cfg.Archive.RetryAttempts,
			BaseDelay: cfg.Archive.RetryBaseDelay,
			MaxDelay:  cfg.Archive.RetryMaxDelay,
			Jitter:    true,
			Retryable: sink.Retryable,
			OnRetry:   func(int, error) { m.IncRetry() },
		},
		Logger:         logger,
		Metrics:        m,
		TracerProvider: tp,
	})
	a.proc = archiver.NewProcessor(w, archiver.ProcessorConfig{
		Concurrency:    cfg.Processor.Concurrency,
		DeadlineMargin: cfg.Processor.DeadlineMargin,
		Logger:         logger,
		Metrics:        m,
		TracerProvider: tp,
	})

	logger.Info("archiver configured",
		slog.String("env", cfg.App.Env),
		slog.String("bucket", cfg.Bucket.Name),
		slog.String("prefix", cfg.Bucket.Prefix),
		slog.String("format", cfg.Archive.Format),
		slog.String("compression", cfg.Archive.Compression),
		slog.Int("concurrency", cfg.Processor.Concurrency),
		slog.String("trace_exporter", cfg.Tracing.Exporter),
	)
	return a, nil
}

func (a *app) s3Client() *s3.Client {
	return s3.NewFromConfig(a.awsCfg, func(o *s3.Options) {
		if a.cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.AWS.Endpoint)
			o.UsePathStyle = true
		}
	})
}

func (a *app) sqsClient() *sqs.Client {
	return sqs.NewFromConfig(a.awsCfg, func(o *sqs.Options) {
		if a.cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(a.cfg.AWS.Endpoint)
		}
	})
}

func (a *app) runLambda() error {
	h := handler.New(a.proc, a.logger,
		handler.WithTracerProvider(a.traces.TracerProvider()),
		handler.WithFlush(a.traces.ForceFlush),
	)
	lambda.Start(h.Handle)
	return nil
}

// close exports the spans still buffered.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.traces.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown tracing failed", logging.Err(err))
	}
}

func (a *app) runPoll(ctx context.Context) error {
	if err := a.cfg.RequireQueue(); err != nil {
		return err
	}

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	q := a.cfg.Queue
	src := source.NewWithConfig(ctx, a.sqsClient(), q.URL, source.SourceSQSConfig{
		WaitTimeSeconds:              q.WaitTimeSeconds,
		MaxMessages:                  q.MaxMessages,
		VisibilityTO:                 q.VisibilityTimeout,
		Pollers:                      q.Pollers,
		BufSize:                      a.cfg.SourceBufferSize(),
		FailVisibilityTimeoutSeconds: a.cfg.FailVisibility(),
		OnReceiveError: func(err error) {
			a.logger.Warn("receive failed", logging.Err(err))
		},
	})
	defer src.Close()

	c, err := consumer.New(src, a.proc, consumer.Config{
		Batcher: batcher.BatcherConfig{
			MaxItems: a.cfg.Batch.MaxItems,
			MaxBytes: a.cfg.Batch.MaxBytes,
			Window:   a.cfg.Batch.Window,
			Prealloc: true,
		},
		LeaseVisibilityTimeoutSec: q.LeaseVisibilityTimeout,
		LeaseRenewEvery:           q.LeaseRenewEvery,
		ShutdownGrace:             q.ShutdownGrace,
		DryRun:                    a.dryRun,
		Logger:                    a.logger,
		Metrics:                   a.metrics,
		TracerProvider:            a.traces.TracerProvider(),
	})
	if err != nil {
		return err
	}

	a.logger.Info("polling", slog.String("queue_url", q.URL), slog.Int("pollers", q.Pollers))
	err = c.Run(ctx)
	a.logger.Info("stopped")
	return err
}

func (a *app) serveMetrics() (stop func()) {
	addr := a.cfg.Metrics.Addr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", logging.Err(err))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
