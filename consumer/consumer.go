package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/baldanca/sqs-archiver/archiver"
	"github.com/baldanca/sqs-archiver/batcher"
	"github.com/baldanca/sqs-archiver/logging"
	"github.com/baldanca/sqs-archiver/metrics"
	"github.com/baldanca/sqs-archiver/source"
	"github.com/baldanca/sqs-archiver/tracing"
)

// BatchProcessor is implemented by *archiver.Processor.
type BatchProcessor interface {
	Process(ctx context.Context, batch source.Batch) (archiver.FailureReport, error)
}

type Config struct {
	Batcher batcher.BatcherConfig

	// AckRetry wraps the delete of archived messages. Nil means
	// DefaultAckRetry.
	AckRetry archiver.RetryPolicy

	// LeaseVisibilityTimeoutSec, when > 0, keeps extending the visibility of
	// an in-flight batch every LeaseRenewEvery.
	LeaseVisibilityTimeoutSec int32
	LeaseRenewEvery           time.Duration

	// ShutdownGrace bounds processing of the pending batch on stop.
	ShutdownGrace time.Duration

	// DryRun archives batches but settles nothing with the queue: no message
	// is deleted or released, so all of them come back after their
	// visibility timeout.
	DryRun bool

	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	TracerProvider trace.TracerProvider
}

var DefaultAckRetry = archiver.SimpleRetry{
	Attempts:  3,
	BaseDelay: 100 * time.Millisecond,
	MaxDelay:  2 * time.Second,
	Jitter:    true,
}

var DefaultConfig = Config{
	Batcher:         batcher.DefaultBatcherConfig,
	LeaseRenewEvery: 20 * time.Second,
	ShutdownGrace:   10 * time.Second,
}

// Consumer pulls messages from a source, archives them in batches and
// settles each delivery with the queue: archived messages are deleted,
// failed ones released for redelivery.
type Consumer struct {
	src     source.Sourcer
	proc    BatchProcessor
	batcher *batcher.Batcher
	cfg     Config
	tracer  trace.Tracer

	// reused between batches; flush runs on the Run goroutine only
	acks source.AckGroup
}

func New(src source.Sourcer, proc BatchProcessor, cfg Config) (*Consumer, error) {
	if src == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if proc == nil {
		return nil, fmt.Errorf("processor is nil")
	}
	if cfg.LeaseVisibilityTimeoutSec < 0 {
		return nil, fmt.Errorf("lease visibility timeout must be non-negative")
	}

	b, err := batcher.NewBatcher(cfg.Batcher)
	if err != nil {
		return nil, err
	}

	if cfg.AckRetry == nil {
		cfg.AckRetry = DefaultAckRetry
	}
	if cfg.LeaseRenewEvery <= 0 {
		cfg.LeaseRenewEvery = DefaultConfig.LeaseRenewEvery
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig.ShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Consumer{
		src:     src,
		proc:    proc,
		batcher: b,
		cfg:     cfg,
		tracer:  tracing.Tracer(cfg.TracerProvider),
	}, nil
}

// Run consumes until ctx is done or the source is closed, then processes the
// pending batch within ShutdownGrace and returns nil. Other source errors are
// returned as is.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return c.flushRemainingOnStop(ctx)
		}

		recvCtx := ctx
		var cancel context.CancelFunc
		if deadline, ok := c.batcher.Deadline(); ok {
			recvCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msg, err := c.src.Receive(recvCtx)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, source.ErrClosed):
				return c.flushRemainingOnStop(ctx)
			case errors.Is(err, context.DeadlineExceeded):
				// batch window closed
				c.flush(ctx)
				continue
			default:
				return fmt.Errorf("receive: %w", err)
			}
		}

		now := time.Now()
		if c.batcher.Add(now, msg) || c.batcher.ShouldFlushTime(now) {
			c.flush(ctx)
		}
	}
}

func (c *Consumer) flush(ctx context.Context) {
	b := c.batcher.Flush()
	if len(b.Messages) == 0 {
		return
	}

	batchID := uuid.NewString()
	log := c.cfg.Logger.With(logging.BatchID(batchID))

	ctx, span := c.tracer.Start(ctx, "consumer.batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "aws_sqs"),
			attribute.String("archive.batch_id", batchID),
			attribute.Bool("archive.dry_run", c.cfg.DryRun),
		),
	)
	defer span.End()

	stopLease := c.startLease(ctx, b.Acks.Metas(), log)
	report, err := c.proc.Process(ctx, b.Messages)
	stopLease()

	if err != nil {
		// nothing is settled; every message comes back after its visibility
		// timeout
		log.Error("batch aborted", logging.Count(len(b.Messages)), logging.Err(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch aborted")
		return
	}

	if c.cfg.DryRun {
		log.Info("dry run: batch left on queue",
			logging.Count(len(b.Messages)),
			slog.Int("failed", report.Len()),
		)
		return
	}

	c.acks.Clear()
	for _, m := range b.Messages {
		if report.Contains(m.ID) {
			c.release(ctx, m, log)
			continue
		}
		c.acks.Add(m)
	}

	if err := c.cfg.AckRetry.Do(ctx, func(ctx context.Context) error {
		return c.acks.Commit(ctx, c.src)
	}); err != nil {
		// archived but still on the queue: redelivery re-archives idempotently
		c.cfg.Metrics.IncAckError()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		log.Warn("delete archived messages failed", logging.Count(c.acks.Len()), logging.Err(err))
		return
	}

	span.SetAttributes(attribute.Int("archive.deleted", c.acks.Len()))
	log.Debug("batch settled",
		slog.Int("deleted", c.acks.Len()),
		slog.Int("released", report.Len()),
	)
}

func (c *Consumer) release(ctx context.Context, m source.Message, log *slog.Logger) {
	r, ok := c.src.(source.Releaser)
	if !ok {
		return
	}
	meta, ok := m.AckMeta()
	if !ok {
		return
	}
	if err := r.Release(ctx, meta, nil); err != nil {
		log.Warn("release failed", logging.MessageID(m.ID), logging.Err(err))
		return
	}
	c.cfg.Metrics.IncRelease()
}

func (c *Consumer) startLease(parent context.Context, metas []source.AckMetadata, log *slog.Logger) (stop func()) {
	if c.cfg.LeaseVisibilityTimeoutSec <= 0 || len(metas) == 0 {
		return func() {}
	}
	ext, ok := c.src.(source.VisibilityExtender)
	if !ok {
		return func() {}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		t := time.NewTicker(c.cfg.LeaseRenewEvery)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := ext.ExtendVisibilityBatch(ctx, metas, c.cfg.LeaseVisibilityTimeoutSec); err != nil && ctx.Err() == nil {
					// the batch keeps going; at worst some messages are
					// redelivered while still being archived
					log.Warn("extend visibility failed", logging.Count(len(metas)), logging.Err(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) flushRemainingOnStop(ctx context.Context) error {
	// Keep values but ignore cancellation, and don't block forever.
	base := context.WithoutCancel(ctx)
	stopCtx, cancel := context.WithTimeout(base, c.cfg.ShutdownGrace)
	defer cancel()

	if n := c.batcher.Len(); n > 0 {
		c.cfg.Logger.Info("processing pending batch before stop", logging.Count(n))
	}
	c.flush(stopCtx)
	return nil
}
