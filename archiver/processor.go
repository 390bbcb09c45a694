package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/baldanca/sqs-archiver/logging"
	"github.com/baldanca/sqs-archiver/metrics"
	"github.com/baldanca/sqs-archiver/source"
	"github.com/baldanca/sqs-archiver/tracing"
)

// MessageArchiver archives a single message. *Writer implements it.
type MessageArchiver interface {
	Archive(ctx context.Context, msg source.Message) Result
}

type ProcessorConfig struct {
	// Concurrency is the number of messages archived in parallel; 1 is
	// sequential.
	Concurrency int
	// DeadlineMargin is reserved before the context deadline so a response
	// can still be returned.
	DeadlineMargin time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

var DefaultProcessorConfig = ProcessorConfig{
	Concurrency:    4,
	DeadlineMargin: 2 * time.Second,
}

// Processor archives batches, isolating each message's failure from the
// rest of the batch.
type Processor struct {
	archiver MessageArchiver
	cfg      ProcessorConfig
	tracer   trace.Tracer
}

func NewProcessor(a MessageArchiver, cfg ProcessorConfig) *Processor {
	if a == nil {
		panic("archiver is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultProcessorConfig.Concurrency
	}
	if cfg.DeadlineMargin < 0 {
		cfg.DeadlineMargin = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Processor{archiver: a, cfg: cfg, tracer: tracing.Tracer(cfg.TracerProvider)}
}

// Process archives every message of batch and reports the ones that were not
// persisted. A non-nil error means the report could not be built; the caller
// must then treat the whole batch as unacknowledged.
func (p *Processor) Process(ctx context.Context, batch source.Batch) (FailureReport, error) {
	if len(batch) == 0 {
		return FailureReport{}, nil
	}

	ctx, span := p.tracer.Start(ctx, "archiver.process",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(batch))))
	defer span.End()

	ctx, cancel := p.withMargin(ctx)
	defer cancel()

	start := time.Now()
	results := make([]Result, len(batch))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i := range batch {
		msg := batch[i]
		if err := ctx.Err(); err != nil {
			results[i] = notStarted(msg.ID, err)
			continue
		}
		g.Go(func() error {
			results[i] = p.archiveOne(ctx, msg)
			return nil
		})
	}
	_ = g.Wait()

	p.record(results)

	report, err := Aggregate(results)
	if err != nil {
		p.cfg.Logger.Error("cannot build failure report; batch left unacknowledged",
			logging.Count(len(batch)), logging.Err(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "aggregate")
		return FailureReport{}, err
	}

	span.SetAttributes(attribute.Int("archive.failed", report.Len()))
	if !report.Empty() {
		span.SetStatus(codes.Error, "partial failure")
	}

	p.cfg.Logger.Info("batch processed",
		logging.Count(len(batch)),
		slog.Int("failed", report.Len()),
		logging.Duration(time.Since(start)),
	)
	return report, nil
}

func (p *Processor) archiveOne(ctx context.Context, msg source.Message) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				ID:       msg.ID,
				Outcome:  OutcomeFailed,
				Err:      &PanicError{ID: msg.ID, Value: r},
				Duration: time.Since(start),
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return notStarted(msg.ID, err)
	}

	res = p.archiver.Archive(ctx, msg)
	res.ID = msg.ID
	if res.Err != nil {
		res.Outcome = OutcomeFailed
	} else if !res.Outcome.Persisted() {
		res.Err = fmt.Errorf("archive message %q: not persisted", msg.ID)
	}
	return res
}

func (p *Processor) record(results []Result) {
	p.cfg.Metrics.ObserveBatch(len(results))
	for _, r := range results {
		p.cfg.Metrics.ObserveMessage(r.Outcome.String(), r.Duration)
		if r.Outcome.Persisted() {
			p.cfg.Logger.Log(context.Background(), logging.LevelTrace, "message archived",
				logging.MessageID(r.ID),
				logging.Key(r.Record.Key),
				slog.String("outcome", r.Outcome.String()),
			)
			continue
		}
		p.cfg.Logger.Warn("message not archived",
			logging.MessageID(r.ID),
			slog.String("kind", ErrorKind(r.Err)),
			slog.Bool("retryable", IsRetryable(r.Err)),
			logging.Err(r.Err),
		)
	}
}

// withMargin ends ctx DeadlineMargin before its deadline, or halfway through
// the remaining time when less than twice the margin is left.
func (p *Processor) withMargin(ctx context.Context) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok || p.cfg.DeadlineMargin == 0 {
		return context.WithCancel(ctx)
	}
	margin := p.cfg.DeadlineMargin
	if remaining := time.Until(dl); remaining < 2*margin {
		margin = remaining / 2
	}
	return context.WithDeadline(ctx, dl.Add(-margin))
}

func notStarted(id string, err error) Result {
	return Result{
		ID:      id,
		Outcome: OutcomeFailed,
		Err:     fmt.Errorf("archive message %q: not started: %w", id, err),
	}
}
