package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/baldanca/sqs-archiver/archiver"
	"github.com/baldanca/sqs-archiver/logging"
	"github.com/baldanca/sqs-archiver/source"
	"github.com/baldanca/sqs-archiver/tracing"
)

const flushTimeout = time.Second

// BatchProcessor is implemented by *archiver.Processor.
type BatchProcessor interface {
	Process(ctx context.Context, batch source.Batch) (archiver.FailureReport, error)
}

// Handler serves SQS events delivered to a Lambda function. It requires
// ReportBatchItemFailures on the event source mapping: only the messages
// listed in the response are redelivered.
type Handler struct {
	proc   BatchProcessor
	logger *slog.Logger
	tp     trace.TracerProvider
	flush  func(context.Context) error
	tracer trace.Tracer
}

type Option func(*Handler)

// WithTracerProvider sets the provider of the invocation span. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) { h.tp = tp }
}

// WithFlush runs fn after every invocation, e.g. to export spans before the
// runtime freezes the process.
func WithFlush(fn func(context.Context) error) Option {
	return func(h *Handler) { h.flush = fn }
}

func New(proc BatchProcessor, logger *slog.Logger, opts ...Option) *Handler {
	if proc == nil {
		panic("processor is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	h := &Handler{proc: proc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	h.tracer = tracing.Tracer(h.tp)
	return h
}

// Handle archives the event's records. A returned error fails the whole
// invocation and every record is redelivered.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	ctx, span := h.tracer.Start(tracing.FromLambdaEnv(ctx), "handler.sqs",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "aws_sqs"),
			attribute.Int("messaging.batch.message_count", len(ev.Records)),
		),
	)
	defer h.finish(ctx, span)

	log := h.logger
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		log = log.With(slog.String("request_id", lc.AwsRequestID))
		span.SetAttributes(attribute.String("faas.invocation_id", lc.AwsRequestID))
	}

	batch := source.FromSQSEvent(ev)
	report, err := h.proc.Process(ctx, batch)
	if err != nil {
		log.Error("batch aborted", logging.Count(len(batch)), logging.Err(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch aborted")
		return events.SQSEventResponse{}, fmt.Errorf("process batch: %w", err)
	}
	span.SetAttributes(attribute.Int("archive.failed", report.Len()))

	resp := events.SQSEventResponse{
		BatchItemFailures: make([]events.SQSBatchItemFailure, 0, report.Len()),
	}
	for _, id := range report.IDs() {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}

	if report.Empty() {
		log.Debug("batch archived", logging.Count(len(batch)))
	} else {
		log.Warn("batch partially archived",
			logging.Count(len(batch)),
			slog.Int("failed", report.Len()),
		)
	}
	return resp, nil
}

func (h *Handler) finish(ctx context.Context, span trace.Span) {
	span.End()
	if h.flush == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := h.flush(fctx); err != nil {
		h.logger.Warn("flush traces failed", logging.Err(err))
	}
}
