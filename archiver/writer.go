package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/baldanca/sqs-archiver/encoder"
	"github.com/baldanca/sqs-archiver/logging"
	"github.com/baldanca/sqs-archiver/metrics"
	"github.com/baldanca/sqs-archiver/sink"
	"github.com/baldanca/sqs-archiver/source"
	"github.com/baldanca/sqs-archiver/tracing"
)

const (
	MetaMessageID = "archive-message-id"
	MetaSentAt    = "archive-sent-at"
)

type WriterConfig struct {
	// KeyFunc defaults to DefaultKeyFunc(enc.FileExtension(), true).
	KeyFunc KeyFunc
	// WriteTimeout bounds one message, retries included.
	WriteTimeout time.Duration
	// Retry is applied to retryable storage errors only. Nil means
	// DefaultRetry.
	Retry RetryPolicy

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

var DefaultWriterConfig = WriterConfig{
	WriteTimeout: 10 * time.Second,
}

// Writer persists one message as one object with a single create-only put.
// It is safe for concurrent use.
type Writer struct {
	store  sink.Sinkr
	enc    encoder.Encoder
	ext    string
	cfg    WriterConfig
	tracer trace.Tracer
}

func NewWriter(store sink.Sinkr, enc encoder.Encoder, cfg WriterConfig) *Writer {
	if store == nil {
		panic("sink is required")
	}
	if enc == nil {
		panic("encoder is required")
	}

	ext := enc.FileExtension()
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = DefaultKeyFunc(ext, true)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriterConfig.WriteTimeout
	}
	if cfg.Retry == nil {
		r := DefaultRetry
		r.Retryable = sink.Retryable
		r.OnRetry = func(int, error) { cfg.Metrics.IncRetry() }
		cfg.Retry = r
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	return &Writer{store: store, enc: enc, ext: ext, cfg: cfg, tracer: tracing.Tracer(cfg.TracerProvider)}
}

// Write archives msg and returns the stored record. Errors are
// *EncodingError, *StorageError or *TimeoutError, or wrap the context error
// when ctx was canceled.
func (w *Writer) Write(ctx context.Context, msg source.Message) (ArchivalRecord, error) {
	res := w.Archive(ctx, msg)
	return res.Record, res.Err
}

// Archive is Write reporting the outcome as a Result.
func (w *Writer) Archive(ctx context.Context, msg source.Message) Result {
	ctx, span := w.tracer.Start(ctx, "archiver.write",
		trace.WithAttributes(attribute.String("messaging.message.id", msg.ID)))
	defer span.End()

	start := time.Now()
	rec, outcome, err := w.archive(ctx, msg)

	span.SetAttributes(attribute.String("archive.outcome", outcome.String()))
	if rec.Key != "" {
		span.SetAttributes(attribute.String("archive.key", rec.Key))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
	}

	return Result{
		ID:       msg.ID,
		Outcome:  outcome,
		Record:   rec,
		Err:      err,
		Duration: time.Since(start),
	}
}

func (w *Writer) archive(ctx context.Context, msg source.Message) (ArchivalRecord, Outcome, error) {
	key, err := w.cfg.KeyFunc(msg)
	if err != nil {
		return ArchivalRecord{}, OutcomeFailed, &EncodingError{ID: msg.ID, Err: err}
	}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	payload, err := w.enc.Encode(wctx, msg)
	if err != nil {
		if wctx.Err() != nil {
			return ArchivalRecord{}, OutcomeFailed, w.contextError(ctx, msg.ID, err)
		}
		return ArchivalRecord{}, OutcomeFailed, &EncodingError{ID: msg.ID, Err: err}
	}

	rec := ArchivalRecord{
		Key:             key,
		Payload:         payload.Data,
		ContentType:     payload.ContentType,
		ContentEncoding: payload.ContentEncoding,
		Metadata:        recordMetadata(msg, payload.Metadata),
		Digest:          Digest(msg),
	}

	status, err := w.put(wctx, rec)
	if err == nil {
		if status == sink.StatusIdentical {
			return rec, OutcomeDuplicate, nil
		}
		return rec, OutcomeArchived, nil
	}

	var ce *sink.ConflictError
	if !errors.As(err, &ce) {
		return ArchivalRecord{}, OutcomeFailed, w.putError(ctx, wctx, msg.ID, key, err)
	}

	// Same id, different content: keep the original and store this one
	// next to it.
	w.cfg.Metrics.IncConflict()
	w.cfg.Logger.Warn("message id already archived with different content; storing version",
		logging.MessageID(msg.ID),
		logging.Key(key),
		slog.String("existing_digest", ce.ExistingDigest),
		slog.String("digest", rec.Digest),
	)

	rec.Key = VersionKey(key, w.ext, rec.Digest)
	rec.Versioned = true
	if _, err := w.put(wctx, rec); err != nil {
		return ArchivalRecord{}, OutcomeFailed, w.putError(ctx, wctx, msg.ID, rec.Key, err)
	}
	return rec, OutcomeVersioned, nil
}

func (w *Writer) put(ctx context.Context, rec ArchivalRecord) (sink.Status, error) {
	var status sink.Status
	err := w.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		status, err = w.store.Write(ctx, sink.WriteRequest{
			Key:             rec.Key,
			Data:            rec.Payload,
			ContentType:     rec.ContentType,
			ContentEncoding: rec.ContentEncoding,
			Metadata:        rec.Metadata,
			Digest:          rec.Digest,
		})
		return err
	})
	return status, err
}

func (w *Writer) putError(parent, wctx context.Context, id, key string, err error) error {
	if wctx.Err() != nil {
		return w.contextError(parent, id, err)
	}
	return newStorageError(id, key, err)
}

// contextError maps an expired write context to the error the caller sees.
func (w *Writer) contextError(parent context.Context, id string, cause error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("archive message %q: %w", id, parent.Err())
	case parent.Err() != nil:
		return &TimeoutError{ID: id, Err: cause}
	default:
		return &TimeoutError{ID: id, Timeout: w.cfg.WriteTimeout, Err: cause}
	}
}

func recordMetadata(msg source.Message, extra map[string]string) map[string]string {
	meta := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		meta[k] = v
	}
	meta[MetaMessageID] = url.PathEscape(msg.ID)
	if !msg.SentAt.IsZero() {
		meta[MetaSentAt] = msg.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return meta
}
