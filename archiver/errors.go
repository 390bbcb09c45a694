package archiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/baldanca/sqs-archiver/sink"
)

// ErrInvalidResult means the processor produced a result that cannot be
// reported back to the queue. The whole batch must be treated as
// unacknowledged.
var ErrInvalidResult = errors.New("invalid archival result")

// EncodingError is a permanent failure to turn a message into an archival
// record. Retrying the same message fails the same way.
type EncodingError struct {
	ID  string
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode message %q: %v", e.ID, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// StorageError is an object store failure for one message.
type StorageError struct {
	ID        string
	Key       string
	Kind      sink.Kind
	Retryable bool
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store message %q at %q (%s): %v", e.ID, e.Key, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TimeoutError means the write did not complete within its time budget. The
// object may still appear later; redelivery re-archives it idempotently.
type TimeoutError struct {
	ID      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("archive message %q: timed out after %s", e.ID, e.Timeout)
	}
	return fmt.Sprintf("archive message %q: deadline exceeded", e.ID)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// PanicError is a recovered panic raised while archiving one message.
type PanicError struct {
	ID    string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("archive message %q: panic: %v", e.ID, e.Value)
}

func newStorageError(id, key string, err error) *StorageError {
	return &StorageError{
		ID:        id,
		Key:       key,
		Kind:      sink.Classify(err),
		Retryable: sink.Retryable(err),
		Err:       err,
	}
}

// IsRetryable reports whether redelivering the message may succeed.
// Encoding failures are permanent; everything else a later attempt can fix.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ee *EncodingError
	if errors.As(err, &ee) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// ErrorKind names the failure class for logs and metrics.
func ErrorKind(err error) string {
	var (
		ee *EncodingError
		se *StorageError
		te *TimeoutError
		pe *PanicError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ee):
		return "encoding"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &se):
		return "storage_" + se.Kind.String()
	case errors.As(err, &pe):
		return "panic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
