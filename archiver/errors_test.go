package archiver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"

	"github.com/baldanca/sqs-archiver/sink"
)

func TestIsRetryable(t *testing.T) {
	throttled := newStorageError("m", "k", &smithy.GenericAPIError{Code: "SlowDown"})
	denied := newStorageError("m", "k", &smithy.GenericAPIError{Code: "AccessDenied"})

	assert.Equal(t, sink.KindThrottled, throttled.Kind)
	assert.Equal(t, sink.KindDenied, denied.Kind)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"encoding", &EncodingError{ID: "m", Err: errors.New("bad")}, false},
		{"timeout", &TimeoutError{ID: "m"}, true},
		{"throttled", throttled, true},
		{"denied", denied, false},
		{"wrapped throttled", fmt.Errorf("outer: %w", throttled), true},
		{"canceled", context.Canceled, true},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "", ErrorKind(nil))
	assert.Equal(t, "encoding", ErrorKind(&EncodingError{}))
	assert.Equal(t, "timeout", ErrorKind(&TimeoutError{}))
	assert.Equal(t, "storage_throttled", ErrorKind(&StorageError{Kind: sink.KindThrottled}))
	assert.Equal(t, "panic", ErrorKind(&PanicError{Value: "x"}))
	assert.Equal(t, "canceled", ErrorKind(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, "unknown", ErrorKind(errors.New("x")))
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("cause")
	assert.ErrorIs(t, &EncodingError{Err: cause}, cause)
	assert.ErrorIs(t, &StorageError{Err: cause}, cause)
	assert.ErrorIs(t, &TimeoutError{Err: cause}, cause)
	assert.Contains(t, (&TimeoutError{ID: "m"}).Error(), "deadline exceeded")
}
