package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/sqs-archiver/encoder"
	"github.com/baldanca/sqs-archiver/sink"
	"github.com/baldanca/sqs-archiver/source"
)

func TestWriter_Write_StoresRecord(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, mem)

	m := msg("m-1")
	m.Attributes = map[string]string{"tenant": "acme"}

	rec, err := w.Write(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "m-1.json", rec.Key)
	assert.Equal(t, Digest(m), rec.Digest)
	assert.False(t, rec.Versioned)

	obj, ok := mem.Get("m-1.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Equal(t, rec.Digest, obj.Metadata[sink.MetaDigest])
	assert.Equal(t, "m-1", obj.Metadata[MetaMessageID])
	assert.Equal(t, "2023-11-14T22:13:20Z", obj.Metadata[MetaSentAt])

	var doc encoder.EnvelopeDocument
	require.NoError(t, json.Unmarshal(obj.Data, &doc))
	assert.Equal(t, "m-1", doc.ID)
	assert.Equal(t, "acme", doc.Attributes["tenant"])
}

func TestWriter_DefaultKeyIsPartitioned(t *testing.T) {
	mem := sink.NewMemory()
	w := NewWriter(mem, newTestEncoder(t), WriterConfig{})

	rec, err := w.Write(context.Background(), msg("m-1"))
	require.NoError(t, err)
	assert.Equal(t, "2023/11/14/22/m-1.json", rec.Key)
}

func TestWriter_Idempotent(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, mem)

	first := w.Archive(context.Background(), msg("m-1"))
	require.NoError(t, first.Err)
	assert.Equal(t, OutcomeArchived, first.Outcome)

	again := msg("m-1")
	again.ReceiptToken = "rh-second-delivery"
	again.ReceiveCount = 2
	second := w.Archive(context.Background(), again)
	require.NoError(t, second.Err)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)

	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, first.Record.Key, second.Record.Key)
}

func TestWriter_ConflictingContentIsVersioned(t *testing.T) {
	mem := sink.NewMemory()
	w := newTestWriter(t, mem)

	orig := msg("m-1")
	_, err := w.Write(context.Background(), orig)
	require.NoError(t, err)

	changed := msg("m-1")
	changed.Body = []byte(`{"id":"m-1","v":2}`)
	res := w.Archive(context.Background(), changed)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeVersioned, res.Outcome)
	assert.True(t, res.Record.Versioned)
	assert.Equal(t, "m-1.v-"+Digest(changed)[:16]+".json", res.Record.Key)

	stored, _ := mem.Get("m-1.json")
	assert.Equal(t, Digest(orig), stored.Digest, "original must not be overwritten")
	versioned, ok := mem.Get(res.Record.Key)
	require.True(t, ok)
	assert.Equal(t, Digest(changed), versioned.Digest)

	// the versioned copy is itself idempotent
	again := w.Archive(context.Background(), changed)
	require.NoError(t, again.Err)
	assert.Equal(t, 2, mem.Len())
}

func TestWriter_EmptyIDIsEncodingError(t *testing.T) {
	w := newTestWriter(t, sink.NewMemory())
	_, err := w.Write(context.Background(), source.Message{Body: []byte("x")})

	var ee *EncodingError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.False(t, IsRetryable(err))
}

func TestWriter_EncoderFailureIsEncodingError(t *testing.T) {
	enc, err := encoder.New(encoder.Config{Format: encoder.FormatRaw})
	require.NoError(t, err)
	store := newFaultySink()
	w := NewWriter(store, enc, WriterConfig{KeyFunc: DefaultKeyFunc(".bin", false)})

	m := msg("m-1")
	m.Attributes = map[string]string{"not valid": "x"}
	_, err = w.Write(context.Background(), m)

	var ee *EncodingError
	require.True(t, errors.As(err, &ee), "got %v", err)
	assert.ErrorIs(t, err, encoder.ErrMetadata)
	assert.Zero(t, store.calls.Load(), "nothing must be written")
}

func TestWriter_RetriesThrottling(t *testing.T) {
	store := newFaultySink()
	store.failKey("m-1.json", &smithy.GenericAPIError{Code: "SlowDown"}, nil)
	w := newTestWriter(t, store)

	_, err := w.Write(context.Background(), msg("m-1"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())
	assert.Equal(t, 1, store.mem.Len())
}

func TestWriter_PermanentStorageErrorNotRetried(t *testing.T) {
	store := newFaultySink()
	store.failKey("m-1.json", &smithy.GenericAPIError{Code: "AccessDenied"})
	w := newTestWriter(t, store)

	_, err := w.Write(context.Background(), msg("m-1"))
	var se *StorageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, sink.KindDenied, se.Kind)
	assert.False(t, se.Retryable)
	assert.Equal(t, "m-1.json", se.Key)
	assert.Equal(t, int32(1), store.calls.Load())
}

func TestWriter_RetryableStorageErrorExhausted(t *testing.T) {
	store := newFaultySink()
	store.failKey("m-1.json", &smithy.GenericAPIError{Code: "InternalError"})
	w := newTestWriter(t, store)

	_, err := w.Write(context.Background(), msg("m-1"))
	var se *StorageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestWriter_TimeoutIsTimeoutError(t *testing.T) {
	store := newFaultySink()
	store.blockKey("m-1.json")
	w := NewWriter(store, newTestEncoder(t), WriterConfig{
		KeyFunc:      DefaultKeyFunc(".json", false),
		WriteTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	_, err := w.Write(context.Background(), msg("m-1"))
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, store.mem.Len())
}

func TestWriter_ParentCanceled(t *testing.T) {
	store := newFaultySink()
	store.blockKey("m-1.json")
	w := newTestWriter(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := w.Write(ctx, msg("m-1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewWriter_Panics(t *testing.T) {
	assert.Panics(t, func() { NewWriter(nil, newTestEncoder(t), WriterConfig{}) })
	assert.Panics(t, func() { NewWriter(sink.NewMemory(), nil, WriterConfig{}) })
}
