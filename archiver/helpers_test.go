package archiver

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baldanca/sqs-archiver/encoder"
	"github.com/baldanca/sqs-archiver/sink"
	"github.com/baldanca/sqs-archiver/source"
)

// faultySink wraps a Memory and fails writes for configured keys.
type faultySink struct {
	mem *sink.Memory

	mu    sync.Mutex
	fail  map[string][]error // errors returned, in order, before delegating
	block map[string]bool    // keys whose writes wait for ctx

	calls atomic.Int32
}

func newFaultySink() *faultySink {
	return &faultySink{
		mem:   sink.NewMemory(),
		fail:  make(map[string][]error),
		block: make(map[string]bool),
	}
}

func (f *faultySink) failKey(key string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = append(f.fail[key], errs...)
}

func (f *faultySink) blockKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block[key] = true
}

func (f *faultySink) Write(ctx context.Context, req sink.WriteRequest) (sink.Status, error) {
	f.calls.Add(1)

	f.mu.Lock()
	block := f.block[req.Key]
	var err error
	if errs := f.fail[req.Key]; len(errs) > 0 {
		err = errs[0]
		// the last error sticks
		if len(errs) > 1 {
			f.fail[req.Key] = errs[1:]
		}
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	return f.mem.Write(ctx, req)
}

func newTestEncoder(t *testing.T) encoder.Encoder {
	t.Helper()
	enc, err := encoder.New(encoder.Config{Format: encoder.FormatEnvelope})
	require.NoError(t, err)
	return enc
}

func newTestWriter(t *testing.T, store sink.Sinkr) *Writer {
	t.Helper()
	return NewWriter(store, newTestEncoder(t), WriterConfig{
		KeyFunc:      DefaultKeyFunc(".json", false),
		WriteTimeout: time.Second,
		Retry:        SimpleRetry{Attempts: 3, Retryable: sink.Retryable},
	})
}

func msg(id string) source.Message {
	return source.Message{
		ID:           id,
		Body:         []byte(`{"id":"` + id + `"}`),
		ReceiptToken: "rh-" + id,
		SentAt:       time.UnixMilli(1700000000000),
	}
}

func batchOf(n int) source.Batch {
	b := make(source.Batch, n)
	for i := range b {
		b[i] = msg("m" + strconv.Itoa(i))
	}
	return b
}
