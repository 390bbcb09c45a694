package batcher

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/sqs-archiver/source"
)

func testMsg(id string, body int) source.Message {
	return source.Message{
		ID:           id,
		Body:         make([]byte, body),
		ReceiptToken: "rh-" + id,
	}
}

func TestBatcherConfig_validate(t *testing.T) {
	ok := DefaultBatcherConfig
	require.NoError(t, ok.validate(), "default config must be valid")

	c := ok
	c.MaxItems = 0
	assert.Error(t, c.validate(), "MaxItems <= 0")

	c = ok
	c.Window = 0
	assert.Error(t, c.validate(), "Window <= 0")

	c = ok
	c.MaxBytes = -1
	assert.Error(t, c.validate(), "MaxBytes < 0")
}

func TestNewBatcher_Prealloc(t *testing.T) {
	cfg := DefaultBatcherConfig
	cfg.Prealloc = true

	b, err := NewBatcher(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.MaxItems, cap(b.items))

	cfg.Prealloc = false
	b, err = NewBatcher(cfg)
	require.NoError(t, err)
	assert.Nil(t, b.items)
}

func TestBatcher_Add_ActivatesAndSetsDeadline(t *testing.T) {
	cfg := DefaultBatcherConfig
	cfg.Window = 2 * time.Second

	b, err := NewBatcher(cfg)
	require.NoError(t, err)

	now := time.Unix(100, 0)
	_, ok := b.Deadline()
	assert.False(t, ok, "no deadline before the first message")

	assert.False(t, b.Add(now, testMsg("a", 10)))

	dl, ok := b.Deadline()
	require.True(t, ok)
	assert.True(t, dl.Equal(now.Add(cfg.Window)), "deadline=%v", dl)

	// later messages do not extend the window
	_ = b.Add(now.Add(time.Second), testMsg("b", 10))
	dl2, _ := b.Deadline()
	assert.True(t, dl2.Equal(dl), "deadline moved to %v", dl2)
}

func TestBatcher_Add_FlushByMaxItems(t *testing.T) {
	cfg := DefaultBatcherConfig
	cfg.MaxItems = 3

	b, err := NewBatcher(cfg)
	require.NoError(t, err)
	now := time.Unix(0, 0)

	assert.False(t, b.Add(now, testMsg("1", 1)))
	assert.False(t, b.Add(now, testMsg("2", 1)))
	assert.True(t, b.Add(now, testMsg("3", 1)), "flush at MaxItems")
}

func TestBatcher_Add_FlushByBytes(t *testing.T) {
	cfg := DefaultBatcherConfig
	cfg.MaxBytes = 100

	b, err := NewBatcher(cfg)
	require.NoError(t, err)
	now := time.Unix(0, 0)

	assert.False(t, b.Add(now, testMsg("1", 60)))
	assert.True(t, b.Add(now, testMsg("2", 40)), "flush by bytes")
}

func TestBatcher_ShouldFlushTime(t *testing.T) {
	cfg := DefaultBatcherConfig
	cfg.Window = time.Second

	b, err := NewBatcher(cfg)
	require.NoError(t, err)

	now := time.Unix(100, 0)
	assert.False(t, b.ShouldFlushTime(now.Add(time.Hour)), "empty batcher never flushes by time")

	_ = b.Add(now, testMsg("1", 1))

	assert.False(t, b.ShouldFlushTime(now))
	assert.True(t, b.ShouldFlushTime(now.Add(time.Second)), "flush at deadline")
	assert.True(t, b.ShouldFlushTime(now.Add(2*time.Second)), "flush after deadline")
}

func TestBatcher_Flush_ResetsStateAndReturnsBatch(t *testing.T) {
	b, err := NewBatcher(DefaultBatcherConfig)
	require.NoError(t, err)
	now := time.Unix(0, 0)

	_ = b.Add(now, testMsg("10", 7))
	_ = b.Add(now, testMsg("20", 3))
	// no receipt handle: archived but not acknowledgeable
	_ = b.Add(now, source.Message{ID: "30"})

	out := b.Flush()

	assert.Equal(t, []string{"10", "20", "30"}, out.Messages.IDs())
	assert.Equal(t, int64(10), out.Bytes)
	assert.Equal(t, 2, out.Acks.Len())

	assert.Zero(t, b.Len())
	assert.Zero(t, b.bytes)
	_, ok := b.Deadline()
	assert.False(t, ok, "deadline reset")
}

func TestBatcher_Flush_DoesNotAliasNextBatch(t *testing.T) {
	b, err := NewBatcher(DefaultBatcherConfig)
	require.NoError(t, err)
	now := time.Unix(0, 0)

	_ = b.Add(now, testMsg("a", 1))
	first := b.Flush()
	_ = b.Add(now, testMsg("b", 1))

	assert.Equal(t, "a", first.Messages[0].ID, "flushed batch was overwritten")
}

func BenchmarkBatcher_AddFlush(b *testing.B) {
	cfg := DefaultBatcherConfig
	bt, err := NewBatcher(cfg)
	if err != nil {
		b.Fatalf("NewBatcher: %v", err)
	}

	now := time.Unix(0, 0)
	msgs := make([]source.Message, cfg.MaxItems)
	for i := range msgs {
		msgs[i] = testMsg(strconv.Itoa(i), 64)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if bt.Add(now, msgs[i%len(msgs)]) {
			_ = bt.Flush()
		}
	}
}
