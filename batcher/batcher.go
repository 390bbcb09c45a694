package batcher

import (
	"errors"
	"time"

	"github.com/baldanca/sqs-archiver/source"
)

// BatcherConfig bounds a batch by message count, by accumulated body bytes
// and by a window that starts with the first message.
type BatcherConfig struct {
	// MaxItems flushes once this many messages are buffered.
	MaxItems int
	// MaxBytes flushes once the summed body size reaches it. 0 disables it.
	MaxBytes int64
	// Window is the longest a batch stays open after its first message.
	Window time.Duration
	// Prealloc sizes each batch for MaxItems up front.
	Prealloc bool
}

var DefaultBatcherConfig = BatcherConfig{
	MaxItems: 10,
	Window:   5 * time.Second,
	Prealloc: true,
}

func (c BatcherConfig) validate() error {
	if c.MaxItems <= 0 {
		return errors.New("MaxItems must be > 0")
	}
	if c.MaxBytes < 0 {
		return errors.New("MaxBytes must be >= 0")
	}
	if c.Window <= 0 {
		return errors.New("Window must be > 0")
	}
	return nil
}

// Batcher assembles messages into a source.Batch. It is not safe for
// concurrent use; the consumer loop owns it.
type Batcher struct {
	cfg BatcherConfig

	items []source.Message
	bytes int64
	acks  source.AckGroup

	deadline time.Time
	active   bool
}

func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Batcher{cfg: cfg}
	b.reset()
	return b, nil
}

// Add buffers msg and reports whether the batch should be flushed now.
func (b *Batcher) Add(now time.Time, msg source.Message) (flushNow bool) {
	if !b.active {
		b.active = true
		b.deadline = now.Add(b.cfg.Window)
	}

	b.items = append(b.items, msg)
	b.bytes += int64(len(msg.Body))
	b.acks.Add(msg)

	if len(b.items) >= b.cfg.MaxItems {
		return true
	}
	return b.cfg.MaxBytes > 0 && b.bytes >= b.cfg.MaxBytes
}

// Len is the number of buffered messages.
func (b *Batcher) Len() int { return len(b.items) }

func (b *Batcher) ShouldFlushTime(now time.Time) bool {
	if !b.active {
		return false
	}
	return !now.Before(b.deadline)
}

func (b *Batcher) Deadline() (t time.Time, ok bool) {
	if !b.active {
		return time.Time{}, false
	}
	return b.deadline, true
}

// Batch is a flushed batch together with the acknowledgement handles of its
// messages.
type Batch struct {
	Messages source.Batch
	Bytes    int64
	Acks     source.AckGroup
}

// Flush returns the buffered batch and resets the batcher. The returned
// slices are owned by the caller.
func (b *Batcher) Flush() Batch {
	out := Batch{
		Messages: source.Batch(b.items),
		Bytes:    b.bytes,
		Acks:     b.acks,
	}

	b.reset()
	return out
}

func (b *Batcher) reset() {
	b.items = nil
	if b.cfg.Prealloc {
		b.items = make([]source.Message, 0, b.cfg.MaxItems)
	}
	b.bytes = 0
	b.acks = source.AckGroup{}
	b.active = false
	b.deadline = time.Time{}
}
