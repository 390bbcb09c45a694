package encoder

import (
	"context"
	"errors"
	"fmt"

	"github.com/baldanca/sqs-archiver/source"
)

var (
	// ErrPayloadTooLarge is returned when the encoded payload exceeds MaxPayloadBytes.
	ErrPayloadTooLarge = errors.New("encoded payload too large")
	// ErrMetadata is returned when message attributes cannot be carried as
	// object metadata.
	ErrMetadata = errors.New("attributes not representable as object metadata")
)

// Payload is the storable form of one message.
type Payload struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// Encoder converts one message into its storage payload.
//
// Implementations must be safe for concurrent use and deterministic: the same
// message always encodes to the same bytes.
type Encoder interface {
	Encode(ctx context.Context, msg source.Message) (Payload, error)
	FileExtension() string
}

const (
	FormatEnvelope = "envelope"
	FormatRaw      = "raw"
	FormatParquet  = "parquet"
)

const DefaultMaxPayloadBytes = 5 * 1024 * 1024

type Config struct {
	// Format is one of "envelope" (default), "raw" or "parquet".
	Format string
	// Compression: "", "none", "gzip", "zstd" for envelope/raw;
	// "", "none", "snappy", "gzip", "zstd" for parquet.
	Compression string
	// MaxPayloadBytes bounds the encoded size; 0 means DefaultMaxPayloadBytes.
	MaxPayloadBytes int
}

// New builds the encoder described by cfg.
func New(cfg Config) (Encoder, error) {
	limit := cfg.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}

	switch cfg.Format {
	case "", FormatEnvelope:
		c, err := newCompressor(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return &Envelope{compressor: c, maxBytes: limit}, nil
	case FormatRaw:
		c, err := newCompressor(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return &Raw{compressor: c, maxBytes: limit}, nil
	case FormatParquet:
		p := Parquet{Compression: cfg.Compression, maxBytes: limit}
		if err := p.validate(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported format: %q", cfg.Format)
	}
}

func checkSize(data []byte, limit int) error {
	if limit > 0 && len(data) > limit {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(data), limit)
	}
	return nil
}
