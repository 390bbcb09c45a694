package encoder

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

type compressor struct {
	name string
	zenc *zstd.Encoder
}

func newCompressor(name string) (*compressor, error) {
	switch name {
	case "", CompressionNone:
		return &compressor{}, nil
	case CompressionGzip:
		return &compressor{name: CompressionGzip}, nil
	case CompressionZstd:
		// EncodeAll is safe for concurrent use on a shared encoder.
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		return &compressor{name: CompressionZstd, zenc: enc}, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", name)
	}
}

// contentEncoding is the HTTP Content-Encoding for the compressed payload.
func (c *compressor) contentEncoding() string { return c.name }

func (c *compressor) extension() string {
	switch c.name {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

func (c *compressor) compress(data []byte) ([]byte, error) {
	switch c.name {
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			_ = zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		return c.zenc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return data, nil
	}
}
