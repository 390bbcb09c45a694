package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/baldanca/sqs-archiver/source"
)

// ParquetRow is the single row written per archived message.
type ParquetRow struct {
	ID           string            `parquet:"id"`
	SentAtMillis int64             `parquet:"sent_at_ms"`
	Body         []byte            `parquet:"body"`
	Attributes   map[string]string `parquet:"attributes"`
}

type Parquet struct {
	// Compression (optional): "", "none", "snappy", "gzip", "zstd"
	Compression string

	maxBytes int
}

func (e Parquet) FileExtension() string { return ".parquet" }

func (e Parquet) validate() error {
	_, err := e.writerOptions()
	return err
}

func (e Parquet) writerOptions() ([]parquet.WriterOption, error) {
	options := make([]parquet.WriterOption, 0, 1)

	switch e.Compression {
	case "", CompressionNone:
		// no compression
	case "snappy":
		options = append(options, parquet.Compression(&parquet.Snappy))
	case CompressionGzip:
		options = append(options, parquet.Compression(&parquet.Gzip))
	case CompressionZstd:
		options = append(options, parquet.Compression(&parquet.Zstd))
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}
	return options, nil
}

func (e Parquet) Encode(ctx context.Context, msg source.Message) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}

	options, err := e.writerOptions()
	if err != nil {
		return Payload{}, err
	}

	row := ParquetRow{
		ID:         msg.ID,
		Body:       msg.Body,
		Attributes: msg.Attributes,
	}
	if !msg.SentAt.IsZero() {
		row.SentAtMillis = msg.SentAt.UnixMilli()
	}

	output := &bytes.Buffer{}
	w := parquet.NewGenericWriter[ParquetRow](output, options...)

	if _, err := w.Write([]ParquetRow{row}); err != nil {
		_ = w.Close()
		return Payload{}, fmt.Errorf("write parquet row: %w", err)
	}
	if err := w.Close(); err != nil {
		return Payload{}, fmt.Errorf("close parquet writer: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}
	if err := checkSize(output.Bytes(), e.maxBytes); err != nil {
		return Payload{}, err
	}

	return Payload{
		Data:        output.Bytes(),
		ContentType: "application/vnd.apache.parquet",
	}, nil
}
