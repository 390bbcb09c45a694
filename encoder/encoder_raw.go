package encoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/baldanca/sqs-archiver/source"
)

// S3 allows 2 KiB of user metadata; part of it is reserved for the archiver's
// own keys.
const attrMetadataBudget = 2048 - 512

const AttrMetaPrefix = "attr-"

// Raw stores the body bytes unchanged and carries the attributes as object
// metadata.
type Raw struct {
	compressor *compressor
	maxBytes   int
}

func (r *Raw) FileExtension() string { return ".bin" + r.compressor.extension() }

func (r *Raw) Encode(ctx context.Context, msg source.Message) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}

	meta, err := attributesToMetadata(msg.Attributes)
	if err != nil {
		return Payload{}, err
	}

	data, err := r.compressor.compress(msg.Body)
	if err != nil {
		return Payload{}, fmt.Errorf("compress body: %w", err)
	}
	if err := checkSize(data, r.maxBytes); err != nil {
		return Payload{}, err
	}

	return Payload{
		Data:            data,
		ContentType:     "application/octet-stream",
		ContentEncoding: r.compressor.contentEncoding(),
		Metadata:        meta,
	}, nil
}

func attributesToMetadata(attrs map[string]string) (map[string]string, error) {
	if len(attrs) == 0 {
		return nil, nil
	}

	meta := make(map[string]string, len(attrs))
	// S3 lowercases metadata names
	lower := make(map[string]string, len(attrs))
	size := 0
	for k, v := range attrs {
		if !validMetaName(k) {
			return nil, fmt.Errorf("%w: name %q", ErrMetadata, k)
		}
		if other, ok := lower[strings.ToLower(k)]; ok {
			return nil, fmt.Errorf("%w: names %q and %q collide", ErrMetadata, other, k)
		}
		lower[strings.ToLower(k)] = k
		if !printableASCII(v) {
			return nil, fmt.Errorf("%w: value of %q is not printable ASCII", ErrMetadata, k)
		}
		key := AttrMetaPrefix + k
		size += len(key) + len(v)
		meta[key] = v
	}
	if size > attrMetadataBudget {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMetadata, size, attrMetadataBudget)
	}
	return meta, nil
}

func validMetaName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
