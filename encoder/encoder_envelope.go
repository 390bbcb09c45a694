package encoder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/baldanca/sqs-archiver/source"
)

const (
	BodyJSON   = "json"
	BodyText   = "text"
	BodyBase64 = "base64"
)

// EnvelopeDocument is the JSON document written by the envelope format.
type EnvelopeDocument struct {
	ID           string            `json:"id"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	BodyEncoding string            `json:"body_encoding"`
	Body         json.RawMessage   `json:"body,omitempty"`
	BodyBase64   string            `json:"body_base64,omitempty"`
}

// Envelope wraps the message body and attributes in a JSON document. JSON
// bodies are embedded as-is, UTF-8 text as a string and anything else base64.
// A JSON body is only embedded when marshaling leaves its bytes untouched, so
// the stored body always matches the received one.
type Envelope struct {
	compressor *compressor
	maxBytes   int
}

func (e *Envelope) FileExtension() string { return ".json" + e.compressor.extension() }

func (e *Envelope) Encode(ctx context.Context, msg source.Message) (Payload, error) {
	if err := ctx.Err(); err != nil {
		return Payload{}, err
	}

	doc := EnvelopeDocument{ID: msg.ID, Attributes: msg.Attributes}
	if !msg.SentAt.IsZero() {
		sent := msg.SentAt.UTC()
		doc.SentAt = &sent
	}

	switch {
	case embeddableJSON(msg.Body):
		doc.BodyEncoding = BodyJSON
		doc.Body = json.RawMessage(msg.Body)
	case utf8.Valid(msg.Body):
		doc.BodyEncoding = BodyText
		b, err := json.Marshal(string(msg.Body))
		if err != nil {
			return Payload{}, fmt.Errorf("encode body: %w", err)
		}
		doc.Body = b
	default:
		doc.BodyEncoding = BodyBase64
		doc.BodyBase64 = base64.StdEncoding.EncodeToString(msg.Body)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return Payload{}, fmt.Errorf("encode envelope: %w", err)
	}
	data, err = e.compressor.compress(data)
	if err != nil {
		return Payload{}, fmt.Errorf("compress envelope: %w", err)
	}
	if err := checkSize(data, e.maxBytes); err != nil {
		return Payload{}, err
	}

	return Payload{
		Data:            data,
		ContentType:     "application/json",
		ContentEncoding: e.compressor.contentEncoding(),
	}, nil
}

// embeddableJSON reports whether body survives json.Marshal as a RawMessage
// byte for byte: already compact and free of the characters Marshal escapes.
func embeddableJSON(body []byte) bool {
	if len(body) == 0 || bytes.ContainsAny(body, "<>&\u2028\u2029") {
		return false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return false
	}
	return bytes.Equal(buf.Bytes(), body)
}
