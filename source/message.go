package source

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	attrSentTimestamp = "SentTimestamp"
	attrReceiveCount  = "ApproximateReceiveCount"
)

// Message is one delivery of a queue message.
//
// ID is stable across redeliveries of the same logical message. ReceiptToken
// identifies this delivery only and must never be used to derive storage keys.
type Message struct {
	ID           string
	Body         []byte
	Attributes   map[string]string
	ReceiptToken string

	// SentAt is when the producer sent the message. Zero if the queue did not
	// report it.
	SentAt time.Time

	// ReceiveCount is informational; it changes on every redelivery.
	ReceiveCount int
}

// Batch is a bounded group of messages delivered together. Position carries no
// ordering guarantee.
type Batch []Message

// IDs returns the ids of the batch in delivery order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i := range b {
		ids[i] = b[i].ID
	}
	return ids
}

// AckMeta returns the handle used to delete or release this delivery.
func (m Message) AckMeta() (AckMetadata, bool) {
	if m.ID == "" || m.ReceiptToken == "" {
		return AckMetadata{}, false
	}
	return AckMetadata{ID: m.ID, Handle: m.ReceiptToken}, true
}

// FromSQS converts a message returned by ReceiveMessage.
func FromSQS(m sqstypes.Message) Message {
	out := Message{
		ID:           aws.ToString(m.MessageId),
		Body:         []byte(aws.ToString(m.Body)),
		ReceiptToken: aws.ToString(m.ReceiptHandle),
	}
	out.SentAt, out.ReceiveCount = systemAttrs(m.Attributes)

	if len(m.MessageAttributes) > 0 {
		out.Attributes = make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			out.Attributes[k] = attrValue(v.StringValue, v.BinaryValue)
		}
	}
	return out
}

// FromSQSEvent converts the records of a Lambda SQS event into a Batch.
func FromSQSEvent(ev events.SQSEvent) Batch {
	if len(ev.Records) == 0 {
		return Batch{}
	}

	batch := make(Batch, 0, len(ev.Records))
	for _, r := range ev.Records {
		m := Message{
			ID:           r.MessageId,
			Body:         []byte(r.Body),
			ReceiptToken: r.ReceiptHandle,
		}
		m.SentAt, m.ReceiveCount = systemAttrs(r.Attributes)

		if len(r.MessageAttributes) > 0 {
			m.Attributes = make(map[string]string, len(r.MessageAttributes))
			for k, v := range r.MessageAttributes {
				m.Attributes[k] = attrValue(v.StringValue, v.BinaryValue)
			}
		}
		batch = append(batch, m)
	}
	return batch
}

func systemAttrs(attrs map[string]string) (sentAt time.Time, receiveCount int) {
	if v, ok := attrs[attrSentTimestamp]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			sentAt = time.UnixMilli(ms).UTC()
		}
	}
	if v, ok := attrs[attrReceiveCount]; ok {
		receiveCount, _ = strconv.Atoi(v)
	}
	return sentAt, receiveCount
}

// Binary attribute values are carried base64 encoded so Attributes stays a
// string map.
func attrValue(s *string, b []byte) string {
	if s != nil {
		return *s
	}
	if len(b) > 0 {
		return base64.StdEncoding.EncodeToString(b)
	}
	return ""
}
