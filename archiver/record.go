package archiver

import "time"

// Outcome is the final state of one message within a batch.
type Outcome int

const (
	// OutcomeFailed: not durably persisted; reported for redelivery.
	OutcomeFailed Outcome = iota
	// OutcomeArchived: stored by this attempt.
	OutcomeArchived
	// OutcomeDuplicate: already stored with the same content.
	OutcomeDuplicate
	// OutcomeVersioned: the id already held different content; stored under
	// a version key.
	OutcomeVersioned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeArchived:
		return "archived"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeVersioned:
		return "versioned"
	default:
		return "failed"
	}
}

// Persisted reports whether the message is durably stored.
func (o Outcome) Persisted() bool { return o != OutcomeFailed }

// ArchivalRecord is the stored form of one message.
type ArchivalRecord struct {
	Key             string
	Payload         []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
	Digest          string
	Versioned       bool
}

// Result is the outcome of archiving one message of a batch.
type Result struct {
	ID       string
	Outcome  Outcome
	Record   ArchivalRecord
	Err      error
	Duration time.Duration
}
