package sink

import (
	"context"
	"fmt"
)

// MetaDigest is the object metadata key holding the content digest of an
// archived message.
const MetaDigest = "archive-digest"

type WriteRequest struct {
	Key             string
	Data            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string

	// Digest identifies the logical content. Writes are create-only: an
	// existing object with the same Digest makes the write a no-op, a different
	// Digest yields a *ConflictError.
	Digest string
}

// Status reports what a successful Write did.
type Status int

const (
	// StatusCreated means the object did not exist and was stored.
	StatusCreated Status = iota
	// StatusIdentical means the key already held the same digest.
	StatusIdentical
)

func (s Status) String() string {
	if s == StatusIdentical {
		return "identical"
	}
	return "created"
}

type Sinkr interface {
	Write(ctx context.Context, req WriteRequest) (Status, error)
}

// ConflictError reports that Key already holds different content.
type ConflictError struct {
	Key            string
	Digest         string
	ExistingDigest string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("object key=%q already exists with digest %q (want %q)", e.Key, e.ExistingDigest, e.Digest)
}
