package source

import "context"

// Sourcer delivers messages one at a time and settles them in batches.
//
// Receive blocks until a message is available or the context is canceled.
type Sourcer interface {
	Receive(ctx context.Context) (Message, error)
	AckBatchMeta(ctx context.Context, metas []AckMetadata) error
}

// Releaser is implemented by sources that can hand a failed delivery back to
// the queue before its visibility timeout expires.
type Releaser interface {
	Release(ctx context.Context, meta AckMetadata, reason error) error
}

// VisibilityExtender can extend the visibility timeout for a batch of messages.
//
// This is primarily useful for SQS-style leases when archiving a batch takes
// longer than the queue visibility timeout.
type VisibilityExtender interface {
	ExtendVisibilityBatch(ctx context.Context, metas []AckMetadata, timeoutSeconds int32) error
}

// AckMetadata is a compact, source-specific handle used for acknowledgements
// and lease extensions.
type AckMetadata struct {
	ID     string
	Handle string
}

// AckGroup accumulates deliveries that should be acknowledged together.
type AckGroup struct {
	metas []AckMetadata
}

// Add appends a message to the group. Messages without a receipt handle cannot
// be acknowledged and are skipped.
func (g *AckGroup) Add(m Message) bool {
	meta, ok := m.AckMeta()
	if !ok {
		return false
	}
	g.metas = append(g.metas, meta)
	return true
}

// Len reports the number of deliveries in the group.
func (g *AckGroup) Len() int { return len(g.metas) }

// Commit acknowledges the group against the given Source.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) error {
	if len(g.metas) == 0 {
		return nil
	}
	return src.AckBatchMeta(ctx, g.metas)
}

// Clear resets the group, keeping capacity.
func (g *AckGroup) Clear() {
	g.metas = g.metas[:0]
}

// Metas exposes the collected metadata for lease management.
func (g *AckGroup) Metas() []AckMetadata {
	return g.metas
}
