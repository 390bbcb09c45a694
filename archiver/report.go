package archiver

import "fmt"

// FailureReport lists the ids of messages that were not durably persisted.
// Every message of the batch absent from it was persisted before the report
// was produced.
type FailureReport struct {
	ids []string
}

// IDs returns the failed ids in batch order.
func (r FailureReport) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r FailureReport) Len() int { return len(r.ids) }

// Empty reports full success.
func (r FailureReport) Empty() bool { return len(r.ids) == 0 }

func (r FailureReport) Contains(id string) bool {
	for _, v := range r.ids {
		if v == id {
			return true
		}
	}
	return false
}

// Aggregate collects the failed ids of results, in order and without
// duplicates. A failed result without an id cannot be reported back to the
// queue and yields ErrInvalidResult.
func Aggregate(results []Result) (FailureReport, error) {
	var (
		ids  []string
		seen map[string]struct{}
	)
	for i, r := range results {
		if r.Outcome.Persisted() {
			continue
		}
		if r.ID == "" {
			return FailureReport{}, fmt.Errorf("%w: failed result %d has no message id", ErrInvalidResult, i)
		}
		if seen == nil {
			seen = make(map[string]struct{})
		}
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
	}
	return FailureReport{ids: ids}, nil
}
