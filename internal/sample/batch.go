package sample

import (
	"fmt"

	"github.com/google/uuid"
)

// Batch is the unit the gateway receives on /ingest: an ordered set of
// Samples from one relay, keyed for idempotency by the X-Batch-ID header
// rather than a field inside the body.
type Batch struct {
	BatchID      string   `json:"batch_id"`
	SourceRegion string   `json:"source_region,omitempty"`
	TraceID      string   `json:"trace_id,omitempty"`
	Samples      []Sample `json:"samples"`
}

// NewBatchID mints a fresh idempotency key for batches a relay or probe
// constructs locally rather than receiving from upstream.
func NewBatchID() string {
	return uuid.NewString()
}

// Validate checks batch-level invariants and every contained Sample. It
// returns the first error encountered per sample rather than a collector
// slice, since the gateway's contract is to reject the whole batch
// atomically on the first violation. BatchID format is not constrained: it
// is sourced from the caller-supplied X-Batch-ID header, which is not
// required to be a UUID.
func (b *Batch) Validate() error {
	if b.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if len(b.Samples) == 0 {
		return fmt.Errorf("batch must contain at least one sample")
	}
	if len(b.Samples) > MaxBatchSamples {
		return fmt.Errorf("batch has %d samples, exceeds limit of %d", len(b.Samples), MaxBatchSamples)
	}
	for i := range b.Samples {
		if err := b.Samples[i].Validate(); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return nil
}

// Normalize normalizes every contained sample in place.
func (b *Batch) Normalize() {
	for i := range b.Samples {
		b.Samples[i].Normalize()
	}
}
