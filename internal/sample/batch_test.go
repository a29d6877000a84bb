package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_Validate_SizeLimit(t *testing.T) {
	b := Batch{BatchID: NewBatchID()}
	for i := 0; i < MaxBatchSamples; i++ {
		b.Samples = append(b.Samples, validSample())
	}
	require.NoError(t, b.Validate())

	b.Samples = append(b.Samples, validSample())
	assert.Error(t, b.Validate())
}

func TestBatch_Validate_AcceptsNonUUIDBatchID(t *testing.T) {
	b := Batch{BatchID: "not-a-uuid", Samples: []Sample{validSample()}}
	assert.NoError(t, b.Validate())

	b.BatchID = NewBatchID()
	assert.NoError(t, b.Validate())
}

func TestBatch_Validate_RejectsEmpty(t *testing.T) {
	b := Batch{BatchID: NewBatchID()}
	assert.Error(t, b.Validate())
}

func TestBatch_Validate_PropagatesSampleError(t *testing.T) {
	bad := validSample()
	bad.LatencyMs = -5
	b := Batch{BatchID: NewBatchID(), Samples: []Sample{bad}}
	assert.Error(t, b.Validate())
}
