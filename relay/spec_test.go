package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTransferSpec_IsValid(t *testing.T) {
	spec := DefaultTransferSpec("s3://bucket/a", "b")
	require.NoError(t, spec.Validate())
	assert.Equal(t, DefaultChunkSize, spec.ChunkSize)
	assert.Equal(t, 1, spec.UploadConcurrency)
}

func TestTransferSpec_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *TransferSpec)
	}{
		{name: "empty destination", modify: func(s *TransferSpec) { s.Destination = "" }},
		{name: "zero chunk size", modify: func(s *TransferSpec) { s.ChunkSize = 0 }},
		{name: "chunk below minimum", modify: func(s *TransferSpec) { s.ChunkSize = DefaultMinChunkSize - 1 }},
		{name: "negative minimum", modify: func(s *TransferSpec) { s.MinChunkSize = -1 }},
		{name: "budget below chunk", modify: func(s *TransferSpec) { s.MaxInFlightBytes = s.ChunkSize - 1 }},
		{name: "zero attempts", modify: func(s *TransferSpec) { s.MaxAttempts = 0 }},
		{name: "zero backoff base", modify: func(s *TransferSpec) { s.BackoffBase = 0 }},
		{name: "cap below base", modify: func(s *TransferSpec) { s.BackoffCap = s.BackoffBase - time.Millisecond }},
		{name: "zero concurrency", modify: func(s *TransferSpec) { s.UploadConcurrency = 0 }},
		{name: "negative hung threshold", modify: func(s *TransferSpec) { s.HungThreshold = -time.Second }},
		{name: "negative bandwidth", modify: func(s *TransferSpec) { s.BandwidthLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := DefaultTransferSpec("src", "dst")
			tt.modify(&spec)

			err := spec.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec))
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestTransferSpec_BudgetEqualToChunkIsValid(t *testing.T) {
	spec := DefaultTransferSpec("src", "dst")
	spec.MaxInFlightBytes = spec.ChunkSize
	require.NoError(t, spec.Validate())
}

func TestTransferSpec_CheckLimits(t *testing.T) {
	spec := DefaultTransferSpec("src", "dst")
	spec.ChunkSize = 8

	require.NoError(t, spec.checkLimits(PartLimits{}, 1000))
	require.NoError(t, spec.checkLimits(PartLimits{MinPartSize: 8, MaxPartSize: 8, MaxParts: 3}, 24))
	require.NoError(t, spec.checkLimits(PartLimits{MaxParts: 3}, SizeUnknown))

	assert.ErrorIs(t, spec.checkLimits(PartLimits{MinPartSize: 9}, 10), ErrInvalidSpec)
	assert.ErrorIs(t, spec.checkLimits(PartLimits{MaxPartSize: 7}, 10), ErrInvalidSpec)
	assert.ErrorIs(t, spec.checkLimits(PartLimits{MaxParts: 3}, 25), ErrInvalidSpec)
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, 1, ChunkCount(0, 4))
	assert.Equal(t, 1, ChunkCount(4, 4))
	assert.Equal(t, 2, ChunkCount(5, 4))
	assert.Equal(t, 10, ChunkCount(10*1024*1024, 1024*1024))
}
