package store

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		phase  Phase
		status int
		want   relay.Kind
	}{
		{phase: PhaseSourceOpen, status: http.StatusNotFound, want: relay.KindSourceUnavailable},
		{phase: PhaseSourceOpen, status: http.StatusServiceUnavailable, want: relay.KindSourceUnavailable},
		{phase: PhaseSinkOpen, status: http.StatusForbidden, want: relay.KindDestinationUnavailable},
		{phase: PhaseRead, status: 0, want: relay.KindSourceRead},
		{phase: PhaseRead, status: http.StatusInternalServerError, want: relay.KindSourceRead},
		{phase: PhaseRead, status: http.StatusTooManyRequests, want: relay.KindSourceRead},
		{phase: PhaseRead, status: http.StatusForbidden, want: relay.KindSourceUnavailable},
		{phase: PhaseRead, status: http.StatusPreconditionFailed, want: relay.KindSourceCorrupt},
		{phase: PhaseRead, status: http.StatusNotFound, want: relay.KindSourceCorrupt},
		{phase: PhaseUpload, status: 0, want: relay.KindPartUpload},
		{phase: PhaseUpload, status: http.StatusServiceUnavailable, want: relay.KindPartUpload},
		{phase: PhaseUpload, status: http.StatusNotFound, want: relay.KindSessionInvalid},
		{phase: PhaseUpload, status: http.StatusForbidden, want: relay.KindDestinationUnavailable},
		{phase: PhaseFinalize, status: http.StatusBadRequest, want: relay.KindFinalize},
		{phase: PhaseFinalize, status: http.StatusNotFound, want: relay.KindSessionInvalid},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.phase, tt.status), "phase %s status %d", phaseOps[tt.phase], tt.status)
	}
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify(PhaseRead, 0, 1, nil))

	cause := errors.New("connection reset")
	err := Classify(PhaseUpload, 0, 4, cause)
	assert.ErrorIs(t, err, relay.ErrPartUpload)
	assert.ErrorIs(t, err, cause)
	assert.True(t, relay.IsRetryable(err))

	var relayErr *relay.Error
	require.True(t, errors.As(err, &relayErr))
	assert.Equal(t, 4, relayErr.Index)
	assert.Equal(t, "upload", relayErr.Op)
}

func TestRetryMetadata(t *testing.T) {
	attempts := 0
	err := RetryMetadata(context.Background(), 0, func(attempt uint) (error, bool) {
		attempts++
		if attempts < 3 {
			return errors.New("throttled"), false
		}
		return nil, true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = RetryMetadata(context.Background(), 0, func(attempt uint) (error, bool) {
		attempts++
		return ErrNotFound, true
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts)
}

func TestRetryMetadata_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := RetryMetadata(ctx, time.Hour, func(attempt uint) (error, bool) {
		attempts++
		return errors.New("unreachable"), false
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)

	ctx, cancel = context.WithCancel(context.Background())
	err = RetryMetadata(ctx, time.Hour, func(attempt uint) (error, bool) {
		attempts++
		cancel()
		return errors.New("head object: connection reset"), false
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestLocation_String(t *testing.T) {
	assert.Equal(t, "s3://bucket/a/b.bin", Location{Provider: "s3", Container: "bucket", Key: "a/b.bin"}.String())
}
