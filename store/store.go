// Package store holds what the vendor adapters share: the object metadata capability used by
// the transfer service, retried metadata calls and the mapping of vendor status codes to
// relay failure kinds.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-utils/retry"
)

const numMetadataRetries = 3

// DefaultMetadataRetryWait is the pause between retried metadata calls.
const DefaultMetadataRetryWait = 2 * time.Second

// ErrNotFound is returned by metadata calls on a missing object.
var ErrNotFound = errors.New("object not found")

// ObjectStore is implemented by every adapter for the naming and delete-after steps of a transfer.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Location names an object for reports.
type Location struct {
	Provider  string
	Container string
	Key       string
}

func (l Location) String() string {
	return fmt.Sprintf("%s://%s/%s", l.Provider, l.Container, l.Key)
}

// RetryMetadata runs a metadata call like HEAD or DELETE until it succeeds or aborts.
// fn returns the error of the attempt and whether to stop retrying. A canceled ctx stops
// the retries and the context error is returned.
func RetryMetadata(ctx context.Context, wait time.Duration, fn func(attempt uint) (error, bool)) error {
	return retry.Times(numMetadataRetries).Wait(wait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return err, true
		}
		err, abort := fn(attempt)
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err), true
		}
		return err, abort
	})
}

// Phase is the relay operation a vendor call belongs to.
type Phase int

const (
	PhaseSourceOpen Phase = iota
	PhaseRead
	PhaseSinkOpen
	PhaseUpload
	PhaseFinalize
)

var phaseOps = map[Phase]string{
	PhaseSourceOpen: "open source",
	PhaseRead:       "read",
	PhaseSinkOpen:   "open session",
	PhaseUpload:     "upload",
	PhaseFinalize:   "finalize",
}

// Classify turns a failed vendor call into a relay error. status is the HTTP status of the
// response, or 0 when no response was received. index is the chunk index or -1.
func Classify(phase Phase, status, index int, err error) error {
	if err == nil {
		return nil
	}
	return relay.NewChunkError(KindForStatus(phase, status), phaseOps[phase], index, err)
}

// KindForStatus maps the HTTP status of a failed call to a failure kind.
// Transport failures (status 0), throttling and server errors are retryable where the phase
// allows retries. Opening either end is never retried.
func KindForStatus(phase Phase, status int) relay.Kind {
	transient := status == 0 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500

	switch phase {
	case PhaseSourceOpen:
		return relay.KindSourceUnavailable
	case PhaseSinkOpen:
		return relay.KindDestinationUnavailable
	case PhaseRead:
		switch {
		case transient:
			return relay.KindSourceRead
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return relay.KindSourceUnavailable
		default:
			// The object changed or vanished under the transfer.
			return relay.KindSourceCorrupt
		}
	case PhaseUpload:
		switch {
		case transient:
			return relay.KindPartUpload
		case status == http.StatusNotFound:
			return relay.KindSessionInvalid
		default:
			return relay.KindDestinationUnavailable
		}
	case PhaseFinalize:
		if status == http.StatusNotFound {
			return relay.KindSessionInvalid
		}
		return relay.KindFinalize
	}
	return relay.KindUnknown
}
