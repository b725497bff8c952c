package relay

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a transfer failure.
type Kind int

// Failure kinds. The zero value is KindUnknown.
const (
	KindUnknown Kind = iota
	KindSourceUnavailable
	KindDestinationUnavailable
	KindSourceRead
	KindPartUpload
	KindSessionInvalid
	KindSourceCorrupt
	KindFinalize
	KindInvalidSpec
	KindCanceled
)

// Sentinel errors, one per kind. Use errors.Is to test a returned error against them.
var (
	ErrSourceUnavailable      = errors.New("source unavailable")
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrSourceRead             = errors.New("source read failed")
	ErrPartUpload             = errors.New("part upload failed")
	ErrSessionInvalid         = errors.New("upload session invalid")
	ErrSourceCorrupt          = errors.New("source data corrupt")
	ErrFinalize               = errors.New("finalize rejected")
	ErrInvalidSpec            = errors.New("invalid transfer spec")
	ErrCanceled               = errors.New("transfer canceled")

	// ErrRetriesExhausted wraps the last error of an operation that ran out of attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrAlreadyStarted is returned when Start is called twice on the same Transfer.
	ErrAlreadyStarted = errors.New("transfer already started")
)

var kindSentinels = map[Kind]error{
	KindSourceUnavailable:      ErrSourceUnavailable,
	KindDestinationUnavailable: ErrDestinationUnavailable,
	KindSourceRead:             ErrSourceRead,
	KindPartUpload:             ErrPartUpload,
	KindSessionInvalid:         ErrSessionInvalid,
	KindSourceCorrupt:          ErrSourceCorrupt,
	KindFinalize:               ErrFinalize,
	KindInvalidSpec:            ErrInvalidSpec,
	KindCanceled:               ErrCanceled,
}

func (k Kind) String() string {
	if sentinel, ok := kindSentinels[k]; ok {
		return sentinel.Error()
	}
	return "unknown failure"
}

// Retryable reports whether failures of this kind may be retried in place.
func (k Kind) Retryable() bool {
	return k == KindSourceRead || k == KindPartUpload
}

// Error is a classified transfer failure.
// Index is the chunk sequence index the failure belongs to, or -1.
type Error struct {
	Kind  Kind
	Op    string
	Index int
	Err   error
}

// NewError creates a classified error that is not bound to a chunk.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Index: -1, Err: err}
}

// NewChunkError creates a classified error for the chunk with the given index.
func NewChunkError(kind Kind, op string, index int, err error) *Error {
	return &Error{Kind: kind, Op: op, Index: index, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s (chunk %d)", msg, e.Index)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation maps to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsRetryable reports whether err is classified as a retryable failure.
// Errors that already ran out of attempts are not retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable() && !errors.Is(err, ErrRetriesExhausted)
}

// classify returns err as a classified error, using fallback for unclassified errors.
func classify(err error, fallback Kind, op string, index int) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewChunkError(fallback, op, index, err)
}
