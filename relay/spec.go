package relay

import (
	"fmt"
	"time"
)

const (
	// DefaultChunkSize is the part size used when none is configured.
	DefaultChunkSize int64 = 8 * 1024 * 1024
	// DefaultMinChunkSize matches the smallest non-final part most object stores accept.
	DefaultMinChunkSize int64 = 5 * 1024 * 1024
	// DefaultMaxAttempts is the number of attempts per read or upload.
	DefaultMaxAttempts = 3
)

// TransferSpec holds the immutable parameters of one transfer.
type TransferSpec struct {
	// Source and Destination describe both ends. Destination is the key written by the sink.
	Source      string
	Destination string

	// ChunkSize is the fixed size of every chunk except the last one.
	ChunkSize int64
	// MaxInFlightBytes bounds the bytes read from the source but not yet acknowledged by the sink.
	MaxInFlightBytes int64
	// MinChunkSize rejects chunk sizes the destination would refuse.
	MinChunkSize int64

	// MaxAttempts is the total number of attempts per read or upload, including the first one.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// UploadConcurrency is the number of parts uploaded in parallel.
	// Default: 1
	UploadConcurrency int

	// HungThreshold is the duration after which a part upload is considered hung
	// if it exceeds the average upload time by this amount. Zero disables the detection.
	HungThreshold time.Duration

	// BandwidthLimit caps upload throughput in bytes per second. Zero means unlimited.
	BandwidthLimit int64
}

// DefaultTransferSpec returns a spec with the default tuning for the given ends.
func DefaultTransferSpec(source, destination string) TransferSpec {
	return TransferSpec{
		Source:            source,
		Destination:       destination,
		ChunkSize:         DefaultChunkSize,
		MaxInFlightBytes:  4 * DefaultChunkSize,
		MinChunkSize:      DefaultMinChunkSize,
		MaxAttempts:       DefaultMaxAttempts,
		BackoffBase:       time.Second,
		BackoffCap:        30 * time.Second,
		UploadConcurrency: 1,
	}
}

// Validate fails with ErrInvalidSpec when the spec cannot be executed.
func (s TransferSpec) Validate() error {
	invalid := func(format string, v ...interface{}) error {
		return NewError(KindInvalidSpec, "validate spec", fmt.Errorf(format, v...))
	}

	switch {
	case s.Destination == "":
		return invalid("destination must not be empty")
	case s.ChunkSize <= 0:
		return invalid("chunk size must be positive, got %d", s.ChunkSize)
	case s.MinChunkSize < 0:
		return invalid("minimum chunk size must not be negative, got %d", s.MinChunkSize)
	case s.ChunkSize < s.MinChunkSize:
		return invalid("chunk size %d is below the minimum of %d", s.ChunkSize, s.MinChunkSize)
	case s.MaxInFlightBytes < s.ChunkSize:
		return invalid("max in-flight bytes %d is smaller than the chunk size %d", s.MaxInFlightBytes, s.ChunkSize)
	case s.MaxAttempts < 1:
		return invalid("max attempts must be at least 1, got %d", s.MaxAttempts)
	case s.BackoffBase <= 0:
		return invalid("backoff base must be positive, got %s", s.BackoffBase)
	case s.BackoffCap < s.BackoffBase:
		return invalid("backoff cap %s is below the backoff base %s", s.BackoffCap, s.BackoffBase)
	case s.UploadConcurrency < 1:
		return invalid("upload concurrency must be at least 1, got %d", s.UploadConcurrency)
	case s.HungThreshold < 0:
		return invalid("hung threshold must not be negative, got %s", s.HungThreshold)
	case s.BandwidthLimit < 0:
		return invalid("bandwidth limit must not be negative, got %d", s.BandwidthLimit)
	}
	return nil
}

// checkLimits validates the spec against a destination's multipart constraints.
// size is the object size, or SizeUnknown.
func (s TransferSpec) checkLimits(limits PartLimits, size int64) error {
	invalid := func(format string, v ...interface{}) error {
		return NewError(KindInvalidSpec, "check part limits", fmt.Errorf(format, v...))
	}

	if limits.MinPartSize > 0 && s.ChunkSize < limits.MinPartSize {
		return invalid("chunk size %d is below the destination minimum of %d", s.ChunkSize, limits.MinPartSize)
	}
	if limits.MaxPartSize > 0 && s.ChunkSize > limits.MaxPartSize {
		return invalid("chunk size %d exceeds the destination maximum of %d", s.ChunkSize, limits.MaxPartSize)
	}
	if limits.MaxParts > 0 && size > 0 {
		if parts := ChunkCount(size, s.ChunkSize); parts > limits.MaxParts {
			return invalid("object of %d bytes needs %d parts, the destination allows %d", size, parts, limits.MaxParts)
		}
	}
	return nil
}

// ChunkCount returns how many chunks an object of the given size is split into.
// An empty object is still one (empty) chunk.
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + chunkSize - 1) / chunkSize)
}
