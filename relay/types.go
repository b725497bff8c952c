// Package relay moves one object from a chunked source into a multipart destination without
// buffering more than a bounded number of bytes. Vendor adapters plug in through the
// ChunkSource and ChunkSink interfaces.
package relay

import (
	"context"
	"time"
)

// SizeUnknown is reported by sources that cannot tell the object size up front.
const SizeUnknown int64 = -1

// Chunk is a sequence-indexed slice of the object. Data must not be modified once yielded.
type Chunk struct {
	Index int
	Data  []byte
	Last  bool
}

// Size returns the number of bytes in the chunk.
func (c Chunk) Size() int64 {
	return int64(len(c.Data))
}

// PartAck acknowledges one uploaded chunk.
// Token is the destination's receipt for the part (an ETag or block ID).
type PartAck struct {
	Index int
	Token string
	Size  int64
}

// UploadSession is the handle of an open multipart upload.
type UploadSession interface {
	ID() string
	Key() string
}

// ChunkSource produces the chunks of one object.
type ChunkSource interface {
	// Open prepares the object for reading. Failures before any byte is read are
	// ErrSourceUnavailable.
	Open(ctx context.Context, chunkSize int64) (SourceStream, error)
}

// SourceStream yields chunks in order.
//
// Next returns io.EOF after the last chunk. A retryable ErrSourceRead leaves the stream at the
// same index so the next call re-reads it; ErrSourceCorrupt is fatal.
// Implementations must not read more than one chunk ahead.
type SourceStream interface {
	Next(ctx context.Context) (Chunk, error)
	Size() int64
	Close() error
}

// ChunkSink accepts chunks into a multipart upload.
type ChunkSink interface {
	Open(ctx context.Context, key string, expectedSize int64) (UploadSession, error)
	UploadPart(ctx context.Context, session UploadSession, chunk Chunk) (PartAck, error)
	// Finalize commits the parts. acks are sorted by index.
	Finalize(ctx context.Context, session UploadSession, acks []PartAck) error
	// Abort discards the session. It is best effort; callers only log its error.
	Abort(ctx context.Context, session UploadSession) error
}

// PartLimits are a destination's multipart constraints. Zero values mean no limit.
type PartLimits struct {
	MinPartSize int64
	MaxPartSize int64
	MaxParts    int
}

// PartLimiter is implemented by sinks with multipart constraints.
type PartLimiter interface {
	PartLimits() PartLimits
}

// ProgressFunc is called after each acknowledged chunk.
// totalBytes is SizeUnknown when the source cannot tell.
type ProgressFunc func(bytesTransferred, totalBytes int64, state State)

// TransferResult describes how a transfer ended.
type TransferResult struct {
	ID     string
	Key    string
	Bytes  int64
	Chunks int
	// LastIndex is the highest acknowledged chunk index, -1 if none was acknowledged.
	LastIndex int
	State     State
	Err       error
	Duration  time.Duration
}
