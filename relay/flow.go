package relay

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ReadFunc returns the next chunk or io.EOF.
type ReadFunc func(ctx context.Context) (Chunk, error)

// UploadFunc uploads one chunk.
type UploadFunc func(ctx context.Context, chunk Chunk) (PartAck, error)

// AckFunc observes acknowledged chunks. Calls are serialized.
type AckFunc func(ack PartAck)

// FlowController pipes chunks from one reader to the uploaders under a byte budget.
//
// The producer reserves ChunkSize bytes before every read and blocks while the budget is
// exhausted; uploaders give the bytes back once the sink acknowledges the chunk. Together with
// the one chunk a source may hold internally, this bounds memory to MaxInFlightBytes + ChunkSize.
type FlowController struct {
	chunkSize   int64
	maxInFlight int64
	concurrency int

	budget   *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
	limiter  *rate.Limiter
}

// NewFlowController creates the controller described by spec. The spec must be valid.
func NewFlowController(spec TransferSpec) *FlowController {
	f := &FlowController{
		chunkSize:   spec.ChunkSize,
		maxInFlight: spec.MaxInFlightBytes,
		concurrency: spec.UploadConcurrency,
		budget:      semaphore.NewWeighted(spec.MaxInFlightBytes),
	}
	if spec.BandwidthLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(spec.BandwidthLimit), int(spec.ChunkSize))
	}
	return f
}

// Acquire blocks until n bytes fit into the budget or ctx is done.
func (f *FlowController) Acquire(ctx context.Context, n int64) error {
	if err := f.budget.Acquire(ctx, n); err != nil {
		return err
	}

	current := f.inFlight.Add(n)
	for {
		peak := f.peak.Load()
		if current <= peak || f.peak.CompareAndSwap(peak, current) {
			return nil
		}
	}
}

// Release returns n bytes to the budget and wakes blocked producers.
func (f *FlowController) Release(n int64) {
	if n <= 0 {
		return
	}
	f.inFlight.Add(-n)
	f.budget.Release(n)
}

// InFlight returns the bytes currently reserved.
func (f *FlowController) InFlight() int64 {
	return f.inFlight.Load()
}

// Peak returns the highest reservation observed.
func (f *FlowController) Peak() int64 {
	return f.peak.Load()
}

// Run moves every chunk from read to upload and returns the acks sorted by index.
// The first failure stops the pipeline; cancellation of ctx is observed before every read,
// before every upload and while waiting for budget.
func (f *FlowController) Run(ctx context.Context, read ReadFunc, upload UploadFunc, onAck AckFunc) ([]PartAck, error) {
	queueSize := int(f.maxInFlight / f.chunkSize)
	if queueSize < 1 {
		queueSize = 1
	}
	queue := make(chan Chunk, queueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		return f.produce(gctx, read, queue)
	})

	var mu sync.Mutex
	var acks []PartAck
	for i := 0; i < f.concurrency; i++ {
		g.Go(func() error {
			for chunk := range queue {
				ack, err := f.consume(gctx, chunk, upload)
				f.Release(chunk.Size())
				if err != nil {
					return err
				}

				mu.Lock()
				acks = append(acks, ack)
				if onAck != nil {
					onAck(ack)
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(acks, func(i, j int) bool { return acks[i].Index < acks[j].Index })
	for i, ack := range acks {
		if ack.Index != i {
			return nil, NewChunkError(KindSourceCorrupt, "verify parts", i, fmt.Errorf("acknowledged part set has a gap or duplicate at index %d", ack.Index))
		}
	}
	return acks, nil
}

func (f *FlowController) produce(ctx context.Context, read ReadFunc, queue chan<- Chunk) error {
	for expected := 0; ; expected++ {
		if err := ctx.Err(); err != nil {
			return NewChunkError(KindCanceled, "read", expected, err)
		}
		if err := f.Acquire(ctx, f.chunkSize); err != nil {
			return NewChunkError(KindCanceled, "wait for budget", expected, err)
		}

		chunk, err := read(ctx)
		if err == io.EOF {
			f.Release(f.chunkSize)
			if expected == 0 {
				return NewChunkError(KindSourceCorrupt, "read", expected, fmt.Errorf("source ended without yielding a chunk"))
			}
			return nil
		}
		if err != nil {
			f.Release(f.chunkSize)
			return err
		}

		if chunk.Size() > f.chunkSize {
			f.Release(f.chunkSize)
			return NewChunkError(KindSourceCorrupt, "read", expected, fmt.Errorf("chunk of %d bytes exceeds the chunk size %d", chunk.Size(), f.chunkSize))
		}
		if !chunk.Last && chunk.Size() != f.chunkSize {
			f.Release(f.chunkSize)
			return NewChunkError(KindSourceCorrupt, "read", expected, fmt.Errorf("chunk %d of %d bytes is not the last one but shorter than the chunk size %d", chunk.Index, chunk.Size(), f.chunkSize))
		}
		if chunk.Index != expected {
			f.Release(f.chunkSize)
			return NewChunkError(KindSourceCorrupt, "read", expected, fmt.Errorf("source yielded chunk %d out of order", chunk.Index))
		}
		f.Release(f.chunkSize - chunk.Size())

		select {
		case queue <- chunk:
		case <-ctx.Done():
			f.Release(chunk.Size())
			return NewChunkError(KindCanceled, "read", expected, ctx.Err())
		}

		if chunk.Last {
			return nil
		}
	}
}

func (f *FlowController) consume(ctx context.Context, chunk Chunk, upload UploadFunc) (PartAck, error) {
	if err := ctx.Err(); err != nil {
		return PartAck{}, NewChunkError(KindCanceled, "upload", chunk.Index, err)
	}
	if f.limiter != nil {
		if err := f.limiter.WaitN(ctx, len(chunk.Data)); err != nil {
			return PartAck{}, NewChunkError(KindCanceled, "throttle upload", chunk.Index, err)
		}
	}
	return upload(ctx, chunk)
}
