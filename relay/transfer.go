package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// DefaultAbortTimeout bounds the call that aborts the upload session.
const DefaultAbortTimeout = time.Minute

// SizeHinter is implemented by sources that know the object size before Open.
// The hint is passed to ChunkSink.Open.
type SizeHinter interface {
	SizeHint() int64
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithLogger sets the logger. The default logs to stdout.
func WithLogger(logger log.Logger) Option {
	return func(t *Transfer) { t.logger = logger }
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(t *Transfer) { t.progress = fn }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(t *Transfer) { t.sleep = fn }
}

// WithAbortTimeout bounds how long aborting the upload session may take.
func WithAbortTimeout(d time.Duration) Option {
	return func(t *Transfer) { t.abortTimeout = d }
}

// WithID sets the transfer ID. The default is a random UUID.
func WithID(id string) Option {
	return func(t *Transfer) { t.id = id }
}

// Transfer relays one object from a ChunkSource to a ChunkSink.
//
// A Transfer owns its upload session and state machine and runs once: Start drives it to
// Completed, Aborted or Failed. Cancel may be called from any goroutine.
type Transfer struct {
	id       string
	spec     TransferSpec
	source   ChunkSource
	sink     ChunkSink
	logger   log.Logger
	progress ProgressFunc
	sleep    SleepFunc

	abortTimeout time.Duration

	state *TransferState
	flow  *FlowController
	retry RetryPolicy
	stats *Stats

	started  atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	canceled bool

	total     int64
	bytes     int64
	chunks    int
	lastIndex int
}

// NewTransfer validates spec and prepares a transfer between source and sink.
func NewTransfer(spec TransferSpec, source ChunkSource, sink ChunkSink, opts ...Option) (*Transfer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if source == nil || sink == nil {
		return nil, NewError(KindInvalidSpec, "new transfer", errors.New("source and sink must not be nil"))
	}

	t := &Transfer{
		id:           uuid.NewString(),
		spec:         spec,
		source:       source,
		sink:         sink,
		logger:       log.NewLogger(),
		sleep:        sleepContext,
		abortTimeout: DefaultAbortTimeout,
		state:        NewTransferState(),
		flow:         NewFlowController(spec),
		stats:        NewStats(),
		total:        SizeUnknown,
		lastIndex:    -1,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.retry = NewRetryPolicy(spec, t.logger)
	t.retry.sleep = t.sleep
	t.retry.stats = t.stats

	return t, nil
}

// ID returns the transfer ID.
func (t *Transfer) ID() string {
	return t.id
}

// State returns the current state.
func (t *Transfer) State() State {
	return t.state.Current()
}

// History returns the states the transfer went through.
func (t *Transfer) History() []State {
	return t.state.History()
}

// Stats returns upload statistics.
func (t *Transfer) Stats() *Stats {
	return t.stats
}

// PeakInFlight returns the highest number of bytes reserved by the flow controller.
func (t *Transfer) PeakInFlight() int64 {
	return t.flow.Peak()
}

// Cancel requests a graceful abort. It is observed at the next suspension point; a running
// vendor call is not interrupted. Cancel before Start makes Start abort immediately.
func (t *Transfer) Cancel() {
	t.cancelMu.Lock()
	defer t.cancelMu.Unlock()

	t.canceled = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Start runs the transfer to a terminal state. It can be called once.
func (t *Transfer) Start(ctx context.Context) TransferResult {
	if !t.started.CompareAndSwap(false, true) {
		return TransferResult{ID: t.id, Key: t.spec.Destination, LastIndex: -1, State: StateFailed, Err: ErrAlreadyStarted}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.cancelMu.Lock()
	t.cancel = cancel
	if t.canceled {
		cancel()
	}
	t.cancelMu.Unlock()

	startTime := time.Now()
	result := t.run(ctx)
	result.Duration = time.Since(startTime)

	switch result.State {
	case StateCompleted:
		t.logger.Donef("Transfer %s completed: %d bytes in %d chunks (%s)", t.id, result.Bytes, result.Chunks, result.Duration.Round(time.Millisecond))
	case StateAborted:
		t.logger.Warnf("Transfer %s aborted after %d chunks", t.id, result.Chunks)
	default:
		t.logger.Errorf("Transfer %s failed after %d chunks: %s", t.id, result.Chunks, result.Err)
	}

	return result
}

func (t *Transfer) run(ctx context.Context) TransferResult {
	detached := context.WithoutCancel(ctx)

	t.advance(StateOpening)
	if err := ctx.Err(); err != nil {
		return t.abort(nil, NewError(KindCanceled, "open session", err))
	}

	expectedSize := SizeUnknown
	if hinter, ok := t.source.(SizeHinter); ok {
		expectedSize = hinter.SizeHint()
	}

	t.logger.Debugf("Opening upload session for %s", t.spec.Destination)
	session, err := t.sink.Open(detached, t.spec.Destination, expectedSize)
	if err != nil {
		return t.abort(nil, classify(err, KindDestinationUnavailable, "open session", -1))
	}
	t.logger.Debugf("Upload session %s opened", session.ID())

	if err := ctx.Err(); err != nil {
		return t.abort(session, NewError(KindCanceled, "open source", err))
	}
	t.advance(StateCopying)

	stream, err := t.source.Open(detached, t.spec.ChunkSize)
	if err != nil {
		return t.abort(session, classify(err, KindSourceUnavailable, "open source", -1))
	}
	defer func() {
		if err := stream.Close(); err != nil {
			t.logger.Warnf("Failed to close source stream: %s", err)
		}
	}()
	t.total = stream.Size()

	if limiter, ok := t.sink.(PartLimiter); ok {
		if err := t.spec.checkLimits(limiter.PartLimits(), t.total); err != nil {
			return t.abort(session, err)
		}
	}

	if t.total != SizeUnknown {
		t.logger.Infof("Copying %d bytes in %d chunks of %d bytes", t.total, ChunkCount(t.total, t.spec.ChunkSize), t.spec.ChunkSize)
	} else {
		t.logger.Infof("Copying an object of unknown size in chunks of %d bytes", t.spec.ChunkSize)
	}

	acks, err := t.flow.Run(ctx, t.readFunc(stream), t.uploadFunc(session), t.onAck)
	if err != nil {
		return t.abort(session, err)
	}

	if err := ctx.Err(); err != nil {
		return t.abort(session, NewError(KindCanceled, "finalize", err))
	}
	t.advance(StateFinalizing)

	t.logger.Debugf("Finalizing upload session %s with %d parts", session.ID(), len(acks))
	if err := t.sink.Finalize(detached, session, acks); err != nil {
		return t.abort(session, classify(err, KindFinalize, "finalize", -1))
	}

	t.advance(StateCompleted)
	return t.result(StateCompleted, nil)
}

func (t *Transfer) readFunc(stream SourceStream) ReadFunc {
	index := 0
	return func(ctx context.Context) (Chunk, error) {
		var chunk Chunk
		var eof bool
		err := t.retry.Do(ctx, "read", index, KindSourceRead, func(attempt int) error {
			c, err := stream.Next(context.WithoutCancel(ctx))
			if err == io.EOF {
				eof = true
				return nil
			}
			if err != nil {
				return err
			}
			chunk = c
			return nil
		})
		if err != nil {
			return Chunk{}, err
		}
		if eof {
			return Chunk{}, io.EOF
		}
		index++
		return chunk, nil
	}
}

func (t *Transfer) uploadFunc(session UploadSession) UploadFunc {
	return func(ctx context.Context, chunk Chunk) (PartAck, error) {
		var ack PartAck
		err := t.retry.Do(ctx, "upload", chunk.Index, KindPartUpload, func(attempt int) error {
			attemptCtx, cancelAttempt := context.WithCancel(context.WithoutCancel(ctx))
			defer cancelAttempt()

			start := time.Now()
			var hung atomic.Bool
			if t.spec.HungThreshold > 0 && attempt < t.spec.MaxAttempts {
				go t.detectHungUpload(attemptCtx, cancelAttempt, &hung, start, chunk.Index)
			}

			t.logger.Debugf("Uploading chunk %d (%d bytes, attempt %d/%d) [finished=%d] [avg=%v]",
				chunk.Index, chunk.Size(), attempt, t.spec.MaxAttempts,
				t.stats.FinishedCount(), t.stats.Average().Round(time.Millisecond))

			a, err := t.sink.UploadPart(attemptCtx, session, chunk)
			if err != nil {
				if hung.Load() {
					return NewChunkError(KindPartUpload, "upload", chunk.Index, fmt.Errorf("hung upload cancelled: %w", err))
				}
				return err
			}

			t.stats.Update(time.Since(start))
			a.Index = chunk.Index
			if a.Size == 0 {
				a.Size = chunk.Size()
			}
			ack = a
			return nil
		})
		return ack, err
	}
}

// detectHungUpload cancels an upload attempt that runs longer than the average upload
// time plus the hung threshold.
func (t *Transfer) detectHungUpload(ctx context.Context, cancel context.CancelFunc, hung *atomic.Bool, start time.Time, index int) {
	tick := t.spec.HungThreshold / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := t.stats.Average()
			if elapsed-avg > t.spec.HungThreshold {
				t.logger.Warnf("Found hung upload of chunk %d; canceling request after %s (avg: %s)",
					index, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
				hung.Store(true)
				cancel()
				return
			}
		}
	}
}

func (t *Transfer) onAck(ack PartAck) {
	t.bytes += ack.Size
	t.chunks++
	if ack.Index > t.lastIndex {
		t.lastIndex = ack.Index
	}
	if t.progress != nil {
		t.progress(t.bytes, t.total, StateCopying)
	}
}

// abort moves the transfer through Aborting into its terminal state. The session, if any, is
// aborted once; an abort failure is only logged and never replaces cause.
func (t *Transfer) abort(session UploadSession, cause error) TransferResult {
	t.advance(StateAborting)

	if session != nil {
		t.logger.Debugf("Aborting upload session %s", session.ID())
		ctx, cancel := context.WithTimeout(context.Background(), t.abortTimeout)
		if err := t.sink.Abort(ctx, session); err != nil {
			t.logger.Warnf("Abort of upload session %s failed: %s", session.ID(), err)
		}
		cancel()
	}

	if KindOf(cause) == KindCanceled {
		t.advance(StateAborted)
		return t.result(StateAborted, cause)
	}
	t.advance(StateFailed)
	return t.result(StateFailed, cause)
}

func (t *Transfer) advance(next State) {
	if err := t.state.Advance(next); err != nil {
		// Every call site follows the transition table; reaching this is a bug.
		panic(err)
	}
	t.logger.TDebugf("Transfer %s: %s", t.id, next)
}

func (t *Transfer) result(state State, err error) TransferResult {
	return TransferResult{
		ID:        t.id,
		Key:       t.spec.Destination,
		Bytes:     t.bytes,
		Chunks:    t.chunks,
		LastIndex: t.lastIndex,
		State:     state,
		Err:       err,
	}
}
