// Package memstore provides in-memory ChunkSource and ChunkSink implementations with fault
// injection and instrumentation. They are the reference implementations of the relay contracts.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
)

// Meter counts bytes of live chunks: allocated by a source and not yet accepted by a sink.
type Meter struct {
	live atomic.Int64
	peak atomic.Int64
}

// Alloc records n newly allocated chunk bytes.
func (m *Meter) Alloc(n int64) {
	current := m.live.Add(n)
	for {
		peak := m.peak.Load()
		if current <= peak || m.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// Free records n released chunk bytes.
func (m *Meter) Free(n int64) {
	m.live.Add(-n)
}

// Live returns the bytes currently alive.
func (m *Meter) Live() int64 {
	return m.live.Load()
}

// Peak returns the highest number of live bytes observed.
func (m *Meter) Peak() int64 {
	return m.peak.Load()
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithReadErrors makes the read of chunk index fail n times with a retryable error.
func WithReadErrors(index, n int) SourceOption {
	return func(s *Source) { s.readFaults[index] = n }
}

// WithCorruptAt makes the read of chunk index fail with ErrSourceCorrupt.
func WithCorruptAt(index int) SourceOption {
	return func(s *Source) { s.corruptAt = index }
}

// WithOpenError makes Open fail with err.
func WithOpenError(err error) SourceOption {
	return func(s *Source) { s.openErr = err }
}

// WithUnknownSize hides the object size from the relay.
func WithUnknownSize() SourceOption {
	return func(s *Source) { s.unknownSize = true }
}

// WithMeter counts every yielded chunk on m.
func WithMeter(m *Meter) SourceOption {
	return func(s *Source) { s.meter = m }
}

// WithReadAhead makes the source prepare the next chunk before it is requested,
// the most buffering a source is allowed to do.
func WithReadAhead() SourceOption {
	return func(s *Source) { s.readAhead = true }
}

// WithReadDelay slows every read down by d.
func WithReadDelay(d time.Duration) SourceOption {
	return func(s *Source) { s.readDelay = d }
}

// Source serves an in-memory object in chunks.
type Source struct {
	data        []byte
	readFaults  map[int]int
	corruptAt   int
	openErr     error
	unknownSize bool
	meter       *Meter
	readAhead   bool
	readDelay   time.Duration

	mu      sync.Mutex
	reads   map[int]int
	opens   int
	deleted bool
}

// NewSource creates a source serving data.
func NewSource(data []byte, opts ...SourceOption) *Source {
	s := &Source{
		data:       data,
		readFaults: map[int]int{},
		corruptAt:  -1,
		reads:      map[int]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SizeHint returns the object size unless it is hidden.
func (s *Source) SizeHint() int64 {
	if s.unknownSize {
		return relay.SizeUnknown
	}
	return int64(len(s.data))
}

// Open starts a new read of the object.
func (s *Source) Open(_ context.Context, chunkSize int64) (relay.SourceStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.openErr != nil {
		return nil, relay.NewError(relay.KindSourceUnavailable, "open", s.openErr)
	}
	if s.deleted {
		return nil, relay.NewError(relay.KindSourceUnavailable, "open", errors.New("object deleted"))
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	return &stream{source: s, chunkSize: chunkSize}, nil
}

// Reads returns how many times the chunk with the given index was read, failed reads included.
func (s *Source) Reads(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[index]
}

// Opens returns how many times Open was called.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Exists reports whether the object is still present.
func (s *Source) Exists(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deleted, nil
}

// Delete removes the object.
func (s *Source) Delete(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	return nil
}

// Deleted reports whether Delete was called.
func (s *Source) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

type stream struct {
	source    *Source
	chunkSize int64
	index     int
	done      bool
	ahead     *relay.Chunk
}

func (st *stream) Size() int64 {
	return st.source.SizeHint()
}

func (st *stream) Next(_ context.Context) (relay.Chunk, error) {
	s := st.source
	if st.done {
		return relay.Chunk{}, io.EOF
	}
	if s.readDelay > 0 {
		time.Sleep(s.readDelay)
	}

	s.mu.Lock()
	s.reads[st.index]++
	if remaining := s.readFaults[st.index]; remaining > 0 {
		s.readFaults[st.index] = remaining - 1
		s.mu.Unlock()
		return relay.Chunk{}, relay.NewChunkError(relay.KindSourceRead, "read", st.index, errors.New("injected transient read error"))
	}
	if st.index == s.corruptAt {
		s.mu.Unlock()
		return relay.Chunk{}, relay.NewChunkError(relay.KindSourceCorrupt, "read", st.index, errors.New("injected corruption"))
	}
	s.mu.Unlock()

	var chunk relay.Chunk
	if st.ahead != nil {
		chunk = *st.ahead
		st.ahead = nil
	} else {
		chunk = st.cut(st.index)
	}
	st.index++
	st.done = chunk.Last

	if s.readAhead && !chunk.Last {
		next := st.cut(st.index)
		st.ahead = &next
	}
	return chunk, nil
}

// cut copies the chunk with the given index out of the object.
func (st *stream) cut(index int) relay.Chunk {
	data := st.source.data
	start := int64(index) * st.chunkSize
	end := start + st.chunkSize
	if end >= int64(len(data)) {
		end = int64(len(data))
	}

	buf := make([]byte, end-start)
	copy(buf, data[start:end])
	if st.source.meter != nil {
		st.source.meter.Alloc(int64(len(buf)))
	}
	return relay.Chunk{Index: index, Data: buf, Last: end == int64(len(data))}
}

func (st *stream) Close() error {
	if st.ahead != nil && st.source.meter != nil {
		st.source.meter.Free(st.ahead.Size())
	}
	st.ahead = nil
	return nil
}
