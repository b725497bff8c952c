package memstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/google/uuid"
)

// Upload records one UploadPart call.
type Upload struct {
	Session string
	Index   int
	Data    []byte
	Err     error
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithUploadErrors makes the upload of chunk index fail n times with a retryable error.
func WithUploadErrors(index, n int) SinkOption {
	return func(s *Sink) { s.uploadFaults[index] = n }
}

// WithSessionInvalidAt makes the upload of chunk index fail with ErrSessionInvalid.
func WithSessionInvalidAt(index int) SinkOption {
	return func(s *Sink) { s.invalidAt = index }
}

// WithSinkOpenError makes Open fail with err.
func WithSinkOpenError(err error) SinkOption {
	return func(s *Sink) { s.openErr = err }
}

// WithFinalizeError makes Finalize fail with err.
func WithFinalizeError(err error) SinkOption {
	return func(s *Sink) { s.finalizeErr = err }
}

// WithAbortError makes Abort fail with err.
func WithAbortError(err error) SinkOption {
	return func(s *Sink) { s.abortErr = err }
}

// WithUploadDelay slows every upload down by d. The delay honours the context.
func WithUploadDelay(d time.Duration) SinkOption {
	return func(s *Sink) { s.uploadDelay = d }
}

// WithUploadHook calls fn at the start of every upload, outside of the sink's lock.
// An error returned by fn fails the upload.
func WithUploadHook(fn func(ctx context.Context, chunk relay.Chunk) error) SinkOption {
	return func(s *Sink) { s.uploadHook = fn }
}

// WithLimits makes the sink report multipart constraints.
func WithLimits(limits relay.PartLimits) SinkOption {
	return func(s *Sink) { s.limits = limits }
}

// WithSinkMeter frees every accepted chunk on m.
func WithSinkMeter(m *Meter) SinkOption {
	return func(s *Sink) { s.meter = m }
}

type session struct {
	id           string
	key          string
	expectedSize int64
	parts        map[int][]byte
}

func (s *session) ID() string  { return s.id }
func (s *session) Key() string { return s.key }

// Sink collects multipart uploads in memory.
type Sink struct {
	uploadFaults map[int]int
	invalidAt    int
	openErr      error
	finalizeErr  error
	abortErr     error
	uploadDelay  time.Duration
	uploadHook   func(ctx context.Context, chunk relay.Chunk) error
	limits       relay.PartLimits
	meter        *Meter

	mu        sync.Mutex
	sessions  map[string]*session
	objects   map[string][]byte
	uploads   []Upload
	finalized [][]relay.PartAck
	opens     int
	aborts    int
	active    int
	maxActive int
}

// NewSink creates an empty sink.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		uploadFaults: map[int]int{},
		invalidAt:    -1,
		sessions:     map[string]*session{},
		objects:      map[string][]byte{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PartLimits returns the configured multipart constraints.
func (s *Sink) PartLimits() relay.PartLimits {
	return s.limits
}

// Open starts a multipart upload.
func (s *Sink) Open(_ context.Context, key string, expectedSize int64) (relay.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens++
	if s.openErr != nil {
		return nil, relay.NewError(relay.KindDestinationUnavailable, "open session", s.openErr)
	}

	sess := &session{id: uuid.NewString(), key: key, expectedSize: expectedSize, parts: map[int][]byte{}}
	s.sessions[sess.id] = sess
	return sess, nil
}

// UploadPart stores a part. Uploading the same index again replaces the part.
func (s *Sink) UploadPart(ctx context.Context, us relay.UploadSession, chunk relay.Chunk) (ack relay.PartAck, err error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.active--
		s.uploads = append(s.uploads, Upload{Session: us.ID(), Index: chunk.Index, Data: bytes.Clone(chunk.Data), Err: err})
	}()

	if s.uploadHook != nil {
		if err := s.uploadHook(ctx, chunk); err != nil {
			return relay.PartAck{}, err
		}
	}
	if s.uploadDelay > 0 {
		timer := time.NewTimer(s.uploadDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return relay.PartAck{}, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[us.ID()]
	if !ok {
		return relay.PartAck{}, relay.NewChunkError(relay.KindSessionInvalid, "upload", chunk.Index, fmt.Errorf("unknown session %s", us.ID()))
	}
	if chunk.Index == s.invalidAt {
		delete(s.sessions, us.ID())
		return relay.PartAck{}, relay.NewChunkError(relay.KindSessionInvalid, "upload", chunk.Index, errors.New("injected session expiry"))
	}
	if remaining := s.uploadFaults[chunk.Index]; remaining > 0 {
		s.uploadFaults[chunk.Index] = remaining - 1
		return relay.PartAck{}, relay.NewChunkError(relay.KindPartUpload, "upload", chunk.Index, errors.New("injected transient upload error"))
	}

	data := bytes.Clone(chunk.Data)
	sess.parts[chunk.Index] = data
	if s.meter != nil {
		s.meter.Free(chunk.Size())
	}
	return relay.PartAck{Index: chunk.Index, Token: etag(data), Size: chunk.Size()}, nil
}

// Finalize assembles the parts into the object. acks must cover 0..N-1 in order and match
// the stored parts.
func (s *Sink) Finalize(_ context.Context, us relay.UploadSession, acks []relay.PartAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.finalized = append(s.finalized, append([]relay.PartAck(nil), acks...))
	if s.finalizeErr != nil {
		return relay.NewError(relay.KindFinalize, "finalize", s.finalizeErr)
	}

	sess, ok := s.sessions[us.ID()]
	if !ok {
		return relay.NewError(relay.KindSessionInvalid, "finalize", fmt.Errorf("unknown session %s", us.ID()))
	}

	var object []byte
	for i, ack := range acks {
		if ack.Index != i {
			return relay.NewError(relay.KindFinalize, "finalize", fmt.Errorf("part %d listed at position %d", ack.Index, i))
		}
		part, ok := sess.parts[ack.Index]
		if !ok {
			return relay.NewError(relay.KindFinalize, "finalize", fmt.Errorf("part %d was never uploaded", ack.Index))
		}
		if etag(part) != ack.Token {
			return relay.NewError(relay.KindFinalize, "finalize", fmt.Errorf("part %d token mismatch", ack.Index))
		}
		object = append(object, part...)
	}
	if len(acks) != len(sess.parts) {
		return relay.NewError(relay.KindFinalize, "finalize", fmt.Errorf("%d parts uploaded, %d listed", len(sess.parts), len(acks)))
	}
	if sess.expectedSize != relay.SizeUnknown && int64(len(object)) != sess.expectedSize {
		return relay.NewError(relay.KindFinalize, "finalize", fmt.Errorf("object has %d bytes, expected %d", len(object), sess.expectedSize))
	}

	if object == nil {
		object = []byte{}
	}
	s.objects[sess.key] = object
	delete(s.sessions, sess.id)
	return nil
}

// Abort discards the session and its parts.
func (s *Sink) Abort(_ context.Context, us relay.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aborts++
	delete(s.sessions, us.ID())
	return s.abortErr
}

// Put stores an object directly.
func (s *Sink) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = bytes.Clone(data)
}

// Object returns a finalized object.
func (s *Sink) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}

// Exists reports whether an object is stored under key.
func (s *Sink) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Delete removes the object stored under key.
func (s *Sink) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Uploads returns every UploadPart call, failed ones included, in call order.
func (s *Sink) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// UploadedIndices returns the indices of the successful uploads in sorted order.
// Duplicates appear once per successful upload.
func (s *Sink) UploadedIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var indices []int
	for _, u := range s.uploads {
		if u.Err == nil {
			indices = append(indices, u.Index)
		}
	}
	sort.Ints(indices)
	return indices
}

// Finalized returns the ack lists of every Finalize call.
func (s *Sink) Finalized() [][]relay.PartAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]relay.PartAck(nil), s.finalized...)
}

// Opens returns how many sessions were opened.
func (s *Sink) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Aborts returns how many times Abort was called.
func (s *Sink) Aborts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

// OpenSessions returns the number of sessions neither finalized nor aborted.
func (s *Sink) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MaxConcurrentUploads returns the highest number of uploads observed running at once.
func (s *Sink) MaxConcurrentUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
