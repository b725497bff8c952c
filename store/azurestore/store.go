package azurestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// Block blob limits.
const (
	MaxBlockSize int64 = 4000 * 1024 * 1024
	MaxBlocks          = 50000
)

// Store is one blob container.
type Store struct {
	container    ContainerAPI
	name         string
	metadataWait time.Duration
	logger       log.Logger
}

// New creates a store on the container called name.
func New(container ContainerAPI, name string, logger log.Logger) *Store {
	return &Store{container: container, name: name, metadataWait: store.DefaultMetadataRetryWait, logger: logger}
}

// Location names key in the container.
func (s *Store) Location(key string) store.Location {
	return store.Location{Provider: "azure", Container: s.name, Key: key}
}

func (s *Store) properties(ctx context.Context, key string) (Properties, error) {
	var props Properties
	err := store.RetryMetadata(ctx, s.metadataWait, func(attempt uint) (error, bool) {
		var err error
		props, err = s.container.Blob(key).Properties(ctx)
		if err != nil {
			if isNotFound(err) {
				return store.ErrNotFound, true
			}
			s.logger.Debugf("get properties of %s (attempt %d): %s", key, attempt, err)
			return fmt.Errorf("get blob properties: %w", err), false
		}
		return nil, true
	})
	return props, err
}

// Exists reports whether the blob key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.properties(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the blob key. A missing blob is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return store.RetryMetadata(ctx, s.metadataWait, func(attempt uint) (error, bool) {
		if err := s.container.Blob(key).Delete(ctx); err != nil {
			if isNotFound(err) {
				return nil, true
			}
			return fmt.Errorf("delete blob: %w", err), false
		}
		return nil, true
	})
}

// SASURL returns a read-only URL of key valid for expiry.
func (s *Store) SASURL(key string, expiry time.Duration) (string, error) {
	url, err := s.container.Blob(key).SASURL(expiry)
	if err != nil {
		return "", fmt.Errorf("create SAS URL: %w", err)
	}
	return url, nil
}

// NewSource looks up key and returns a source reading it.
func (s *Store) NewSource(ctx context.Context, key string) (*Source, error) {
	props, err := s.properties(ctx, key)
	if err != nil {
		return nil, relay.NewError(relay.KindSourceUnavailable, "open source", fmt.Errorf("%s: %w", s.Location(key), err))
	}
	return &Source{blob: s.container.Blob(key), size: props.Size, etag: props.ETag}, nil
}

// Source reads a blob with ranged downloads pinned to its ETag.
type Source struct {
	blob BlobAPI
	size int64
	etag string
}

// SizeHint returns the blob size.
func (src *Source) SizeHint() int64 {
	return src.size
}

// Open starts reading the blob.
func (src *Source) Open(_ context.Context, chunkSize int64) (relay.SourceStream, error) {
	if chunkSize <= 0 {
		return nil, relay.NewError(relay.KindInvalidSpec, "open source", fmt.Errorf("invalid chunk size %d", chunkSize))
	}
	return &rangeStream{source: src, chunkSize: chunkSize}, nil
}

type rangeStream struct {
	source    *Source
	chunkSize int64
	index     int
	done      bool
}

func (st *rangeStream) Size() int64 {
	return st.source.size
}

func (st *rangeStream) Next(ctx context.Context) (relay.Chunk, error) {
	if st.done {
		return relay.Chunk{}, io.EOF
	}

	src := st.source
	start := int64(st.index) * st.chunkSize
	end := start + st.chunkSize
	if end > src.size {
		end = src.size
	}

	var data []byte
	if end > start {
		body, err := src.blob.DownloadRange(ctx, start, end-start, src.etag)
		if err != nil {
			return relay.Chunk{}, store.Classify(store.PhaseRead, statusCode(err), st.index, err)
		}
		defer body.Close() //nolint:errcheck

		data = make([]byte, end-start)
		if _, err := io.ReadFull(body, data); err != nil {
			return relay.Chunk{}, store.Classify(store.PhaseRead, 0, st.index, fmt.Errorf("read range body: %w", err))
		}
	}

	chunk := relay.Chunk{Index: st.index, Data: data, Last: end == src.size}
	st.index++
	st.done = chunk.Last
	return chunk, nil
}

func (st *rangeStream) Close() error {
	return nil
}

type session struct {
	id   string
	key  string
	blob BlobAPI
}

func (s *session) ID() string  { return s.id }
func (s *session) Key() string { return s.key }

// blockID returns the block ID of a chunk. IDs of one blob must all have the same length.
func blockID(sessionID string, index int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%05d", sessionID, index)))
}

// Sink writes block blobs.
type Sink struct {
	store *Store
}

// Sink returns the block blob sink of the container.
func (s *Store) Sink() *Sink {
	return &Sink{store: s}
}

// PartLimits returns the block blob limits.
func (sk *Sink) PartLimits() relay.PartLimits {
	return relay.PartLimits{MaxPartSize: MaxBlockSize, MaxParts: MaxBlocks}
}

// Open starts a block upload. Nothing is sent to the service until the first block.
func (sk *Sink) Open(_ context.Context, key string, _ int64) (relay.UploadSession, error) {
	if key == "" {
		return nil, relay.NewError(relay.KindDestinationUnavailable, "open session", fmt.Errorf("blob name must not be empty"))
	}
	return &session{id: uuid.NewString(), key: key, blob: sk.store.container.Blob(key)}, nil
}

// UploadPart stages chunk as an uncommitted block. An empty object has no blocks.
func (sk *Sink) UploadPart(ctx context.Context, us relay.UploadSession, chunk relay.Chunk) (relay.PartAck, error) {
	sess, ok := us.(*session)
	if !ok {
		return relay.PartAck{}, relay.NewChunkError(relay.KindSessionInvalid, "upload", chunk.Index, fmt.Errorf("foreign session %s", us.ID()))
	}
	if chunk.Size() == 0 {
		return relay.PartAck{Index: chunk.Index}, nil
	}

	id := blockID(sess.id, chunk.Index)
	if err := sess.blob.StageBlock(ctx, id, chunk.Data); err != nil {
		return relay.PartAck{}, store.Classify(store.PhaseUpload, statusCode(err), chunk.Index, err)
	}
	return relay.PartAck{Index: chunk.Index, Token: id, Size: chunk.Size()}, nil
}

// Finalize commits the staged blocks in index order.
func (sk *Sink) Finalize(ctx context.Context, us relay.UploadSession, acks []relay.PartAck) error {
	sess, ok := us.(*session)
	if !ok {
		return relay.NewError(relay.KindSessionInvalid, "finalize", fmt.Errorf("foreign session %s", us.ID()))
	}

	ids := make([]string, 0, len(acks))
	for _, ack := range acks {
		if ack.Token != "" {
			ids = append(ids, ack.Token)
		}
	}

	if err := sess.blob.CommitBlockList(ctx, ids); err != nil {
		return store.Classify(store.PhaseFinalize, statusCode(err), -1, err)
	}
	sk.store.logger.Debugf("Committed %d blocks to %s", len(ids), sk.store.Location(sess.key))
	return nil
}

// Abort leaves the staged blocks behind; the service discards uncommitted blocks after a week.
func (sk *Sink) Abort(_ context.Context, us relay.UploadSession) error {
	sk.store.logger.Debugf("Leaving uncommitted blocks of %s to expire", sk.store.Location(us.Key()))
	return nil
}
