// Package miniostore adapts S3 compatible services (MinIO, Ceph, Wasabi and the like) to the
// relay through the minio-go Core API.
package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Multipart limits of the S3 protocol.
const (
	MinPartSize int64 = 5 * 1024 * 1024
	MaxPartSize int64 = 5 * 1024 * 1024 * 1024
	MaxParts          = 10000
)

// API is the part of minio.Core the store uses.
type API interface {
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	GetObject(ctx context.Context, bucket, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	PutObjectPart(ctx context.Context, bucket, object, uploadID string, partID int, data io.Reader, size int64, opts minio.PutObjectPartOptions) (minio.ObjectPart, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
}

var _ API = (*minio.Core)(nil)

// Params configures the client.
type Params struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
}

// NewClient creates a minio Core client.
func NewClient(params Params) (*minio.Core, error) {
	if params.Endpoint == "" {
		return nil, fmt.Errorf("endpoint must not be empty")
	}

	core, err := minio.NewCore(params.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(params.AccessKeyID, params.SecretAccessKey, ""),
		Secure: params.Secure,
		Region: params.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return core, nil
}

// Store is one bucket of an S3 compatible service.
type Store struct {
	client       API
	bucket       string
	metadataWait time.Duration
	logger       log.Logger
}

// New creates a store on bucket.
func New(client API, bucket string, logger log.Logger) *Store {
	return &Store{client: client, bucket: bucket, metadataWait: store.DefaultMetadataRetryWait, logger: logger}
}

// Location names key in the bucket.
func (s *Store) Location(key string) store.Location {
	return store.Location{Provider: "minio", Container: s.bucket, Key: key}
}

func statusCode(err error) int {
	return minio.ToErrorResponse(err).StatusCode
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

func (s *Store) stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	var info minio.ObjectInfo
	err := store.RetryMetadata(ctx, s.metadataWait, func(attempt uint) (error, bool) {
		var err error
		info, err = s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			if isNotFound(err) {
				return store.ErrNotFound, true
			}
			s.logger.Debugf("stat %s (attempt %d): %s", key, attempt, err)
			return fmt.Errorf("stat object: %w", err), false
		}
		return nil, true
	})
	return info, err
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.stat(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return store.RetryMetadata(ctx, s.metadataWait, func(attempt uint) (error, bool) {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove object: %w", err), false
		}
		return nil, true
	})
}

// NewSource looks up key and returns a source reading it.
func (s *Store) NewSource(ctx context.Context, key string) (*Source, error) {
	info, err := s.stat(ctx, key)
	if err != nil {
		return nil, relay.NewError(relay.KindSourceUnavailable, "open source", fmt.Errorf("%s: %w", s.Location(key), err))
	}
	return &Source{store: s, key: key, size: info.Size, etag: info.ETag}, nil
}

// Source reads an object with ranged GETs pinned to its ETag.
type Source struct {
	store *Store
	key   string
	size  int64
	etag  string
}

// SizeHint returns the object size.
func (src *Source) SizeHint() int64 {
	return src.size
}

// Open starts reading the object.
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
		opts := minio.GetObjectOptions{}
		if err := opts.SetRange(start, end-1); err != nil {
			return relay.Chunk{}, relay.NewChunkError(relay.KindSourceCorrupt, "read", st.index, err)
		}
		if src.etag != "" {
			if err := opts.SetMatchETag(src.etag); err != nil {
				return relay.Chunk{}, relay.NewChunkError(relay.KindSourceCorrupt, "read", st.index, err)
			}
		}

		body, _, _, err := src.store.client.GetObject(ctx, src.store.bucket, src.key, opts)
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
	uploadID string
	key      string
}

func (s *session) ID() string  { return s.uploadID }
func (s *session) Key() string { return s.key }

// Sink writes objects with multipart uploads.
type Sink struct {
	store *Store
}

// Sink returns the multipart sink of the bucket.
func (s *Store) Sink() *Sink {
	return &Sink{store: s}
}

// PartLimits returns the S3 protocol limits.
func (sk *Sink) PartLimits() relay.PartLimits {
	return relay.PartLimits{MinPartSize: MinPartSize, MaxPartSize: MaxPartSize, MaxParts: MaxParts}
}

// Open starts a multipart upload.
func (sk *Sink) Open(ctx context.Context, key string, _ int64) (relay.UploadSession, error) {
	id, err := sk.store.client.NewMultipartUpload(ctx, sk.store.bucket, key, minio.PutObjectOptions{})
	if err != nil {
		return nil, store.Classify(store.PhaseSinkOpen, statusCode(err), -1, fmt.Errorf("new multipart upload for %s: %w", sk.store.Location(key), err))
	}
	return &session{uploadID: id, key: key}, nil
}

// UploadPart uploads chunk as part number index+1.
func (sk *Sink) UploadPart(ctx context.Context, us relay.UploadSession, chunk relay.Chunk) (relay.PartAck, error) {
	part, err := sk.store.client.PutObjectPart(ctx, sk.store.bucket, us.Key(), us.ID(), chunk.Index+1,
		bytes.NewReader(chunk.Data), chunk.Size(), minio.PutObjectPartOptions{})
	if err != nil {
		return relay.PartAck{}, store.Classify(store.PhaseUpload, statusCode(err), chunk.Index, err)
	}
	return relay.PartAck{Index: chunk.Index, Token: part.ETag, Size: chunk.Size()}, nil
}

// Finalize completes the multipart upload.
func (sk *Sink) Finalize(ctx context.Context, us relay.UploadSession, acks []relay.PartAck) error {
	parts := make([]minio.CompletePart, 0, len(acks))
	for _, ack := range acks {
		parts = append(parts, minio.CompletePart{PartNumber: ack.Index + 1, ETag: ack.Token})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	if _, err := sk.store.client.CompleteMultipartUpload(ctx, sk.store.bucket, us.Key(), us.ID(), parts, minio.PutObjectOptions{}); err != nil {
		return store.Classify(store.PhaseFinalize, statusCode(err), -1, err)
	}
	return nil
}

// Abort aborts the multipart upload.
func (sk *Sink) Abort(ctx context.Context, us relay.UploadSession) error {
	if err := sk.store.client.AbortMultipartUpload(ctx, sk.store.bucket, us.Key(), us.ID()); err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", us.ID(), err)
	}
	return nil
}
