package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Multipart limits of S3.
const (
	MinPartSize int64 = 5 * 1024 * 1024
	MaxPartSize int64 = 5 * 1024 * 1024 * 1024
	MaxParts          = 10000
)

// Option configures a Store.
type Option func(*Store)

// WithPublicRead makes uploaded objects publicly readable.
func WithPublicRead(public bool) Option {
	return func(s *Store) {
		if public {
			s.acl = types.ObjectCannedACLPublicRead
		} else {
			s.acl = types.ObjectCannedACLPrivate
		}
	}
}

// WithPresigner enables Presign.
func WithPresigner(p Presigner) Option {
	return func(s *Store) { s.presigner = p }
}

// WithMetadataRetryWait sets the pause between retried metadata calls.
func WithMetadataRetryWait(d time.Duration) Option {
	return func(s *Store) { s.metadataWait = d }
}

// Store is one S3 bucket.
type Store struct {
	client       API
	presigner    Presigner
	bucket       string
	acl          types.ObjectCannedACL
	metadataWait time.Duration
	logger       log.Logger
}

// New creates a store on bucket.
func New(client API, bucket string, logger log.Logger, opts ...Option) *Store {
	s := &Store{
		client:       client,
		bucket:       bucket,
		acl:          types.ObjectCannedACLPrivate,
		metadataWait: store.DefaultMetadataRetryWait,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromClient creates a store with presigning support.
func NewFromClient(client *s3.Client, bucket string, logger log.Logger, opts ...Option) *Store {
	opts = append([]Option{WithPresigner(s3.NewPresignClient(client))}, opts...)
	return New(client, bucket, logger, opts...)
}

// Location names key in the bucket.
func (s *Store) Location(key string) store.Location {
	return store.Location{Provider: "s3", Container: s.bucket, Key: key}
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.head(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := store.RetryMetadata(ctx, s.metadataWait, func(attempt uint) (error, bool) {
		resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return store.ErrNotFound, true
			}
			s.logger.Debugf("head %s (attempt %d): %s", key, attempt, err)
			return fmt.Errorf("head object: %w", err), false
		}
		out = resp
		return nil, true
	})
	return out, err
}

// Delete removes key. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return store.RetryMetadata(ctx, s.metadataWait, func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return nil, true
			}
			return fmt.Errorf("delete object: %w", err), false
		}
		return nil, true
	})
}

// Presign returns a URL that allows reading key until expiry.
func (s *Store) Presign(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if s.presigner == nil {
		return "", fmt.Errorf("presigning is not configured")
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return req.URL, nil
}

// NewSource looks up key and returns a source reading it.
func (s *Store) NewSource(ctx context.Context, key string) (*Source, error) {
	out, err := s.head(ctx, key)
	if err != nil {
		return nil, relay.NewError(relay.KindSourceUnavailable, "open source", fmt.Errorf("%s: %w", s.Location(key), err))
	}

	return &Source{
		store: s,
		key:   key,
		size:  aws.ToInt64(out.ContentLength),
		etag:  aws.ToString(out.ETag),
	}, nil
}

// Source reads one S3 object with ranged GETs. Every chunk can be read again, and all reads are
// pinned to the ETag seen at lookup so a concurrent overwrite fails the transfer.
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
		out, err := src.store.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket:  aws.String(src.store.bucket),
			Key:     aws.String(src.key),
			Range:   aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1)),
			IfMatch: aws.String(src.etag),
		})
		if err != nil {
			return relay.Chunk{}, store.Classify(store.PhaseRead, statusCode(err), st.index, err)
		}
		defer out.Body.Close() //nolint:errcheck

		data = make([]byte, end-start)
		if _, err := io.ReadFull(out.Body, data); err != nil {
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

// Sink writes objects with S3 multipart uploads.
type Sink struct {
	store *Store
}

// Sink returns the multipart sink of the bucket.
func (s *Store) Sink() *Sink {
	return &Sink{store: s}
}

// PartLimits returns the S3 multipart limits.
func (sk *Sink) PartLimits() relay.PartLimits {
	return relay.PartLimits{MinPartSize: MinPartSize, MaxPartSize: MaxPartSize, MaxParts: MaxParts}
}

// Open creates a multipart upload for key.
func (sk *Sink) Open(ctx context.Context, key string, _ int64) (relay.UploadSession, error) {
	out, err := sk.store.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(sk.store.bucket),
		Key:    aws.String(key),
		ACL:    sk.store.acl,
	})
	if err != nil {
		return nil, store.Classify(store.PhaseSinkOpen, statusCode(err), -1, fmt.Errorf("create multipart upload for %s: %w", sk.store.Location(key), err))
	}

	return &session{uploadID: aws.ToString(out.UploadId), key: key}, nil
}

// UploadPart uploads chunk as part number index+1.
func (sk *Sink) UploadPart(ctx context.Context, us relay.UploadSession, chunk relay.Chunk) (relay.PartAck, error) {
	out, err := sk.store.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(sk.store.bucket),
		Key:           aws.String(us.Key()),
		UploadId:      aws.String(us.ID()),
		PartNumber:    aws.Int32(int32(chunk.Index + 1)),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(chunk.Size()),
	})
	if err != nil {
		return relay.PartAck{}, store.Classify(store.PhaseUpload, statusCode(err), chunk.Index, err)
	}

	return relay.PartAck{Index: chunk.Index, Token: aws.ToString(out.ETag), Size: chunk.Size()}, nil
}

// Finalize completes the multipart upload.
func (sk *Sink) Finalize(ctx context.Context, us relay.UploadSession, acks []relay.PartAck) error {
	parts := make([]types.CompletedPart, 0, len(acks))
	for _, ack := range acks {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(ack.Token),
			PartNumber: aws.Int32(int32(ack.Index + 1)),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	_, err := sk.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(sk.store.bucket),
		Key:             aws.String(us.Key()),
		UploadId:        aws.String(us.ID()),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return store.Classify(store.PhaseFinalize, statusCode(err), -1, err)
	}

	sk.store.logger.Debugf("Completed multipart upload of %s with %d parts", sk.store.Location(us.Key()), len(parts))
	return nil
}

// Abort aborts the multipart upload and frees its parts.
func (sk *Sink) Abort(ctx context.Context, us relay.UploadSession) error {
	_, err := sk.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(sk.store.bucket),
		Key:      aws.String(us.Key()),
		UploadId: aws.String(us.ID()),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload %s: %w", us.ID(), err)
	}
	return nil
}
