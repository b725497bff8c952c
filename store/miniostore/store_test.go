package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	uploads    map[string]map[int][]byte
	uploadKeys map[string]string
	aborted    []string
	failParts  map[int]error
	ranges     [][2]int64
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		objects:    map[string][]byte{},
		uploads:    map[string]map[int][]byte{},
		uploadKeys: map[string]string{},
		failParts:  map[int]error{},
	}
}

func notFound() error {
	return minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchKey"}
}

func (f *fakeCore) StatObject(_ context.Context, _, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[object]
	if !ok {
		return minio.ObjectInfo{}, notFound()
	}
	return minio.ObjectInfo{Key: object, Size: int64(len(data)), ETag: fmt.Sprintf("etag-%d", len(data))}, nil
}

func (f *fakeCore) GetObject(_ context.Context, _, object string, opts minio.GetObjectOptions) (io.ReadCloser, minio.ObjectInfo, http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[object]
	if !ok {
		return nil, minio.ObjectInfo{}, nil, notFound()
	}

	var start, end int64
	if _, err := fmt.Sscanf(opts.Header().Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		return nil, minio.ObjectInfo{}, nil, err
	}
	f.ranges = append(f.ranges, [2]int64{start, end})
	return io.NopCloser(bytes.NewReader(data[start : end+1])), minio.ObjectInfo{}, nil, nil
}

func (f *fakeCore) RemoveObject(_ context.Context, _, object string, _ minio.RemoveObjectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, object)
	return nil
}

func (f *fakeCore) NewMultipartUpload(_ context.Context, _, object string, _ minio.PutObjectOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := fmt.Sprintf("upload-%d", len(f.uploadKeys)+1)
	f.uploads[id] = map[int][]byte{}
	f.uploadKeys[id] = object
	return id, nil
}

func (f *fakeCore) PutObjectPart(_ context.Context, _, _, uploadID string, partID int, data io.Reader, size int64, _ minio.PutObjectPartOptions) (minio.ObjectPart, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return minio.ObjectPart{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts, ok := f.uploads[uploadID]
	if !ok {
		return minio.ObjectPart{}, minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchUpload"}
	}
	if err, ok := f.failParts[partID]; ok {
		delete(f.failParts, partID)
		return minio.ObjectPart{}, err
	}
	if int64(len(body)) != size {
		return minio.ObjectPart{}, minio.ErrorResponse{StatusCode: http.StatusBadRequest, Code: "IncompleteBody"}
	}
	parts[partID] = body
	return minio.ObjectPart{PartNumber: partID, ETag: fmt.Sprintf("part-%d-%d", partID, len(body)), Size: size}, nil
}

func (f *fakeCore) CompleteMultipartUpload(_ context.Context, _, _, uploadID string, parts []minio.CompletePart, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.uploads[uploadID]
	if !ok {
		return minio.UploadInfo{}, minio.ErrorResponse{StatusCode: http.StatusNotFound, Code: "NoSuchUpload"}
	}

	var object []byte
	for i, part := range parts {
		data, ok := stored[part.PartNumber]
		if !ok || part.PartNumber != i+1 || part.ETag != fmt.Sprintf("part-%d-%d", part.PartNumber, len(data)) {
			return minio.UploadInfo{}, minio.ErrorResponse{StatusCode: http.StatusBadRequest, Code: "InvalidPart"}
		}
		object = append(object, data...)
	}
	f.objects[f.uploadKeys[uploadID]] = object
	delete(f.uploads, uploadID)
	return minio.UploadInfo{}, nil
}

func (f *fakeCore) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, uploadID)
	delete(f.uploads, uploadID)
	return nil
}

func runTransfer(t *testing.T, source relay.ChunkSource, sink relay.ChunkSink) relay.TransferResult {
	t.Helper()

	spec := relay.DefaultTransferSpec("minio://src/object", "copy")
	spec.ChunkSize = MinPartSize
	spec.MaxInFlightBytes = 2 * MinPartSize
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	tr, err := relay.NewTransfer(spec, source, sink, relay.WithLogger(log.NewLogger()), relay.WithSleep(noSleep))
	require.NoError(t, err)
	return tr.Start(context.Background())
}

func TestStore_Relay(t *testing.T) {
	data := make([]byte, 12*1024*1024)
	rand.New(rand.NewSource(1)).Read(data)

	src := newFakeCore()
	src.objects["object"] = data
	dst := newFakeCore()
	dst.failParts[2] = errors.New("connection reset by peer")

	source, err := New(src, "src", log.NewLogger()).NewSource(context.Background(), "object")
	require.NoError(t, err)

	result := runTransfer(t, source, New(dst, "dst", log.NewLogger()).Sink())

	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Chunks)
	assert.True(t, bytes.Equal(data, dst.objects["copy"]))
	assert.Equal(t, [][2]int64{{0, MinPartSize - 1}, {MinPartSize, 2*MinPartSize - 1}, {2 * MinPartSize, int64(len(data)) - 1}}, src.ranges)
}

func TestStore_ForbiddenPartFailsTransfer(t *testing.T) {
	src := newFakeCore()
	src.objects["object"] = make([]byte, 6*1024*1024)
	dst := newFakeCore()
	dst.failParts[1] = minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}

	source, err := New(src, "src", log.NewLogger()).NewSource(context.Background(), "object")
	require.NoError(t, err)

	result := runTransfer(t, source, New(dst, "dst", log.NewLogger()).Sink())

	assert.Equal(t, relay.StateFailed, result.State)
	assert.ErrorIs(t, result.Err, relay.ErrDestinationUnavailable)
	assert.Len(t, dst.aborted, 1)
}

func TestStore_MissingSource(t *testing.T) {
	s := New(newFakeCore(), "src", log.NewLogger())

	_, err := s.NewSource(context.Background(), "missing")
	assert.ErrorIs(t, err, relay.ErrSourceUnavailable)

	exists, err := s.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_Delete(t *testing.T) {
	fake := newFakeCore()
	fake.objects["a"] = []byte("x")
	s := New(fake, "bucket", log.NewLogger())

	exists, err := s.Exists(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(context.Background(), "a"))
	assert.NotContains(t, fake.objects, "a")
	assert.Equal(t, "minio://bucket/a", s.Location("a").String())
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(Params{})
	assert.Error(t, err)

	core, err := NewClient(Params{Endpoint: "localhost:9000", AccessKeyID: "id", SecretAccessKey: "secret"})
	require.NoError(t, err)
	assert.NotNil(t, core)
}
