package httpstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/relay/memstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type objectServer struct {
	t       *testing.T
	mu      sync.Mutex
	data    []byte
	etag    string
	ranges  bool
	fail    map[string]int
	fetches []string
}

func newObjectServer(t *testing.T, data []byte, ranges bool) (*objectServer, *httptest.Server) {
	o := &objectServer{t: t, data: data, etag: `"v1"`, ranges: ranges, fail: map[string]int{}}
	svr := httptest.NewServer(o)
	t.Cleanup(svr.Close)
	return o, svr
}

func (o *objectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rangeHeader := r.Header.Get("Range")
	o.fetches = append(o.fetches, rangeHeader)

	if n := o.fail[rangeHeader]; n > 0 {
		o.fail[rangeHeader] = n - 1
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if match := r.Header.Get("If-Match"); match != "" && match != o.etag {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	w.Header().Set("ETag", o.etag)
	if !o.ranges || rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(o.data)))
		_, err := w.Write(o.data)
		require.NoError(o.t, err)
		return
	}

	var from, to int
	_, err := fmt.Sscanf(strings.TrimPrefix(rangeHeader, "bytes="), "%d-%d", &from, &to)
	require.NoError(o.t, err)

	if from >= len(o.data) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", len(o.data)))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if to >= len(o.data) {
		to = len(o.data) - 1
	}

	chunk := o.data[from : to+1]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", from, to, len(o.data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
	w.WriteHeader(http.StatusPartialContent)
	_, err = w.Write(chunk)
	require.NoError(o.t, err)
}

func testClient() *retryablehttp.Client {
	client := NewClient(log.NewLogger())
	client.RetryMax = 1
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = time.Millisecond
	return client
}

func runTransfer(t *testing.T, source relay.ChunkSource, sink *memstore.Sink, chunkSize int64) relay.TransferResult {
	t.Helper()

	spec := relay.DefaultTransferSpec("http://object", "copy")
	spec.ChunkSize = chunkSize
	spec.MinChunkSize = 0
	spec.MaxInFlightBytes = 2 * chunkSize
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	tr, err := relay.NewTransfer(spec, source, sink, relay.WithLogger(log.NewLogger()), relay.WithSleep(noSleep))
	require.NoError(t, err)
	return tr.Start(context.Background())
}

func randomData(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func TestSource_Ranged(t *testing.T) {
	data := randomData(10*1024 + 5)
	o, svr := newObjectServer(t, data, true)
	o.fail["bytes=4096-6143"] = 1

	source, err := NewSource(context.Background(), testClient(), svr.URL+"/object?X-Signature=secret", log.NewLogger())
	require.NoError(t, err)
	assert.True(t, source.Ranged())
	assert.Equal(t, int64(len(data)), source.SizeHint())

	sink := memstore.NewSink()
	result := runTransfer(t, source, sink, 2048)

	require.NoError(t, result.Err)
	assert.Equal(t, 6, result.Chunks)
	copied, ok := sink.Object("copy")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, copied))
	assert.Equal(t, []string{
		"bytes=0-0",
		"bytes=0-2047", "bytes=2048-4095", "bytes=4096-6143", "bytes=4096-6143",
		"bytes=6144-8191", "bytes=8192-10239", "bytes=10240-10244",
	}, o.fetches)
}

func TestSource_SequentialWithoutRangeSupport(t *testing.T) {
	data := randomData(5000)
	_, svr := newObjectServer(t, data, false)

	source, err := NewSource(context.Background(), testClient(), svr.URL, log.NewLogger())
	require.NoError(t, err)
	assert.False(t, source.Ranged())
	assert.Equal(t, int64(5000), source.SizeHint())

	sink := memstore.NewSink()
	result := runTransfer(t, source, sink, 1024)

	require.NoError(t, result.Err)
	assert.Equal(t, 5, result.Chunks)
	copied, ok := sink.Object("copy")
	require.True(t, ok)
	assert.True(t, bytes.Equal(data, copied))
}

func TestSource_EmptyObject(t *testing.T) {
	_, svr := newObjectServer(t, nil, true)

	source, err := NewSource(context.Background(), testClient(), svr.URL, log.NewLogger())
	require.NoError(t, err)
	assert.Equal(t, int64(0), source.SizeHint())

	sink := memstore.NewSink()
	result := runTransfer(t, source, sink, 1024)

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Chunks)
	copied, ok := sink.Object("copy")
	require.True(t, ok)
	assert.Empty(t, copied)
}

func TestSource_ChangedObjectIsCorrupt(t *testing.T) {
	o, svr := newObjectServer(t, randomData(4096), true)

	source, err := NewSource(context.Background(), testClient(), svr.URL, log.NewLogger())
	require.NoError(t, err)

	o.mu.Lock()
	o.etag = `"v2"`
	o.mu.Unlock()

	result := runTransfer(t, source, memstore.NewSink(), 1024)

	assert.Equal(t, relay.StateFailed, result.State)
	assert.ErrorIs(t, result.Err, relay.ErrSourceCorrupt)
}

func TestNewSource_Unavailable(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer svr.Close()

	tests := []struct {
		name string
		url  string
	}{
		{name: "not found", url: svr.URL + "/missing"},
		{name: "forbidden", url: svr.URL + "/forbidden"},
		{name: "unsupported scheme", url: "ftp://example.com/object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSource(context.Background(), testClient(), tt.url, log.NewLogger())
			assert.ErrorIs(t, err, relay.ErrSourceUnavailable)
		})
	}
}

func TestTotalFromContentRange(t *testing.T) {
	size, err := totalFromContentRange("bytes 0-0/1234")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), size)

	size, err = totalFromContentRange("bytes 0-0/*")
	require.NoError(t, err)
	assert.Equal(t, relay.SizeUnknown, size)

	_, err = totalFromContentRange("items 0-0/12")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://bucket.s3.amazonaws.com/key", redact("https://bucket.s3.amazonaws.com/key?X-Amz-Signature=abc"))
}

func TestCustomRetryFunction(t *testing.T) {
	retry := createCustomRetryFunction(log.NewLogger())

	ok, _ := retry(context.Background(), &http.Response{StatusCode: http.StatusBadGateway}, nil)
	assert.True(t, ok)

	ok, _ = retry(context.Background(), &http.Response{StatusCode: http.StatusNotFound}, nil)
	assert.False(t, ok)

	ok, _ = retry(context.Background(), nil, io.ErrUnexpectedEOF)
	assert.True(t, ok)
}

type warnRecorder struct {
	log.Logger
	warnings []string
}

func (r *warnRecorder) Warnf(format string, v ...interface{}) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, v...))
}

type failingCloser struct {
	io.Reader
}

func (failingCloser) Close() error {
	return errors.New("connection 100% reset")
}

func TestCloseBody(t *testing.T) {
	logger := &warnRecorder{Logger: log.NewLogger()}

	closeBody(failingCloser{Reader: strings.NewReader("")}, logger)
	closeBody(io.NopCloser(strings.NewReader("")), logger)

	assert.Equal(t, []string{"Failed to close response body: connection 100% reset"}, logger.warnings)
}
