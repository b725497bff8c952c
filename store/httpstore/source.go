// Package httpstore reads objects from plain or presigned HTTP(S) URLs. Servers that honour
// range requests are read chunk by chunk; others are streamed once from a single response.
package httpstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// NewClient returns the retrying client used for probing a URL.
func NewClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCustomRetryFunction(logger)
	return client
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// Source is an object behind a URL.
type Source struct {
	client *retryablehttp.Client
	url    string
	logger log.Logger

	size   int64
	etag   string
	ranged bool
}

// NewSource probes rawURL with a one byte range request to learn the object size and whether
// the server supports ranges.
func NewSource(ctx context.Context, client *retryablehttp.Client, rawURL string, logger log.Logger) (*Source, error) {
	unavailable := func(err error) error {
		return relay.NewError(relay.KindSourceUnavailable, "open source", fmt.Errorf("%s: %w", redact(rawURL), err))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, unavailable(err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, unavailable(fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, unavailable(err)
	}
	defer closeBody(resp.Body, logger)

	src := &Source{client: client, url: rawURL, logger: logger, etag: resp.Header.Get("ETag")}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size, err := totalFromContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, unavailable(err)
		}
		src.size = size
		src.ranged = size != relay.SizeUnknown
	case http.StatusRequestedRangeNotSatisfiable:
		// Only an empty object has no byte 0.
		src.size = 0
		src.ranged = true
	case http.StatusOK:
		src.size = resp.ContentLength
		if src.size < 0 {
			src.size = relay.SizeUnknown
		}
	default:
		return nil, unavailable(unwrapError(resp))
	}

	logger.Debugf("Probed %s: size=%d ranged=%v", redact(rawURL), src.size, src.ranged)
	return src, nil
}

// SizeHint returns the probed size, or relay.SizeUnknown.
func (src *Source) SizeHint() int64 {
	return src.size
}

// Ranged reports whether chunks are fetched with range requests.
func (src *Source) Ranged() bool {
	return src.ranged
}

// Open starts reading the object. Chunk requests go through the plain HTTP client; the relay
// retries failed chunks itself.
func (src *Source) Open(ctx context.Context, chunkSize int64) (relay.SourceStream, error) {
	if chunkSize <= 0 {
		return nil, relay.NewError(relay.KindInvalidSpec, "open source", fmt.Errorf("invalid chunk size %d", chunkSize))
	}
	if src.ranged {
		return &rangeStream{source: src, chunkSize: chunkSize}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return nil, relay.NewError(relay.KindSourceUnavailable, "open source", err)
	}
	resp, err := src.client.HTTPClient.Do(req)
	if err != nil {
		return nil, store.Classify(store.PhaseSourceOpen, 0, -1, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close() //nolint:errcheck
		return nil, store.Classify(store.PhaseSourceOpen, resp.StatusCode, -1, unwrapError(resp))
	}
	return relay.NewReaderStream(resp.Body, chunkSize, src.size), nil
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
		var err error
		if data, err = st.fetch(ctx, start, end); err != nil {
			return relay.Chunk{}, err
		}
	}

	chunk := relay.Chunk{Index: st.index, Data: data, Last: end == src.size}
	st.index++
	st.done = chunk.Last
	return chunk, nil
}

func (st *rangeStream) fetch(ctx context.Context, start, end int64) ([]byte, error) {
	src := st.source

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.url, nil)
	if err != nil {
		return nil, relay.NewChunkError(relay.KindSourceCorrupt, "read", st.index, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	if src.etag != "" {
		req.Header.Set("If-Match", src.etag)
	}

	resp, err := src.client.HTTPClient.Do(req)
	if err != nil {
		return nil, store.Classify(store.PhaseRead, 0, st.index, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusPartialContent {
		return nil, store.Classify(store.PhaseRead, resp.StatusCode, st.index, unwrapError(resp))
	}

	data := make([]byte, end-start)
	if _, err := io.ReadFull(resp.Body, data); err != nil {
		return nil, store.Classify(store.PhaseRead, 0, st.index, fmt.Errorf("read range body: %w", err))
	}
	return data, nil
}

func (st *rangeStream) Close() error {
	return nil
}

// totalFromContentRange parses the complete length of a "bytes 0-0/1234" header.
func totalFromContentRange(header string) (int64, error) {
	slash := strings.LastIndex(header, "/")
	if !strings.HasPrefix(header, "bytes ") || slash < 0 {
		return 0, fmt.Errorf("invalid Content-Range header %q", header)
	}

	total := header[slash+1:]
	if total == "*" {
		return relay.SizeUnknown, nil
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range header %q", header)
	}
	return size, nil
}

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}

// redact drops the query of a URL, which carries the signature of presigned URLs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid URL>"
	}
	u.RawQuery = ""
	return u.String()
}

func closeBody(body io.ReadCloser, logger log.Logger) {
	if err := body.Close(); err != nil {
		logger.Warnf("Failed to close response body: %s", err)
	}
}
