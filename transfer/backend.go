package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectrelay/config"
	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-objectrelay/store/azurestore"
	"github.com/bitrise-io/go-objectrelay/store/httpstore"
	"github.com/bitrise-io/go-objectrelay/store/miniostore"
	"github.com/bitrise-io/go-objectrelay/store/s3store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnsupported is returned by backends for operations their provider cannot do.
var ErrUnsupported = errors.New("not supported by the provider")

// Backend is one configured end of a transfer.
type Backend interface {
	store.ObjectStore
	Location(key string) store.Location
	OpenSource(ctx context.Context, key string) (relay.ChunkSource, error)
	Sink() relay.ChunkSink
}

// Factory creates the backend of an endpoint.
type Factory interface {
	Backend(ctx context.Context, endpoint config.Endpoint) (Backend, error)
}

type defaultFactory struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewFactory returns the factory of the real providers.
func NewFactory(logger log.Logger) Factory {
	return defaultFactory{httpClient: httpstore.NewClient(logger), logger: logger}
}

func (f defaultFactory) Backend(ctx context.Context, e config.Endpoint) (Backend, error) {
	switch e.Provider {
	case config.ProviderS3:
		client, err := s3store.NewClient(ctx, s3store.Params{
			Region:          e.Region,
			Bucket:          e.Bucket,
			AccessKeyID:     e.AccessKeyID,
			SecretAccessKey: string(e.SecretAccessKey),
			Endpoint:        e.Endpoint,
			UsePathStyle:    e.UsePathStyle,
		}, f.logger)
		if err != nil {
			return nil, err
		}
		s := s3store.NewFromClient(client, e.Bucket, f.logger, s3store.WithPublicRead(e.Public))
		return &s3Backend{Store: s, endpoint: e, httpClient: f.httpClient, logger: f.logger}, nil
	case config.ProviderMinio:
		core, err := miniostore.NewClient(miniostore.Params{
			Endpoint:        e.Endpoint,
			Region:          e.Region,
			AccessKeyID:     e.AccessKeyID,
			SecretAccessKey: string(e.SecretAccessKey),
			Secure:          !e.Insecure,
		})
		if err != nil {
			return nil, err
		}
		return &minioBackend{Store: miniostore.New(core, e.Bucket, f.logger)}, nil
	case config.ProviderAzure:
		container, err := azurestore.NewContainer(azurestore.Params{
			ConnectionString: string(e.ConnectionString),
			AccountName:      e.AccountName,
			AccountKey:       string(e.AccountKey),
			Container:        e.Bucket,
		})
		if err != nil {
			return nil, err
		}
		s := azurestore.New(container, e.Bucket, f.logger)
		return &azureBackend{Store: s, endpoint: e, httpClient: f.httpClient, logger: f.logger}, nil
	case config.ProviderHTTP:
		return &httpBackend{url: e.URL, client: f.httpClient, logger: f.logger}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", e.Provider)
}

type s3Backend struct {
	*s3store.Store
	endpoint   config.Endpoint
	httpClient *retryablehttp.Client
	logger     log.Logger
}

func (b *s3Backend) OpenSource(ctx context.Context, key string) (relay.ChunkSource, error) {
	switch {
	case b.endpoint.Public && b.endpoint.Endpoint == "":
		objectURL := fmt.Sprintf("https://s3.amazonaws.com/%s/%s", b.endpoint.Bucket, escapeKey(key))
		return httpSource(ctx, b.httpClient, objectURL, b.logger)
	case b.endpoint.Presign:
		presigned, err := b.Presign(ctx, key, time.Duration(b.endpoint.URLExpiry))
		if err != nil {
			return nil, relay.NewError(relay.KindSourceUnavailable, "open source", err)
		}
		return httpSource(ctx, b.httpClient, presigned, b.logger)
	}
	src, err := b.NewSource(ctx, key)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (b *s3Backend) Sink() relay.ChunkSink {
	return b.Store.Sink()
}

type minioBackend struct {
	*miniostore.Store
}

func (b *minioBackend) OpenSource(ctx context.Context, key string) (relay.ChunkSource, error) {
	src, err := b.NewSource(ctx, key)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (b *minioBackend) Sink() relay.ChunkSink {
	return b.Store.Sink()
}

type azureBackend struct {
	*azurestore.Store
	endpoint   config.Endpoint
	httpClient *retryablehttp.Client
	logger     log.Logger
}

func (b *azureBackend) OpenSource(ctx context.Context, key string) (relay.ChunkSource, error) {
	if b.endpoint.Presign {
		sasURL, err := b.SASURL(key, time.Duration(b.endpoint.URLExpiry))
		if err != nil {
			return nil, relay.NewError(relay.KindSourceUnavailable, "open source", err)
		}
		return httpSource(ctx, b.httpClient, sasURL, b.logger)
	}
	src, err := b.NewSource(ctx, key)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (b *azureBackend) Sink() relay.ChunkSink {
	return b.Store.Sink()
}

// httpBackend is a read-only URL.
type httpBackend struct {
	url    string
	client *retryablehttp.Client
	logger log.Logger
}

func (b *httpBackend) Location(string) store.Location {
	u, err := url.Parse(b.url)
	if err != nil {
		return store.Location{Provider: config.ProviderHTTP, Key: b.url}
	}
	return store.Location{Provider: u.Scheme, Container: u.Host, Key: strings.TrimPrefix(u.Path, "/")}
}

func (b *httpBackend) OpenSource(ctx context.Context, _ string) (relay.ChunkSource, error) {
	return httpSource(ctx, b.client, b.url, b.logger)
}

func (b *httpBackend) Sink() relay.ChunkSink {
	return nil
}

func (b *httpBackend) Exists(context.Context, string) (bool, error) {
	return false, fmt.Errorf("exists: %w", ErrUnsupported)
}

func (b *httpBackend) Delete(context.Context, string) error {
	return fmt.Errorf("delete: %w", ErrUnsupported)
}

func httpSource(ctx context.Context, client *retryablehttp.Client, rawURL string, logger log.Logger) (relay.ChunkSource, error) {
	src, err := httpstore.NewSource(ctx, client, rawURL, logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
