package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectrelay/config"
	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/relay/memstore"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBackend struct {
	name      string
	source    *memstore.Source
	sink      *memstore.Sink
	existsErr error
}

func (b *memBackend) Location(key string) store.Location {
	return store.Location{Provider: "mem", Container: b.name, Key: key}
}

func (b *memBackend) Exists(ctx context.Context, key string) (bool, error) {
	if b.existsErr != nil {
		return false, b.existsErr
	}
	return b.sink.Exists(ctx, key)
}

func (b *memBackend) Delete(ctx context.Context, key string) error {
	return b.source.Delete(ctx, key)
}

func (b *memBackend) OpenSource(context.Context, string) (relay.ChunkSource, error) {
	return b.source, nil
}

func (b *memBackend) Sink() relay.ChunkSink {
	return b.sink
}

type memFactory map[string]*memBackend

func (f memFactory) Backend(_ context.Context, e config.Endpoint) (Backend, error) {
	b, ok := f[e.Bucket]
	if !ok {
		return nil, fmt.Errorf("no bucket %s", e.Bucket)
	}
	return b, nil
}

var objectData = []byte("the quick brown fox jumps over the lazy dog")

func newFixture(sinkOpts ...memstore.SinkOption) (memFactory, *memBackend, *memBackend) {
	src := &memBackend{name: "src", source: memstore.NewSource(objectData), sink: memstore.NewSink()}
	dst := &memBackend{name: "dst", source: memstore.NewSource(nil), sink: memstore.NewSink(sinkOpts...)}
	return memFactory{"src": src, "dst": dst}, src, dst
}

func newRequest(key string) Request {
	spec := relay.DefaultTransferSpec("", key)
	spec.ChunkSize = 8
	spec.MinChunkSize = 0
	spec.MaxInFlightBytes = 32

	return Request{
		Source:      config.Endpoint{Provider: "mem", Bucket: "src", Key: key},
		Destination: config.Endpoint{Provider: "mem", Bucket: "dst", Key: key},
		Spec:        spec,
	}
}

func newTestService(factory Factory, suffixes ...string) *Service {
	noSleep := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	opts := []Option{WithRelayOptions(relay.WithSleep(noSleep))}
	if len(suffixes) > 0 {
		next := 0
		opts = append(opts, WithSuffixFunc(func() string {
			suffix := suffixes[next%len(suffixes)]
			next++
			return suffix
		}))
	}
	return NewService(factory, log.NewLogger(), opts...)
}

func TestService_Run(t *testing.T) {
	factory, src, dst := newFixture()

	result, err := newTestService(factory).Run(context.Background(), newRequest("reports/fox.txt"))

	require.NoError(t, err)
	assert.Equal(t, relay.StateCompleted, result.Transfer.State)
	assert.Equal(t, "mem://src/reports/fox.txt", result.Source.String())
	assert.Equal(t, "mem://dst/reports/fox.txt", result.Destination.String())
	assert.Equal(t, int64(len(objectData)), result.Transfer.Bytes)
	assert.False(t, result.SourceDeleted)
	assert.False(t, src.source.Deleted())

	copied, ok := dst.sink.Object("reports/fox.txt")
	require.True(t, ok)
	assert.True(t, bytes.Equal(objectData, copied))
}

func TestService_UniqueDestinationName(t *testing.T) {
	factory, _, dst := newFixture()
	dst.sink.Put("fox.tar.gz", []byte("old"))
	dst.sink.Put("fox.tar_aaaaaa.gz", []byte("older"))

	result, err := newTestService(factory, "aaaaaa", "bbbbbb").Run(context.Background(), newRequest("fox.tar.gz"))

	require.NoError(t, err)
	assert.Equal(t, "fox.tar_bbbbbb.gz", result.Destination.Key)
	assert.Equal(t, "fox.tar_bbbbbb.gz", result.Transfer.Key)

	old, _ := dst.sink.Object("fox.tar.gz")
	assert.Equal(t, []byte("old"), old)
	copied, ok := dst.sink.Object("fox.tar_bbbbbb.gz")
	require.True(t, ok)
	assert.Equal(t, objectData, copied)
}

func TestService_Overwrite(t *testing.T) {
	factory, _, dst := newFixture()
	dst.sink.Put("fox.txt", []byte("old"))

	req := newRequest("fox.txt")
	req.Overwrite = true
	result, err := newTestService(factory, "unused").Run(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "fox.txt", result.Destination.Key)
	copied, _ := dst.sink.Object("fox.txt")
	assert.Equal(t, objectData, copied)
}

func TestService_NoFreeName(t *testing.T) {
	factory, _, dst := newFixture()
	dst.sink.Put("fox.txt", nil)
	dst.sink.Put("fox_same.txt", nil)

	_, err := newTestService(factory, "same").Run(context.Background(), newRequest("fox.txt"))

	assert.ErrorIs(t, err, relay.ErrDestinationUnavailable)
	assert.Equal(t, 0, dst.sink.Opens())
}

func TestService_DestinationLookupFails(t *testing.T) {
	factory, _, dst := newFixture()
	dst.existsErr = errors.New("access denied")

	_, err := newTestService(factory).Run(context.Background(), newRequest("fox.txt"))

	assert.ErrorIs(t, err, relay.ErrDestinationUnavailable)
}

func TestService_DeleteSource(t *testing.T) {
	factory, src, _ := newFixture()

	req := newRequest("fox.txt")
	req.DeleteSource = true
	result, err := newTestService(factory).Run(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, result.SourceDeleted)
	assert.True(t, src.source.Deleted())
}

func TestService_FailedTransferKeepsSource(t *testing.T) {
	factory, src, dst := newFixture(memstore.WithFinalizeError(errors.New("EntityTooSmall")))

	req := newRequest("fox.txt")
	req.DeleteSource = true
	result, err := newTestService(factory).Run(context.Background(), req)

	assert.ErrorIs(t, err, relay.ErrFinalize)
	assert.Equal(t, relay.StateFailed, result.Transfer.State)
	assert.False(t, result.SourceDeleted)
	assert.False(t, src.source.Deleted())
	assert.Equal(t, 1, dst.sink.Aborts())
}

func TestService_Canceled(t *testing.T) {
	factory, src, _ := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := newRequest("fox.txt")
	req.DeleteSource = true
	result, err := newTestService(factory).Run(ctx, req)

	assert.ErrorIs(t, err, relay.ErrCanceled)
	assert.Equal(t, relay.StateAborted, result.Transfer.State)
	assert.False(t, src.source.Deleted())
}

func TestService_SameObjectWithDelete(t *testing.T) {
	factory, src, _ := newFixture()

	req := newRequest("fox.txt")
	req.Destination = req.Source
	req.DeleteSource = true
	_, err := newTestService(factory).Run(context.Background(), req)

	assert.ErrorIs(t, err, relay.ErrInvalidSpec)
	assert.False(t, src.source.Deleted())
}

func TestService_UnknownBackend(t *testing.T) {
	factory, _, _ := newFixture()

	req := newRequest("fox.txt")
	req.Source.Bucket = "missing"
	_, err := newTestService(factory).Run(context.Background(), req)
	assert.ErrorIs(t, err, relay.ErrSourceUnavailable)

	req = newRequest("fox.txt")
	req.Destination.Bucket = "missing"
	_, err = newTestService(factory).Run(context.Background(), req)
	assert.ErrorIs(t, err, relay.ErrDestinationUnavailable)
}

func TestWithSuffix(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"fox.txt", "fox_abc123.txt"},
		{"fox", "fox_abc123"},
		{"archive.tar.gz", "archive.tar_abc123.gz"},
		{"dir.v1/fox", "dir.v1/fox_abc123"},
		{"dir/fox.txt", "dir/fox_abc123.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, withSuffix(tt.key, "abc123"))
		})
	}
}

func TestRandomSuffix(t *testing.T) {
	a, b := randomSuffix(), randomSuffix()
	assert.Len(t, a, suffixLength)
	assert.NotEqual(t, a, b)
}

func TestNewRequest(t *testing.T) {
	cfg := config.Config{
		Source:       config.Endpoint{Provider: config.ProviderS3, Bucket: "a", Key: "k"},
		Destination:  config.Endpoint{Provider: config.ProviderAzure, Bucket: "b", Key: "k2"},
		Overwrite:    true,
		DeleteSource: true,
	}

	req := NewRequest(cfg)
	assert.Equal(t, cfg.Source, req.Source)
	assert.True(t, req.Overwrite)
	assert.True(t, req.DeleteSource)
	assert.Equal(t, "k2", req.Spec.Destination)
	assert.Equal(t, "s3://a/k", req.Spec.Source)
}

func TestHTTPBackend(t *testing.T) {
	b := &httpBackend{url: "https://example.com/files/fox.txt?sig=abc"}

	assert.Equal(t, "https://example.com/files/fox.txt", b.Location("").String())
	assert.Nil(t, b.Sink())

	_, err := b.Exists(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, b.Delete(context.Background(), ""), ErrUnsupported)
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, "dir/my%20file.txt", escapeKey("dir/my file.txt"))
}
