// Package transfer runs a configured transfer end to end: it resolves both ends, names the
// destination object, relays the bytes and optionally deletes the source afterwards.
package transfer

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bitrise-io/go-objectrelay/config"
	"github.com/bitrise-io/go-objectrelay/relay"
	"github.com/bitrise-io/go-objectrelay/store"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"
)

const (
	maxNameAttempts  = 10
	suffixLength     = 6
	progressInterval = 5 * time.Second
)

// Request describes one transfer.
type Request struct {
	Source      config.Endpoint
	Destination config.Endpoint
	// Overwrite replaces an existing destination object. Otherwise a random suffix is added
	// to the destination key until it is unique.
	Overwrite    bool
	DeleteSource bool
	Spec         relay.TransferSpec
}

// NewRequest converts a profile into a request.
func NewRequest(cfg config.Config) Request {
	return Request{
		Source:       cfg.Source,
		Destination:  cfg.Destination,
		Overwrite:    cfg.Overwrite,
		DeleteSource: cfg.DeleteSource,
		Spec:         cfg.TransferSpec(),
	}
}

// Result reports a finished transfer.
type Result struct {
	Source        store.Location
	Destination   store.Location
	Transfer      relay.TransferResult
	SourceDeleted bool
}

// Option configures a Service.
type Option func(*Service)

// WithRelayOptions passes options to every relay transfer.
func WithRelayOptions(opts ...relay.Option) Option {
	return func(s *Service) { s.relayOpts = append(s.relayOpts, opts...) }
}

// WithSuffixFunc replaces the generator of unique name suffixes.
func WithSuffixFunc(fn func() string) Option {
	return func(s *Service) { s.suffix = fn }
}

// Service runs transfers.
type Service struct {
	factory   Factory
	logger    log.Logger
	relayOpts []relay.Option
	suffix    func() string
}

// NewService ...
func NewService(factory Factory, logger log.Logger, opts ...Option) *Service {
	s := &Service{factory: factory, logger: logger, suffix: randomSuffix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs the transfer. The returned error is the transfer's failure, if any. A
// transfer canceled at any step, including naming and source lookup, is reported as
// Aborted with an error matching relay.ErrCanceled.
func (s *Service) Run(ctx context.Context, req Request) (Result, error) {
	result := Result{Transfer: relay.TransferResult{Key: req.Spec.Destination, LastIndex: -1, State: relay.StateFailed}}
	fail := func(op string, err error) (Result, error) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = relay.NewError(relay.KindCanceled, op, ctxErr)
			result.Transfer.State = relay.StateAborted
		}
		result.Transfer.Err = err
		return result, err
	}

	src, err := s.factory.Backend(ctx, req.Source)
	if err != nil {
		return fail("create source", relay.NewError(relay.KindSourceUnavailable, "create source", err))
	}
	dst, err := s.factory.Backend(ctx, req.Destination)
	if err != nil {
		return fail("create destination", relay.NewError(relay.KindDestinationUnavailable, "create destination", err))
	}
	sink := dst.Sink()
	if sink == nil {
		return fail("create destination", relay.NewError(relay.KindDestinationUnavailable, "create destination", fmt.Errorf("provider %s cannot be written", req.Destination.Provider)))
	}

	result.Source = src.Location(req.Source.Key)
	if req.DeleteSource && result.Source == dst.Location(req.Destination.Key) {
		return fail("validate request", relay.NewError(relay.KindInvalidSpec, "validate request", fmt.Errorf("source and destination are the same object %s", result.Source)))
	}

	key, err := s.destinationKey(ctx, dst, req.Destination.Key, req.Overwrite)
	if err != nil {
		return fail("name destination", err)
	}
	result.Destination = dst.Location(key)
	result.Transfer.Key = key

	s.logger.Infof("Transferring %s to %s", result.Source, result.Destination)

	source, err := src.OpenSource(ctx, req.Source.Key)
	if err != nil {
		return fail("open source", err)
	}

	spec := req.Spec
	spec.Source = result.Source.String()
	spec.Destination = key

	opts := append([]relay.Option{relay.WithLogger(s.logger), relay.WithProgress(progressLogger(s.logger, progressInterval))}, s.relayOpts...)
	t, err := relay.NewTransfer(spec, source, sink, opts...)
	if err != nil {
		return fail("new transfer", err)
	}

	result.Transfer = t.Start(ctx)
	if result.Transfer.State != relay.StateCompleted {
		return result, result.Transfer.Err
	}

	s.logger.Printf("Finalized process for:")
	s.logger.Printf("- source: %s", result.Source)
	s.logger.Printf("- destination: %s (%s)", result.Destination, units.HumanSize(float64(result.Transfer.Bytes)))

	if req.DeleteSource {
		if err := src.Delete(ctx, req.Source.Key); err != nil {
			return result, fmt.Errorf("transfer completed but deleting the source failed: %w", err)
		}
		result.SourceDeleted = true
		s.logger.Printf("Object deleted from origin: %s", result.Source)
	}
	return result, nil
}

// destinationKey returns key, or key with a random suffix before its extension when key is
// taken and overwriting is not allowed.
func (s *Service) destinationKey(ctx context.Context, dst Backend, key string, overwrite bool) (string, error) {
	if overwrite {
		return key, nil
	}

	candidate := key
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		exists, err := dst.Exists(ctx, candidate)
		if err != nil {
			return "", relay.NewError(relay.KindDestinationUnavailable, "name destination", err)
		}
		if !exists {
			if candidate != key {
				s.logger.Warnf("%s already exists, writing %s instead", dst.Location(key), candidate)
			}
			return candidate, nil
		}
		candidate = withSuffix(key, s.suffix())
	}
	return "", relay.NewError(relay.KindDestinationUnavailable, "name destination", fmt.Errorf("no free name for %s after %d attempts", key, maxNameAttempts))
}

// withSuffix inserts _suffix before the extension of the last path element.
func withSuffix(key, suffix string) string {
	ext := path.Ext(key)
	return strings.TrimSuffix(key, ext) + "_" + suffix + ext
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
}

// progressLogger logs progress at most once per interval, and always at the end.
func progressLogger(logger log.Logger, interval time.Duration) relay.ProgressFunc {
	var last time.Time
	return func(done, total int64, _ relay.State) {
		now := time.Now()
		if now.Sub(last) < interval && done != total {
			return
		}
		last = now

		if total == relay.SizeUnknown {
			logger.Printf("Transferred %s", units.HumanSize(float64(done)))
			return
		}
		percent := int64(100)
		if total > 0 {
			percent = done * 100 / total
		}
		logger.Printf("Transferred %s of %s (%d%%)", units.HumanSize(float64(done)), units.HumanSize(float64(total)), percent)
	}
}
