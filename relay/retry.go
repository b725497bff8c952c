package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/cenkalti/backoff/v4"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy retries single read and upload operations with capped, jittered exponential backoff.
// It holds no per-operation state: every Do call gets its own backoff and attempt counter.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	sleep  SleepFunc
	stats  *Stats
	logger log.Logger
}

// NewRetryPolicy creates the policy described by spec.
func NewRetryPolicy(spec TransferSpec, logger log.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: spec.MaxAttempts,
		BackoffBase: spec.BackoffBase,
		BackoffCap:  spec.BackoffCap,
		sleep:       sleepContext,
		stats:       NewStats(),
		logger:      logger,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error or runs out of attempts.
// attempt starts at 1. Unclassified errors are treated as fallback, which should be the
// retryable kind of the operation. Cancellation of ctx is observed between attempts.
func (p RetryPolicy) Do(ctx context.Context, op string, index int, fallback Kind, fn func(attempt int) error) error {
	b := p.newBackOff()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return NewChunkError(KindCanceled, op, index, err)
		}

		err := classify(fn(attempt), fallback, op, index)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		if delay > p.BackoffCap {
			delay = p.BackoffCap
		}
		p.logger.Warnf("%s of chunk %d failed (attempt %d/%d), retrying in %s: %s",
			op, index, attempt, p.MaxAttempts, delay.Round(time.Millisecond), err)
		if p.stats != nil {
			p.stats.AddRetry()
		}

		if err := p.sleep(ctx, delay); err != nil {
			return NewChunkError(KindCanceled, op, index, err)
		}
	}

	return fmt.Errorf("%w: %s of chunk %d failed %d times: %w", ErrRetriesExhausted, op, index, p.MaxAttempts, lastErr)
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffBase
	b.MaxInterval = p.BackoffCap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Exhausted reports whether err comes from an operation that ran out of attempts.
func Exhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
