// Package retry implements the exponential-backoff retry policy placed
// around outbound telemetry sends, built on cenkalti/backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures the retry behaviour for a single logical operation.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration // cap on a single backoff step; default 30s when zero
}

// Do runs fn, retrying on error with exponential backoff and jitter, for at
// most MaxAttempts calls in total. notify, if non-nil, is invoked after each failed
// attempt with the attempt number (1-based) and the error that occurred.
// Do returns the last error if every attempt failed, or nil on success.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, notify func(attempt int, err error)) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = nonZero(p.InitialDelay, 2*time.Second)
	eb.Multiplier = 2.0
	eb.MaxInterval = nonZero(p.MaxDelay, 30*time.Second)
	eb.RandomizationFactor = 0.5

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	bo := backoff.WithMaxRetries(eb, uint64(maxAttempts-1))
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && notify != nil {
			notify(attempt, err)
		}
		return err
	}

	return backoff.Retry(op, bo)
}

func nonZero(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
