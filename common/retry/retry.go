// Package retry wraps cenkalti/backoff with the attempt/delay knobs used by
// the transfer engine and the service clients.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried
type Policy struct {
	MaxAttempts int           // total attempts including the first; <1 means 1
	Delay       time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for exponential growth; 0 means 30s
	Exponential bool
	// ShouldRetry filters errors; nil retries every error
	ShouldRetry func(error) bool
	// OnRetry is called before each wait
	OnRetry func(err error, wait time.Duration)
}

// DefaultPolicy mirrors the client defaults (3 attempts, 2s base delay)
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		MaxDelay:    30 * time.Second,
		Exponential: true,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.MaxInterval = p.MaxDelay
		if eb.MaxInterval <= 0 {
			eb.MaxInterval = 30 * time.Second
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns an error ShouldRetry rejects, the
// attempts are exhausted, or ctx is done. The last operation error is
// returned on exhaustion; ctx.Err() on cancellation.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var lastErr error
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = p.OnRetry
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}
