package utils

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"reuni-scraper/models"
)

// Class tells the retry loop whether another attempt is worthwhile.
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Classifier maps an operation error to a retry class.
type Classifier func(error) Class

// DefaultJitter is the ±fraction applied to every backoff delay.
const DefaultJitter = 0.2

// RetryPolicy holds the parameters for the retry strategy.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Logger      *Logger
}

// Do executes fn with bounded exponential back-off. Fatal errors are returned as-is after the
// first attempt; exhausting every attempt returns a RetriesExhausted error wrapping the last one.
// The number of calls made is returned in both cases.
func (r *RetryPolicy) Do(ctx context.Context, operationName string, fn func(context.Context) error, classify Classifier) (int, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = r.jitter()
	if r.MaxDelay > 0 {
		b.MaxInterval = r.MaxDelay
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	var (
		attempts int
		lastErr  error
		fatal    bool
	)
	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if classify(err) == Fatal {
			fatal = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		if r.Logger != nil {
			r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
				operationName, attempts, maxAttempts, err, delay.Round(time.Millisecond))
		}
	}

	err := backoff.RetryNotify(operation, policy, notify)
	switch {
	case err == nil:
		return attempts, nil
	case fatal:
		return attempts, lastErr
	case ctx.Err() != nil:
		return attempts, errors.Join(ctx.Err(), lastErr)
	default:
		return attempts, models.RetriesExhausted(operationName, attempts, lastErr)
	}
}

// Execute is Do for operations that produce a value. The value from the last call is returned
// even on failure so partial results survive.
func Execute[T any](ctx context.Context, r *RetryPolicy, operationName string, op func(context.Context) (T, error), classify Classifier) (T, int, error) {
	var result T
	attempts, err := r.Do(ctx, operationName, func(ctx context.Context) error {
		v, err := op(ctx)
		result = v
		return err
	}, classify)
	return result, attempts, err
}

func (r *RetryPolicy) jitter() float64 {
	if r.Jitter <= 0 {
		return DefaultJitter
	}
	if r.Jitter > 1 {
		return 1
	}
	return r.Jitter
}
