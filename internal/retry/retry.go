// Package retry wraps flaky external calls in exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

// Config defines retry behavior for network operations.
type Config struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	MaxElapsed      time.Duration
}

// DefaultConfig returns the defaults used for storage and provider calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		Multiplier:      2.0,
		Jitter:          0.25,
		MaxElapsed:      2 * time.Minute,
	}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do calls op until it succeeds, returns a permanent error, the attempt
// budget runs out or ctx is done. Waiting between attempts honours ctx, so a
// retrying task never holds up others.
func Do[T any](ctx context.Context, cfg Config, log logrus.FieldLogger, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.Jitter

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(cfg.MaxAttempts),
		backoff.WithMaxElapsedTime(cfg.MaxElapsed),
	}
	if log != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("next_attempt_in", next.String()).Warn("retrying after error")
		}))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return v, perm.Unwrap()
	}
	return v, err
}
