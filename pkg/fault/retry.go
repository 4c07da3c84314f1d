package fault

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for external calls: capped exponential backoff,
// base 1s, cap 30s, at most 3 attempts. Only transient failures retry;
// every other error kind aborts immediately.
const (
	retryBase     = 1 * time.Second
	retryCap      = 30 * time.Second
	retryAttempts = 3
)

// Retry runs op with the core retry policy. The returned error is the last
// error from op; context cancellation aborts between attempts.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBase
	policy.MaxInterval = retryCap
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, retryAttempts-1), ctx))
}
