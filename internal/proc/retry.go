package proc

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds a retried backend call with exponential backoff and
// jitter. ShouldRetry inspects the normalized error between attempts.
type RetryPolicy struct {
	Attempts    int
	InitialWait time.Duration
	MaxWait     time.Duration
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy retries transient failures three times starting at 500ms.
func DefaultRetryPolicy(shouldRetry func(error) bool) RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     5 * time.Second,
		ShouldRetry: shouldRetry,
	}
}

// Retry runs fn under the policy, sleeping between attempts. The last error
// is returned when attempts are exhausted or the predicate declines.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := policy.InitialWait
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if policy.ShouldRetry != nil && !policy.ShouldRetry(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		// Full jitter keeps concurrent retries from synchronizing.
		sleep := time.Duration(rand.Int63n(int64(wait) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		wait *= 2
		if policy.MaxWait > 0 && wait > policy.MaxWait {
			wait = policy.MaxWait
		}
	}
	return err
}
