// Package retry wraps fallible operations with bounded exponential backoff.
// Callers may classify an error as permanently non-retryable to stop early.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxBackoff caps the delay between attempts.
const MaxBackoff = 5 * time.Second

// Decision is the classifier's verdict for a failed attempt.
type Decision int

const (
	// Retry continues the loop while attempts remain.
	Retry Decision = iota

	// Stop aborts immediately regardless of remaining attempts.
	Stop
)

// Classifier categorizes an error as transient or permanent.
type Classifier func(error) Decision

// Func is one attempt of the wrapped operation. The attempt number is
// 1-based and provided for diagnostics only.
type Func[T any] func(ctx context.Context, attempt int) (T, error)

// Do retries fn until it succeeds or attempts are exhausted. The delay
// doubles after each failure, capped at MaxBackoff; a zero initial delay
// skips sleeping entirely. Used for idempotent operations with no known
// permanent failure modes.
func Do[T any](ctx context.Context, attempts int, initialDelay time.Duration, operation string, fn Func[T]) (T, error) {
	return DoClassified(ctx, attempts, initialDelay, operation, nil, fn)
}

// DoClassified retries fn, consulting classify after each failure. A Stop
// decision aborts immediately; otherwise the loop continues until attempts
// are exhausted. A nil classifier always retries.
func DoClassified[T any](ctx context.Context, attempts int, initialDelay time.Duration, operation string, classify Classifier, fn Func[T]) (T, error) {
	var zero T
	if attempts < 1 {
		return zero, fmt.Errorf("retry: %s requires attempts >= 1", operation)
	}

	delay := initialDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if classify != nil && classify(err) == Stop {
			return zero, fmt.Errorf("%s failed with non-retryable error on attempt %d: %w", operation, attempt, err)
		}
		if attempt == attempts {
			break
		}

		log.Warn().
			Str("operation", operation).
			Int("attempt", attempt).
			Int("attempts", attempts).
			Dur("delay", delay).
			Err(err).
			Msg("attempt failed, retrying")

		if delay > 0 {
			if !sleep(ctx, delay) {
				return zero, ctx.Err()
			}
		}
		delay = min(delay*2, MaxBackoff)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

// sleep waits for the delay or until the context is cancelled. It reports
// whether the full delay elapsed.
func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
