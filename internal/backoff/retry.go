package backoff

import (
	"context"
	"fmt"
)

// Retry calls fn until it succeeds, maxAttempts is reached, or ctx ends,
// sleeping by policy between attempts. onRetry, when set, is told about
// every failed attempt that will be retried.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, lastErr)
		}
		if err := policy.Sleep(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}
