package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotReady is returned by a poll operation to signal "check again later".
var ErrNotReady = fmt.Errorf("condition not met yet")

// Poll runs op at a fixed interval until it succeeds, the timeout elapses,
// or the context is cancelled. op should return ErrNotReady (or any other
// error) while the condition is unmet; returning backoff.Permanent(err)
// aborts polling immediately.
func Poll(ctx context.Context, interval, timeout time.Duration, op func() error) error {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx)
	if err := backoff.Retry(op, bo); err != nil {
		if pollCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		return err
	}
	return nil
}

// Permanent marks an error as non-retryable for Poll.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
