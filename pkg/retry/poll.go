package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-dynsidecar/pkg/errors"
)

// Options bound a polling loop
type Options struct {
	// Interval between two attempts
	Interval time.Duration
	// Deadline is the total time allowed for all attempts
	Deadline time.Duration
}

// Attempt performs one probe. done=true stops the loop successfully.
// A non-nil error is treated as a transient failure and retried.
type Attempt func(ctx context.Context) (done bool, err error)

// Poll calls attempt every Interval until it reports done or Deadline expires.
// On expiry it returns a TimeoutError carrying the last attempt error.
// Cancellation of the parent context returns a CancelledError.
func Poll(ctx context.Context, options Options, attempt Attempt) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("poll interval must be positive", nil)
	}
	if options.Deadline <= 0 {
		return errors.NewValidationError("poll deadline must be positive", nil)
	}

	pollCtx, cancel := context.WithTimeout(ctx, options.Deadline)
	defer cancel()

	ticker := time.NewTicker(options.Interval)
	defer ticker.Stop()

	attempts := 0
	var lastErr error
	for {
		attempts++
		done, err := attempt(pollCtx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return errors.NewCancelledError("polling cancelled", ctx.Err())
			}
			return errors.NewTimeoutError(
				fmt.Sprintf("condition not met after %v", options.Deadline),
				lastErr,
			).WithContext("attempts", attempts)
		case <-ticker.C:
		}
	}
}
