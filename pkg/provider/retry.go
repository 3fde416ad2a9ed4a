package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// retryPolicy bounds transport retries for one runtime. Streaming calls only
// retry the initial connection; once events flow, errors surface directly.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
}

// do runs fn with exponential backoff on retryable errors.
func (p retryPolicy) do(ctx context.Context, isRetryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// transientNetError reports timeouts and connection resets worth retrying
// regardless of backend.
func transientNetError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
