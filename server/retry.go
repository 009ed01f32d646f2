package server

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/secsync/storage"
)

type retryPolicy struct {
	attempts int
	delay    time.Duration
}

// do runs fn until it succeeds, fails with a non-retryable error or the
// attempts are used up. The delay doubles after every failed attempt.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	delay := p.delay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !storage.IsRetryable(err) {
			return err
		}
		if attempt >= p.attempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
