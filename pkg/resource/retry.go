package resource

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/monitor"
)

// retryAttempts is the total attempt count for transient failures.
const retryAttempts = 3

// IsTransient reports whether an error is retriable under the standard
// policy: timeouts, open circuits, and bus back-pressure are transient;
// everything else (invalid transitions, cancellation, domain failures)
// is surfaced.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, monitor.ErrCircuitOpen) ||
		errors.Is(err, bus.ErrBackpressureTimeout)
}

// Retry runs op up to three times with exponential backoff (base 2,
// capped at 30s), retrying only transient errors. Cancellation of ctx
// stops the schedule immediately.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.Multiplier = 2
	policy.MaxInterval = 30 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retryAttempts-1), ctx))
}
