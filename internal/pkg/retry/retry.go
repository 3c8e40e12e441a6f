package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
	"github.com/verdia/herbarium-backend/internal/pkg/httpx"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 5 * time.Second
)

// Retryer re-runs an operation when it fails with a rate-limited error,
// doubling the delay between attempts. Any other failure propagates
// immediately. It holds no state across calls.
type Retryer struct {
	log          *logger.Logger
	maxAttempts  int
	initialDelay time.Duration

	// sleep is swapped out in tests to observe the schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(log *logger.Logger, maxAttempts int, initialDelay time.Duration) *Retryer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}
	return &Retryer{
		log:          log,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		sleep:        sleepCtx,
	}
}

// Do invokes op until it succeeds, fails with a non-rate-limit error, or the
// attempt budget runs out. Exhaustion returns the last error wrapped in
// ErrRateLimitExceeded so callers can classify it with errors.Is.
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) error {
	delay := r.initialDelay

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !httpx.IsRateLimited(lastErr) {
			return lastErr
		}
		if attempt == r.maxAttempts {
			break
		}

		// An explicit Retry-After hint floors the backoff delay.
		var ra httpx.RetryAfterer
		if errors.As(lastErr, &ra) {
			if hint := ra.RetryAfter(); hint > delay {
				delay = hint
			}
		}

		if r.log != nil {
			r.log.Warn("Rate limit hit, backing off",
				"attempt", attempt,
				"max_attempts", r.maxAttempts,
				"delay", delay.String(),
				"error", lastErr.Error(),
			)
		}
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}

	return fmt.Errorf("%w after %d attempts: %v", apperrors.ErrRateLimitExceeded, r.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
