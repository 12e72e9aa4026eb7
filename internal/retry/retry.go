package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/Boswecw/rake/internal/pkg/errors"
)

// Policy bounds the executor. Zero values fall back to the defaults used
// across the pipeline.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// AttemptFunc is notified after each failed attempt, before the backoff
// sleep. It feeds retry_attempt telemetry.
type AttemptFunc func(attempt int, delay time.Duration, err error)

// Executor runs operations with bounded exponential backoff. Whether an
// error is worth another attempt is decided by the classifier; the default
// classifier retries rate-limited and transient errors only.
type Executor struct {
	policy    Policy
	retryable func(error) bool
	onAttempt AttemptFunc
}

func New(policy Policy) *Executor {
	return &Executor{
		policy:    policy.withDefaults(),
		retryable: appErr.Retryable,
	}
}

// WithClassifier replaces the retryable-error decision.
func (e *Executor) WithClassifier(fn func(error) bool) *Executor {
	clone := *e
	clone.retryable = fn
	return &clone
}

// WithAttemptHook registers a per-failed-attempt callback.
func (e *Executor) WithAttemptHook(fn AttemptFunc) *Executor {
	clone := *e
	clone.onAttempt = fn
	return &clone
}

// Do runs op until it succeeds, returns a terminal error, exhausts
// attempts, or ctx is cancelled. Cancellation aborts the backoff sleep.
func (e *Executor) Do(ctx context.Context, op func() error) error {
	var lastErr error
	delay := e.policy.InitialDelay
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return appErr.WrapErr(appErr.ErrCancelled, "aborted before attempt", err)
		}
		lastErr = op()
		if lastErr == nil {
			if attempt > 1 {
				logutil.GetLogger(ctx).Debug("operation succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if !e.retryable(lastErr) {
			// Unclassified failures get exactly one more attempt; every
			// other terminal kind stops immediately.
			if attempt > 1 || appErr.Kind(lastErr) != appErr.ErrInternal.Error() {
				return lastErr
			}
		}
		if attempt == e.policy.MaxAttempts {
			break
		}
		sleep := delay
		if e.policy.Jitter > 0 {
			sleep += time.Duration(rand.Float64() * e.policy.Jitter * float64(delay))
		}
		if e.onAttempt != nil {
			e.onAttempt(attempt, sleep, lastErr)
		}
		logutil.GetLogger(ctx).Debug("operation failed, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.policy.MaxAttempts),
			zap.Duration("delay", sleep),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return appErr.WrapErr(appErr.ErrCancelled, "aborted during backoff", ctx.Err())
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * e.policy.Multiplier)
		if delay > e.policy.MaxDelay {
			delay = e.policy.MaxDelay
		}
	}
	return lastErr
}
