// Package retry runs operations under bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kada-mandiya/analytics/common/config"
)

// Policy describes how an operation is retried.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	// Multiplier defaults to 2. Use 1 for a constant wait.
	Multiplier float64

	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool

	// OnRetry is called before each wait.
	OnRetry func(err error, attempt int, wait time.Duration)
}

// FromConfig builds a Policy from its configuration block.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{MaxAttempts: c.MaxAttempts, Initial: c.Initial, Max: c.Max}
}

// Constant returns a policy waiting the same interval between attempts.
func Constant(attempts int, wait time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Initial: wait, Max: wait, Multiplier: 1}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Multiplier = 2
	if p.Multiplier > 0 {
		exp.Multiplier = p.Multiplier
	}
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	exp.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Do calls op until it succeeds, returns a non-retryable error, the attempt
// budget is exhausted or ctx is done. The last error is returned as is.
func Do(ctx context.Context, op func(ctx context.Context) error, p Policy) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(err, attempt, wait)
		}
	}

	return backoff.RetryNotify(operation, p.backOff(ctx), notify)
}

// Reconnect is the schedule used by long-running loops that reconnect to
// infrastructure forever: doubling from initial up to max, no jitter, no
// deadline. Call Reset after a healthy cycle.
func Reconnect(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
