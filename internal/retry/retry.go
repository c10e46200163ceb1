package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is a bounded exponential backoff policy. The zero value is not
// usable; construct with the fields set or via New.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay randomized, e.g. 0.2

	// RetryIf decides whether an error is worth another attempt.
	// A nil predicate retries every error.
	RetryIf func(error) bool
}

// New returns a policy with sane fallbacks for unset fields.
func New(maxAttempts int, baseDelay time.Duration, factor, jitter float64, retryIf func(error) bool) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Factor:      factor,
		Jitter:      jitter,
		RetryIf:     retryIf,
	}
}

// Do runs fn up to MaxAttempts times, sleeping between attempts with
// exponential backoff. It returns nil on the first success, the last error
// once attempts are exhausted or the error is not retryable, and ctx.Err()
// if the context is cancelled while waiting.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		t := time.NewTimer(p.withJitter(delay))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return lastErr
}

func (p Policy) withJitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	// Spread the delay across [d*(1-j), d*(1+j)].
	spread := float64(d) * p.Jitter
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
