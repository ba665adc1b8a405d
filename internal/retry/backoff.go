package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	// Jitter is the +/- fraction applied to every delay. Zero selects 0.2,
	// negative disables jitter.
	Jitter float64
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// Retryable reports whether an error that happened on attempt (1-based)
// may be retried under p.
func (p Policy) Retryable(attempt int, err error) bool {
	if err == nil || IsNoRetry(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return attempt <= p.normalized().MaxRetries
}

// Delay returns the wait before retry number retry (1-based).
//
// An explicit RetryAfterError hint replaces the exponential step. Both paths
// are capped by MaxDelay.
func (p Policy) Delay(retry int, err error, rng *rand.Rand) time.Duration {
	p = p.normalized()

	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return p.jitter(clamp(ra.RetryAfter(), p.MaxDelay), rng)
	}

	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	return p.jitter(d, rng)
}

func (p Policy) jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return clamp(d, p.MaxDelay)
}

func clamp(d, maxD time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxD {
		return maxD
	}
	return d
}

// Do runs fn until it succeeds, returns a terminal error, or the retry budget
// is spent. It waits between attempts and aborts early when ctx is done.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.Retryable(attempt, err) {
			return err
		}
		t := time.NewTimer(p.Delay(attempt, err, rng))
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
}
