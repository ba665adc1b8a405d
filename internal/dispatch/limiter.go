package dispatch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits bound the global send rate.
type Limits struct {
	// Max is the number of sends allowed in any rolling Window.
	Max    int
	Window time.Duration
	// MinDelay is the minimum spacing between two send slots.
	MinDelay time.Duration
}

func (l Limits) normalized() Limits {
	if l.Max <= 0 {
		l.Max = 20
	}
	if l.Window <= 0 {
		l.Window = time.Minute
	}
	if l.MinDelay < 0 {
		l.MinDelay = 0
	}
	return l
}

// interval is the token refill period: an even spread of Max over Window,
// never shorter than MinDelay.
func (l Limits) interval() time.Duration {
	iv := l.Window / time.Duration(l.Max)
	if l.MinDelay > iv {
		iv = l.MinDelay
	}
	return iv
}

// Limiter is the single send-slot arbiter shared by every sending campaign.
//
// A burst-1 token bucket paces slots evenly. A log of recent grants then
// enforces the hard cap: no more than Max grants within any Window, even
// when timer wake-ups bunch slots together.
type Limiter struct {
	bucket *rate.Limiter

	mu     sync.Mutex
	limits Limits
	grants []time.Time
	now    func() time.Time
}

func NewLimiter(l Limits) *Limiter {
	l = l.normalized()
	return &Limiter{
		bucket: rate.NewLimiter(rate.Every(l.interval()), 1),
		limits: l,
		now:    time.Now,
	}
}

// Apply swaps the limits at runtime.
func (l *Limiter) Apply(lim Limits) {
	lim = lim.normalized()
	l.mu.Lock()
	l.limits = lim
	l.mu.Unlock()
	l.bucket.SetLimit(rate.Every(lim.interval()))
}

func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Wait blocks until a send slot is granted or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.bucket.Wait(ctx); err != nil {
		return err
	}
	for {
		wait, ok := l.admit()
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Limiter) admit() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cut := 0
	for cut < len(l.grants) && now.Sub(l.grants[cut]) >= l.limits.Window {
		cut++
	}
	l.grants = l.grants[cut:]
	if len(l.grants) < l.limits.Max {
		l.grants = append(l.grants, now)
		return 0, true
	}
	return l.grants[0].Add(l.limits.Window).Sub(now), false
}
