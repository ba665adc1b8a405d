package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	p := Policy{Base: time.Second, MaxDelay: 5 * time.Second, Jitter: -1}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retry, errors.New("x"), nil); got != tc.want {
			t.Fatalf("retry %d: got %s want %s", tc.retry, got, tc.want)
		}
	}
}

func TestPolicyDelayHonorsRetryAfterHint(t *testing.T) {
	p := Policy{Base: time.Second, MaxDelay: 10 * time.Second, Jitter: -1}
	err := RetryAfter(errors.New("flood"), 7*time.Second)
	if got := p.Delay(1, err, nil); got != 7*time.Second {
		t.Fatalf("got %s want 7s", got)
	}
	err = RetryAfter(errors.New("flood"), time.Hour)
	if got := p.Delay(1, err, nil); got != 10*time.Second {
		t.Fatalf("hint must be capped, got %s", got)
	}
}

func TestRetryable(t *testing.T) {
	p := Policy{MaxRetries: 2}
	plain := errors.New("temporary")
	if !p.Retryable(1, plain) || !p.Retryable(2, plain) {
		t.Fatal("first two failures should be retryable")
	}
	if p.Retryable(3, plain) {
		t.Fatal("budget exhausted")
	}
	if p.Retryable(1, NoRetry(plain)) {
		t.Fatal("NoRetry must be terminal")
	}
	if !IsNoRetry(errors.Join(errors.New("ctx"), NoRetry(plain))) {
		t.Fatal("IsNoRetry should see through joins")
	}
}

func TestDoStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, Base: time.Millisecond, MaxDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestDoGivesUpAfterBudget(t *testing.T) {
	calls := 0
	want := errors.New("down")
	err := Do(context.Background(), Policy{MaxRetries: 2, Base: time.Millisecond, MaxDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err=%v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}
