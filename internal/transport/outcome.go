package transport

import (
	"context"
	"errors"

	"pewcast/internal/retry"
)

// Success is the outcome of an accepted send.
func Success() Outcome { return Outcome{Success: true} }

// FromError classifies a send error.
//
// retry.NoRetry errors are terminal, retry.RetryAfter errors carry their hint
// and everything else is treated as a transient failure.
func FromError(err error) Outcome {
	if err == nil {
		return Success()
	}
	o := Outcome{Retryable: !retry.IsNoRetry(err), Reason: err.Error()}
	var ra retry.RetryAfterError
	if errors.As(err, &ra) {
		o.RetryAfter = ra.RetryAfter()
	}
	if errors.Is(err, context.Canceled) {
		o.Retryable = false
	}
	return o
}

// Err converts a failed outcome back into an error usable with retry.Policy.
func (o Outcome) Err() error {
	if o.Success {
		return nil
	}
	reason := o.Reason
	if reason == "" {
		reason = "send failed"
	}
	err := errors.New(reason)
	if !o.Retryable {
		return retry.NoRetry(err)
	}
	if o.RetryAfter > 0 {
		return retry.RetryAfter(err, o.RetryAfter)
	}
	return err
}
