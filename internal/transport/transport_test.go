package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"pewcast/internal/campaign"
	"pewcast/internal/retry"
	"pewcast/internal/storage"
	logx "pewcast/pkg/logx"
)

func TestFromErrorClassifies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		retryable bool
		after     time.Duration
	}{
		{"transient", errors.New("connection reset"), true, 0},
		{"terminal", retry.NoRetry(errors.New("chat not found")), false, 0},
		{"flood", retry.RetryAfter(errors.New("too many requests"), 3*time.Second), true, 3 * time.Second},
		{"canceled", context.Canceled, false, 0},
	}
	for _, tt := range tests {
		o := FromError(tt.err)
		if o.Success || o.Retryable != tt.retryable || o.RetryAfter != tt.after || o.Reason == "" {
			t.Fatalf("%s: outcome = %+v", tt.name, o)
		}
	}
	if !FromError(nil).Success {
		t.Fatal("nil error is success")
	}
}

func TestOutcomeErrRoundTripsClassification(t *testing.T) {
	t.Parallel()
	if !retry.IsNoRetry(Outcome{Reason: "blocked"}.Err()) {
		t.Fatal("terminal outcome should map to NoRetry")
	}
	var ra retry.RetryAfterError
	if err := (Outcome{Retryable: true, RetryAfter: time.Second}).Err(); !errors.As(err, &ra) || ra.RetryAfter() != time.Second {
		t.Fatalf("retry-after lost: %v", err)
	}
	if Success().Err() != nil {
		t.Fatal("success has no error")
	}
}

func TestLogTransportEmitsReceipts(t *testing.T) {
	t.Parallel()
	tr := NewLog(logx.Nop(), true)
	got := make(chan Receipt, 1)
	tr.SetReceiptHandler(func(r Receipt) { got <- r })

	o := tr.Send(context.Background(), Envelope{CampaignID: "c1", CycleID: "cy1", ContactID: "42", Message: storage.Message{ID: "m1", Text: "hi"}})
	if !o.Success {
		t.Fatalf("outcome = %+v", o)
	}
	select {
	case r := <-got:
		if r.ContactID != "42" || r.CycleID != "cy1" || r.Result != campaign.ResultDelivered {
			t.Fatalf("receipt = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt")
	}
}
