package campaign

import (
	"errors"
	"testing"
	"time"
)

func TestNextLegalTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from Status
		ev   Event
		to   Status
	}{
		{StatusDraft, EventStart, StatusProcessing},
		{StatusDraft, EventArm, StatusScheduled},
		{StatusScheduled, EventFire, StatusProcessing},
		{StatusProcessing, EventResolveDone, StatusSending},
		{StatusProcessing, EventDrainComplete, StatusCompleted},
		{StatusSending, EventPause, StatusPaused},
		{StatusPaused, EventResume, StatusSending},
		{StatusSending, EventDrainComplete, StatusCompleted},
		{StatusScheduled, EventCancel, StatusCanceled},
		{StatusSending, EventCancel, StatusCanceled},
		{StatusPaused, EventCancel, StatusCanceled},
		{StatusProcessing, EventFatalError, StatusFailed},
		{StatusDraft, EventFatalError, StatusFailed},
		{StatusCompleted, EventRearm, StatusScheduled},
		{StatusScheduled, EventExpire, StatusCompleted},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.ev)
		if err != nil {
			t.Fatalf("%s + %s: unexpected error %v", tt.from, tt.ev, err)
		}
		if got != tt.to {
			t.Fatalf("%s + %s = %s, want %s", tt.from, tt.ev, got, tt.to)
		}
	}
}

func TestIllegalTransitionLeavesStatus(t *testing.T) {
	t.Parallel()
	c := &Campaign{ID: "c1", Status: StatusDraft}
	_, err := c.Apply(EventResume, time.Now(), "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusDraft || te.Event != EventResume {
		t.Fatalf("unexpected transition error %#v", err)
	}
	if c.Status != StatusDraft {
		t.Fatalf("status changed to %s", c.Status)
	}
}

func TestTerminalStatesRejectEvents(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusCanceled, StatusFailed} {
		for _, ev := range []Event{EventStart, EventFire, EventPause, EventResume, EventCancel, EventFatalError, EventRearm} {
			if _, err := Next(s, ev); err == nil {
				t.Fatalf("%s + %s should be illegal", s, ev)
			}
		}
	}
	if _, err := Next(StatusProcessing, EventCancel); err == nil {
		t.Fatal("processing cannot be canceled")
	}
}

func TestSettledRequests(t *testing.T) {
	t.Parallel()
	if !Settled(StatusPaused, EventPause) || !Settled(StatusSending, EventResume) || !Settled(StatusCanceled, EventCancel) {
		t.Fatal("repeated operator requests should be settled")
	}
	if Settled(StatusDraft, EventResume) {
		t.Fatal("resume on draft is not settled")
	}
}

func TestApplyRecordsTransition(t *testing.T) {
	t.Parallel()
	now := utc(2026, time.January, 5, 10, 0)
	c := &Campaign{ID: "c1", CycleID: "cy1", Status: StatusProcessing}
	tr, err := c.Apply(EventFatalError, now, "contact store unreachable")
	if err != nil {
		t.Fatal(err)
	}
	if tr.From != StatusProcessing || tr.To != StatusFailed || tr.CycleID != "cy1" || !tr.At.Equal(now) {
		t.Fatalf("unexpected transition %+v", tr)
	}
	if c.FailureReason != "contact store unreachable" || !c.UpdatedAt.Equal(now) {
		t.Fatalf("campaign not updated: %+v", c)
	}
}

func TestOutcomeAdvance(t *testing.T) {
	t.Parallel()
	o := Outcome{Result: ResultSent}
	d, r, ok := o.Advance(ResultRead)
	if !ok || d != 1 || r != 1 || o.Result != ResultRead {
		t.Fatalf("sent->read: d=%d r=%d ok=%v result=%s", d, r, ok, o.Result)
	}
	if _, _, ok := o.Advance(ResultDelivered); ok {
		t.Fatal("read->delivered must be ignored")
	}
	f := Outcome{Result: ResultFailed}
	if _, _, ok := f.Advance(ResultDelivered); ok {
		t.Fatal("failed outcome must not advance")
	}
}
