package campaign

import "time"

// Event drives a status transition.
type Event string

const (
	EventStart         Event = "start"
	EventArm           Event = "arm"
	EventFire          Event = "fire"
	EventResolveDone   Event = "resolve-done"
	EventDrainComplete Event = "drain-complete"
	EventPause         Event = "pause"
	EventResume        Event = "resume"
	EventCancel        Event = "cancel"
	EventFatalError    Event = "fatal-error"
	EventRearm         Event = "rearm"
	EventExpire        Event = "expire"
)

type edge struct {
	from  Status
	event Event
}

var transitions = map[edge]Status{
	{StatusDraft, EventStart}:              StatusProcessing,
	{StatusDraft, EventArm}:                StatusScheduled,
	{StatusScheduled, EventFire}:           StatusProcessing,
	{StatusScheduled, EventExpire}:         StatusCompleted,
	{StatusProcessing, EventResolveDone}:   StatusSending,
	{StatusProcessing, EventDrainComplete}: StatusCompleted,
	{StatusSending, EventPause}:            StatusPaused,
	{StatusPaused, EventResume}:            StatusSending,
	{StatusSending, EventDrainComplete}:    StatusCompleted,
	{StatusScheduled, EventCancel}:         StatusCanceled,
	{StatusSending, EventCancel}:           StatusCanceled,
	{StatusPaused, EventCancel}:            StatusCanceled,
	{StatusCompleted, EventRearm}:          StatusScheduled,
}

// Next returns the status reached from `from` on ev.
func Next(from Status, ev Event) (Status, error) {
	if ev == EventFatalError {
		if from.Terminal() {
			return from, &TransitionError{From: from, Event: ev}
		}
		return StatusFailed, nil
	}
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, &TransitionError{From: from, Event: ev}
	}
	return to, nil
}

// Settled reports whether an operator request for ev is already satisfied by
// status s. Such repeated requests are no-ops rather than errors.
func Settled(s Status, ev Event) bool {
	switch ev {
	case EventPause:
		return s == StatusPaused
	case EventResume:
		return s == StatusSending
	case EventCancel:
		return s == StatusCanceled
	case EventStart:
		return s == StatusScheduled || s == StatusProcessing || s == StatusSending
	}
	return false
}

// Transition is one observable status change.
type Transition struct {
	CampaignID string    `json:"campaign_id"`
	CycleID    string    `json:"cycle_id,omitempty"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Event      Event     `json:"event"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Apply moves c along ev and returns the transition record. c is left
// untouched when the event is illegal.
func (c *Campaign) Apply(ev Event, now time.Time, reason string) (Transition, error) {
	to, err := Next(c.Status, ev)
	if err != nil {
		return Transition{}, err
	}
	tr := Transition{
		CampaignID: c.ID,
		CycleID:    c.CycleID,
		From:       c.Status,
		To:         to,
		Event:      ev,
		Reason:     reason,
		At:         now,
	}
	c.Status = to
	c.UpdatedAt = now
	if to == StatusFailed {
		c.FailureReason = reason
	}
	return tr, nil
}
