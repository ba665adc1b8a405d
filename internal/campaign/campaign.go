package campaign

import (
	"strings"
	"time"
)

// Status is the authoritative lifecycle state of a campaign.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusSending    Status = "sending"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is expected from s.
// A completed recurring campaign may still be re-armed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// EngineOwned reports whether the engine exclusively owns the record.
func (s Status) EngineOwned() bool {
	switch s {
	case StatusProcessing, StatusSending, StatusPaused:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusProcessing, StatusSending,
		StatusPaused, StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// NonTerminalStatuses are the states the scheduler loop looks at.
var NonTerminalStatuses = []Status{StatusScheduled, StatusProcessing, StatusSending, StatusPaused}

// Statistics are per-cycle counters.
//
// Total is fixed when the recipient set is resolved. The others only grow and
// always satisfy Sent+Failed <= Total, Delivered <= Sent, Read <= Delivered.
type Statistics struct {
	Total     int64 `json:"total"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Failed    int64 `json:"failed"`
}

// Consistent reports whether the counter invariants hold.
func (s Statistics) Consistent() bool {
	return s.Sent+s.Failed <= s.Total && s.Delivered <= s.Sent && s.Read <= s.Delivered &&
		s.Sent >= 0 && s.Failed >= 0 && s.Delivered >= 0 && s.Read >= 0
}

// Attempted is the number of recipients with a terminal outcome.
func (s Statistics) Attempted() int64 { return s.Sent + s.Failed }

// Campaign is the unit of scheduling.
type Campaign struct {
	ID          string
	Name        string
	Description string
	MessageRef  string

	Recipients RecipientSpec
	Schedule   Schedule
	// Window is optional; nil accepts every instant.
	Window *WindowPolicy
	// Timezone is an IANA name used for the schedule and the window. Empty
	// means the engine default.
	Timezone string

	Status Status
	Stats  Statistics

	// CycleID identifies the current (or last closed) dispatch cycle.
	CycleID  string
	CycleSeq int
	// NextFireAt is the next recurring occurrence, zero when unknown.
	NextFireAt time.Time
	// FiredAt is the occurrence that opened the current cycle.
	FiredAt time.Time
	// ResolveAttempts counts failed recipient resolutions for the current cycle.
	ResolveAttempts int
	FailureReason   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Campaign) Clone() *Campaign {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Recipients = cloneRecipients(c.Recipients)
	cp.Schedule = cloneSchedule(c.Schedule)
	if c.Window != nil {
		w := *c.Window
		w.Days = append([]int(nil), c.Window.Days...)
		cp.Window = &w
	}
	return &cp
}

// IsRecurring reports whether the campaign has a recurring schedule.
func (c *Campaign) IsRecurring() bool {
	_, ok := c.Schedule.(Recurring)
	return ok
}

// Location resolves the campaign timezone, falling back to def.
func (c *Campaign) Location(def *time.Location) *time.Location {
	if def == nil {
		def = time.Local
	}
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return def
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return def
	}
	return loc
}

// Snapshot is the read-only view returned to operators.
type Snapshot struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Statistics Statistics `json:"statistics"`
	CycleID    string     `json:"cycle_id,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
	Reason     string     `json:"failure_reason,omitempty"`
}

func (c *Campaign) Snapshot() Snapshot {
	s := Snapshot{
		ID:         c.ID,
		Status:     c.Status,
		Statistics: c.Stats,
		CycleID:    c.CycleID,
		Reason:     c.FailureReason,
	}
	if !c.NextFireAt.IsZero() {
		t := c.NextFireAt
		s.NextFireAt = &t
	}
	return s
}

// Cycle is the archived record of one activation.
type Cycle struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Seq        int        `json:"seq"`
	MessageRef string     `json:"message_ref"`
	Stats      Statistics `json:"stats"`
	Status     Status     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Result is a per-recipient outcome.
type Result string

const (
	ResultSent      Result = "sent"
	ResultDelivered Result = "delivered"
	ResultRead      Result = "read"
	ResultFailed    Result = "failed"
)

func (r Result) Rank() int {
	switch r {
	case ResultSent:
		return 1
	case ResultDelivered:
		return 2
	case ResultRead:
		return 3
	}
	return 0
}

// Outcome is the recorded result for one recipient in one cycle.
type Outcome struct {
	CycleID       string    `json:"cycle_id"`
	ContactID     string    `json:"contact_id"`
	Result        Result    `json:"result"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// Advance applies a delivery callback to a recorded outcome.
//
// Only sent -> delivered -> read progressions are accepted; a read receipt on a
// sent outcome implies delivery. It returns the counter deltas to apply.
func (o *Outcome) Advance(to Result) (delivered, read int64, ok bool) {
	if o.Result == ResultFailed || to.Rank() <= o.Result.Rank() || to.Rank() < ResultDelivered.Rank() {
		return 0, 0, false
	}
	if o.Result == ResultSent {
		delivered = 1
	}
	if to == ResultRead {
		read = 1
	}
	o.Result = to
	return delivered, read, true
}
