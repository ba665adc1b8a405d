package campaign

import (
	"encoding/json"
	"fmt"
	"time"
)

type recipientsJSON struct {
	Kind     string      `json:"kind"`
	IDs      []string    `json:"ids,omitempty"`
	Tags     []string    `json:"tags,omitempty"`
	Criteria []Criterion `json:"criteria,omitempty"`
}

type ruleJSON struct {
	Type    RecurrenceType `json:"type"`
	Days    []int          `json:"days,omitempty"`
	Hour    int            `json:"hour"`
	Minute  int            `json:"minute"`
	StartAt time.Time      `json:"start_at"`
	EndAt   *time.Time     `json:"end_at,omitempty"`
}

type scheduleJSON struct {
	Kind string     `json:"kind"`
	At   *time.Time `json:"at,omitempty"`
	Rule *ruleJSON  `json:"rule,omitempty"`
}

type campaignJSON struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	MessageRef      string          `json:"message_ref"`
	Recipients      *recipientsJSON `json:"recipients"`
	Schedule        *scheduleJSON   `json:"schedule"`
	Window          *WindowPolicy   `json:"window,omitempty"`
	Timezone        string          `json:"timezone,omitempty"`
	Status          Status          `json:"status"`
	Stats           Statistics      `json:"statistics"`
	CycleID         string          `json:"cycle_id,omitempty"`
	CycleSeq        int             `json:"cycle_seq,omitempty"`
	NextFireAt      *time.Time      `json:"next_fire_at,omitempty"`
	FiredAt         *time.Time      `json:"fired_at,omitempty"`
	ResolveAttempts int             `json:"resolve_attempts,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (c Campaign) MarshalJSON() ([]byte, error) {
	w := campaignJSON{
		ID:              c.ID,
		Name:            c.Name,
		Description:     c.Description,
		MessageRef:      c.MessageRef,
		Window:          c.Window,
		Timezone:        c.Timezone,
		Status:          c.Status,
		Stats:           c.Stats,
		CycleID:         c.CycleID,
		CycleSeq:        c.CycleSeq,
		ResolveAttempts: c.ResolveAttempts,
		FailureReason:   c.FailureReason,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if !c.NextFireAt.IsZero() {
		t := c.NextFireAt
		w.NextFireAt = &t
	}
	if !c.FiredAt.IsZero() {
		t := c.FiredAt
		w.FiredAt = &t
	}
	if c.Recipients != nil {
		r := &recipientsJSON{Kind: c.Recipients.recipientKind()}
		switch v := c.Recipients.(type) {
		case ExplicitIDs:
			r.IDs = v.IDs
		case TagUnion:
			r.Tags = v.Tags
		case CriteriaSet:
			r.Criteria = v.Criteria
		}
		w.Recipients = r
	}
	if c.Schedule != nil {
		s := &scheduleJSON{Kind: c.Schedule.scheduleKind()}
		switch v := c.Schedule.(type) {
		case OnceAt:
			at := v.At
			s.At = &at
		case Recurring:
			rj := &ruleJSON{
				Type:    v.Rule.Type,
				Days:    v.Rule.Days,
				Hour:    v.Rule.Hour,
				Minute:  v.Rule.Minute,
				StartAt: v.Rule.StartAt,
			}
			if !v.Rule.EndAt.IsZero() {
				end := v.Rule.EndAt
				rj.EndAt = &end
			}
			s.Rule = rj
		}
		w.Schedule = s
	}
	return json.Marshal(w)
}

func (c *Campaign) UnmarshalJSON(b []byte) error {
	var w campaignJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Campaign{
		ID:              w.ID,
		Name:            w.Name,
		Description:     w.Description,
		MessageRef:      w.MessageRef,
		Window:          w.Window,
		Timezone:        w.Timezone,
		Status:          w.Status,
		Stats:           w.Stats,
		CycleID:         w.CycleID,
		CycleSeq:        w.CycleSeq,
		ResolveAttempts: w.ResolveAttempts,
		FailureReason:   w.FailureReason,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
	if w.NextFireAt != nil {
		out.NextFireAt = *w.NextFireAt
	}
	if w.FiredAt != nil {
		out.FiredAt = *w.FiredAt
	}
	if w.Recipients != nil {
		switch w.Recipients.Kind {
		case "all":
			out.Recipients = AllContacts{}
		case "explicit_ids":
			out.Recipients = ExplicitIDs{IDs: w.Recipients.IDs}
		case "tags":
			out.Recipients = TagUnion{Tags: w.Recipients.Tags}
		case "criteria":
			out.Recipients = CriteriaSet{Criteria: w.Recipients.Criteria}
		default:
			return fmt.Errorf("recipients.kind: unknown %q", w.Recipients.Kind)
		}
	}
	if w.Schedule != nil {
		switch w.Schedule.Kind {
		case "immediate":
			out.Schedule = Immediate{}
		case "once_at":
			if w.Schedule.At == nil {
				return fmt.Errorf("schedule.at: required for once_at")
			}
			out.Schedule = OnceAt{At: *w.Schedule.At}
		case "recurring":
			if w.Schedule.Rule == nil {
				return fmt.Errorf("schedule.rule: required for recurring")
			}
			r := RecurrenceRule{
				Type:    w.Schedule.Rule.Type,
				Days:    w.Schedule.Rule.Days,
				Hour:    w.Schedule.Rule.Hour,
				Minute:  w.Schedule.Rule.Minute,
				StartAt: w.Schedule.Rule.StartAt,
			}
			if w.Schedule.Rule.EndAt != nil {
				r.EndAt = *w.Schedule.Rule.EndAt
			}
			out.Schedule = Recurring{Rule: r}
		default:
			return fmt.Errorf("schedule.kind: unknown %q", w.Schedule.Kind)
		}
	}
	*c = out
	return nil
}
