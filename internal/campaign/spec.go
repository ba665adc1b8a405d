package campaign

import "time"

// RecipientSpec selects who a cycle is sent to. It is one of AllContacts,
// ExplicitIDs, TagUnion or CriteriaSet.
type RecipientSpec interface {
	recipientKind() string
}

// AllContacts targets every active contact.
type AllContacts struct{}

// ExplicitIDs targets the listed contacts that still exist and are active.
type ExplicitIDs struct {
	IDs []string
}

// TagUnion targets active contacts holding at least one of Tags.
type TagUnion struct {
	Tags []string
}

// CriteriaSet targets active contacts matching every criterion.
type CriteriaSet struct {
	Criteria []Criterion
}

func (AllContacts) recipientKind() string { return "all" }
func (ExplicitIDs) recipientKind() string { return "explicit_ids" }
func (TagUnion) recipientKind() string    { return "tags" }
func (CriteriaSet) recipientKind() string { return "criteria" }

// Operator is a criterion comparison.
type Operator string

const (
	OpIn          Operator = "in"
	OpNotIn       Operator = "not-in"
	OpContains    Operator = "contains"
	OpStartsWith  Operator = "starts-with"
	OpGreaterThan Operator = "greater-than"
	OpLessThan    Operator = "less-than"
)

func (o Operator) Valid() bool {
	switch o {
	case OpIn, OpNotIn, OpContains, OpStartsWith, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Derived criterion fields. Any other field names a contact attribute.
const (
	FieldHasReadMessage = "has-read-message"
	FieldTags           = "tags"
)

// Criterion compares one contact field against Value.
//
// For FieldHasReadMessage, Value is the message id and the operator is in
// (has read) or not-in (has not read).
type Criterion struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Schedule decides when a campaign activates. It is one of Immediate, OnceAt
// or Recurring.
type Schedule interface {
	scheduleKind() string
}

// Immediate activates on start.
type Immediate struct{}

// OnceAt activates on the first tick at or after At that the window accepts.
type OnceAt struct {
	At time.Time
}

// Recurring activates on every occurrence of Rule.
type Recurring struct {
	Rule RecurrenceRule
}

func (Immediate) scheduleKind() string { return "immediate" }
func (OnceAt) scheduleKind() string    { return "once_at" }
func (Recurring) scheduleKind() string { return "recurring" }

// RecurrenceType is the period of a recurrence rule.
type RecurrenceType string

const (
	Daily   RecurrenceType = "daily"
	Weekly  RecurrenceType = "weekly"
	Monthly RecurrenceType = "monthly"
)

// RecurrenceRule describes a repeating time of day.
type RecurrenceRule struct {
	Type RecurrenceType
	// Days holds weekdays 0-6 (Sunday=0) for Weekly and days of month 1-31
	// for Monthly. Ignored for Daily.
	Days    []int
	Hour    int
	Minute  int
	StartAt time.Time
	// EndAt is optional; zero means open-ended.
	EndAt time.Time
}

// WindowPolicy restricts activation to some weekdays and a half-open hour
// range [HourStart, HourEnd).
type WindowPolicy struct {
	Days      []int `json:"allowed_days_of_week"`
	HourStart int   `json:"allowed_hour_start"`
	HourEnd   int   `json:"allowed_hour_end"`
}

func cloneRecipients(r RecipientSpec) RecipientSpec {
	switch v := r.(type) {
	case ExplicitIDs:
		return ExplicitIDs{IDs: append([]string(nil), v.IDs...)}
	case TagUnion:
		return TagUnion{Tags: append([]string(nil), v.Tags...)}
	case CriteriaSet:
		return CriteriaSet{Criteria: append([]Criterion(nil), v.Criteria...)}
	}
	return r
}

func cloneSchedule(s Schedule) Schedule {
	if v, ok := s.(Recurring); ok {
		v.Rule.Days = append([]int(nil), v.Rule.Days...)
		return v
	}
	return s
}
