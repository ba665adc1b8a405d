package campaign

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks a campaign before it is created. now is used for the
// "start strictly in the future" rule of recurring schedules.
func Validate(c *Campaign, now time.Time) error {
	return validate(c, now, true)
}

// ValidateEdit checks an edited campaign. The recurrence start is only
// required to be in the future when the edit changes it.
func ValidateEdit(prev, next *Campaign, now time.Time) error {
	checkStart := true
	if pr, ok := prev.Schedule.(Recurring); ok {
		if nr, ok := next.Schedule.(Recurring); ok && pr.Rule.StartAt.Equal(nr.Rule.StartAt) {
			checkStart = false
		}
	}
	return validate(next, now, checkStart)
}

func validate(c *Campaign, now time.Time, checkStart bool) error {
	errs := &ConfigError{}
	if c == nil {
		errs.addf("campaign is nil")
		return errs
	}
	if strings.TrimSpace(c.MessageRef) == "" {
		errs.addf("message_ref is required")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs.addf("timezone %q: %v", tz, err)
		}
	}

	validateRecipients(c.Recipients, errs)

	switch s := c.Schedule.(type) {
	case nil:
		errs.addf("schedule is required")
	case Immediate:
	case OnceAt:
		if s.At.IsZero() {
			errs.addf("schedule.at is required")
		}
	case Recurring:
		validateRule(s.Rule, now, checkStart, errs)
	default:
		errs.addf("schedule: unsupported variant %T", s)
	}

	c.Window.validate(errs)
	return errs.orNil()
}

func validateRecipients(r RecipientSpec, errs *ConfigError) {
	switch v := r.(type) {
	case nil:
		errs.addf("recipients are required")
	case AllContacts:
	case ExplicitIDs:
		if len(nonEmpty(v.IDs)) == 0 {
			errs.addf("recipients.ids must not be empty")
		}
	case TagUnion:
		if len(nonEmpty(v.Tags)) == 0 {
			errs.addf("recipients.tags must not be empty")
		}
	case CriteriaSet:
		if len(v.Criteria) == 0 {
			errs.addf("recipients.criteria must not be empty")
		}
		for i, cr := range v.Criteria {
			if err := ValidateCriterion(cr); err != nil {
				errs.addf("recipients.criteria[%d]: %v", i, err)
			}
		}
	default:
		errs.addf("recipients: unsupported variant %T", v)
	}
}

// ValidateCriterion checks one criterion in isolation.
func ValidateCriterion(cr Criterion) error {
	if strings.TrimSpace(cr.Field) == "" {
		return fmt.Errorf("field is required")
	}
	if !cr.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", cr.Operator)
	}
	if cr.Value == nil {
		return fmt.Errorf("value is required")
	}
	switch cr.Field {
	case FieldHasReadMessage:
		if cr.Operator != OpIn && cr.Operator != OpNotIn {
			return fmt.Errorf("%s supports only %s and %s", FieldHasReadMessage, OpIn, OpNotIn)
		}
		if id, ok := cr.Value.(string); !ok || strings.TrimSpace(id) == "" {
			return fmt.Errorf("%s value must be a message id", FieldHasReadMessage)
		}
	case FieldTags:
		if cr.Operator == OpGreaterThan || cr.Operator == OpLessThan {
			return fmt.Errorf("%s does not support %s", FieldTags, cr.Operator)
		}
	}
	return nil
}

func validateRule(r RecurrenceRule, now time.Time, checkStart bool, errs *ConfigError) {
	if _, err := r.CronSpec(); err != nil {
		errs.addf("schedule.rule: %v", err)
	}
	if r.StartAt.IsZero() {
		errs.addf("schedule.rule.start_at is required")
	} else if checkStart && !r.StartAt.After(now) {
		errs.addf("schedule.rule.start_at must be in the future")
	}
	if !r.EndAt.IsZero() && !r.EndAt.After(r.StartAt) {
		errs.addf("schedule.rule.end_at must be after start_at")
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
