package audience

import (
	"strings"
	"time"

	"github.com/spf13/cast"

	"pewcast/internal/campaign"
	"pewcast/internal/storage"
)

// ReadLookup answers whether a contact has read a message.
type ReadLookup func(contactID, messageID string) bool

// Match evaluates one criterion against a contact.
//
// A missing attribute fails every operator except not-in. String operators
// compare case-insensitively. greater-than and less-than compare numbers, or
// timestamps when both sides parse as time.
func Match(c storage.Contact, cr campaign.Criterion, hasRead ReadLookup) bool {
	if cr.Field == campaign.FieldHasReadMessage {
		msgID := cast.ToString(cr.Value)
		read := hasRead != nil && hasRead(c.ID, msgID)
		switch cr.Operator {
		case campaign.OpIn:
			return read
		case campaign.OpNotIn:
			return !read
		}
		return false
	}

	var attr []any
	if cr.Field == campaign.FieldTags {
		for _, t := range c.Tags {
			attr = append(attr, t)
		}
	} else if v, ok := c.Attributes[cr.Field]; ok && v != nil {
		attr = values(v)
	}
	if len(attr) == 0 {
		return cr.Operator == campaign.OpNotIn
	}

	switch cr.Operator {
	case campaign.OpIn:
		return anyMatch(attr, values(cr.Value), equal)
	case campaign.OpNotIn:
		return !anyMatch(attr, values(cr.Value), equal)
	case campaign.OpContains:
		return anyMatch(attr, []any{cr.Value}, func(a, b any) bool {
			return strings.Contains(lower(a), lower(b))
		})
	case campaign.OpStartsWith:
		return anyMatch(attr, []any{cr.Value}, func(a, b any) bool {
			return strings.HasPrefix(lower(a), lower(b))
		})
	case campaign.OpGreaterThan:
		return anyMatch(attr, []any{cr.Value}, func(a, b any) bool { return compare(a, b) > 0 })
	case campaign.OpLessThan:
		return anyMatch(attr, []any{cr.Value}, func(a, b any) bool { return compare(a, b) < 0 })
	}
	return false
}

func values(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out
	}
	return []any{v}
}

func anyMatch(attr, want []any, pred func(a, b any) bool) bool {
	for _, a := range attr {
		for _, w := range want {
			if pred(a, w) {
				return true
			}
		}
	}
	return false
}

func lower(v any) string { return strings.ToLower(cast.ToString(v)) }

func equal(a, b any) bool {
	fa, errA := cast.ToFloat64E(a)
	fb, errB := cast.ToFloat64E(b)
	if errA == nil && errB == nil {
		return fa == fb
	}
	return cast.ToString(a) == cast.ToString(b)
}

// compare returns -1, 0 or 1, and 0 when the values are not comparable.
func compare(a, b any) int {
	fa, errA := cast.ToFloat64E(a)
	fb, errB := cast.ToFloat64E(b)
	if errA == nil && errB == nil {
		return sign(fa - fb)
	}
	ta, errA := cast.ToTimeE(a)
	tb, errB := cast.ToTimeE(b)
	if errA == nil && errB == nil {
		return timeCmp(ta, tb)
	}
	return 0
}

func sign(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	}
	return 0
}

func timeCmp(a, b time.Time) int {
	switch {
	case a.After(b):
		return 1
	case a.Before(b):
		return -1
	}
	return 0
}
