package audience

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pewcast/internal/campaign"
	"pewcast/internal/storage"
)

func seededStore(t *testing.T) *storage.Memory {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	contacts := []storage.Contact{
		{ID: "1", Active: true, Tags: []string{"vip", "jakarta"}, Attributes: map[string]any{"city": "Jakarta", "age": 31, "plan": "Premium"}},
		{ID: "2", Active: true, Tags: []string{"trial"}, Attributes: map[string]any{"city": "Bandung", "age": "19"}},
		{ID: "3", Active: false, Tags: []string{"vip"}, Attributes: map[string]any{"city": "Jakarta", "age": 45}},
		{ID: "4", Active: true, Attributes: map[string]any{"city": "Surabaya", "signup": "2025-03-01T00:00:00Z"}},
	}
	for _, c := range contacts {
		if err := st.PutContact(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestResolveVariants(t *testing.T) {
	t.Parallel()
	st := seededStore(t)
	r := NewResolver(st, st)
	tests := []struct {
		name string
		spec campaign.RecipientSpec
		want []string
	}{
		{"all active", campaign.AllContacts{}, []string{"1", "2", "4"}},
		{"explicit drops missing and inactive", campaign.ExplicitIDs{IDs: []string{"2", "3", "99", "2"}}, []string{"2"}},
		{"tag union", campaign.TagUnion{Tags: []string{"vip", "trial"}}, []string{"1", "2"}},
		{"criteria and", campaign.CriteriaSet{Criteria: []campaign.Criterion{
			{Field: "city", Operator: campaign.OpIn, Value: []any{"Jakarta", "Bandung"}},
			{Field: "age", Operator: campaign.OpGreaterThan, Value: 20},
		}}, []string{"1"}},
		{"empty criteria is empty", campaign.CriteriaSet{}, []string{}},
	}
	for _, tt := range tests {
		got, err := r.Resolve(context.Background(), tt.spec)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResolveHasReadMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := seededStore(t)
	now := time.Now()
	_ = st.PutCycle(ctx, campaign.Cycle{ID: "cy1", CampaignID: "c0", MessageRef: "welcome", StartedAt: now})
	_ = st.PutOutcome(ctx, campaign.Outcome{CycleID: "cy1", ContactID: "1", Result: campaign.ResultRead, AttemptedAt: now})
	_ = st.PutOutcome(ctx, campaign.Outcome{CycleID: "cy1", ContactID: "2", Result: campaign.ResultDelivered, AttemptedAt: now})

	r := NewResolver(st, st)
	read, err := r.Resolve(ctx, campaign.CriteriaSet{Criteria: []campaign.Criterion{
		{Field: campaign.FieldHasReadMessage, Operator: campaign.OpIn, Value: "welcome"},
	}})
	if err != nil || !reflect.DeepEqual(read, []string{"1"}) {
		t.Fatalf("read = %v err=%v", read, err)
	}
	unread, err := r.Resolve(ctx, campaign.CriteriaSet{Criteria: []campaign.Criterion{
		{Field: campaign.FieldHasReadMessage, Operator: campaign.OpNotIn, Value: "welcome"},
	}})
	if err != nil || !reflect.DeepEqual(unread, []string{"2", "4"}) {
		t.Fatalf("unread = %v err=%v", unread, err)
	}
}

type failingContacts struct{ storage.ContactStore }

func (failingContacts) ListActiveContacts(context.Context) ([]storage.Contact, error) {
	return nil, errors.New("timeout")
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	r := NewResolver(failingContacts{}, nil)
	if _, err := r.Resolve(context.Background(), campaign.AllContacts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMatchOperators(t *testing.T) {
	t.Parallel()
	c := storage.Contact{ID: "1", Tags: []string{"VIP-gold"}, Attributes: map[string]any{
		"city": "Jakarta", "age": "31", "signup": "2025-03-01T00:00:00Z", "langs": []any{"id", "en"},
	}}
	tests := []struct {
		name string
		cr   campaign.Criterion
		want bool
	}{
		{"in scalar", campaign.Criterion{Field: "city", Operator: campaign.OpIn, Value: "Jakarta"}, true},
		{"in numeric string", campaign.Criterion{Field: "age", Operator: campaign.OpIn, Value: []any{31.0}}, true},
		{"not-in", campaign.Criterion{Field: "city", Operator: campaign.OpNotIn, Value: []any{"Bandung"}}, true},
		{"not-in missing attribute", campaign.Criterion{Field: "zip", Operator: campaign.OpNotIn, Value: "1"}, true},
		{"in missing attribute", campaign.Criterion{Field: "zip", Operator: campaign.OpIn, Value: "1"}, false},
		{"contains ignores case", campaign.Criterion{Field: "city", Operator: campaign.OpContains, Value: "KART"}, true},
		{"starts-with", campaign.Criterion{Field: "city", Operator: campaign.OpStartsWith, Value: "jak"}, true},
		{"starts-with miss", campaign.Criterion{Field: "city", Operator: campaign.OpStartsWith, Value: "kar"}, false},
		{"greater-than", campaign.Criterion{Field: "age", Operator: campaign.OpGreaterThan, Value: 30}, true},
		{"less-than", campaign.Criterion{Field: "age", Operator: campaign.OpLessThan, Value: 30}, false},
		{"time compare", campaign.Criterion{Field: "signup", Operator: campaign.OpLessThan, Value: "2025-06-01T00:00:00Z"}, true},
		{"not comparable", campaign.Criterion{Field: "city", Operator: campaign.OpGreaterThan, Value: 3}, false},
		{"multi-valued attribute", campaign.Criterion{Field: "langs", Operator: campaign.OpIn, Value: "en"}, true},
		{"tags starts-with", campaign.Criterion{Field: campaign.FieldTags, Operator: campaign.OpStartsWith, Value: "vip"}, true},
		{"tags not-in", campaign.Criterion{Field: campaign.FieldTags, Operator: campaign.OpNotIn, Value: []any{"VIP-gold"}}, false},
	}
	for _, tt := range tests {
		if got := Match(c, tt.cr, nil); got != tt.want {
			t.Fatalf("%s: Match = %v, want %v", tt.name, got, tt.want)
		}
	}
}
