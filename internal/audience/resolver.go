// Package audience expands a campaign's recipient spec into the concrete,
// de-duplicated set of contact ids for one dispatch cycle.
package audience

import (
	"context"
	"fmt"
	"sort"

	"pewcast/internal/campaign"
	"pewcast/internal/storage"
)

// Resolver reads contacts and delivery history. It holds no state between calls.
type Resolver struct {
	contacts storage.ContactStore
	history  storage.DeliveryHistory
}

func NewResolver(contacts storage.ContactStore, history storage.DeliveryHistory) *Resolver {
	return &Resolver{contacts: contacts, history: history}
}

// Resolve returns the recipient ids for spec, sorted by id.
//
// Missing or inactive explicit ids are dropped silently. An empty criteria
// set yields no recipients.
func (r *Resolver) Resolve(ctx context.Context, spec campaign.RecipientSpec) ([]string, error) {
	switch s := spec.(type) {
	case campaign.AllContacts:
		cs, err := r.contacts.ListActiveContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active contacts: %w", err)
		}
		return collect(cs, func(storage.Contact) bool { return true }), nil

	case campaign.ExplicitIDs:
		ids := dedupe(s.IDs)
		if len(ids) == 0 {
			return []string{}, nil
		}
		cs, err := r.contacts.GetContactsByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("get contacts by ids: %w", err)
		}
		return collect(cs, func(c storage.Contact) bool { return c.Active }), nil

	case campaign.TagUnion:
		want := map[string]bool{}
		for _, t := range s.Tags {
			want[t] = true
		}
		cs, err := r.contacts.ListActiveContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active contacts: %w", err)
		}
		return collect(cs, func(c storage.Contact) bool {
			for _, t := range c.Tags {
				if want[t] {
					return true
				}
			}
			return false
		}), nil

	case campaign.CriteriaSet:
		if len(s.Criteria) == 0 {
			return []string{}, nil
		}
		cs, err := r.contacts.ListActiveContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list active contacts: %w", err)
		}
		return r.filterCriteria(ctx, cs, s.Criteria)

	default:
		return nil, fmt.Errorf("unsupported recipient spec %T", spec)
	}
}

func (r *Resolver) filterCriteria(ctx context.Context, cs []storage.Contact, criteria []campaign.Criterion) ([]string, error) {
	var lookupErr error
	hasRead := func(contactID, messageID string) bool {
		if lookupErr != nil || r.history == nil {
			return false
		}
		ok, err := r.history.HasRead(ctx, contactID, messageID)
		if err != nil {
			lookupErr = fmt.Errorf("read history for %s: %w", contactID, err)
			return false
		}
		return ok
	}

	ids := collect(cs, func(c storage.Contact) bool {
		for _, cr := range criteria {
			if !Match(c, cr, hasRead) {
				return false
			}
		}
		return true
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	return ids, nil
}

func collect(cs []storage.Contact, keep func(storage.Contact) bool) []string {
	seen := make(map[string]struct{}, len(cs))
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c.ID]; ok || !keep(c) {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c.ID)
	}
	sort.Strings(out)
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
