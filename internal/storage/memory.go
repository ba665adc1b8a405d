package storage

import (
	"context"
	"sort"
	"sync"

	"pewcast/internal/campaign"
)

// Memory is an in-process Store. Every read returns copies.
type Memory struct {
	mu sync.RWMutex

	campaigns   map[string]*campaign.Campaign
	transitions map[string][]campaign.Transition
	cycles      map[string]campaign.Cycle
	recipients  map[string][]string
	outcomes    map[string]map[string]campaign.Outcome // cycle -> contact -> outcome
	contacts    map[string]Contact
	messages    map[string]Message
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{
		campaigns:   map[string]*campaign.Campaign{},
		transitions: map[string][]campaign.Transition{},
		cycles:      map[string]campaign.Cycle{},
		recipients:  map[string][]string{},
		outcomes:    map[string]map[string]campaign.Outcome{},
		contacts:    map[string]Contact{},
		messages:    map[string]Message{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.campaigns[c.ID] = c.Clone()
	return nil
}

func (m *Memory) ListCampaigns(ctx context.Context, statuses ...campaign.Status) ([]*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	want := map[campaign.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	out := make([]*campaign.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		if len(want) > 0 && !want[c.Status] {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendTransition(ctx context.Context, tr campaign.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.transitions[tr.CampaignID] = append(m.transitions[tr.CampaignID], tr)
	return nil
}

func (m *Memory) ListTransitions(ctx context.Context, campaignID string) ([]campaign.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]campaign.Transition(nil), m.transitions[campaignID]...), nil
}

func (m *Memory) PutCycle(ctx context.Context, cy campaign.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cycles[cy.ID] = cy
	return nil
}

func (m *Memory) GetCycle(ctx context.Context, id string) (campaign.Cycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cy, ok := m.cycles[id]
	if !ok {
		return campaign.Cycle{}, ErrNotFound
	}
	return cy, nil
}

func (m *Memory) PutRecipients(ctx context.Context, cycleID string, contactIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.recipients[cycleID] = append([]string(nil), contactIDs...)
	return nil
}

func (m *Memory) Recipients(ctx context.Context, cycleID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.recipients[cycleID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), ids...), nil
}

func (m *Memory) PutOutcome(ctx context.Context, o campaign.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	byContact := m.outcomes[o.CycleID]
	if byContact == nil {
		byContact = map[string]campaign.Outcome{}
		m.outcomes[o.CycleID] = byContact
	}
	byContact[o.ContactID] = o
	return nil
}

func (m *Memory) GetOutcome(ctx context.Context, cycleID, contactID string) (campaign.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[cycleID][contactID]
	if !ok {
		return campaign.Outcome{}, ErrNotFound
	}
	return o, nil
}

func (m *Memory) Outcomes(ctx context.Context, cycleID string) ([]campaign.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]campaign.Outcome, 0, len(m.outcomes[cycleID]))
	for _, o := range m.outcomes[cycleID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out, nil
}

func (m *Memory) ListActiveContacts(ctx context.Context) ([]Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		if c.Active {
			out = append(out, cloneContact(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetContactsByIDs(ctx context.Context, ids []string) ([]Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.contacts[id]; ok {
			out = append(out, cloneContact(c))
		}
	}
	return out, nil
}

func (m *Memory) PutContact(ctx context.Context, c Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = cloneContact(c)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Message{}, ErrClosed
	}
	msg, ok := m.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) PutMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	return nil
}

// HasRead looks for a read outcome in any cycle that sent messageID.
func (m *Memory) HasRead(ctx context.Context, contactID, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for cycleID, byContact := range m.outcomes {
		o, ok := byContact[contactID]
		if !ok || o.Result != campaign.ResultRead {
			continue
		}
		if cy, ok := m.cycles[cycleID]; ok && cy.MessageRef == messageID {
			return true, nil
		}
	}
	return false, nil
}

func cloneContact(c Contact) Contact {
	c.Tags = append([]string(nil), c.Tags...)
	if c.Attributes != nil {
		attrs := make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		c.Attributes = attrs
	}
	return c
}
