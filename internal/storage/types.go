package storage

import (
	"context"
	"errors"
	"time"

	"pewcast/internal/campaign"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL reachable through DSN
//
// Empty Driver selects "memory".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Contact is a message recipient.
type Contact struct {
	ID         string         `json:"id"`
	Tags       []string       `json:"tags,omitempty"`
	Active     bool           `json:"active"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// HasTag reports whether the contact carries tag.
func (c Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Message is an immutable outbound template.
type Message struct {
	ID                    string `json:"id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// CampaignStore persists campaign records and everything tied to a cycle.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (*campaign.Campaign, error)
	SaveCampaign(ctx context.Context, c *campaign.Campaign) error
	// ListCampaigns returns campaigns in any of statuses, or all when none given.
	ListCampaigns(ctx context.Context, statuses ...campaign.Status) ([]*campaign.Campaign, error)

	AppendTransition(ctx context.Context, tr campaign.Transition) error
	ListTransitions(ctx context.Context, campaignID string) ([]campaign.Transition, error)

	PutCycle(ctx context.Context, cy campaign.Cycle) error
	GetCycle(ctx context.Context, id string) (campaign.Cycle, error)

	PutRecipients(ctx context.Context, cycleID string, contactIDs []string) error
	Recipients(ctx context.Context, cycleID string) ([]string, error)

	PutOutcome(ctx context.Context, o campaign.Outcome) error
	GetOutcome(ctx context.Context, cycleID, contactID string) (campaign.Outcome, error)
	Outcomes(ctx context.Context, cycleID string) ([]campaign.Outcome, error)
}

// ContactStore reads contacts.
type ContactStore interface {
	ListActiveContacts(ctx context.Context) ([]Contact, error)
	GetContactsByIDs(ctx context.Context, ids []string) ([]Contact, error)
	PutContact(ctx context.Context, c Contact) error
}

// MessageStore reads message templates.
type MessageStore interface {
	GetMessage(ctx context.Context, id string) (Message, error)
	PutMessage(ctx context.Context, m Message) error
}

// DeliveryHistory answers read-receipt lookups.
type DeliveryHistory interface {
	HasRead(ctx context.Context, contactID, messageID string) (bool, error)
}

// Store is the full persistence API used by the engine.
type Store interface {
	CampaignStore
	ContactStore
	MessageStore
	DeliveryHistory
	Close() error
}
