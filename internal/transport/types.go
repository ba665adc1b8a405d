package transport

import (
	"context"
	"time"

	"pewcast/internal/campaign"
	"pewcast/internal/storage"
)

// Envelope is one outbound message to one contact within a cycle.
type Envelope struct {
	CampaignID string
	CycleID    string
	ContactID  string
	Message    storage.Message
}

// Outcome is the result of a single send attempt.
type Outcome struct {
	Success   bool
	Retryable bool
	Reason    string
	// RetryAfter is an optional hint from the channel (e.g. flood control).
	RetryAfter time.Duration
}

// Transport sends one message and reports the outcome. Implementations must
// not retry internally; the dispatcher owns the retry budget.
type Transport interface {
	Name() string
	Send(ctx context.Context, env Envelope) Outcome
}

// Splitter is implemented by transports that deliver one message as several
// channel sends. Parts reports how many sends msg takes, at least 1.
type Splitter interface {
	Parts(msg storage.Message) int
}

// Parts reports how many channel sends t needs for msg.
func Parts(t Transport, msg storage.Message) int {
	if sp, ok := t.(Splitter); ok {
		if n := sp.Parts(msg); n > 1 {
			return n
		}
	}
	return 1
}

// Receipt is an asynchronous delivery/read callback.
type Receipt struct {
	CampaignID string
	CycleID    string
	ContactID  string
	Result     campaign.Result
	At         time.Time
}

// ReceiptSource is implemented by transports that report delivery callbacks.
type ReceiptSource interface {
	SetReceiptHandler(fn func(Receipt))
}

// Update is an inbound operator message.
type Update struct {
	MessageID    int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses an operator reply.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// CommandSource delivers operator updates and lets the app reply to them.
type CommandSource interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, to ChatTarget, text string) error
}
