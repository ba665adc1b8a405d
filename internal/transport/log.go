package transport

import (
	"context"
	"sync"
	"time"

	"pewcast/internal/campaign"
	logx "pewcast/pkg/logx"
)

// Log is a dry-run transport: it logs every envelope and reports success.
// With receipts enabled it also reports each message as delivered.
type Log struct {
	log      logx.Logger
	receipts bool

	mu      sync.RWMutex
	handler func(Receipt)
}

func NewLog(log logx.Logger, receipts bool) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Log{log: log.With(logx.String("comp", "transport.log")), receipts: receipts}
}

func (l *Log) Name() string { return "log" }

func (l *Log) SetReceiptHandler(fn func(Receipt)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *Log) Send(ctx context.Context, env Envelope) Outcome {
	if err := ctx.Err(); err != nil {
		return FromError(err)
	}
	l.log.Info("dry-run send",
		logx.String("campaign", env.CampaignID),
		logx.String("cycle", env.CycleID),
		logx.String("contact", env.ContactID),
		logx.String("message", env.Message.ID),
		logx.Int("chars", len([]rune(env.Message.Text))),
	)
	if l.receipts {
		l.mu.RLock()
		h := l.handler
		l.mu.RUnlock()
		if h != nil {
			r := Receipt{
				CampaignID: env.CampaignID,
				CycleID:    env.CycleID,
				ContactID:  env.ContactID,
				Result:     campaign.ResultDelivered,
				At:         time.Now(),
			}
			go h(r)
		}
	}
	return Success()
}
