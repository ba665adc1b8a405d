package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pewcast/internal/campaign"
	"pewcast/internal/scheduler"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

const commandTimeout = 15 * time.Second

const commandUsage = `usage:
/campaign list [status...]
/campaign status <id>
/campaign start <id>
/campaign pause <id>
/campaign resume <id>
/campaign cancel <id>
/campaign history <id>`

// campaignOps is the part of the scheduler the operator commands drive.
type campaignOps interface {
	Start(ctx context.Context, id string) (campaign.Snapshot, error)
	Pause(ctx context.Context, id string) (campaign.Snapshot, error)
	Resume(ctx context.Context, id string) (campaign.Snapshot, error)
	Cancel(ctx context.Context, id string) (campaign.Snapshot, error)
	GetStatus(ctx context.Context, id string) (campaign.Snapshot, error)
	List(ctx context.Context, statuses ...campaign.Status) ([]*campaign.Campaign, error)
	History(ctx context.Context, id string) ([]campaign.Transition, error)
}

type replier interface {
	Reply(ctx context.Context, to transport.ChatTarget, text string) error
}

// Commands serves /campaign commands from owners.
type Commands struct {
	log   logx.Logger
	ops   campaignOps
	reply replier

	mu     sync.RWMutex
	owners []int64
}

func NewCommands(log logx.Logger, ops campaignOps, reply replier, owners []int64) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Commands{
		log:    log.With(logx.String("comp", "commands")),
		ops:    ops,
		reply:  reply,
		owners: slices.Clone(owners),
	}
}

// SetOwners replaces the owner list; safe during hot reload.
func (c *Commands) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	c.mu.Lock()
	c.owners = cp
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.owners, id)
}

// DispatchLoop handles updates with a bounded number of concurrent
// commands until ctx ends or updates closes.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(runtime.NumCPU(), 2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	c.log.Info("command dispatcher started", logx.Int("workers", workers))
	defer c.log.Info("command dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case up, ok := <-updates:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				c.Handle(gctx, up)
				return nil
			})
		}
	}
}

// Handle runs one update. Text that is not a /campaign command from an
// owner gets at most a short reply.
func (c *Commands) Handle(ctx context.Context, up transport.Update) {
	fields := strings.Fields(strings.TrimSpace(up.Text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	word := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	to := transport.ChatTarget{ChatID: up.ChatID, ThreadID: up.ThreadID}
	if !strings.EqualFold(word, "campaign") {
		c.send(ctx, to, "unknown command. try /campaign help")
		return
	}
	if !c.isOwner(up.FromID) {
		c.log.Warn("unauthorized command", logx.Int64("from_id", up.FromID), logx.String("text", up.Text))
		c.send(ctx, to, "unauthorized")
		return
	}

	rid := uuid.NewString()[:8]
	log := c.log.With(logx.String("rid", rid), logx.Int64("from_id", up.FromID), logx.Int64("chat_id", up.ChatID))
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	text, err := c.execute(cctx, fields[1:])
	if err != nil {
		log.Warn("command failed", logx.Strings("args", fields[1:]), logx.Err(err), logx.Duration("took", time.Since(start)))
		text = "error: " + describe(err)
	} else {
		log.Info("command done", logx.Strings("args", fields[1:]), logx.Duration("took", time.Since(start)))
	}
	c.send(ctx, to, text)
}

func (c *Commands) send(ctx context.Context, to transport.ChatTarget, text string) {
	if c.reply == nil {
		return
	}
	if err := c.reply.Reply(ctx, to, text); err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func (c *Commands) execute(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return commandUsage, nil
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]

	switch sub {
	case "help":
		return commandUsage, nil
	case "list":
		statuses := make([]campaign.Status, 0, len(rest))
		for _, s := range rest {
			st := campaign.Status(strings.ToLower(s))
			if !st.Valid() {
				return "", fmt.Errorf("unknown status %q", s)
			}
			statuses = append(statuses, st)
		}
		list, err := c.ops.List(ctx, statuses...)
		if err != nil {
			return "", err
		}
		return formatList(list), nil
	}

	if len(rest) != 1 {
		return "", fmt.Errorf("usage: /campaign %s <id>", sub)
	}
	id := rest[0]
	var op func(context.Context, string) (campaign.Snapshot, error)
	switch sub {
	case "status":
		op = c.ops.GetStatus
	case "start":
		op = c.ops.Start
	case "pause":
		op = c.ops.Pause
	case "resume":
		op = c.ops.Resume
	case "cancel":
		op = c.ops.Cancel
	case "history":
		ts, err := c.ops.History(ctx, id)
		if err != nil {
			return "", err
		}
		return formatHistory(id, ts), nil
	default:
		return "", fmt.Errorf("unknown subcommand %q\n%s", sub, commandUsage)
	}
	snap, err := op(ctx, id)
	if err != nil {
		return "", err
	}
	return formatSnapshot(snap), nil
}

// describe turns engine errors into short operator text.
func describe(err error) string {
	var te *campaign.TransitionError
	switch {
	case errors.Is(err, scheduler.ErrUnknownCampaign):
		return "unknown campaign"
	case errors.As(err, &te):
		return te.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return err.Error()
	}
}

func formatSnapshot(s campaign.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", s.ID, s.Status)
	st := s.Statistics
	fmt.Fprintf(&b, "total %d, sent %d, delivered %d, read %d, failed %d", st.Total, st.Sent, st.Delivered, st.Read, st.Failed)
	if s.NextFireAt != nil {
		fmt.Fprintf(&b, "\nnext fire: %s", s.NextFireAt.Format(time.RFC3339))
	}
	if s.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", s.Reason)
	}
	return b.String()
}

func formatList(list []*campaign.Campaign) string {
	if len(list) == 0 {
		return "no campaigns"
	}
	var b strings.Builder
	for i, c := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s [%s] %s sent %d/%d", c.ID, c.Status, c.Name, c.Stats.Sent, c.Stats.Total)
	}
	return b.String()
}

func formatHistory(id string, ts []campaign.Transition) string {
	if len(ts) == 0 {
		return id + ": no transitions"
	}
	var b strings.Builder
	b.WriteString(id)
	for _, t := range ts {
		fmt.Fprintf(&b, "\n%s %s: %s -> %s", t.At.Format(time.RFC3339), t.Event, t.From, t.To)
		if t.Reason != "" {
			fmt.Fprintf(&b, " (%s)", t.Reason)
		}
	}
	return b.String()
}
