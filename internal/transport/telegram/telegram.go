// Package telegram is the Telegram channel transport. Contact ids are chat
// ids. It also receives operator commands through long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"pewcast/internal/retry"
	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/storage"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake; used by tests.
	Offline bool
}

type Client struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	send    func(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and its helpers. Created on Start, canceled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower than the poll loop.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, log: log.With(logx.String("comp", "transport.telegram")), bot: b, send: b.Send}
	var nilOut chan<- kit.Update
	c.out.Store(nilOut)
	c.registerHandlers()
	return c, nil
}

func (c *Client) Name() string { return "telegram" }

func (c *Client) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		c.sendUpdate(kit.Update{
			MessageID:    m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		})
		return nil
	})
}

func (c *Client) sendUpdate(up kit.Update) {
	out, _ := c.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&c.droppedUpdates, 1)
	}
}

// Start begins long polling and forwards operator text messages to out.
func (c *Client) Start(ctx context.Context, out chan<- kit.Update) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = true
	c.out.Store(out)
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	sup := c.sup
	c.runMu.Unlock()

	if err := c.bot.SetCommands([]tele.Command{{Text: "campaign", Description: "start|pause|resume|cancel|status <id>"}}); err != nil {
		c.log.Warn("set bot commands failed", logx.Err(err))
	}

	sup.Go0("updates.drop_report", func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.reportDropped(cap(out))
				return
			case <-ticker.C:
				c.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		c.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("telebot.poll", retry.Policy{Base: 500 * time.Millisecond, MaxDelay: 10 * time.Second}, func(ctx context.Context) error {
		c.log.Info("polling started")
		c.bot.Start()
		c.log.Info("polling stopped")
		return nil
	})
	return nil
}

func (c *Client) reportDropped(capacity int) {
	if n := atomic.SwapUint64(&c.droppedUpdates, 0); n > 0 {
		c.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	var nilOut chan<- kit.Update
	c.out.Store(nilOut)
	c.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		c.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// Send delivers env to the chat named by env.ContactID.
func (c *Client) Send(ctx context.Context, env kit.Envelope) kit.Outcome {
	chatID, err := strconv.ParseInt(strings.TrimSpace(env.ContactID), 10, 64)
	if err != nil {
		return kit.FromError(retry.NoRetry(fmt.Errorf("invalid recipient address %q", env.ContactID)))
	}
	opt := &tele.SendOptions{
		ParseMode:             tele.ParseMode(env.Message.ParseMode),
		DisableWebPagePreview: env.Message.DisableWebPagePreview,
	}
	chunks := splitText(env.Message.Text, textLimit, env.Message.ParseMode)
	sent, err := c.sendChunks(ctx, &tele.Chat{ID: chatID}, chunks, opt)
	if err != nil {
		if sent > 0 {
			// Part of the message reached the chat; a retry would repeat it.
			return kit.FromError(retry.NoRetry(fmt.Errorf("partial delivery, %d of %d parts sent: %w", sent, len(chunks), err)))
		}
		return kit.FromError(classify(err))
	}
	return kit.Success()
}

// Parts reports how many Bot API sends msg takes.
func (c *Client) Parts(msg storage.Message) int {
	return len(splitText(msg.Text, textLimit, msg.ParseMode))
}

// Reply answers an operator.
func (c *Client) Reply(ctx context.Context, to kit.ChatTarget, text string) error {
	_, err := c.sendChunks(ctx, &tele.Chat{ID: to.ChatID}, splitText(text, textLimit, ""), &tele.SendOptions{ThreadID: to.ThreadID, DisableWebPagePreview: true})
	return err
}

// sendChunks sends chunks in order and reports how many went out.
func (c *Client) sendChunks(ctx context.Context, chat *tele.Chat, chunks []string, opt *tele.SendOptions) (int, error) {
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := c.send(chat, chunk, opt); err != nil {
			return i, err
		}
	}
	return len(chunks), nil
}

// classify maps Bot API failures onto the retry markers.
//
// Flood control carries a retry hint; 400 and 403 replies (chat not found,
// bot blocked, kicked) are permanent. Everything else, including network
// errors and 5xx, is transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return retry.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 403:
			return retry.NoRetry(err)
		case 429:
			return retry.RetryAfter(err, time.Second)
		}
	}
	return err
}
