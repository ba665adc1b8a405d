package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pewcast/pkg/logx"
)

// sdNotifier reports lifecycle to systemd. Outside a notify unit every call
// is a no-op. Watchdog pings are tied to scheduler ticks, so a stalled loop
// stops feeding the watchdog.
type sdNotifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog time.Duration
	lastTick atomic.Int64
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{
		log:    log,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
	} else {
		n.watchdog = d
	}
	return n
}

func (n *sdNotifier) send(state string) {
	ok, err := n.notify(state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("systemd notified", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Tick marks the scheduler as alive.
func (n *sdNotifier) Tick() { n.lastTick.Store(time.Now().UnixNano()) }

// WatchdogLoop pings at half the watchdog interval while the last tick is
// younger than stale. It returns at once when no watchdog is configured.
func (n *sdNotifier) WatchdogLoop(ctx context.Context, stale func() time.Duration) {
	if n.watchdog <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", n.watchdog))
	t := time.NewTicker(n.watchdog / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			last := n.lastTick.Load()
			if last == 0 {
				continue
			}
			if age := time.Since(time.Unix(0, last)); age > stale() {
				n.log.Warn("scheduler tick overdue; withholding watchdog ping", logx.Duration("age", age))
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
