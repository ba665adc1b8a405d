package config

import (
	"reflect"
	"slices"
	"strings"

	logx "pewcast/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists the top-level sections that changed, sorted.
	Sections []string
	// Attrs are safe structured fields for logging; secrets are reported only
	// as set/unset.
	Attrs []logx.Field
	// Restart lists changed keys that only take effect after a restart.
	Restart []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Summarize compares old and new config.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Logging != newCfg.Logging {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || !slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) || ot.Commands != nt.Commands {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.commands", nt.Commands),
		)
		if ot.Token != nt.Token {
			ch.Restart = append(ch.Restart, "telegram.token")
		}
		if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) {
			ch.Restart = append(ch.Restart, "telegram.poll_timeout")
		}
		if ot.Commands != nt.Commands {
			ch.Restart = append(ch.Restart, "telegram.commands")
		}
	}

	if !strings.EqualFold(strings.TrimSpace(oldCfg.Transport.Driver), strings.TrimSpace(newCfg.Transport.Driver)) {
		ch.Sections = append(ch.Sections, "transport")
		ch.Attrs = append(ch.Attrs, logx.String("transport.driver", newCfg.Transport.Driver))
		ch.Restart = append(ch.Restart, "transport.driver")
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		ch.Sections = append(ch.Sections, "engine")
		ch.Attrs = append(ch.Attrs,
			logx.String("engine.tick_interval", newCfg.Engine.TickInterval),
			logx.String("engine.timezone", newCfg.Engine.Timezone),
			logx.Int("engine.parallelism", newCfg.Engine.Parallelism),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		ch.Sections = append(ch.Sections, "dispatch")
		ch.Attrs = append(ch.Attrs,
			logx.Int("dispatch.max_messages_per_minute", newCfg.Dispatch.MaxMessagesPerMinute),
			logx.Any("dispatch.default_delay_seconds", newCfg.Dispatch.DefaultDelaySeconds),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
		)
	}

	// The DSN may embed credentials; report only whether it changed.
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS != newS {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newS.DSN) != ""),
		)
		ch.Restart = append(ch.Restart, "storage")
	}

	if oldCfg.Lock != newCfg.Lock {
		ch.Sections = append(ch.Sections, "lock")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("lock.redis_set", strings.TrimSpace(newCfg.Lock.RedisURL) != ""),
			logx.String("lock.ttl", newCfg.Lock.TTL),
		)
		ch.Restart = append(ch.Restart, "lock")
	}

	slices.Sort(ch.Sections)
	return ch
}
