package config

import (
	"reflect"
	"sort"
	"strings"

	logx "promodispatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Transport (never log token)
	oT, nT := oldCfg.Transport, newCfg.Transport
	tokenChanged := strings.TrimSpace(oT.Telegram.Token) != strings.TrimSpace(nT.Telegram.Token)
	oT.Telegram.Token, nT.Telegram.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oT, nT) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)),
			logx.Bool("transport.token_changed", tokenChanged),
			logx.Bool("transport.token_set", strings.TrimSpace(newCfg.Transport.Telegram.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.send_timeout", newCfg.Session.SendTimeout),
			logx.String("session.reconnect_base", newCfg.Session.ReconnectBase),
			logx.String("session.reconnect_max", newCfg.Session.ReconnectMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.retry_ceiling", newCfg.Dispatch.RetryCeiling),
			logx.String("dispatch.backoff_base", newCfg.Dispatch.BackoffBase),
			logx.String("dispatch.backoff_max", newCfg.Dispatch.BackoffMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimit, newCfg.RateLimit) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs,
			logx.Int("rate_limit.global.capacity", newCfg.RateLimit.Global.Capacity),
			logx.String("rate_limit.global.window", newCfg.RateLimit.Global.Window),
			logx.Int("rate_limit.recipient.capacity", newCfg.RateLimit.Recipient.Capacity),
			logx.String("rate_limit.recipient.window", newCfg.RateLimit.Recipient.Window),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.bucket_gc", newCfg.Maintenance.BucketGC),
			logx.String("maintenance.compact", newCfg.Maintenance.Compact),
			logx.String("maintenance.timezone", newCfg.Maintenance.Timezone),
		)
	}

	// Ops (never log token)
	oO, nO := oldCfg.Ops, newCfg.Ops
	opsTokenSetChanged := (strings.TrimSpace(oO.Token) != "") != (strings.TrimSpace(nO.Token) != "")
	oO.Token, nO.Token = "", ""
	if opsTokenSetChanged || !reflect.DeepEqual(oO, nO) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists settings that changed but only take effect after a restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !strings.EqualFold(strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Driver)) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		out = append(out, "storage")
	}
	if !strings.EqualFold(strings.TrimSpace(oldCfg.Transport.Driver), strings.TrimSpace(newCfg.Transport.Driver)) {
		out = append(out, "transport.driver")
	}
	if oldCfg.Transport.Sim != newCfg.Transport.Sim ||
		strings.TrimSpace(oldCfg.Transport.Telegram.Timeout) != strings.TrimSpace(newCfg.Transport.Telegram.Timeout) {
		out = append(out, "transport.options")
	}
	if oldCfg.Session != newCfg.Session {
		out = append(out, "session")
	}
	return out
}
