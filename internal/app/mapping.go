package app

import (
	"fmt"
	"strings"
	"time"

	"promodispatch/internal/config"
	"promodispatch/internal/dispatch"
	"promodispatch/internal/maintenance"
	"promodispatch/internal/ops"
	"promodispatch/internal/outbox"
	"promodispatch/internal/ratelimit"
	"promodispatch/internal/session"
	"promodispatch/internal/storage"
	"promodispatch/internal/transport"
	"promodispatch/internal/transport/sim"
	"promodispatch/internal/transport/telegram"
	logx "promodispatch/pkg/logx"
)

// Config documents are validated before they reach these mappers, so
// DurationOr only ever substitutes defaults for omitted fields.

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		SendTimeout:   config.DurationOr(cfg.Session.SendTimeout, 15*time.Second),
		ReconnectBase: config.DurationOr(cfg.Session.ReconnectBase, time.Second),
		ReconnectMax:  config.DurationOr(cfg.Session.ReconnectMax, 60*time.Second),
	}
}

func outboxPolicy(cfg *config.Config) outbox.Policy {
	return outbox.Policy{
		RetryCeiling: config.IntOr(cfg.Dispatch.RetryCeiling, 5),
		BackoffBase:  config.DurationOr(cfg.Dispatch.BackoffBase, 30*time.Second),
		BackoffMax:   config.DurationOr(cfg.Dispatch.BackoffMax, 30*time.Minute),
	}
}

func workerConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		RateLimitedDelay: config.DurationOr(cfg.Dispatch.RateLimitedDelay, 5*time.Second),
		NotReadyDelay:    config.DurationOr(cfg.Dispatch.NotReadyDelay, 5*time.Second),
		StoreRetryDelay:  config.DurationOr(cfg.Dispatch.StoreRetryDelay, time.Second),
	}
}

// bucketPolicy maps an omitted bucket to def. A bucket with a window and
// capacity 0 is disabled.
func bucketPolicy(b config.BucketConfig, def ratelimit.Policy) ratelimit.Policy {
	if b.Capacity == 0 && strings.TrimSpace(b.Window) == "" {
		return def
	}
	return ratelimit.Policy{
		Capacity: b.Capacity,
		Window:   config.DurationOr(b.Window, def.Window),
	}
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	def := ratelimit.DefaultConfig()
	return ratelimit.Config{
		Global:    bucketPolicy(cfg.RateLimit.Global, def.Global),
		Recipient: bucketPolicy(cfg.RateLimit.Recipient, def.Recipient),
		IdleTTL:   config.DurationOr(cfg.RateLimit.IdleTTL, def.IdleTTL),
	}
}

func maintenanceConfig(cfg *config.Config) maintenance.Config {
	return maintenance.Config{
		BucketGC: cfg.Maintenance.BucketGC,
		Compact:  cfg.Maintenance.Compact,
		Timezone: cfg.Maintenance.Timezone,
	}
}

func opsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		Metrics:       cfg.Ops.Metrics,
		ReadTimeout:   config.DurationOr(cfg.Ops.ReadTimeout, 10*time.Second),
		// pprof/profile streams for 30s by default.
		WriteTimeout: config.DurationOr(cfg.Ops.WriteTimeout, 60*time.Second),
		IdleTimeout:  config.DurationOr(cfg.Ops.IdleTimeout, 60*time.Second),
	}
}

// newTransport returns the client and, for telegram, the concrete client so
// token changes can re-pair it.
func newTransport(cfg *config.Config, log logx.Logger) (transport.Client, *telegram.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram":
		tg := telegram.New(telegram.Config{
			Token:          cfg.Transport.Telegram.Token,
			Timeout:        config.DurationOr(cfg.Transport.Telegram.Timeout, 10*time.Second),
			HealthInterval: time.Minute,
		}, log)
		return tg, tg, nil
	case "sim":
		return sim.New(sim.Config{AuthDelay: config.DurationOr(cfg.Transport.Sim.AuthDelay, 2*time.Second)}, log), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}
}
