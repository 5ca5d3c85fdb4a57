package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	logx "promodispatch/pkg/logx"
)

// EnvTelegramToken overrides an empty transport.telegram.token.
const EnvTelegramToken = "PROMODISPATCH_TELEGRAM_TOKEN"

// ApplyEnv fills secrets that are allowed to come from the environment.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
		cfg.Transport.Telegram.Token = strings.TrimSpace(os.Getenv(EnvTelegramToken))
	}
}

// Validate checks the whole document and returns every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file", "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram", "sim":
	default:
		add(fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver))
	}
	dur("transport.telegram.timeout", cfg.Transport.Telegram.Timeout)
	dur("transport.sim.auth_delay", cfg.Transport.Sim.AuthDelay)

	dur("session.send_timeout", cfg.Session.SendTimeout)
	dur("session.reconnect_base", cfg.Session.ReconnectBase)
	dur("session.reconnect_max", cfg.Session.ReconnectMax)

	if cfg.Dispatch.RetryCeiling < 0 {
		add(errors.New("dispatch.retry_ceiling: must be >= 0"))
	}
	dur("dispatch.backoff_base", cfg.Dispatch.BackoffBase)
	dur("dispatch.backoff_max", cfg.Dispatch.BackoffMax)
	dur("dispatch.rate_limited_delay", cfg.Dispatch.RateLimitedDelay)
	dur("dispatch.not_ready_delay", cfg.Dispatch.NotReadyDelay)
	dur("dispatch.store_retry_delay", cfg.Dispatch.StoreRetryDelay)

	for name, b := range map[string]BucketConfig{"global": cfg.RateLimit.Global, "recipient": cfg.RateLimit.Recipient} {
		if b.Capacity < 0 {
			add(fmt.Errorf("rate_limit.%s.capacity: must be >= 0", name))
		}
		dur("rate_limit."+name+".window", b.Window)
	}
	dur("rate_limit.idle_ttl", cfg.RateLimit.IdleTTL)

	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}
