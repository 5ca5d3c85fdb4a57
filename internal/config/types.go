package config

// Config is the root of the dispatcher configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Transport   TransportConfig   `json:"transport"`
	Session     SessionConfig     `json:"session"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Ops         OpsConfig         `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the durable backend for messages and outcomes.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/promodispatch.db" }
//
// Changing it requires a restart.
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite (default) | file | memory
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TransportConfig selects the chat transport. Changing the driver requires a restart.
type TransportConfig struct {
	Driver   string          `json:"driver"` // telegram (default) | sim
	Telegram TelegramConfig  `json:"telegram"`
	Sim      SimTransportCfg `json:"sim"`
}

type TelegramConfig struct {
	// Token is the bot credential. Empty means "not paired yet"; the session
	// then waits in AwaitingAuthentication until a token is supplied.
	Token string `json:"token"`
	// Timeout bounds each Bot API request. Default: "10s".
	Timeout string `json:"timeout,omitempty"`
}

type SimTransportCfg struct {
	// AuthDelay is how long the simulated pairing takes. Default: "2s".
	AuthDelay string `json:"auth_delay,omitempty"`
}

// SessionConfig controls the transport session.
//
// Defaults: send_timeout 15s, reconnect_base 1s, reconnect_max 60s.
type SessionConfig struct {
	SendTimeout   string `json:"send_timeout,omitempty"`
	ReconnectBase string `json:"reconnect_base,omitempty"`
	ReconnectMax  string `json:"reconnect_max,omitempty"`
}

// DispatchConfig controls retries of the delivery worker.
//
// Defaults: retry_ceiling 5, backoff_base 30s, backoff_max 30m,
// rate_limited_delay 5s, not_ready_delay 5s, store_retry_delay 1s.
type DispatchConfig struct {
	RetryCeiling     int    `json:"retry_ceiling,omitempty"`
	BackoffBase      string `json:"backoff_base,omitempty"`
	BackoffMax       string `json:"backoff_max,omitempty"`
	RateLimitedDelay string `json:"rate_limited_delay,omitempty"`
	NotReadyDelay    string `json:"not_ready_delay,omitempty"`
	StoreRetryDelay  string `json:"store_retry_delay,omitempty"`
}

// RateLimitConfig holds the global and per-recipient token bucket policies.
//
// Defaults: global 20 per 60s, recipient 1 per 24h, idle_ttl 48h.
type RateLimitConfig struct {
	Global    BucketConfig `json:"global"`
	Recipient BucketConfig `json:"recipient"`
	IdleTTL   string       `json:"idle_ttl,omitempty"`
}

type BucketConfig struct {
	Capacity int    `json:"capacity,omitempty"`
	Window   string `json:"window,omitempty"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs.
//
// Defaults: bucket_gc "@every 10m", compact "@every 1h". Use "off" to disable a job.
type MaintenanceConfig struct {
	BucketGC string `json:"bucket_gc,omitempty"`
	Compact  string `json:"compact,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// OpsConfig controls the operator HTTP server (health, session, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8089").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8089"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
