package config

// Config is the campaignd configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// ${VAR} references are expanded from the environment before decoding.
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Locks    LocksConfig    `json:"locks,omitempty"`
	Session  SessionConfig  `json:"session"`
	Worker   WorkerConfig   `json:"worker,omitempty"`
	Campaign CampaignConfig `json:"campaign,omitempty"`
	Quota    QuotaConfig    `json:"quota,omitempty"`

	// Events forwards hub events to a message broker. Nil means disabled.
	Events *EventsConfig `json:"events,omitempty"`
}

// HTTPConfig controls the control API and the live status stream.
//
// Defaults:
//   - addr: "127.0.0.1:8080"
//   - ws_ping_interval: "30s"
//   - shutdown_timeout: "10s"
//   - stream_buffer: 256
//
// A non-loopback addr without a token is served but logged as insecure.
type HTTPConfig struct {
	Addr              string `json:"addr"`
	Token             string `json:"token,omitempty"` // optional bearer token (do not log)
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	WSPingInterval    string `json:"ws_ping_interval,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
	StreamBuffer      int    `json:"stream_buffer,omitempty"`
	Pprof             bool   `json:"pprof,omitempty"` // mount /debug/pprof behind the token
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards records at or above MinLevel to a chat through a
// dedicated alert bot. Token is never logged.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./campaignd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// LocksConfig controls the per-account lock registry.
type LocksConfig struct {
	// MaxAge is how long a lock may be held before a waiter replaces it.
	MaxAge string `json:"max_age,omitempty"` // default "120s"
}

// SessionConfig controls how account sessions are opened.
type SessionConfig struct {
	Driver       string `json:"driver"`            // "telegram"
	APIURL       string `json:"api_url,omitempty"` // default: public Bot API
	Timeout      string `json:"timeout,omitempty"` // HTTP client timeout, default "30s"
	DialAttempts int    `json:"dial_attempts,omitempty"`
	DialBackoff  string `json:"dial_backoff,omitempty"`
}

// WorkerConfig tunes campaign workers. Changes apply to campaigns submitted
// after the reload.
type WorkerConfig struct {
	LockTimeout       string `json:"lock_timeout,omitempty"`
	CallTimeout       string `json:"call_timeout,omitempty"`
	SendDelay         string `json:"send_delay,omitempty"`
	JitterMin         string `json:"jitter_min,omitempty"`
	JitterMax         string `json:"jitter_max,omitempty"`
	RoundPauseMin     string `json:"round_pause_min,omitempty"`
	RoundPauseMax     string `json:"round_pause_max,omitempty"`
	ExhaustedWait     string `json:"exhausted_wait,omitempty"`
	ExhaustedCooldown string `json:"exhausted_cooldown,omitempty"`
	ExhaustedRuns     int    `json:"exhausted_runs,omitempty"`
	ErrorPause        string `json:"error_pause,omitempty"`
	RateLimitCeiling  string `json:"rate_limit_ceiling,omitempty"`
	MaxSendsPerMinute int    `json:"max_sends_per_minute,omitempty"`
}

// CampaignConfig controls the orchestrator.
//
// Defaults:
//   - cancel_grace: "30s"
//   - retention: "24h"
//   - max_retained: 200
//   - prune_schedule: "@every 10m" (robfig/cron spec)
type CampaignConfig struct {
	CancelGrace   string `json:"cancel_grace,omitempty"`
	Retention     string `json:"retention,omitempty"`
	MaxRetained   int    `json:"max_retained,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// QuotaConfig overrides the built-in plan table.
//
// Example:
//
//	"quota": { "default_plan": "free", "plans": { "basic": { "broadcast": 3 } } }
type QuotaConfig struct {
	DefaultPlan string                    `json:"default_plan,omitempty"`
	Plans       map[string]map[string]int `json:"plans,omitempty"`
}

// EventsConfig forwards status events to an AMQP exchange.
type EventsConfig struct {
	Enabled    bool   `json:"enabled"`
	AMQPURL    string `json:"amqp_url"` // do not log
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"` // prefix; event type is appended
	QueueSize  int    `json:"queue_size,omitempty"`
}
