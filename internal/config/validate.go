package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks cfg for values that would fail at startup. It does not
// touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for _, f := range cfg.durationFields() {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for driver %q", d))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for driver \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Session.Driver)); d {
	case "", "telegram":
	default:
		errs = append(errs, fmt.Errorf("session.driver: unknown driver %q", cfg.Session.Driver))
	}
	if cfg.Session.DialAttempts < 0 {
		errs = append(errs, errors.New("session.dial_attempts must be >= 0"))
	}

	if t := cfg.Logging.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			errs = append(errs, errors.New("logging.telegram.token is required when enabled"))
		}
		if t.ChatID == 0 {
			errs = append(errs, errors.New("logging.telegram.chat_id is required when enabled"))
		}
	}

	if w := cfg.Worker; w.ExhaustedRuns < 0 || w.MaxSendsPerMinute < 0 {
		errs = append(errs, errors.New("worker: exhausted_runs and max_sends_per_minute must be >= 0"))
	}
	if cfg.Campaign.MaxRetained < 0 {
		errs = append(errs, errors.New("campaign.max_retained must be >= 0"))
	}
	if s := strings.TrimSpace(cfg.Campaign.PruneSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			errs = append(errs, fmt.Errorf("campaign.prune_schedule: %w", err))
		}
	}

	for plan, limits := range cfg.Quota.Plans {
		for action, n := range limits {
			if n < 0 {
				errs = append(errs, fmt.Errorf("quota.plans.%s.%s must be >= 0", plan, action))
			}
		}
	}

	if ev := cfg.Events; ev != nil && ev.Enabled && strings.TrimSpace(ev.AMQPURL) == "" {
		errs = append(errs, errors.New("events.amqp_url is required when enabled"))
	}

	return errors.Join(errs...)
}

type durationField struct{ path, raw string }

func (c *Config) durationFields() []durationField {
	w := c.Worker
	return []durationField{
		{"http.read_header_timeout", c.HTTP.ReadHeaderTimeout},
		{"http.ws_ping_interval", c.HTTP.WSPingInterval},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"locks.max_age", c.Locks.MaxAge},
		{"session.timeout", c.Session.Timeout},
		{"session.dial_backoff", c.Session.DialBackoff},
		{"worker.lock_timeout", w.LockTimeout},
		{"worker.call_timeout", w.CallTimeout},
		{"worker.send_delay", w.SendDelay},
		{"worker.jitter_min", w.JitterMin},
		{"worker.jitter_max", w.JitterMax},
		{"worker.round_pause_min", w.RoundPauseMin},
		{"worker.round_pause_max", w.RoundPauseMax},
		{"worker.exhausted_wait", w.ExhaustedWait},
		{"worker.exhausted_cooldown", w.ExhaustedCooldown},
		{"worker.error_pause", w.ErrorPause},
		{"worker.rate_limit_ceiling", w.RateLimitCeiling},
		{"campaign.cancel_grace", c.Campaign.CancelGrace},
		{"campaign.retention", c.Campaign.Retention},
	}
}
