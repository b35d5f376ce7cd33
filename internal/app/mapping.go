package app

import (
	"strings"
	"time"

	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/quota"
	"campaignd/internal/storage"
	"campaignd/internal/transport/amqpsink"
	"campaignd/internal/transport/httpapi"
	logx "campaignd/pkg/logx"
)

const (
	defaultLockMaxAge      = 120 * time.Second
	defaultSessionTimeout  = 30 * time.Second
	defaultDialBackoff     = 2 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultPruneSchedule   = "@every 10m"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

// mapTuning fills omitted worker knobs from campaign.DefaultTuning.
func mapTuning(cfg *config.Config) (campaign.Tuning, error) {
	w := cfg.Worker
	t := campaign.DefaultTuning()

	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"worker.lock_timeout", w.LockTimeout, &t.LockTimeout},
		{"worker.call_timeout", w.CallTimeout, &t.CallTimeout},
		{"worker.send_delay", w.SendDelay, &t.SendDelay},
		{"worker.jitter_min", w.JitterMin, &t.JitterMin},
		{"worker.jitter_max", w.JitterMax, &t.JitterMax},
		{"worker.round_pause_min", w.RoundPauseMin, &t.RoundPauseMin},
		{"worker.round_pause_max", w.RoundPauseMax, &t.RoundPauseMax},
		{"worker.exhausted_wait", w.ExhaustedWait, &t.ExhaustedWait},
		{"worker.exhausted_cooldown", w.ExhaustedCooldown, &t.ExhaustedCooldown},
		{"worker.error_pause", w.ErrorPause, &t.ErrorPause},
		{"worker.rate_limit_ceiling", w.RateLimitCeiling, &t.RateLimitCeiling},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, *f.dst)
		if err != nil {
			return campaign.Tuning{}, err
		}
		*f.dst = d
	}
	if w.ExhaustedRuns > 0 {
		t.ExhaustedRuns = w.ExhaustedRuns
	}
	t.MaxSendsPerMinute = w.MaxSendsPerMinute
	return t, nil
}

func mapCampaignConfig(cfg *config.Config) (campaign.Config, error) {
	t, err := mapTuning(cfg)
	if err != nil {
		return campaign.Config{}, err
	}
	cc := cfg.Campaign
	grace, err := config.ParseDurationField("campaign.cancel_grace", cc.CancelGrace)
	if err != nil {
		return campaign.Config{}, err
	}
	retention, err := config.ParseDurationField("campaign.retention", cc.Retention)
	if err != nil {
		return campaign.Config{}, err
	}
	// Zero values fall back to the orchestrator defaults.
	return campaign.Config{
		Tuning:      t,
		CancelGrace: grace,
		Retention:   retention,
		MaxRetained: cc.MaxRetained,
	}, nil
}

func pruneSchedule(cfg *config.Config) string {
	if s := strings.TrimSpace(cfg.Campaign.PruneSchedule); s != "" {
		return s
	}
	return defaultPruneSchedule
}

type sessionSettings struct {
	apiURL       string
	timeout      time.Duration
	dialAttempts int
	dialBackoff  time.Duration
	lockMaxAge   time.Duration
}

func mapSessionConfig(cfg *config.Config) (sessionSettings, error) {
	sc := cfg.Session
	timeout, err := config.ParseDurationOrDefault("session.timeout", sc.Timeout, defaultSessionTimeout)
	if err != nil {
		return sessionSettings{}, err
	}
	backoff, err := config.ParseDurationOrDefault("session.dial_backoff", sc.DialBackoff, defaultDialBackoff)
	if err != nil {
		return sessionSettings{}, err
	}
	maxAge, err := config.ParseDurationOrDefault("locks.max_age", cfg.Locks.MaxAge, defaultLockMaxAge)
	if err != nil {
		return sessionSettings{}, err
	}
	attempts := sc.DialAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return sessionSettings{
		apiURL:       strings.TrimSpace(sc.APIURL),
		timeout:      timeout,
		dialAttempts: attempts,
		dialBackoff:  backoff,
		lockMaxAge:   maxAge,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, time.Duration, error) {
	hc := cfg.HTTP
	rht, err := config.ParseDurationField("http.read_header_timeout", hc.ReadHeaderTimeout)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	ping, err := config.ParseDurationField("http.ws_ping_interval", hc.WSPingInterval)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", hc.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return httpapi.Config{}, 0, err
	}
	return httpapi.Config{
		Addr:              strings.TrimSpace(hc.Addr),
		Token:             strings.TrimSpace(hc.Token),
		ReadHeaderTimeout: rht,
		WSPingInterval:    ping,
		StreamBuffer:      hc.StreamBuffer,
		Pprof:             hc.Pprof,
	}, shutdown, nil
}

func mapQuotaPlans(cfg *config.Config) map[string]quota.Limits {
	if len(cfg.Quota.Plans) == 0 {
		return nil
	}
	out := make(map[string]quota.Limits, len(cfg.Quota.Plans))
	for plan, limits := range cfg.Quota.Plans {
		l := make(quota.Limits, len(limits))
		for action, n := range limits {
			l[strings.ToLower(strings.TrimSpace(action))] = n
		}
		out[strings.ToLower(strings.TrimSpace(plan))] = l
	}
	return out
}

// mapEventsConfig reports false when forwarding is disabled.
func mapEventsConfig(cfg *config.Config) (amqpsink.Config, bool) {
	ev := cfg.Events
	if ev == nil || !ev.Enabled {
		return amqpsink.Config{}, false
	}
	return amqpsink.Config{
		URL:        strings.TrimSpace(ev.AMQPURL),
		Exchange:   strings.TrimSpace(ev.Exchange),
		RoutingKey: strings.TrimSpace(ev.RoutingKey),
		QueueSize:  ev.QueueSize,
	}, true
}
