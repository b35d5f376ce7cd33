package config

import (
	"reflect"
	"sort"
	"strings"

	logx "campaignd/pkg/logx"
)

// Hot-reloadable sections. Anything else needs a restart to take effect.
var hotSections = map[string]bool{
	"logging": true,
	"worker":  true,
	"quota":   true,
}

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens, DSNs or broker
// URLs), and (3) the changed sections that only apply after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	// Logging (never log token)
	ol, nl := oldCfg.Logging, newCfg.Logging
	if ol.Level != nl.Level ||
		ol.Console != nl.Console ||
		ol.File != nl.File ||
		ol.Telegram.Enabled != nl.Telegram.Enabled ||
		ol.Telegram.ChatID != nl.Telegram.ChatID ||
		ol.Telegram.ThreadID != nl.Telegram.ThreadID ||
		ol.Telegram.MinLevel != nl.Telegram.MinLevel ||
		ol.Telegram.RatePerSec != nl.Telegram.RatePerSec ||
		ol.Telegram.Token != nl.Telegram.Token {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", nl.Level),
			logx.Bool("logx.console", nl.Console),
			logx.Bool("logx.file_enabled", nl.File.Enabled),
			logx.Bool("logx.telegram_enabled", nl.Telegram.Enabled),
			logx.Bool("logx.telegram_token_changed", ol.Telegram.Token != nl.Telegram.Token),
		)
	}

	// Storage (never log DSN)
	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nst.DSN) != ""),
		)
	}

	if oldCfg.Locks != newCfg.Locks {
		changed = append(changed, "locks")
		attrs = append(attrs, logx.String("locks.max_age", newCfg.Locks.MaxAge))
	}

	if oldCfg.Session != newCfg.Session {
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.String("session.driver", newCfg.Session.Driver),
			logx.Bool("session.api_url_set", strings.TrimSpace(newCfg.Session.APIURL) != ""),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.String("worker.send_delay", newCfg.Worker.SendDelay),
			logx.String("worker.call_timeout", newCfg.Worker.CallTimeout),
			logx.Int("worker.max_sends_per_minute", newCfg.Worker.MaxSendsPerMinute),
		)
	}

	if oldCfg.Campaign != newCfg.Campaign {
		changed = append(changed, "campaign")
		attrs = append(attrs,
			logx.String("campaign.retention", newCfg.Campaign.Retention),
			logx.String("campaign.prune_schedule", newCfg.Campaign.PruneSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.Quota, newCfg.Quota) {
		changed = append(changed, "quota")
		attrs = append(attrs,
			logx.String("quota.default_plan", newCfg.Quota.DefaultPlan),
			logx.Int("quota.plan_overrides", len(newCfg.Quota.Plans)),
		)
	}

	// Events (never log broker URL)
	oe, ne := derefEvents(oldCfg.Events), derefEvents(newCfg.Events)
	if oe != ne {
		changed = append(changed, "events")
		attrs = append(attrs,
			logx.Bool("events.enabled", ne.Enabled),
			logx.String("events.exchange", ne.Exchange),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if !hotSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefEvents(e *EventsConfig) EventsConfig {
	if e == nil {
		return EventsConfig{}
	}
	return *e
}
