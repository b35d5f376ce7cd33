package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

const sampleYAML = `
http:
  addr: 127.0.0.1:9090
logging:
  level: debug
  console: true
  telegram:
    enabled: true
    token: ${CAMPAIGND_TEST_TOKEN}
    chat_id: -100123
storage:
  driver: ${CAMPAIGND_TEST_DRIVER:-memory}
session:
  driver: telegram
worker:
  send_delay: 2s
  exhausted_runs: 5
quota:
  plans:
    basic:
      broadcast: 3
`

func TestParseYAMLExpandsEnv(t *testing.T) {
	t.Setenv("CAMPAIGND_TEST_TOKEN", "123:abc$def")

	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewConfigManager(p).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Logging.Telegram.Token != "123:abc$def" || cfg.Logging.Telegram.ChatID != -100123 {
		t.Fatalf("telegram = %+v", cfg.Logging.Telegram)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage.driver = %q, want default", cfg.Storage.Driver)
	}
	if cfg.Worker.SendDelay != "2s" || cfg.Worker.ExhaustedRuns != 5 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Quota.Plans["basic"]["broadcast"] != 3 {
		t.Fatalf("quota = %+v", cfg.Quota)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{name: "unknown field", file: "c.json", body: `{"http":{"addr":":1"},"plugins":{}}`, want: "unknown field"},
		{name: "trailing data", file: "c.json", body: `{"http":{}} {"http":{}}`, want: "trailing data"},
		{name: "bad yaml", file: "c.yaml", body: "http: [", want: "yaml"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), tc.file, tc.body)
			_, err := NewConfigManager(p).Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "bad duration", mutate: func(c *Config) { c.Worker.CallTimeout = "soon" }, want: "worker.call_timeout"},
		{name: "negative duration", mutate: func(c *Config) { c.Locks.MaxAge = "-1s" }, want: "locks.max_age"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, want: "storage.driver"},
		{name: "sqlite needs path", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, want: "storage.path"},
		{name: "postgres needs dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, want: "storage.dsn"},
		{name: "bad cron", mutate: func(c *Config) { c.Campaign.PruneSchedule = "every day" }, want: "prune_schedule"},
		{name: "telegram alerts need chat", mutate: func(c *Config) {
			c.Logging.Telegram = LoggingTelegram{Enabled: true, Token: "x"}
		}, want: "chat_id"},
		{name: "negative quota", mutate: func(c *Config) {
			c.Quota.Plans = map[string]map[string]int{"free": {"broadcast": -1}}
		}, want: "quota.plans.free.broadcast"},
		{name: "events need url", mutate: func(c *Config) { c.Events = &EventsConfig{Enabled: true} }, want: "events.amqp_url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Campaign: CampaignConfig{PruneSchedule: "@every 10m"}}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Storage: StorageConfig{Driver: "postgres", DSN: "postgres://secret"}}
	newCfg := &Config{
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://other-secret"},
		Logging: LoggingConfig{Level: "debug"},
		Worker:  WorkerConfig{SendDelay: "3s"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "logging,storage,worker" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "storage" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	if changed, _, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("empty = %s, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %s, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", time.Second); err == nil {
		t.Fatal("expected error")
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"logging":{"level":"info"}}`)

	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return Validate(cfg) })
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Rejected by the validator: must not be published.
	writeFile(t, dir, "config.json", `{"storage":{"driver":"mongo"}}`)
	time.Sleep(600 * time.Millisecond)
	select {
	case cfg := <-updates:
		t.Fatalf("invalid config published: %+v", cfg)
	default:
	}

	writeFile(t, dir, "config.json", `{"logging":{"level":"debug"}}`)
	select {
	case cfg := <-updates:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config update published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatal("update not committed")
	}
}
