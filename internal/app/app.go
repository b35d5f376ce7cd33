// Package app wires campaignd's components and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"campaignd/internal/campaign"
	"campaignd/internal/config"
	"campaignd/internal/lockreg"
	"campaignd/internal/quota"
	"campaignd/internal/runtime/supervisor"
	"campaignd/internal/session"
	"campaignd/internal/session/telegram"
	"campaignd/internal/statushub"
	"campaignd/internal/storage"
	"campaignd/internal/transport/amqpsink"
	"campaignd/internal/transport/httpapi"
	logx "campaignd/pkg/logx"
)

var errStopping = errors.New("stopping")

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log      logx.Logger
	logs     *logx.Service
	alertKey string // token+url of the current alert sender

	store    storage.Store
	locks    *lockreg.Registry
	sessions *session.Provider
	hub      *statushub.Hub
	quota    *quota.Limiter
	orch     *campaign.Orchestrator

	http         *httpapi.Server
	httpShutdown time.Duration

	events      *amqpsink.Forwarder
	eventsUnsub func()

	cron *cron.Cron
}

type options struct {
	dialer session.Dialer
}

// Option customizes New.
type Option func(*options)

// WithDialer replaces the session driver selected by session.driver.
func WithDialer(d session.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ss, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately. Bootstrap with the alert sink off, attach the
	// sender, then apply the final config so a missing sender doesn't warn.
	logCfg := mapLoggingConfig(cfg)
	boot := logCfg
	boot.Telegram.Enabled = false
	logSvc, log := logx.New(boot, nil)
	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logSvc}
	a.applyAlertSender(cfg, ss, log)
	logSvc.Apply(logCfg)
	a.log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", driverName(sc.Driver)))

	dialer := o.dialer
	if dialer == nil {
		dialer = telegram.Dialer{URL: ss.apiURL, Timeout: ss.timeout}
	}
	a.locks = lockreg.New(lockreg.WithMaxAge(ss.lockMaxAge))
	a.sessions = session.NewProvider(dialer,
		session.WithLogger(log),
		session.WithDialRetry(ss.dialAttempts, ss.dialBackoff),
	)
	a.hub = statushub.New(log)

	a.quota = quota.New(store, strings.ToLower(strings.TrimSpace(cfg.Quota.DefaultPlan)))
	a.quota.SetPlans(mapQuotaPlans(cfg))

	ccfg, err := mapCampaignConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.orch, err = campaign.New(ccfg, campaign.Deps{
		Locks:     a.locks,
		Sessions:  a.sessions,
		Directory: store,
		Hub:       a.hub,
		Quota:     a.quota,
		Journal:   store,
		Log:       log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hcfg, shutdown, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	api := httpapi.New(hcfg, a.orch, a.hub, a.health, log)
	a.http = httpapi.NewServer(hcfg, api, log)
	a.httpShutdown = shutdown

	if ecfg, ok := mapEventsConfig(cfg); ok {
		a.events = amqpsink.New(ecfg, log)
	}

	a.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := a.cron.AddFunc(pruneSchedule(cfg), a.prune); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("campaign.prune_schedule: %w", err)
	}

	return a, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// applyAlertSender (re)creates the alert bot when the alert token or API URL
// changes. A failed dial leaves the sink without a sender.
func (a *App) applyAlertSender(cfg *config.Config, ss sessionSettings, log logx.Logger) {
	t := cfg.Logging.Telegram
	key := ""
	if t.Enabled {
		key = strings.TrimSpace(t.Token) + "|" + ss.apiURL
	}
	if key == a.alertKey {
		return
	}
	a.alertKey = key
	if key == "" {
		a.logs.SetSender(nil)
		return
	}
	sender, err := telegram.NewAlertSender(t.Token, ss.apiURL, ss.timeout)
	if err != nil {
		log.Warn("telegram alerts unavailable", logx.Err(err))
		a.logs.SetSender(nil)
		return
	}
	a.logs.SetSender(sender)
}

// Store exposes the opened store (used by the import command and tests).
func (a *App) Store() storage.Store { return a.store }

func (a *App) Orchestrator() *campaign.Orchestrator { return a.orch }

// HTTPAddr returns the API's bound address once serving.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup != nil && a.sup.Context().Err() != nil {
		return errStopping
	}
	return nil
}

func (a *App) prune() {
	if n := a.orch.Prune(time.Now()); n > 0 {
		a.log.Debug("pruned finished campaigns", logx.Int("count", n))
	}
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		_, err := mapCampaignConfig(cfg)
		return err
	})

	a.http.Start(a.sup.Context())

	if a.events != nil {
		a.eventsUnsub = a.hub.SubscribeAll(a.events)
		a.sup.GoRestart("events.amqp", a.events.Run,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
		)
	}

	a.cron.Start()

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("http", a.http.Addr()))
	return nil
}

// applyConfig pushes the hot-reloadable sections of newCfg into the running
// components and logs the rest as pending a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			// sender first so Apply doesn't warn about a missing target
			if ss, err := mapSessionConfig(newCfg); err == nil {
				a.applyAlertSender(newCfg, ss, a.log)
			}
			a.logs.Apply(mapLoggingConfig(newCfg))
		case "worker":
			t, err := mapTuning(newCfg)
			if err != nil {
				a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
				continue
			}
			a.orch.Apply(t)
		case "quota":
			a.quota.SetPlans(mapQuotaPlans(newCfg))
		}
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)), logx.Int("running_campaigns", a.orch.Running()))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Edges first: no new submissions, no new prune runs, no more broker fan-out.
	step("edges", a.httpShutdown, func(c context.Context) error {
		g, gctx := errgroup.WithContext(c)
		g.Go(func() error { return a.http.Stop(gctx) })
		g.Go(func() error {
			select {
			case <-a.cron.Stop().Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if a.eventsUnsub != nil {
			g.Go(func() error { a.eventsUnsub(); return nil })
		}
		return g.Wait()
	})

	// Campaigns get their cancel grace plus a margin.
	step("campaigns", a.orch.CancelGrace()+5*time.Second, a.orch.Shutdown)

	step("sessions", 2*time.Second, func(context.Context) error {
		if n := a.locks.ForceReleaseAll(); n > 0 {
			a.log.Debug("released account locks", logx.Int("count", n))
		}
		return a.sessions.Close()
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event forwarder).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
