// Package campaign runs broadcast campaigns: one worker per account, each
// sending a message to its targets until done or cancelled.
package campaign

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"campaignd/internal/lockreg"
	"campaignd/internal/runtime/supervisor"
	"campaignd/internal/session"
	"campaignd/internal/statushub"
	"campaignd/internal/storage"
	logx "campaignd/pkg/logx"
)

const (
	// QuotaAction is the quota bucket charged per submitted campaign.
	QuotaAction = "broadcast"
	// DirectQuotaAction is charged once per recipient of a direct send.
	DirectQuotaAction = "send"
)

// Directory lists an owner's accounts and targets.
type Directory interface {
	Accounts(ctx context.Context, owner string) ([]session.Account, error)
	Targets(ctx context.Context, owner string) ([]session.Target, error)
}

type Quota interface {
	CheckLimit(ctx context.Context, owner, action string, amount int) (allowed bool, remaining int, message string, err error)
	Increment(ctx context.Context, owner, action string, amount int) error
}

// Journal persists campaign log rows. Writes are fire-and-forget.
type Journal interface {
	AppendLog(ctx context.Context, e storage.LogEntry) error
}

type Sessions interface {
	GetSession(ctx context.Context, acc session.Account) (session.Handle, error)
	Invalidate(key, reason string)
	Release(key string, disconnect bool)
}

type Publisher interface {
	Publish(tenant string, e statushub.Event)
}

// Deps are the orchestrator's collaborators. Quota and Journal may be nil.
type Deps struct {
	Locks     *lockreg.Registry
	Sessions  Sessions
	Directory Directory
	Hub       Publisher
	Quota     Quota
	Journal   Journal
	Log       logx.Logger
}

type Config struct {
	Tuning      Tuning
	CancelGrace time.Duration // default 30s
	Retention   time.Duration // default 24h
	MaxRetained int           // default 200
}

// Request is a campaign submission. Empty AccountKeys or TargetIDs select
// all of the owner's active accounts or targets.
type Request struct {
	Owner       string   `json:"-"`
	Message     string   `json:"message"`
	AccountKeys []string `json:"accounts,omitempty"`
	TargetIDs   []int64  `json:"targets,omitempty"`
	Continuous  bool     `json:"continuous"`

	// Recipients makes this a one-shot direct send to the given peers
	// instead of a broadcast to the owner's targets.
	Recipients []session.Target `json:"recipients,omitempty"`
}

type Receipt struct {
	CampaignID    string `json:"campaign_id"`
	TotalAccounts int    `json:"total_accounts"`
	TotalTargets  int    `json:"total_targets"`
}

type Orchestrator struct {
	deps        Deps
	log         logx.Logger
	tuning      atomic.Pointer[Tuning]
	cancelGrace time.Duration
	retention   time.Duration
	maxRetained int
	now         func() time.Time
	newID       func() string

	sup *supervisor.Supervisor

	mu        sync.RWMutex
	campaigns map[string]*Campaign
	closed    bool
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Locks == nil || deps.Sessions == nil || deps.Directory == nil {
		return nil, fmt.Errorf("campaign: locks, sessions and directory are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "campaign"))
	o := &Orchestrator{
		deps:        deps,
		log:         log,
		cancelGrace: cfg.CancelGrace,
		retention:   cfg.Retention,
		maxRetained: cfg.MaxRetained,
		now:         time.Now,
		newID:       uuid.NewString,
		campaigns:   map[string]*Campaign{},
	}
	if o.cancelGrace <= 0 {
		o.cancelGrace = 30 * time.Second
	}
	if o.retention <= 0 {
		o.retention = 24 * time.Hour
	}
	if o.maxRetained <= 0 {
		o.maxRetained = 200
	}
	o.Apply(cfg.Tuning)
	o.sup = supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(log))
	return o, nil
}

// Apply replaces the worker tuning used by campaigns submitted afterwards.
func (o *Orchestrator) Apply(t Tuning) {
	t = t.withDefaults()
	o.tuning.Store(&t)
}

func (o *Orchestrator) currentTuning() Tuning { return *o.tuning.Load() }

// CancelGrace is how long a cancelled campaign's workers get to stop.
func (o *Orchestrator) CancelGrace() time.Duration { return o.cancelGrace }

// Submit validates req and starts its workers. It returns as soon as the
// workers are running; progress is reported through the hub.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (Receipt, error) {
	req.Owner = strings.TrimSpace(req.Owner)
	if req.Owner == "" {
		return Receipt{}, fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if strings.TrimSpace(req.Message) == "" {
		return Receipt{}, fmt.Errorf("%w: message is empty", ErrInvalid)
	}

	direct := len(req.Recipients) > 0
	if direct && req.Continuous {
		return Receipt{}, fmt.Errorf("%w: direct messages are sent once", ErrInvalid)
	}
	if direct && len(req.TargetIDs) > 0 {
		return Receipt{}, fmt.Errorf("%w: targets and recipients are exclusive", ErrInvalid)
	}

	accounts, err := o.resolveAccounts(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	var targets []session.Target
	if direct {
		targets = dedupe(req.Recipients, nil)
		if len(targets) == 0 {
			return Receipt{}, ErrNoTargets
		}
	} else if targets, err = o.resolveTargets(ctx, req); err != nil {
		return Receipt{}, err
	}

	mode, action, amount := ModeSinglePass, QuotaAction, 1
	switch {
	case direct:
		mode, action, amount = ModeDirect, DirectQuotaAction, len(targets)
	case req.Continuous:
		mode = ModeContinuous
	}

	if q := o.deps.Quota; q != nil {
		allowed, remaining, msg, err := q.CheckLimit(ctx, req.Owner, action, amount)
		if err != nil {
			return Receipt{}, fmt.Errorf("check quota: %w", err)
		}
		if !allowed {
			return Receipt{}, &QuotaError{Action: action, Remaining: remaining, Message: msg}
		}
	}

	plan := assign(mode, accounts, targets)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	c := newCampaign(o.newID(), req.Owner, req.Message, mode, len(targets), o.now())
	for _, a := range plan {
		c.accounts = append(c.accounts, a.account.Key)
		c.workers = append(c.workers, newWorkerState(a.account.Key, len(a.targets)))
	}
	o.campaigns[c.ID] = c
	o.mu.Unlock()

	o.start(c, plan)

	o.log.Info("campaign started",
		logx.String("campaign", c.ID),
		logx.String("owner", c.Owner),
		logx.String("mode", string(mode)),
		logx.Int("accounts", len(plan)),
		logx.Int("targets", len(targets)),
	)
	o.record(storage.LogEntry{
		Owner:    c.Owner,
		Campaign: c.ID,
		Kind:     "campaign_started",
		Status:   string(StatusRunning),
		Accounts: len(plan),
		Targets:  len(targets),
		Message:  c.Message,
	}, action, amount)

	return Receipt{CampaignID: c.ID, TotalAccounts: len(plan), TotalTargets: len(targets)}, nil
}

func (o *Orchestrator) resolveAccounts(ctx context.Context, req Request) ([]session.Account, error) {
	all, err := o.deps.Directory.Accounts(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	want := map[string]bool{}
	for _, k := range req.AccountKeys {
		want[strings.TrimSpace(k)] = true
	}
	seen := map[string]bool{}
	out := make([]session.Account, 0, len(all))
	for _, a := range all {
		if !a.Active || seen[a.Key] {
			continue
		}
		if len(want) > 0 && !want[a.Key] {
			continue
		}
		seen[a.Key] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, ErrNoAccounts
	}
	return out, nil
}

func (o *Orchestrator) resolveTargets(ctx context.Context, req Request) ([]session.Target, error) {
	all, err := o.deps.Directory.Targets(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var want map[int64]bool
	if len(req.TargetIDs) > 0 {
		want = map[int64]bool{}
		for _, id := range req.TargetIDs {
			want[id] = true
		}
	}
	out := dedupe(all, want)
	if len(out) == 0 {
		return nil, ErrNoTargets
	}
	return out, nil
}

// dedupe drops zero and repeated platform ids, keeping the first title seen.
// A non-nil want also filters by id.
func dedupe(ts []session.Target, want map[int64]bool) []session.Target {
	seen := map[int64]bool{}
	out := make([]session.Target, 0, len(ts))
	for _, t := range ts {
		if t.PlatformID == 0 || seen[t.PlatformID] {
			continue
		}
		if want != nil && !want[t.PlatformID] {
			continue
		}
		seen[t.PlatformID] = true
		out = append(out, t)
	}
	return out
}

type assignment struct {
	account session.Account
	targets []session.Target
}

// assign gives every account the full target set in continuous mode, and a
// round-robin share in single-pass mode. Accounts left without targets are
// not started.
func assign(mode Mode, accounts []session.Account, targets []session.Target) []assignment {
	if mode == ModeContinuous {
		out := make([]assignment, len(accounts))
		for i, a := range accounts {
			out[i] = assignment{account: a, targets: targets}
		}
		return out
	}
	shares := make([][]session.Target, len(accounts))
	for i, t := range targets {
		k := i % len(accounts)
		shares[k] = append(shares[k], t)
	}
	out := make([]assignment, 0, len(accounts))
	for i, a := range accounts {
		if len(shares[i]) > 0 {
			out = append(out, assignment{account: a, targets: shares[i]})
		}
	}
	return out
}

func (o *Orchestrator) start(c *Campaign, plan []assignment) {
	tuning := o.currentTuning()
	clog := o.log.With(logx.String("campaign", c.ID))

	byAccount := map[string]*WorkerState{}
	for _, ws := range c.workers {
		byAccount[ws.s.Account] = ws
	}
	csup := supervisor.NewSupervisor(o.sup.Context(),
		supervisor.WithLogger(clog),
		supervisor.WithPanicHook(func(name string, p any) {
			key := strings.TrimPrefix(name, "worker.")
			if ws := byAccount[key]; ws != nil {
				at := o.now()
				ws.update(func(s *WorkerSnapshot) {
					s.Status = WorkerError
					s.LastError = fmt.Sprintf("internal error: %v", p)
					s.FinishedAt = &at
				})
			}
		}),
	)

	for i, a := range plan {
		w := &worker{
			c:        c,
			account:  a.account,
			targets:  a.targets,
			state:    c.workers[i],
			locks:    o.deps.Locks,
			sessions: o.deps.Sessions,
			hub:      o.deps.Hub,
			log:      clog.With(logx.String("account", a.account.Key)),
			tuning:   tuning,
			rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
			now:      o.now,
		}
		csup.Go("worker."+a.account.Key, w.run)
	}
	o.sup.Go("campaign.watch."+c.ID, func(ctx context.Context) error {
		o.watch(ctx, c, csup)
		return nil
	})
}

// watch waits for the workers, or for cancellation plus the grace period,
// then records the final state.
func (o *Orchestrator) watch(ctx context.Context, c *Campaign, csup *supervisor.Supervisor) {
	select {
	case <-csup.Done():
	case <-c.cancelCh:
		if !csup.WaitTimeout(o.cancelGrace) {
			o.log.Warn("workers still running after cancel grace",
				logx.String("campaign", c.ID), logx.Duration("grace", o.cancelGrace))
		}
	case <-ctx.Done():
		c.requestCancel()
		csup.WaitTimeout(o.cancelGrace)
	}
	if ctx.Err() != nil {
		c.requestCancel()
	}
	// Stragglers past the grace period are interrupted now.
	csup.Cancel()

	snap := c.Snapshot()
	final := StatusCompleted
	failed := 0
	for _, w := range snap.Workers {
		if w.Status.Failed() {
			failed++
		}
	}
	if len(snap.Workers) > 0 && failed == len(snap.Workers) {
		final = StatusError
	}
	final = c.finish(final, o.now())
	close(c.done)

	snap = c.Snapshot()
	if o.deps.Hub != nil {
		o.deps.Hub.Publish(c.Owner, statushub.Event{
			Campaign: c.ID,
			Type:     statushub.BroadcastComplete,
			Data: map[string]any{
				"status":  final,
				"sent":    snap.Sent,
				"errors":  snap.Errors,
				"blocked": snap.Blocked,
				"skipped": snap.Skipped,
			},
			Time: o.now(),
		})
	}
	o.log.Info("campaign finished",
		logx.String("campaign", c.ID),
		logx.String("status", string(final)),
		logx.Int("sent", snap.Sent),
		logx.Int("errors", snap.Errors),
		logx.Int("blocked", snap.Blocked),
	)
	o.record(storage.LogEntry{
		Owner:    c.Owner,
		Campaign: c.ID,
		Kind:     "campaign_finished",
		Status:   string(final),
		Accounts: len(snap.Accounts),
		Targets:  snap.TotalTargets,
		Sent:     snap.Sent,
		Errors:   snap.Errors,
		Blocked:  snap.Blocked,
	}, "", 0)
}

// record writes a journal row and charges amount to the action's quota.
// It runs off the caller's goroutine.
func (o *Orchestrator) record(e storage.LogEntry, action string, amount int) {
	charge := amount > 0
	if o.deps.Journal == nil && (!charge || o.deps.Quota == nil) {
		return
	}
	e.At = o.now()
	o.sup.Go0("campaign.journal", func(ctx context.Context) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if charge && o.deps.Quota != nil {
			if err := o.deps.Quota.Increment(wctx, e.Owner, action, amount); err != nil {
				o.log.Warn("usage increment failed", logx.String("campaign", e.Campaign), logx.Err(err))
			}
		}
		if o.deps.Journal != nil {
			if err := o.deps.Journal.AppendLog(wctx, e); err != nil {
				o.log.Warn("campaign log append failed", logx.String("campaign", e.Campaign), logx.Err(err))
			}
		}
	})
}

func (o *Orchestrator) lookup(owner, id string) (*Campaign, error) {
	o.mu.RLock()
	c := o.campaigns[id]
	o.mu.RUnlock()
	if c == nil {
		return nil, ErrNotFound
	}
	if c.Owner != owner {
		return nil, ErrAccessDenied
	}
	return c, nil
}

// Cancel asks a campaign's workers to stop. Cancelling a finished campaign
// is a no-op.
func (o *Orchestrator) Cancel(owner, id string) error {
	c, err := o.lookup(owner, id)
	if err != nil {
		return err
	}
	if c.requestCancel() {
		o.log.Info("campaign cancel requested", logx.String("campaign", id))
	}
	return nil
}

// CancelAll cancels every running campaign of owner and returns how many.
func (o *Orchestrator) CancelAll(owner string) int {
	o.mu.RLock()
	var cs []*Campaign
	for _, c := range o.campaigns {
		if c.Owner == owner {
			cs = append(cs, c)
		}
	}
	o.mu.RUnlock()

	n := 0
	for _, c := range cs {
		if c.requestCancel() {
			n++
		}
	}
	if n > 0 {
		o.log.Info("campaigns cancelled", logx.String("owner", owner), logx.Int("count", n))
	}
	return n
}

func (o *Orchestrator) Status(owner, id string) (Snapshot, error) {
	c, err := o.lookup(owner, id)
	if err != nil {
		return Snapshot{}, err
	}
	return c.Snapshot(), nil
}

// Wait blocks until the campaign is final or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, owner, id string) (Snapshot, error) {
	c, err := o.lookup(owner, id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-c.Done():
		return c.Snapshot(), nil
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}
}

// ListActive returns owner's running campaigns, oldest first.
func (o *Orchestrator) ListActive(owner string) []Snapshot {
	o.mu.RLock()
	var cs []*Campaign
	for _, c := range o.campaigns {
		if c.Owner == owner && c.Status() == StatusRunning {
			cs = append(cs, c)
		}
	}
	o.mu.RUnlock()

	out := make([]Snapshot, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (o *Orchestrator) ownerKeys(ctx context.Context, owner string) ([]string, error) {
	accs, err := o.deps.Directory.Accounts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	keys := make([]string, 0, len(accs))
	for _, a := range accs {
		keys = append(keys, a.Key)
	}
	return keys, nil
}

// ResetLocks force-releases the locks of owner's accounts.
func (o *Orchestrator) ResetLocks(ctx context.Context, owner string) (int, error) {
	keys, err := o.ownerKeys(ctx, owner)
	if err != nil {
		return 0, err
	}
	n := o.deps.Locks.ForceRelease(keys...)
	o.log.Warn("session locks reset", logx.String("owner", owner), logx.Int("count", n))
	return n, nil
}

// LockStatus reports the lock state of each of owner's accounts.
func (o *Orchestrator) LockStatus(ctx context.Context, owner string) ([]lockreg.Status, error) {
	keys, err := o.ownerKeys(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]lockreg.Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, o.deps.Locks.Status(k))
	}
	return out, nil
}

// Prune evicts finished campaigns older than the retention period and keeps
// at most MaxRetained finished ones. It returns how many were evicted.
func (o *Orchestrator) Prune(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	type fin struct {
		id string
		at time.Time
	}
	var finished []fin
	removed := 0
	for id, c := range o.campaigns {
		c.mu.Lock()
		st, at := c.status, c.finishedAt
		c.mu.Unlock()
		if !st.Terminal() || at.IsZero() {
			continue
		}
		if now.Sub(at) > o.retention {
			delete(o.campaigns, id)
			removed++
			continue
		}
		finished = append(finished, fin{id, at})
	}
	if extra := len(finished) - o.maxRetained; extra > 0 {
		sort.Slice(finished, func(i, j int) bool { return finished[i].at.Before(finished[j].at) })
		for _, f := range finished[:extra] {
			delete(o.campaigns, f.id)
			removed++
		}
	}
	return removed
}

// Running returns the number of running campaigns.
func (o *Orchestrator) Running() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, c := range o.campaigns {
		if c.Status() == StatusRunning {
			n++
		}
	}
	return n
}

// Shutdown cancels all campaigns and waits for workers and watchers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return o.sup.Stop(ctx)
}
