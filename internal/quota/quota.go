// Package quota enforces per-owner daily limits by subscription plan.
package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"campaignd/internal/storage"
)

const (
	ActionBroadcast = "broadcast"
	ActionSend      = "send"
	ActionExtract   = "extract"
	ActionAdd       = "add"
	MaxAccounts     = "max_accounts"

	PlanFree    = "free"
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// Limits maps an action to its daily allowance.
type Limits map[string]int

// DefaultPlans is the built-in plan table.
func DefaultPlans() map[string]Limits {
	return map[string]Limits{
		PlanFree:    {ActionBroadcast: 0, ActionSend: 5, ActionExtract: 5, ActionAdd: 0, MaxAccounts: 1},
		PlanBasic:   {ActionBroadcast: 1, ActionSend: 25, ActionExtract: 50, ActionAdd: 5, MaxAccounts: 5},
		PlanPremium: {ActionBroadcast: 999999, ActionSend: 999999, ActionExtract: 999999, ActionAdd: 999999, MaxAccounts: 999999},
	}
}

// Usage is the part of storage.Store the limiter needs.
type Usage interface {
	OwnerPlan(ctx context.Context, owner string) (string, error)
	IncrementUsage(ctx context.Context, owner, action, day string, amount int) error
	Usage(ctx context.Context, owner, action, day string) (int, error)
}

type Limiter struct {
	store       Usage
	now         func() time.Time
	defaultPlan string

	mu    sync.RWMutex
	plans map[string]Limits
}

// New returns a limiter. Owners without a plan on record get defaultPlan.
func New(store Usage, defaultPlan string) *Limiter {
	if strings.TrimSpace(defaultPlan) == "" {
		defaultPlan = PlanFree
	}
	return &Limiter{store: store, now: time.Now, defaultPlan: defaultPlan, plans: DefaultPlans()}
}

// SetPlans merges overrides into the built-in table.
func (l *Limiter) SetPlans(overrides map[string]Limits) {
	plans := DefaultPlans()
	for name, lim := range overrides {
		base := plans[name]
		if base == nil {
			base = Limits{}
		}
		for action, n := range lim {
			base[action] = n
		}
		plans[name] = base
	}
	l.mu.Lock()
	l.plans = plans
	l.mu.Unlock()
}

func (l *Limiter) limitFor(plan, action string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lim, ok := l.plans[plan]
	if !ok {
		lim = l.plans[PlanFree]
	}
	return lim[action]
}

// CheckLimit reports whether owner may perform amount more of action today.
func (l *Limiter) CheckLimit(ctx context.Context, owner, action string, amount int) (bool, int, string, error) {
	plan, err := l.store.OwnerPlan(ctx, owner)
	if err != nil {
		return false, 0, "", fmt.Errorf("owner plan: %w", err)
	}
	if plan == "" {
		plan = l.defaultPlan
	}
	limit := l.limitFor(plan, action)
	used, err := l.store.Usage(ctx, owner, action, storage.Day(l.now()))
	if err != nil {
		return false, 0, "", fmt.Errorf("usage: %w", err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	if used+amount > limit {
		return false, remaining, fmt.Sprintf("Daily limit reached for %s. Upgrade your plan for more.", action), nil
	}
	return true, remaining - amount, "OK", nil
}

// Increment records usage for today.
func (l *Limiter) Increment(ctx context.Context, owner, action string, amount int) error {
	return l.store.IncrementUsage(ctx, owner, action, storage.Day(l.now()), amount)
}
