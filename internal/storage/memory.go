package storage

import (
	"context"
	"sort"
	"sync"

	"campaignd/internal/session"
)

type usageKey struct{ owner, action, day string }

type memStore struct {
	mu       sync.RWMutex
	closed   bool
	accounts map[string]map[string]session.Account // owner -> key
	targets  map[string]map[int64]session.Target   // owner -> platform id
	plans    map[string]string
	usage    map[usageKey]int
	logs     []LogEntry
	maxLogs  int
}

func newMemory() *memStore {
	return &memStore{
		accounts: map[string]map[string]session.Account{},
		targets:  map[string]map[int64]session.Target{},
		plans:    map[string]string{},
		usage:    map[usageKey]int{},
		maxLogs:  1000,
	}
}

func (m *memStore) Accounts(ctx context.Context, owner string) ([]session.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]session.Account, 0, len(m.accounts[owner]))
	for _, a := range m.accounts[owner] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) Targets(ctx context.Context, owner string) ([]session.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]session.Target, 0, len(m.targets[owner]))
	for _, t := range m.targets[owner] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlatformID < out[j].PlatformID })
	return out, nil
}

func (m *memStore) PutAccount(ctx context.Context, owner string, a session.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set := m.accounts[owner]
	if set == nil {
		set = map[string]session.Account{}
		m.accounts[owner] = set
	}
	set[a.Key] = a
	return nil
}

func (m *memStore) PutTarget(ctx context.Context, owner string, t session.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	set := m.targets[owner]
	if set == nil {
		set = map[int64]session.Target{}
		m.targets[owner] = set
	}
	set[t.PlatformID] = t
	return nil
}

func (m *memStore) OwnerPlan(ctx context.Context, owner string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	return m.plans[owner], nil
}

func (m *memStore) SetPlan(ctx context.Context, owner, plan string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.plans[owner] = plan
	return nil
}

func (m *memStore) IncrementUsage(ctx context.Context, owner, action, day string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.usage[usageKey{owner, action, day}] += amount
	return nil
}

func (m *memStore) Usage(ctx context.Context, owner, action, day string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.usage[usageKey{owner, action, day}], nil
}

// AppendLog keeps the most recent maxLogs rows.
func (m *memStore) AppendLog(ctx context.Context, e LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.logs = append(m.logs, e)
	if over := len(m.logs) - m.maxLogs; over > 0 {
		m.logs = append(m.logs[:0:0], m.logs[over:]...)
	}
	return nil
}

func (m *memStore) Logs() []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]LogEntry(nil), m.logs...)
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
