package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"campaignd/internal/session"
	logx "campaignd/pkg/logx"
)

// fileStore keeps everything in memory and persists it next to Path.
//
// Files:
//   - <prefix>.snapshot.json (directory, plans, usage; rewritten on change)
//   - <prefix>.logs.jsonl    (append-only campaign log)
type fileStore struct {
	*memStore
	log logx.Logger

	// wmu serializes snapshot writes and log appends.
	wmu          sync.Mutex
	snapshotPath string
	logFile      *os.File
}

type fileAccount struct {
	Key    string `json:"key"`
	Token  string `json:"token"`
	Active bool   `json:"active"`
}

type fileUsage struct {
	Owner  string `json:"owner"`
	Action string `json:"action"`
	Day    string `json:"day"`
	Count  int    `json:"count"`
}

type fileSnapshot struct {
	Accounts map[string][]fileAccount    `json:"accounts"`
	Targets  map[string][]session.Target `json:"targets"`
	Plans    map[string]string           `json:"plans"`
	Usage    []fileUsage                 `json:"usage"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMemory(),
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	lf, err := os.OpenFile(prefix+".logs.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.logFile = lf
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	m := s.memStore
	for owner, accs := range snap.Accounts {
		set := map[string]session.Account{}
		for _, a := range accs {
			set[a.Key] = session.Account{Key: a.Key, Active: a.Active, Credentials: session.Credentials{Token: a.Token}}
		}
		m.accounts[owner] = set
	}
	for owner, ts := range snap.Targets {
		set := map[int64]session.Target{}
		for _, t := range ts {
			set[t.PlatformID] = t
		}
		m.targets[owner] = set
	}
	for owner, plan := range snap.Plans {
		m.plans[owner] = plan
	}
	for _, u := range snap.Usage {
		m.usage[usageKey{u.Owner, u.Action, u.Day}] = u.Count
	}
	return nil
}

// persist writes a full snapshot via temp file + rename.
func (s *fileStore) persist() error {
	m := s.memStore
	m.mu.RLock()
	snap := fileSnapshot{
		Accounts: map[string][]fileAccount{},
		Targets:  map[string][]session.Target{},
		Plans:    map[string]string{},
	}
	for owner, set := range m.accounts {
		for _, a := range set {
			snap.Accounts[owner] = append(snap.Accounts[owner], fileAccount{Key: a.Key, Token: a.Credentials.Token, Active: a.Active})
		}
	}
	for owner, set := range m.targets {
		for _, t := range set {
			snap.Targets[owner] = append(snap.Targets[owner], t)
		}
	}
	for owner, plan := range m.plans {
		snap.Plans[owner] = plan
	}
	for k, n := range m.usage {
		snap.Usage = append(snap.Usage, fileUsage{Owner: k.owner, Action: k.action, Day: k.day, Count: n})
	}
	m.mu.RUnlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) PutAccount(ctx context.Context, owner string, a session.Account) error {
	if err := s.memStore.PutAccount(ctx, owner, a); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) PutTarget(ctx context.Context, owner string, t session.Target) error {
	if err := s.memStore.PutTarget(ctx, owner, t); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) SetPlan(ctx context.Context, owner, plan string) error {
	if err := s.memStore.SetPlan(ctx, owner, plan); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) IncrementUsage(ctx context.Context, owner, action, day string, amount int) error {
	if err := s.memStore.IncrementUsage(ctx, owner, action, day, amount); err != nil {
		return err
	}
	return s.persist()
}

func (s *fileStore) AppendLog(ctx context.Context, e LogEntry) error {
	if err := s.memStore.AppendLog(ctx, e); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.logFile == nil {
		return ErrClosed
	}
	_, err = s.logFile.Write(b)
	return err
}

func (s *fileStore) Close() error {
	_ = s.memStore.Close()
	s.wmu.Lock()
	f := s.logFile
	s.logFile = nil
	s.wmu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}
