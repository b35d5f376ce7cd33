package campaign

import (
	"sort"
	"sync"
	"time"

	"campaignd/internal/session"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) Terminal() bool { return s != StatusRunning }

type Mode string

const (
	ModeSinglePass Mode = "single_pass"
	ModeContinuous Mode = "continuous"
	// ModeDirect messages explicit recipients once, like ModeSinglePass.
	ModeDirect Mode = "direct"
)

// SinglePass reports whether the campaign ends after one round. Single-pass
// campaigns also cap rate-limit waits.
func (m Mode) SinglePass() bool { return m != ModeContinuous }

type WorkerStatus string

const (
	WorkerConnecting       WorkerStatus = "connecting"
	WorkerSending          WorkerStatus = "sending"
	WorkerRateLimited      WorkerStatus = "rate_limited"
	WorkerWaitingExhausted WorkerStatus = "waiting_exhausted"
	WorkerRestarting       WorkerStatus = "restarting"
	WorkerCompleted        WorkerStatus = "completed"
	WorkerSessionError     WorkerStatus = "session_error"
	WorkerError            WorkerStatus = "error"
	WorkerCancelled        WorkerStatus = "cancelled"
)

func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerCompleted, WorkerSessionError, WorkerError, WorkerCancelled:
		return true
	}
	return false
}

// Failed reports whether the worker stopped because of a failure.
func (s WorkerStatus) Failed() bool { return s == WorkerError || s == WorkerSessionError }

type BlockedTarget struct {
	PlatformID int64     `json:"platform_id"`
	Title      string    `json:"title"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// WorkerSnapshot is a copy of one worker's state.
//
// Skipped counts targets given up on for the round after the post-rate-limit
// retry also failed; those failures are included in Errors too.
type WorkerSnapshot struct {
	Account          string          `json:"account"`
	Status           WorkerStatus    `json:"status"`
	CurrentTarget    string          `json:"current_target,omitempty"`
	AssignedTargets  int             `json:"assigned_targets"`
	Sent             int             `json:"sent"`
	Errors           int             `json:"errors"`
	Skipped          int             `json:"skipped"`
	Blocked          int             `json:"blocked"`
	Round            int             `json:"round"`
	RateLimitedUntil *time.Time      `json:"rate_limited_until,omitempty"`
	BlockedTargets   []BlockedTarget `json:"blocked_targets,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
}

// WorkerState is written only by its worker; the mutex makes snapshots
// consistent for concurrent readers.
type WorkerState struct {
	mu sync.Mutex
	s  WorkerSnapshot
	// blocked by platform id; mirrors s.BlockedTargets
	blocked map[int64]BlockedTarget
}

func newWorkerState(account string, assigned int) *WorkerState {
	return &WorkerState{
		s:       WorkerSnapshot{Account: account, Status: WorkerConnecting, AssignedTargets: assigned},
		blocked: map[int64]BlockedTarget{},
	}
}

func (w *WorkerState) update(fn func(s *WorkerSnapshot)) {
	w.mu.Lock()
	fn(&w.s)
	w.mu.Unlock()
}

func (w *WorkerState) block(t session.Target, reason string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.blocked[t.PlatformID]; ok {
		return
	}
	w.blocked[t.PlatformID] = BlockedTarget{PlatformID: t.PlatformID, Title: t.Title, Reason: reason, At: at}
	w.s.Blocked = len(w.blocked)
}

func (w *WorkerState) isBlocked(id int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.blocked[id]
	return ok
}

func (w *WorkerState) Snapshot() WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.s
	if w.s.RateLimitedUntil != nil {
		t := *w.s.RateLimitedUntil
		out.RateLimitedUntil = &t
	}
	if w.s.FinishedAt != nil {
		t := *w.s.FinishedAt
		out.FinishedAt = &t
	}
	out.BlockedTargets = make([]BlockedTarget, 0, len(w.blocked))
	for _, b := range w.blocked {
		out.BlockedTargets = append(out.BlockedTargets, b)
	}
	sort.Slice(out.BlockedTargets, func(i, j int) bool {
		return out.BlockedTargets[i].PlatformID < out.BlockedTargets[j].PlatformID
	})
	return out
}

// Snapshot is a point-in-time view of a campaign. Totals are sums over Workers.
type Snapshot struct {
	ID           string           `json:"campaign_id"`
	Owner        string           `json:"owner"`
	Status       Status           `json:"status"`
	Mode         Mode             `json:"mode"`
	Accounts     []string         `json:"accounts"`
	TotalTargets int              `json:"total_targets"`
	Sent         int              `json:"sent"`
	Errors       int              `json:"errors"`
	Skipped      int              `json:"skipped"`
	Blocked      int              `json:"blocked"`
	Workers      []WorkerSnapshot `json:"workers"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

// Campaign is the orchestrator's record of one submission.
type Campaign struct {
	ID           string
	Owner        string
	Message      string
	Mode         Mode
	TotalTargets int
	StartedAt    time.Time

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}

	accounts []string
	workers  []*WorkerState

	mu         sync.Mutex
	status     Status
	finishedAt time.Time
}

func newCampaign(id, owner, message string, mode Mode, totalTargets int, now time.Time) *Campaign {
	return &Campaign{
		ID:           id,
		Owner:        owner,
		Message:      message,
		Mode:         mode,
		TotalTargets: totalTargets,
		StartedAt:    now,
		cancelCh:     make(chan struct{}),
		done:         make(chan struct{}),
		status:       StatusRunning,
	}
}

// requestCancel moves a running campaign to cancelled and signals workers.
// It reports whether this call did the transition.
func (c *Campaign) requestCancel() bool {
	c.mu.Lock()
	if c.status != StatusRunning {
		c.mu.Unlock()
		return false
	}
	c.status = StatusCancelled
	c.mu.Unlock()
	c.cancelOnce.Do(func() { close(c.cancelCh) })
	return true
}

// finish records the terminal state. A cancelled campaign stays cancelled.
func (c *Campaign) finish(status Status, at time.Time) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRunning {
		c.status = status
	}
	if c.finishedAt.IsZero() {
		c.finishedAt = at
	}
	return c.status
}

func (c *Campaign) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Done is closed after the campaign reached its final state.
func (c *Campaign) Done() <-chan struct{} { return c.done }

func (c *Campaign) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		ID:           c.ID,
		Owner:        c.Owner,
		Status:       c.status,
		Mode:         c.Mode,
		Accounts:     append([]string(nil), c.accounts...),
		TotalTargets: c.TotalTargets,
		StartedAt:    c.StartedAt,
	}
	if !c.finishedAt.IsZero() {
		t := c.finishedAt
		snap.FinishedAt = &t
	}
	c.mu.Unlock()

	snap.Workers = make([]WorkerSnapshot, 0, len(c.workers))
	for _, w := range c.workers {
		ws := w.Snapshot()
		snap.Sent += ws.Sent
		snap.Errors += ws.Errors
		snap.Skipped += ws.Skipped
		snap.Blocked += ws.Blocked
		snap.Workers = append(snap.Workers, ws)
	}
	return snap
}
