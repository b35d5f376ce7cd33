// Package lockreg provides per-key exclusive locks that can be broken once
// they have been held for too long.
//
// A key usually names an external account session. The session store behind
// it accepts a single writer, so a crashed or hung holder must not starve the
// key forever: a lock older than the registry's max age is replaced by a
// fresh one on the next Acquire, and the old holder's Release becomes a no-op.
package lockreg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultMaxAge is the age after which a held lock is considered stale.
const DefaultMaxAge = 120 * time.Second

// ErrBusy is returned by Acquire when the lock could not be taken in time.
// Callers should treat it as "try again later", not as a failure.
var ErrBusy = errors.New("resource busy")

// Option configures a Registry.
type Option func(*Registry)

// WithMaxAge overrides DefaultMaxAge. Values <= 0 are ignored.
func WithMaxAge(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry owns the lock table. The zero value is not usable; use New.
type Registry struct {
	mu     sync.Mutex
	slots  map[string]*slot
	maxAge time.Duration
	now    func() time.Time
	seq    uint64
}

// slot is one generation of a key's lock. Replacing a key installs a new slot
// and closes gone so waiters on the old generation move over.
type slot struct {
	key   string
	token chan struct{} // one value while free
	gone  chan struct{}

	// guarded by Registry.mu
	held       bool
	holder     uint64
	acquiredAt time.Time
	renewedAt  time.Time // staleness is measured from here
}

func newSlot(key string) *slot {
	s := &slot{key: key, token: make(chan struct{}, 1), gone: make(chan struct{})}
	s.token <- struct{}{}
	return s
}

// Handle proves ownership of one lock generation.
type Handle struct {
	reg        *Registry
	slot       *slot
	id         uint64
	acquiredAt time.Time
}

// Key returns the locked key.
func (h *Handle) Key() string { return h.slot.key }

// AcquiredAt is when the lock was taken. Refresh does not move it.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Status describes a key's lock for diagnostics.
type Status struct {
	Key         string   `json:"key"`
	Locked      bool     `json:"locked"`
	HeldSeconds *float64 `json:"held_seconds"`
}

// New returns an empty registry with DefaultMaxAge unless overridden.
func New(opts ...Option) *Registry {
	r := &Registry{
		slots:  map[string]*slot{},
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// MaxAge returns the staleness threshold.
func (r *Registry) MaxAge() time.Duration { return r.maxAge }

// current returns the live slot for key, creating it on first reference and
// replacing it when its holder has gone stale.
func (r *Registry) current(key string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[key]
	switch {
	case s == nil:
		s = newSlot(key)
		r.slots[key] = s
	case s.held && r.now().Sub(s.renewedAt) > r.maxAge:
		s = r.replaceLocked(s)
	}
	return s
}

// replaceLocked must be called with r.mu held.
func (r *Registry) replaceLocked(old *slot) *slot {
	close(old.gone)
	s := newSlot(old.key)
	r.slots[old.key] = s
	return s
}

// claim marks s as held if it is still the live generation. A token taken
// from a superseded slot is simply discarded.
func (r *Registry) claim(s *slot) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[s.key] != s {
		return nil, false
	}
	r.seq++
	s.held = true
	s.holder = r.seq
	s.acquiredAt = r.now()
	s.renewedAt = s.acquiredAt
	return &Handle{reg: r, slot: s, id: s.holder, acquiredAt: s.acquiredAt}, true
}

// Acquire takes the lock for key, waiting up to timeout. A stale lock is
// replaced before waiting, and once more when the timeout expires. The wait
// ends early when ctx is done.
func (r *Registry) Acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	if key == "" {
		return nil, errors.New("lockreg: empty key")
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	s := r.current(key)
	for {
		select {
		case <-s.token:
			if h, ok := r.claim(s); ok {
				return h, nil
			}
			s = r.current(key)
		case <-s.gone:
			s = r.current(key)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			s = r.current(key)
			select {
			case <-s.token:
				if h, ok := r.claim(s); ok {
					return h, nil
				}
			default:
			}
			return nil, fmt.Errorf("%w: %s", ErrBusy, key)
		}
	}
}

// Release gives the lock back. Releasing twice, or releasing a handle whose
// lock was replaced, does nothing.
func (r *Registry) Release(h *Handle) {
	if h == nil || h.slot == nil {
		return
	}
	r.mu.Lock()
	s := h.slot
	if !r.ownsLocked(h) {
		r.mu.Unlock()
		return
	}
	s.held = false
	s.holder = 0
	s.acquiredAt = time.Time{}
	s.renewedAt = time.Time{}
	r.mu.Unlock()
	s.token <- struct{}{}
}

// ownsLocked must be called with r.mu held.
func (r *Registry) ownsLocked(h *Handle) bool {
	s := h.slot
	return r.slots[s.key] == s && s.held && s.holder == h.id
}

// Held reports whether h still owns its lock. It turns false once the lock
// is released, replaced as stale or force-released.
func (r *Registry) Held(h *Handle) bool {
	if h == nil || h.slot == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownsLocked(h)
}

// Refresh renews h's lease so a holder that keeps working is never taken
// for stale. It reports false, renewing nothing, when h no longer owns the
// lock.
func (r *Registry) Refresh(h *Handle) bool {
	if h == nil || h.slot == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ownsLocked(h) {
		return false
	}
	h.slot.renewedAt = r.now()
	return true
}

// Release is shorthand for h's registry Release.
func (h *Handle) Release() {
	if h != nil && h.reg != nil {
		h.reg.Release(h)
	}
}

// ForceReleaseAll replaces every known lock with a fresh one and returns how
// many were replaced. Current holders are not interrupted; their Release
// becomes a no-op.
func (r *Registry) ForceReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		r.replaceLocked(s)
		n++
	}
	return n
}

// ForceRelease is ForceReleaseAll restricted to keys. Unknown keys are skipped.
func (r *Registry) ForceRelease(keys ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range keys {
		if s, ok := r.slots[k]; ok {
			r.replaceLocked(s)
			n++
		}
	}
	return n
}

// Status reports whether key is locked and for how long.
func (r *Registry) Status(key string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{Key: key}
	s := r.slots[key]
	if s == nil || !s.held {
		return st
	}
	held := r.now().Sub(s.acquiredAt).Seconds()
	st.Locked = true
	st.HeldSeconds = &held
	return st
}

// Snapshot returns the status of every known key, sorted by key.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	keys := make([]string, 0, len(r.slots))
	for k := range r.slots {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.Status(k))
	}
	return out
}
