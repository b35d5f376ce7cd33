package lockreg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAcquireStormSingleHolder(t *testing.T) {
	t.Parallel()

	r := New()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h, err := r.Acquire(context.Background(), "+100", 5*time.Second)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				n := inside.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(50 * time.Microsecond)
				inside.Add(-1)
				r.Release(h)
			}
		}()
	}
	wg.Wait()
	if got := maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", got)
	}
}

func TestAcquireTimeoutIsBusy(t *testing.T) {
	t.Parallel()

	r := New()
	h, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { r.Release(h) })

	_, err = r.Acquire(context.Background(), "k", 30*time.Millisecond)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}

func TestAcquireWakesOnRelease(t *testing.T) {
	t.Parallel()

	r := New()
	h, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(500 * time.Millisecond)
		r.Release(h)
	}()

	start := time.Now()
	h2, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer r.Release(h2)
	if el := time.Since(start); el > 900*time.Millisecond {
		t.Fatalf("second acquire took %v, want about 500ms", el)
	}
}

func TestStaleLockIsReplaced(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(WithMaxAge(2*time.Minute), WithClock(clk.Now))

	stale, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clk.Advance(2*time.Minute + time.Second)

	fresh, err := r.Acquire(context.Background(), "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}

	// The stale holder's release must not free the new holder's lock.
	r.Release(stale)
	r.Release(stale)
	if st := r.Status("k"); !st.Locked {
		t.Fatalf("status after stale release = %+v, want locked", st)
	}
	if _, err := r.Acquire(context.Background(), "k", 20*time.Millisecond); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy while fresh holder is active", err)
	}

	r.Release(fresh)
	if st := r.Status("k"); st.Locked || st.HeldSeconds != nil {
		t.Fatalf("status after release = %+v, want unlocked", st)
	}
}

func TestRefreshKeepsHolderFresh(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(WithMaxAge(time.Minute), WithClock(clk.Now))

	h, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	acquired := h.AcquiredAt()

	// Renewed every 40s, the holder outlives several max ages.
	for i := 0; i < 4; i++ {
		clk.Advance(40 * time.Second)
		if !r.Refresh(h) {
			t.Fatalf("refresh %d lost the lock", i)
		}
	}
	if _, err := r.Acquire(context.Background(), "k", 20*time.Millisecond); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy for a renewed holder", err)
	}
	if st := r.Status("k"); st.HeldSeconds == nil || *st.HeldSeconds != 160 {
		t.Fatalf("status = %+v, want held since first acquire", st)
	}
	if !h.AcquiredAt().Equal(acquired) {
		t.Fatal("refresh moved AcquiredAt")
	}

	// Left alone past max age, the lock is taken over and the old handle
	// can neither renew nor claim ownership.
	clk.Advance(time.Minute + time.Second)
	h2, err := r.Acquire(context.Background(), "k", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	if r.Held(h) || r.Refresh(h) {
		t.Fatal("superseded handle still reports ownership")
	}
	if !r.Held(h2) {
		t.Fatal("new holder not held")
	}

	r.ForceReleaseAll()
	if r.Held(h2) {
		t.Fatal("force-released handle still held")
	}
	if r.Held(nil) || r.Refresh(nil) {
		t.Fatal("nil handle reported as held")
	}
}

func TestStaleCheckedAgainOnTimeout(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := New(WithMaxAge(time.Minute), WithClock(clk.Now))

	h, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer r.Release(h)

	go func() {
		time.Sleep(20 * time.Millisecond)
		clk.Advance(2 * time.Minute)
	}()
	h2, err := r.Acquire(context.Background(), "k", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after lock went stale while waiting: %v", err)
	}
	r.Release(h2)
}

func TestWaiterMovesToReplacedLock(t *testing.T) {
	t.Parallel()

	r := New()
	h, err := r.Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		h2, err := r.Acquire(context.Background(), "k", 2*time.Second)
		if err == nil {
			r.Release(h2)
		}
		got <- err
	}()

	time.Sleep(30 * time.Millisecond)
	if n := r.ForceReleaseAll(); n != 1 {
		t.Fatalf("ForceReleaseAll = %d, want 1", n)
	}
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not pick up the replaced lock")
	}
	r.Release(h) // superseded, no-op
}

func TestForceReleaseSubset(t *testing.T) {
	t.Parallel()

	r := New()
	ha, _ := r.Acquire(context.Background(), "a", time.Second)
	hb, _ := r.Acquire(context.Background(), "b", time.Second)
	defer r.Release(hb)

	if n := r.ForceRelease("a", "missing"); n != 1 {
		t.Fatalf("ForceRelease = %d, want 1", n)
	}
	if st := r.Status("a"); st.Locked {
		t.Fatalf("a still locked: %+v", st)
	}
	if st := r.Status("b"); !st.Locked || st.HeldSeconds == nil {
		t.Fatalf("b status = %+v, want locked with duration", st)
	}
	r.Release(ha)

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].Key != "a" || snap[1].Key != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	r := New()
	h, _ := r.Acquire(context.Background(), "k", time.Second)
	defer r.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "k", time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
}
