package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubHandle struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newStubHandle() *stubHandle {
	h := &stubHandle{}
	h.healthy.Store(true)
	return h
}

func (h *stubHandle) Resolve(ctx context.Context, t Target) (Peer, error) {
	return Peer{ID: t.PlatformID, Title: t.Title}, nil
}
func (h *stubHandle) Send(ctx context.Context, p Peer, text string) error { return nil }
func (h *stubHandle) Healthy() bool                                       { return h.healthy.Load() && !h.closed.Load() }
func (h *stubHandle) Close() error                                        { h.closed.Store(true); return nil }

func TestGetSessionSingleDialPerKey(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	gate := make(chan struct{})
	p := NewProvider(DialerFunc(func(ctx context.Context, acc Account) (Handle, error) {
		dials.Add(1)
		<-gate
		return newStubHandle(), nil
	}))
	t.Cleanup(func() { _ = p.Close() })

	var wg sync.WaitGroup
	got := make([]Handle, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.GetSession(context.Background(), Account{Key: "+1"})
			if err != nil {
				t.Errorf("GetSession: %v", err)
			}
			got[i] = h
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := dials.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
	if p.Live() != 1 {
		t.Fatalf("Live = %d, want 1", p.Live())
	}
}

func TestGetSessionRedialsUnhealthy(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	p := NewProvider(DialerFunc(func(ctx context.Context, acc Account) (Handle, error) {
		dials.Add(1)
		return newStubHandle(), nil
	}))

	h1, _ := p.GetSession(context.Background(), Account{Key: "a"})
	h1.(*stubHandle).healthy.Store(false)
	h2, err := p.GetSession(context.Background(), Account{Key: "a"})
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if h1 == h2 || dials.Load() != 2 {
		t.Fatalf("expected a fresh dial, dials=%d", dials.Load())
	}
	if !h1.(*stubHandle).closed.Load() {
		t.Fatal("unhealthy handle was not closed")
	}
}

func TestInvalidateBlocksUntilCleared(t *testing.T) {
	t.Parallel()

	p := NewProvider(DialerFunc(func(ctx context.Context, acc Account) (Handle, error) {
		return newStubHandle(), nil
	}))
	h, _ := p.GetSession(context.Background(), Account{Key: "a"})
	p.Invalidate("a", "auth key revoked")

	if !h.(*stubHandle).closed.Load() {
		t.Fatal("invalidated session was not closed")
	}
	if _, err := p.GetSession(context.Background(), Account{Key: "a"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if reason, ok := p.Invalid("a"); !ok || reason != "auth key revoked" {
		t.Fatalf("Invalid = %q %v", reason, ok)
	}

	p.ClearInvalid("a")
	if _, err := p.GetSession(context.Background(), Account{Key: "a"}); err != nil {
		t.Fatalf("after ClearInvalid: %v", err)
	}
}

func TestDialRetries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantDials int32
		wantAuth  bool
	}{
		{name: "transient retried", err: errors.New("connection reset"), wantDials: 3},
		{name: "auth not retried", err: Fail(KindUnauthorized, errors.New("401")), wantDials: 1, wantAuth: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var dials atomic.Int32
			p := NewProvider(DialerFunc(func(ctx context.Context, acc Account) (Handle, error) {
				dials.Add(1)
				return nil, tc.err
			}), WithDialRetry(3, time.Millisecond))

			_, err := p.GetSession(context.Background(), Account{Key: "a"})
			if err == nil {
				t.Fatal("expected error")
			}
			if dials.Load() != tc.wantDials {
				t.Fatalf("dials = %d, want %d", dials.Load(), tc.wantDials)
			}
			if _, invalid := p.Invalid("a"); invalid != tc.wantAuth {
				t.Fatalf("invalid = %v, want %v", invalid, tc.wantAuth)
			}
		})
	}
}

func TestReleaseDisconnect(t *testing.T) {
	t.Parallel()

	p := NewProvider(DialerFunc(func(ctx context.Context, acc Account) (Handle, error) {
		return newStubHandle(), nil
	}))
	h, _ := p.GetSession(context.Background(), Account{Key: "a"})

	p.Release("a", false)
	if p.Live() != 1 {
		t.Fatal("release without disconnect dropped the session")
	}
	p.Release("a", true)
	if p.Live() != 0 || !h.(*stubHandle).closed.Load() {
		t.Fatal("release with disconnect kept the session")
	}

	_ = p.Close()
	if _, err := p.GetSession(context.Background(), Account{Key: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	err := error(FloodWait(42*time.Second, errors.New("too many requests")))
	var se *Error
	if !errors.As(err, &se) || se.Wait != 42*time.Second {
		t.Fatalf("errors.As failed: %v", err)
	}
	if got, want := err.Error(), "flood_wait 42s: too many requests"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Fatal("flood wait must not match ErrUnauthenticated")
	}
	if !errors.Is(Fail(KindAuthKeyInvalid, nil), ErrUnauthenticated) {
		t.Fatal("auth key invalid must match ErrUnauthenticated")
	}
}
