package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	logx "campaignd/pkg/logx"
)

const (
	defaultDialAttempts = 3
	defaultDialBackoff  = 2 * time.Second
)

type ProviderOption func(*Provider)

func WithLogger(log logx.Logger) ProviderOption {
	return func(p *Provider) { p.log = log }
}

// WithDialRetry sets how many times a failed dial is attempted and the pause
// between attempts. Auth failures are never retried.
func WithDialRetry(attempts int, backoff time.Duration) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.dialAttempts = attempts
		}
		if backoff >= 0 {
			p.dialBackoff = backoff
		}
	}
}

// Provider caches one Handle per account key.
type Provider struct {
	dialer       Dialer
	log          logx.Logger
	dialAttempts int
	dialBackoff  time.Duration

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]Handle
	invalid  map[string]string // key -> reason
	closed   bool
}

func NewProvider(d Dialer, opts ...ProviderOption) *Provider {
	p := &Provider{
		dialer:       d,
		dialAttempts: defaultDialAttempts,
		dialBackoff:  defaultDialBackoff,
		sessions:     map[string]Handle{},
		invalid:      map[string]string{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

// GetSession returns the cached session for acc.Key when it is healthy, or
// dials a new one. Concurrent callers for the same key share a single dial.
func (p *Provider) GetSession(ctx context.Context, acc Account) (Handle, error) {
	key := acc.Key
	h, err := p.cached(key)
	if err != nil || h != nil {
		return h, err
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if h, err := p.cached(key); err != nil || h != nil {
			return h, err
		}
		h, err := p.dial(ctx, acc)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				p.Invalidate(key, err.Error())
			}
			return nil, err
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = h.Close()
			return nil, ErrClosed
		}
		if reason, bad := p.invalid[key]; bad {
			p.mu.Unlock()
			_ = h.Close()
			return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reason)
		}
		p.sessions[key] = h
		p.mu.Unlock()
		p.log.Debug("session opened", logx.String("account", key))
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// cached returns (nil, nil) when a dial is needed.
func (p *Provider) cached(key string) (Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if reason, bad := p.invalid[key]; bad {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reason)
	}
	h := p.sessions[key]
	if h == nil {
		p.mu.Unlock()
		return nil, nil
	}
	if h.Healthy() {
		p.mu.Unlock()
		return h, nil
	}
	delete(p.sessions, key)
	p.mu.Unlock()

	p.log.Debug("dropping unhealthy session", logx.String("account", key))
	_ = h.Close()
	return nil, nil
}

func (p *Provider) dial(ctx context.Context, acc Account) (Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= p.dialAttempts; attempt++ {
		h, err := p.dialer.Dial(ctx, acc)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if errors.Is(err, ErrUnauthenticated) || ctx.Err() != nil {
			return nil, err
		}
		p.log.Warn("session dial failed",
			logx.String("account", acc.Key),
			logx.Int("attempt", attempt),
			logx.Int("attempts", p.dialAttempts),
			logx.Err(err),
		)
		if attempt == p.dialAttempts {
			break
		}
		t := time.NewTimer(p.dialBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("dial %s: %w", acc.Key, lastErr)
}

// Invalidate drops the session for key and refuses new ones until
// ClearInvalid is called by the re-login flow.
func (p *Provider) Invalidate(key, reason string) {
	p.mu.Lock()
	h := p.sessions[key]
	delete(p.sessions, key)
	p.invalid[key] = reason
	p.mu.Unlock()

	p.log.Warn("session invalidated", logx.String("account", key), logx.String("reason", reason))
	if h != nil {
		_ = h.Close()
	}
}

// ClearInvalid allows key to be dialed again.
func (p *Provider) ClearInvalid(key string) {
	p.mu.Lock()
	delete(p.invalid, key)
	p.mu.Unlock()
}

// Invalid reports whether key is waiting for re-authentication.
func (p *Provider) Invalid(key string) (reason string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason, ok = p.invalid[key]
	return reason, ok
}

// Release hands the session back. With disconnect the session is closed and
// the next GetSession dials again; otherwise it stays cached.
func (p *Provider) Release(key string, disconnect bool) {
	if !disconnect {
		return
	}
	p.mu.Lock()
	h := p.sessions[key]
	delete(p.sessions, key)
	p.mu.Unlock()
	if h != nil {
		if err := h.Close(); err != nil {
			p.log.Debug("session close failed", logx.String("account", key), logx.Err(err))
		}
	}
}

// Live returns the number of cached sessions.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close tears down every session. Further GetSession calls fail with ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	hs := make([]Handle, 0, len(p.sessions))
	for k, h := range p.sessions {
		hs = append(hs, h)
		delete(p.sessions, k)
	}
	p.mu.Unlock()

	var errs []error
	for _, h := range hs {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
