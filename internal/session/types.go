// Package session hands out at most one live protocol session per account.
//
// The platform invalidates an account when it sees two concurrent
// connections, so every caller goes through a Provider which caches one
// Handle per account key and collapses concurrent dials.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Credentials authenticate one account against the platform.
// Token is driver specific (a bot token for the Telegram driver).
type Credentials struct {
	Token string `json:"-"`
}

// Account is an entry of an owner's account directory.
type Account struct {
	Key         string      `json:"key"`
	Credentials Credentials `json:"-"`
	Active      bool        `json:"active"`
}

// Target is one destination chat, identified by its platform id.
type Target struct {
	PlatformID int64  `json:"platform_id"`
	Title      string `json:"title"`
}

// Peer is a resolved target ready for Send.
type Peer struct {
	ID    int64
	Title string
	Ref   any // driver-specific handle
}

// Handle is a connected, authenticated session.
// Implementations are not required to be safe for concurrent Send.
type Handle interface {
	Resolve(ctx context.Context, t Target) (Peer, error)
	Send(ctx context.Context, p Peer, text string) error
	Healthy() bool
	Close() error
}

// Dialer opens a new session for an account.
type Dialer interface {
	Dial(ctx context.Context, acc Account) (Handle, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, acc Account) (Handle, error)

func (f DialerFunc) Dial(ctx context.Context, acc Account) (Handle, error) { return f(ctx, acc) }

// ErrUnauthenticated means the account's credentials need an external re-login.
var ErrUnauthenticated = errors.New("session requires re-authentication")

// ErrClosed is returned after Provider.Close.
var ErrClosed = errors.New("session provider closed")

// Kind is a structured failure category reported by drivers.
type Kind string

const (
	KindFloodWait      Kind = "flood_wait"
	KindWriteForbidden Kind = "write_forbidden"
	KindChannelPrivate Kind = "channel_private"
	KindBanned         Kind = "banned"
	KindKicked         Kind = "kicked"
	KindAdminRequired  Kind = "admin_required"
	KindNotFound       Kind = "not_found"
	KindUnauthorized   Kind = "unauthorized"
	KindAuthKeyInvalid Kind = "auth_key_invalid"
	KindTransient      Kind = "transient"
)

// Error is a driver failure tagged with a Kind. Wait is set for KindFloodWait.
type Error struct {
	Kind Kind
	Wait time.Duration
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Kind == KindFloodWait && e.Wait > 0 {
		msg = fmt.Sprintf("%s %s", msg, e.Wait)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnauthenticated) match auth kinds.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthenticated && (e.Kind == KindUnauthorized || e.Kind == KindAuthKeyInvalid)
}

// Fail builds an *Error.
func Fail(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// FloodWait builds a KindFloodWait error.
func FloodWait(wait time.Duration, err error) *Error {
	return &Error{Kind: KindFloodWait, Wait: wait, Err: err}
}
