// Package classify maps send failures onto the four outcomes a campaign
// worker knows how to handle.
//
// Structured session errors are trusted first. Anything else falls through
// to the message table in table.go.
package classify

import (
	"context"
	"errors"
	"time"

	"campaignd/internal/lockreg"
	"campaignd/internal/session"
)

type Class int

const (
	// Transient failures are counted and the worker moves on.
	Transient Class = iota
	// RateLimited failures suspend the worker for Verdict.Wait, then the
	// same target is retried once.
	RateLimited
	// Permanent failures exclude the target for the rest of the run.
	Permanent
	// FatalSession failures stop the worker; credentials need a re-login.
	FatalSession
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	case FatalSession:
		return "fatal_session"
	default:
		return "unknown"
	}
}

// MaxSinglePassWait is the rate-limit ceiling for single-pass campaigns.
const MaxSinglePassWait = 300 * time.Second

type Verdict struct {
	Class  Class
	Wait   time.Duration
	Reason string
}

// CappedWait returns Wait limited to ceiling. A ceiling <= 0 means uncapped.
func (v Verdict) CappedWait(ceiling time.Duration) time.Duration {
	if ceiling > 0 && v.Wait > ceiling {
		return ceiling
	}
	return v.Wait
}

// Classify is pure: the same error always yields the same verdict.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{Class: Transient}
	}

	var se *session.Error
	if errors.As(err, &se) {
		if v, ok := fromKind(se); ok {
			return v
		}
	}
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return Verdict{Class: FatalSession, Reason: "not authorized"}
	case errors.Is(err, context.DeadlineExceeded):
		return Verdict{Class: Transient, Reason: "timeout"}
	case errors.Is(err, lockreg.ErrBusy):
		return Verdict{Class: Transient, Reason: "session busy"}
	}
	return fromMessage(err.Error())
}

func fromKind(se *session.Error) (Verdict, bool) {
	reason := string(se.Kind)
	switch se.Kind {
	case session.KindFloodWait:
		return Verdict{Class: RateLimited, Wait: se.Wait, Reason: reason}, true
	case session.KindWriteForbidden, session.KindChannelPrivate, session.KindBanned,
		session.KindKicked, session.KindAdminRequired, session.KindNotFound:
		return Verdict{Class: Permanent, Reason: reason}, true
	case session.KindUnauthorized, session.KindAuthKeyInvalid:
		return Verdict{Class: FatalSession, Reason: reason}, true
	case session.KindTransient:
		return Verdict{Class: Transient, Reason: reason}, true
	}
	return Verdict{}, false
}
