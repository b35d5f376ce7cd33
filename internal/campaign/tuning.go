package campaign

import (
	"math/rand"
	"time"

	"campaignd/internal/classify"
)

// Tuning holds the worker timing knobs. Zero timeouts, exhaustion knobs and
// ceiling fall back to DefaultTuning; zero pauses mean no pause.
type Tuning struct {
	LockTimeout time.Duration // wait for the account lock
	CallTimeout time.Duration // per resolve and per send

	SendDelay time.Duration // fixed part of the pause between sends
	JitterMin time.Duration
	JitterMax time.Duration

	RoundPauseMin time.Duration
	RoundPauseMax time.Duration

	ExhaustedWait     time.Duration
	ExhaustedCooldown time.Duration
	ExhaustedRuns     int // consecutive empty rounds before the cooldown

	ErrorPause time.Duration // after a transient failure

	// RateLimitCeiling caps rate-limit waits in single-pass campaigns.
	// Continuous campaigns always honour the full wait.
	RateLimitCeiling time.Duration

	// MaxSendsPerMinute paces each worker; 0 disables.
	MaxSendsPerMinute int
}

func DefaultTuning() Tuning {
	return Tuning{
		LockTimeout:       120 * time.Second,
		CallTimeout:       15 * time.Second,
		JitterMin:         500 * time.Millisecond,
		JitterMax:         1500 * time.Millisecond,
		RoundPauseMin:     2 * time.Second,
		RoundPauseMax:     5 * time.Second,
		ExhaustedWait:     30 * time.Second,
		ExhaustedCooldown: 120 * time.Second,
		ExhaustedRuns:     10,
		ErrorPause:        time.Second,
		RateLimitCeiling:  classify.MaxSinglePassWait,
	}
}

func (t Tuning) withDefaults() Tuning {
	d := DefaultTuning()
	if t.LockTimeout <= 0 {
		t.LockTimeout = d.LockTimeout
	}
	if t.CallTimeout <= 0 {
		t.CallTimeout = d.CallTimeout
	}
	if t.JitterMin < 0 {
		t.JitterMin = 0
	}
	if t.JitterMax < t.JitterMin {
		t.JitterMax = t.JitterMin
	}
	if t.RoundPauseMin < 0 {
		t.RoundPauseMin = 0
	}
	if t.RoundPauseMax < t.RoundPauseMin {
		t.RoundPauseMax = t.RoundPauseMin
	}
	if t.ExhaustedWait <= 0 {
		t.ExhaustedWait = d.ExhaustedWait
	}
	if t.ExhaustedCooldown <= 0 {
		t.ExhaustedCooldown = d.ExhaustedCooldown
	}
	if t.ExhaustedRuns <= 0 {
		t.ExhaustedRuns = d.ExhaustedRuns
	}
	if t.RateLimitCeiling <= 0 {
		t.RateLimitCeiling = d.RateLimitCeiling
	}
	return t
}

func between(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)+1))
}
