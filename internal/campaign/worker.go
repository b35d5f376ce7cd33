package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"campaignd/internal/classify"
	"campaignd/internal/lockreg"
	"campaignd/internal/session"
	"campaignd/internal/statushub"
	logx "campaignd/pkg/logx"
)

// worker drives one account's send loop. It is the only writer of state.
type worker struct {
	c       *Campaign
	account session.Account
	targets []session.Target
	state   *WorkerState

	locks    *lockreg.Registry
	sessions Sessions
	hub      Publisher
	log      logx.Logger
	tuning   Tuning
	rng      *rand.Rand
	limiter  *rate.Limiter
	now      func() time.Time

	// waitCtx ends on shutdown or campaign cancel. In-flight calls use the
	// run context only, so cancel never interrupts a send.
	waitCtx context.Context

	lock     *lockreg.Handle
	lockLost bool // the session now belongs to whoever took the lock over
}

// errStopped marks an attempt abandoned before any call was made.
var errStopped = errors.New("worker stopping")

type outcome int

const (
	proceed outcome = iota
	stopped         // cancelled or shut down
	fatal           // worker reached a failure state
)

func (w *worker) run(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.c.cancelCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	w.waitCtx = waitCtx

	if w.tuning.MaxSendsPerMinute > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(float64(w.tuning.MaxSendsPerMinute)/60.0), 1)
	}

	defer w.publishDone()

	w.setStatus(WorkerConnecting)
	if w.stopRequested(ctx) {
		w.finish(WorkerCancelled, "")
		return nil
	}

	lock, err := w.locks.Acquire(waitCtx, w.account.Key, w.tuning.LockTimeout)
	if err != nil {
		if errors.Is(err, lockreg.ErrBusy) {
			w.finish(WorkerError, "account busy: another operation is using this session, try again later")
			return nil
		}
		w.finish(WorkerCancelled, "")
		return nil
	}
	defer w.locks.Release(lock)
	w.lock = lock

	sess, err := w.sessions.GetSession(waitCtx, w.account)
	if err != nil {
		if w.stopRequested(ctx) {
			w.finish(WorkerCancelled, "")
			return nil
		}
		v := classify.Classify(err)
		if v.Class == classify.FatalSession {
			w.sessions.Invalidate(w.account.Key, v.Reason)
			w.finish(WorkerSessionError, "session expired or not authorized, re-login required")
			return nil
		}
		w.finish(WorkerError, err.Error())
		return nil
	}
	defer func() { w.sessions.Release(w.account.Key, !w.lockLost) }()

	w.loop(ctx, sess)
	return nil
}

func (w *worker) loop(ctx context.Context, sess session.Handle) {
	round := 0
	emptyRuns := 0
	for {
		if w.stopRequested(ctx) {
			w.finish(WorkerCancelled, "")
			return
		}

		if !w.holdLock() {
			return
		}

		pending := w.pending()
		if len(pending) == 0 {
			if w.c.Mode.SinglePass() {
				w.finish(WorkerCompleted, "")
				return
			}
			emptyRuns++
			wait := w.tuning.ExhaustedWait
			if emptyRuns >= w.tuning.ExhaustedRuns {
				wait = w.tuning.ExhaustedCooldown
				emptyRuns = 0
			}
			w.setStatus(WorkerWaitingExhausted)
			w.log.Debug("all targets blocked, waiting", logx.Duration("wait", wait))
			if !w.sleep(wait) {
				w.finish(WorkerCancelled, "")
				return
			}
			continue
		}
		emptyRuns = 0

		round++
		w.state.update(func(s *WorkerSnapshot) {
			s.Round = round
			s.Status = WorkerSending
		})
		w.publish(statushub.AccountStatus, map[string]any{"status": WorkerSending, "round": round})

		w.rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })
		for i, t := range pending {
			if w.stopRequested(ctx) {
				w.finish(WorkerCancelled, "")
				return
			}
			if i > 0 && !w.pace() {
				w.finish(WorkerCancelled, "")
				return
			}
			if !w.holdLock() {
				return
			}
			switch w.deliver(ctx, sess, t) {
			case stopped:
				w.finish(WorkerCancelled, "")
				return
			case fatal:
				return
			}
		}

		snap := w.state.Snapshot()
		w.publish(statushub.RoundComplete, map[string]any{
			"round":   round,
			"sent":    snap.Sent,
			"errors":  snap.Errors,
			"blocked": snap.Blocked,
		})
		if w.c.Mode.SinglePass() {
			w.finish(WorkerCompleted, "")
			return
		}
		w.setStatus(WorkerRestarting)
		if !w.sleep(between(w.rng, w.tuning.RoundPauseMin, w.tuning.RoundPauseMax)) {
			w.finish(WorkerCancelled, "")
			return
		}
	}
}

// holdLock renews the account lock before more work goes through the
// session. A lock replaced as stale or reset by an operator ends the worker:
// the session is someone else's now.
func (w *worker) holdLock() bool {
	if w.locks.Refresh(w.lock) {
		return true
	}
	w.lockLost = true
	w.finish(WorkerError, ErrLockLost.Error())
	return false
}

// pending returns the assigned targets minus the blocked ones.
func (w *worker) pending() []session.Target {
	out := make([]session.Target, 0, len(w.targets))
	for _, t := range w.targets {
		if !w.state.isBlocked(t.PlatformID) {
			out = append(out, t)
		}
	}
	return out
}

// deliver sends to one target, retrying once after a rate limit.
func (w *worker) deliver(ctx context.Context, sess session.Handle, t session.Target) outcome {
	w.state.update(func(s *WorkerSnapshot) { s.CurrentTarget = t.Title })

	err := w.attempt(ctx, sess, t)
	if err == nil {
		w.recordSent(t)
		return proceed
	}
	if ctx.Err() != nil || errors.Is(err, errStopped) {
		return stopped
	}
	v := classify.Classify(err)

	if v.Class == classify.RateLimited {
		wait := v.Wait
		if w.c.Mode.SinglePass() {
			wait = v.CappedWait(w.tuning.RateLimitCeiling)
		}
		until := w.now().Add(wait)
		w.state.update(func(s *WorkerSnapshot) {
			s.Status = WorkerRateLimited
			s.RateLimitedUntil = &until
		})
		w.publish(statushub.RateLimited, map[string]any{
			"wait_seconds": int(wait / time.Second),
			"target":       t.Title,
		})
		w.log.Info("rate limited", logx.Duration("wait", wait), logx.Int64("target", t.PlatformID))
		if !w.sleep(wait) {
			return stopped
		}
		w.state.update(func(s *WorkerSnapshot) {
			s.Status = WorkerSending
			s.RateLimitedUntil = nil
		})
		if w.stopRequested(ctx) {
			return stopped
		}
		if !w.holdLock() {
			return fatal
		}

		err = w.attempt(ctx, sess, t)
		if err == nil {
			w.recordSent(t)
			return proceed
		}
		if ctx.Err() != nil || errors.Is(err, errStopped) {
			return stopped
		}
		v = classify.Classify(err)
		if v.Class == classify.RateLimited || v.Class == classify.Transient {
			w.recordError(t, err, true)
			return proceed
		}
	}

	switch v.Class {
	case classify.Permanent:
		w.state.block(t, v.Reason, w.now())
		w.publish(statushub.TargetBlocked, map[string]any{
			"target":      t.Title,
			"platform_id": t.PlatformID,
			"reason":      v.Reason,
		})
		w.log.Debug("target blocked", logx.Int64("target", t.PlatformID), logx.String("reason", v.Reason))
		return proceed
	case classify.FatalSession:
		w.sessions.Invalidate(w.account.Key, v.Reason)
		w.finish(WorkerSessionError, "session expired or not authorized, re-login required")
		return fatal
	}

	w.recordError(t, err, false)
	if w.stopRequested(ctx) {
		return stopped
	}
	if !w.sleep(w.tuning.ErrorPause) {
		return stopped
	}
	return proceed
}

func (w *worker) attempt(ctx context.Context, sess session.Handle, t session.Target) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(w.waitCtx); err != nil {
			return errStopped
		}
	}
	peer, err := callWithTimeout(ctx, w.tuning.CallTimeout, func(c context.Context) (session.Peer, error) {
		return sess.Resolve(c, t)
	})
	if err != nil {
		return err
	}
	_, err = callWithTimeout(ctx, w.tuning.CallTimeout, func(c context.Context) (struct{}, error) {
		return struct{}{}, sess.Send(c, peer, w.c.Message)
	})
	return err
}

func (w *worker) recordSent(t session.Target) {
	var sent int
	w.state.update(func(s *WorkerSnapshot) {
		s.Sent++
		sent = s.Sent
	})
	w.publish(statushub.MessageSent, map[string]any{"target": t.Title, "platform_id": t.PlatformID, "sent": sent})
}

func (w *worker) recordError(t session.Target, err error, skipped bool) {
	msg := err.Error()
	w.state.update(func(s *WorkerSnapshot) {
		s.Errors++
		if skipped {
			s.Skipped++
		}
		s.LastError = msg
	})
	w.publish(statushub.SendError, map[string]any{"target": t.Title, "platform_id": t.PlatformID, "error": msg})
	w.log.Debug("send failed", logx.Int64("target", t.PlatformID), logx.Err(err))
}

// pace sleeps between two sends.
func (w *worker) pace() bool {
	return w.sleep(w.tuning.SendDelay + between(w.rng, w.tuning.JitterMin, w.tuning.JitterMax))
}

// sleep returns false when interrupted by cancel or shutdown.
func (w *worker) sleep(d time.Duration) bool {
	if d <= 0 {
		return w.waitCtx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.waitCtx.Done():
		return false
	}
}

func (w *worker) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-w.c.cancelCh:
		return true
	default:
		return false
	}
}

func (w *worker) setStatus(st WorkerStatus) {
	w.state.update(func(s *WorkerSnapshot) { s.Status = st })
	w.publish(statushub.AccountStatus, map[string]any{"status": st})
}

func (w *worker) finish(st WorkerStatus, msg string) {
	at := w.now()
	w.state.update(func(s *WorkerSnapshot) {
		s.Status = st
		s.CurrentTarget = ""
		s.RateLimitedUntil = nil
		if msg != "" {
			s.LastError = msg
		}
		s.FinishedAt = &at
	})
	if st.Failed() {
		w.publish(statushub.AccountError, map[string]any{"status": st, "error": msg})
		w.log.Warn("worker failed", logx.String("status", string(st)), logx.String("reason", msg))
	}
}

func (w *worker) publishDone() {
	snap := w.state.Snapshot()
	w.publish(statushub.AccountComplete, map[string]any{
		"status":  snap.Status,
		"sent":    snap.Sent,
		"errors":  snap.Errors,
		"blocked": snap.Blocked,
		"rounds":  snap.Round,
	})
	w.log.Info("worker finished",
		logx.String("status", string(snap.Status)),
		logx.Int("sent", snap.Sent),
		logx.Int("errors", snap.Errors),
		logx.Int("blocked", snap.Blocked),
		logx.Int("rounds", snap.Round),
	)
}

func (w *worker) publish(typ statushub.EventType, data map[string]any) {
	if w.hub == nil {
		return
	}
	w.hub.Publish(w.c.Owner, statushub.Event{
		Campaign: w.c.ID,
		Account:  w.account.Key,
		Type:     typ,
		Data:     data,
		Time:     w.now(),
	})
}

// callWithTimeout bounds fn by d even when fn ignores its context. A late
// result is discarded.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				ch <- result{zero, fmt.Errorf("panic in session call: %v", r)}
			}
		}()
		v, err := fn(cctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		var zero T
		return zero, fmt.Errorf("call timed out after %s: %w", d, cctx.Err())
	}
}
