// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package reconnect implements the Reconnector of spec.md §4.G: it
// owns a Session's lifecycle, restarting it with bounded exponential
// backoff on transient failure, stopping outright on permanent
// failure, and enforcing the overall session-connection deadline.
package reconnect

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/google/ppn/ppncfg"
	"github.com/google/ppn/session"
	"github.com/google/ppn/status"
	"github.com/google/ppn/tstime"
	"github.com/google/ppn/types/logger"
)

// Observer receives the same notifications session.Observer does. A
// Reconnector sits between the Session and the application's own
// Observer, forwarding each failed session attempt
// (ControlPlaneDisconnected) to the application as a
// DatapathDisconnected notification, whether or not the attempt is
// then retried, per spec.md §8 scenario 2.
type Observer = session.Observer

// Factory constructs a fresh Session for one connection attempt, wired
// to report to observer (the Reconnector's own wrapper; see Wrap). The
// Session's crypto material, Provision orchestrator, and collaborators
// are expected to be fresh too — sessions are not reused across
// reconnects, matching spec.md §1's "no persisting sessions across
// process restarts".
type Factory func(observer session.Observer) *session.Session

// Reconnector drives repeated Session attempts per spec.md §4.G.
type Reconnector struct {
	cfg     *ppncfg.Config
	factory Factory
	user    Observer
	logf    logger.Logf

	mu            sync.Mutex
	current       *session.Session
	backoff       time.Duration
	deadlineTimer *time.Timer
	connected     bool
	stopped       bool
	restartTimer  *time.Timer
}

// New returns a Reconnector. observer receives every notification the
// underlying sessions produce, translated per reconnectObserver below.
func New(cfg *ppncfg.Config, factory Factory, observer Observer, logf logger.Logf) *Reconnector {
	if logf == nil {
		logf = logger.Discard
	}
	// Transient-failure/restart logging repeats once per backoff cycle on
	// a flaky network; rate-limit it so a long outage doesn't flood the
	// log, matching the teacher's own logger.RateLimitedFn usage.
	logf = logger.WithPrefix(logger.RateLimitedFn(logf, 10*time.Second, 3, 10), "reconnect: ")
	initial := 500 * time.Millisecond
	if cfg.InitialTimeToReconnect != nil {
		initial = *cfg.InitialTimeToReconnect
	}
	return &Reconnector{cfg: cfg, factory: factory, user: observer, logf: logf, backoff: initial}
}

// Start creates and starts the first Session attempt, and arms the
// overall connection deadline.
func (r *Reconnector) Start() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.armDeadline()
	r.spawn()
}

// DebugInfo returns the current session attempt's debug snapshot, or
// the zero value if no attempt is currently running.
func (r *Reconnector) DebugInfo() session.DebugInfo {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return session.DebugInfo{}
	}
	return cur.DebugInfo()
}

func (r *Reconnector) spawn() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	s := r.factory(r.Wrap())
	r.current = s
	r.mu.Unlock()

	s.Start()
}

// Stop tears down the current session and cancels all Reconnector
// timers. It joins any errors from the worker-shutdown and
// deadline-cancellation paths with multierr, matching the teacher's
// own shutdown idiom.
func (r *Reconnector) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cur := r.current
	restart := r.restartTimer
	r.mu.Unlock()

	if restart != nil {
		restart.Stop()
	}

	var g errgroup.Group
	if cur != nil {
		g.Go(func() error {
			cur.Stop(true)
			cur.Wait()
			return nil
		})
	}
	workerErr := g.Wait()
	return multierr.Append(workerErr, r.cancelDeadline())
}

func (r *Reconnector) cancelDeadline() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
		r.deadlineTimer = nil
	}
	return nil
}

func (r *Reconnector) armDeadline() {
	d := 30 * time.Second
	if r.cfg.SessionConnectionDeadline != nil {
		d = *r.cfg.SessionConnectionDeadline
	}
	r.mu.Lock()
	if r.deadlineTimer != nil {
		r.deadlineTimer.Stop()
	}
	r.deadlineTimer = time.AfterFunc(d, r.onDeadline)
	r.mu.Unlock()
}

func (r *Reconnector) onDeadline() {
	r.mu.Lock()
	if r.stopped || r.connected {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	st := status.New(status.DeadlineExceeded, "reconnect: session did not reach DataPlaneConnected within session_connection_deadline_msec")
	r.logf("connection deadline exceeded")
	r.user.DatapathDisconnected(nil, st, false)
}

// sessionConnected marks the current attempt as successful, resetting
// backoff per spec.md §4.G ("A session is considered successful once
// DataPlaneConnected; on success, backoff state resets").
func (r *Reconnector) sessionConnected() {
	r.mu.Lock()
	r.connected = true
	initial := 500 * time.Millisecond
	if r.cfg.InitialTimeToReconnect != nil {
		initial = *r.cfg.InitialTimeToReconnect
	}
	r.backoff = initial
	r.mu.Unlock()
}

// scheduleRestart arms a timer that spawns a fresh Session attempt
// after the current backoff delay, then doubles the delay, capped by
// session_connection_deadline_msec per spec.md §4.G's literal wording.
func (r *Reconnector) scheduleRestart() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	maxDelay := 30 * time.Second
	if r.cfg.SessionConnectionDeadline != nil {
		maxDelay = *r.cfg.SessionConnectionDeadline
	}
	delay := r.backoff
	if delay > maxDelay {
		delay = maxDelay
	}
	next := r.backoff * 2
	if next > maxDelay {
		next = maxDelay
	}
	r.backoff = next
	r.connected = false
	r.mu.Unlock()

	jittered := tstime.RandomDurationBetween(delay, delay+delay/4+time.Millisecond)
	r.restartTimer = time.AfterFunc(jittered, r.spawn)
}

// reconnectObserver wraps the application's Observer, intercepting
// failures to decide restart-vs-stop before forwarding.
type reconnectObserver struct {
	r *Reconnector
}

// Wrap returns a session.Observer for use as one Session attempt's
// observer, which forwards to the application observer and drives
// this Reconnector's restart/stop decisions.
func (r *Reconnector) Wrap() session.Observer { return reconnectObserver{r: r} }

func (o reconnectObserver) ControlPlaneConnected() { o.r.user.ControlPlaneConnected() }
func (o reconnectObserver) DatapathConnecting()    { o.r.user.DatapathConnecting() }

func (o reconnectObserver) DatapathConnected() {
	o.r.sessionConnected()
	o.r.user.DatapathConnected()
}

func (o reconnectObserver) ControlPlaneDisconnected(st *status.Status) {
	o.r.user.DatapathDisconnected(nil, st, false)
	o.r.handleAttemptFailure(st)
}

func (o reconnectObserver) DatapathDisconnected(network *session.NetworkInfo, st *status.Status, isBlockingTraffic bool) {
	o.r.user.DatapathDisconnected(network, st, isBlockingTraffic)
}

func (o reconnectObserver) PermanentFailure(st *status.Status) {
	o.r.user.PermanentFailure(st)
	o.r.mu.Lock()
	o.r.stopped = true
	o.r.mu.Unlock()
	o.r.cancelDeadline()
}

func (r *Reconnector) handleAttemptFailure(st *status.Status) {
	if st != nil && st.IsPermanent() {
		r.logf("permanent failure, stopping: %v", st)
		r.user.PermanentFailure(st)
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		r.cancelDeadline()
		return
	}
	r.logf("transient failure, scheduling restart: %v", st)
	r.scheduleRestart()
}
