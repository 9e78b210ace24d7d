// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package session implements the Session state machine of spec.md
// §4.F: the heart of the engine. A Session serializes every external
// event — Start/Stop, network changes, timer expiries, datapath
// notifications, MTU updates, and Provision results — onto one worker
// goroutine, and delivers observer notifications off that worker via a
// separate queue, per spec.md §5 and §9.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/ppn/crypto"
	"github.com/google/ppn/egress"
	"github.com/google/ppn/internal/httpclient"
	"github.com/google/ppn/ppncfg"
	"github.com/google/ppn/provision"
	"github.com/google/ppn/status"
	"github.com/google/ppn/telemetry"
	"github.com/google/ppn/timer"
	"github.com/google/ppn/types/logger"
)

type inputKind int

const (
	inputStart inputKind = iota
	inputStop
	inputSetNetwork
	inputDatapathEstablished
	inputDatapathFailed
	inputDatapathPermanentFailure
	inputAttemptDatapathReconnect
	inputProvisioned
	inputProvisioningFailure
	inputDoRekey
	inputUplinkMtuUpdate
	inputDownlinkMtuUpdate
	inputForceTunnelUpdate
	inputTimerExpiry
)

// message is the single closed type carried on the Session's inbox.
// Using one struct with unused fields left zero, rather than one type
// per input, keeps the worker's dispatch a flat switch — matching how
// the teacher's eventbus pump dispatches its own envelope type.
type message struct {
	kind inputKind

	forceFailOpen bool
	network       *NetworkInfo

	st        *status.Status
	permanent bool

	provisionResult *provision.Result

	uplinkMtu, tunnelMtu, downlinkMtu uint16

	timerID timer.ID
}

// Session is the state machine described by spec.md §4.F.
type Session struct {
	cfg          *ppncfg.Config
	crypto       *crypto.SessionCrypto
	orchestrator *provision.Orchestrator
	datapath     Datapath
	vpnService   VpnService
	http         httpclient.Client
	timers       *timer.Manager
	telemetry    *telemetry.Counters
	observer     Observer
	logf         logger.Logf

	inbox         chan message
	notifications chan func()
	stopped       chan struct{}
	cancel        context.CancelFunc

	// worker-only fields: read and written exclusively inside run/handle,
	// never touched from Post* methods or other goroutines.
	state             State
	sessionID         ID
	sessionIDAssigned bool
	activeNetwork     *NetworkInfo
	egressParams      *egress.Params
	ikeParams         *egress.IkeParams
	mtu               MtuState
	reattemptCount    int
	currentFamily     egress.Family
	switchCounter     uint64
	rekeyTimerID      timer.ID
	connectingTimerID timer.ID
	reattemptTimerID  timer.ID

	debugMu sync.Mutex
	debug   DebugInfo
}

// Config bundles the collaborators a Session is constructed with.
type Config struct {
	Cfg          *ppncfg.Config
	Crypto       *crypto.SessionCrypto
	Orchestrator *provision.Orchestrator
	Datapath     Datapath
	VpnService   VpnService
	HTTP         httpclient.Client
	Timers       *timer.Manager
	Telemetry    *telemetry.Counters
	Observer     Observer
	Logf         logger.Logf
}

// New constructs a Session in state Initialized. The worker and
// notification-drain goroutines are started immediately; call Stop to
// tear them down.
func New(c Config) *Session {
	logf := c.Logf
	if logf == nil {
		logf = logger.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:           c.Cfg,
		crypto:        c.Crypto,
		orchestrator:  c.Orchestrator,
		datapath:      c.Datapath,
		vpnService:    c.VpnService,
		http:          c.HTTP,
		timers:        c.Timers,
		telemetry:     c.Telemetry,
		observer:      c.Observer,
		logf:          logf,
		inbox:         make(chan message, 64),
		notifications: make(chan func(), 64),
		stopped:       make(chan struct{}),
		cancel:        cancel,
		state:         Initialized,
	}
	go s.runWorker(ctx)
	go s.runNotifications(ctx)
	return s
}

func (s *Session) post(m message) {
	select {
	case s.inbox <- m:
	case <-s.stopped:
	}
}

func (s *Session) notify(fn func()) {
	select {
	case s.notifications <- fn:
	case <-s.stopped:
	}
}

// Start kicks off provisioning, per spec.md §4.F.
func (s *Session) Start() { s.post(message{kind: inputStart}) }

// Stop tears the Session down. forceFailOpen mirrors spec.md §5:
// "does not wait for in-flight HTTP completions; late completions are
// dropped by the worker because state is Stopped."
func (s *Session) Stop(forceFailOpen bool) { s.post(message{kind: inputStop, forceFailOpen: forceFailOpen}) }

// SetNetwork reports a network change; network is nil to mean "no
// network currently available", per spec.md §9's open question.
func (s *Session) SetNetwork(network *NetworkInfo) {
	s.post(message{kind: inputSetNetwork, network: network})
}

// DatapathEstablished is the Datapath collaborator's success callback.
func (s *Session) DatapathEstablished() { s.post(message{kind: inputDatapathEstablished}) }

// DatapathFailed is the Datapath collaborator's transient-failure callback.
func (s *Session) DatapathFailed(st *status.Status) {
	s.post(message{kind: inputDatapathFailed, st: st})
}

// DatapathPermanentFailure is the Datapath collaborator's permanent-failure callback.
func (s *Session) DatapathPermanentFailure(st *status.Status) {
	s.post(message{kind: inputDatapathPermanentFailure, st: st})
}

// AttemptDatapathReconnect asks for an out-of-band reattempt outside
// the normal failure-triggered schedule.
func (s *Session) AttemptDatapathReconnect() { s.post(message{kind: inputAttemptDatapathReconnect}) }

// Provisioned is the Provision orchestrator's success callback.
func (s *Session) Provisioned(result *provision.Result) {
	s.post(message{kind: inputProvisioned, provisionResult: result})
}

// ProvisioningFailure is the Provision orchestrator's failure callback.
func (s *Session) ProvisioningFailure(st *status.Status, permanent bool) {
	s.post(message{kind: inputProvisioningFailure, st: st, permanent: permanent})
}

// DoRekey requests an out-of-band rekey, e.g. from a CLI command.
func (s *Session) DoRekey() { s.post(message{kind: inputDoRekey}) }

// UplinkMtuUpdate reports a new uplink/tunnel MTU pair from the datapath.
func (s *Session) UplinkMtuUpdate(uplink, tunnel uint16) {
	s.post(message{kind: inputUplinkMtuUpdate, uplinkMtu: uplink, tunnelMtu: tunnel})
}

// DownlinkMtuUpdate reports a new downlink MTU from the datapath.
func (s *Session) DownlinkMtuUpdate(downlink uint16) {
	s.post(message{kind: inputDownlinkMtuUpdate, downlinkMtu: downlink})
}

// ForceTunnelUpdate asks the Session to recreate its tunnel unconditionally.
func (s *Session) ForceTunnelUpdate() { s.post(message{kind: inputForceTunnelUpdate}) }

// TimerExpiry is called by the timer.Manager's callback; it re-enters
// the Session as a serialized message rather than acting directly, per
// spec.md §4.E.
func (s *Session) TimerExpiry(id timer.ID) { s.post(message{kind: inputTimerExpiry, timerID: id}) }

// State returns the current state. For tests and debugging only; it
// reads the debug snapshot taken after the last handled message, so
// from the worker itself it does not reflect the message being
// handled, and the returned value may be stale by the time the caller
// observes it.
func (s *Session) State() State {
	info := s.DebugInfo()
	return info.State
}

// DebugInfo returns an immutable snapshot, per spec.md §5(b).
func (s *Session) DebugInfo() DebugInfo {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	return s.debug
}

func (s *Session) updateDebug() {
	s.debugMu.Lock()
	defer s.debugMu.Unlock()
	s.debug = DebugInfo{
		State:          s.state,
		SessionID:      s.sessionID,
		ReattemptCount: s.reattemptCount,
		Mtu:            s.mtu,
	}
	if s.activeNetwork != nil {
		s.debug.HasActiveNetwork = true
		s.debug.ActiveNetworkID = s.activeNetwork.NetworkID
	}
}

// Wait blocks until the worker and notification goroutines have exited.
func (s *Session) Wait() { <-s.stopped }

func (s *Session) runWorker(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case m := <-s.inbox:
			s.handle(ctx, m)
			s.updateDebug()
			if s.state == Stopped {
				s.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) runNotifications(ctx context.Context) {
	for {
		select {
		case fn := <-s.notifications:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

const reattemptTimerDelay = 500 * time.Millisecond
