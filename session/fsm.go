// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package session

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/google/ppn/crypto"
	"github.com/google/ppn/egress"
	"github.com/google/ppn/internal/httpclient"
	"github.com/google/ppn/provision"
	"github.com/google/ppn/status"
	"github.com/google/ppn/timer"
)

// handle dispatches one message on the worker goroutine. Nothing here
// may block on I/O, per spec.md §5.
func (s *Session) handle(ctx context.Context, m message) {
	if s.state == Stopped {
		// "no further messages after Stop mutate state."
		return
	}
	switch m.kind {
	case inputStart:
		s.handleStart(ctx)
	case inputStop:
		s.handleStop()
	case inputSetNetwork:
		s.handleSetNetwork(ctx, m.network)
	case inputDatapathEstablished:
		s.handleDatapathEstablished()
	case inputDatapathFailed:
		s.handleDatapathFailed(ctx, m.st)
	case inputDatapathPermanentFailure:
		s.emitPermanentFailure(m.st)
	case inputAttemptDatapathReconnect:
		s.handleAttemptReconnect(ctx)
	case inputProvisioned:
		s.handleProvisioned(m.provisionResult)
	case inputProvisioningFailure:
		s.handleProvisioningFailure(m.st, m.permanent)
	case inputDoRekey:
		s.startProvision(ctx, true)
	case inputUplinkMtuUpdate:
		s.handleUplinkMtuUpdate(m.uplinkMtu, m.tunnelMtu)
	case inputDownlinkMtuUpdate:
		s.handleDownlinkMtuUpdate(ctx, m.downlinkMtu)
	case inputForceTunnelUpdate:
		s.handleForceTunnelUpdate()
	case inputTimerExpiry:
		s.handleTimerExpiry(ctx, m.timerID)
	}
}

func (s *Session) handleStart(ctx context.Context) {
	if s.state != Initialized {
		return
	}
	s.armRekeyTimer()
	s.startProvision(ctx, false)
}

// startProvision runs Provision asynchronously: the HTTP work happens
// on its own goroutine, and the result re-enters the worker as a
// Provisioned/ProvisioningFailure message, per spec.md §5's "no
// suspension points on the worker".
func (s *Session) startProvision(ctx context.Context, isRekey bool) {
	var prevSPI uint32
	if s.egressParams != nil {
		prevSPI = s.egressParams.UplinkSPI
	}
	go func() {
		result, st := s.orchestrator.Start(ctx, s.crypto, provision.Options{
			IsRekey:           isRekey,
			PreviousUplinkSPI: prevSPI,
		})
		if st != nil {
			s.ProvisioningFailure(st, st.IsPermanent())
			return
		}
		s.Provisioned(result)
	}()
}

func (s *Session) handleProvisioned(result *provision.Result) {
	if result == nil {
		return
	}
	if !result.IsRekey {
		if s.state != Initialized {
			return
		}
		if !s.sessionIDAssigned && result.EgressParams != nil {
			s.sessionID = ID(result.EgressParams.UplinkSPI)
			s.sessionIDAssigned = true
		}
		if result.EgressParams == nil {
			s.ikeParams = result.IkeParams
			s.enterIkeSessionCreated()
			return
		}
		s.egressParams = result.EgressParams
		s.ikeParams = result.IkeParams
		s.enterEgressSessionCreated()
		return
	}

	// Rekey: swap EgressParams only after the datapath confirms the new
	// transform keys, per spec.md §5's ordering guarantee.
	if s.state != ControlPlaneConnected && s.state != DataPlaneConnected {
		return
	}
	if result.EgressParams == nil {
		s.enterSessionError(status.New(status.InvalidArgument, "session: rekey response had no egress params"))
		return
	}
	transform, err := s.crypto.DeriveTransformParams(result.EgressParams.PublicValue, result.EgressParams.ServerNonce, s.suite(), s.protocol())
	if err != nil {
		s.enterSessionError(status.Wrap(status.CryptoErr, err))
		return
	}
	st := s.datapath.SetKeyMaterials(transform)
	if st != nil {
		s.enterSessionError(st)
		return
	}
	s.egressParams = result.EgressParams
	s.ikeParams = result.IkeParams
	s.telemetry.IncSuccessfulRekeys()
	s.armRekeyTimer()
}

func (s *Session) handleProvisioningFailure(st *status.Status, permanent bool) {
	if permanent || (st != nil && st.IsPermanent()) {
		s.emitPermanentFailure(st)
		return
	}
	s.enterSessionError(st)
}

func (s *Session) enterEgressSessionCreated() {
	s.state = EgressSessionCreated
	transform, err := s.crypto.DeriveTransformParams(s.egressParams.PublicValue, s.egressParams.ServerNonce, s.suite(), s.protocol())
	if err != nil {
		s.enterSessionError(status.Wrap(status.CryptoErr, err))
		return
	}
	st := s.datapath.Start(s.egressParams, transform)
	if st != nil {
		s.enterSessionError(st)
		return
	}
	s.state = ControlPlaneConnected
	s.notify(s.observer.ControlPlaneConnected)
}

// enterIkeSessionCreated handles the IKE-variant egress response: the
// Session hands the collaborator the server's IKE material directly
// and performs no key derivation of its own, per spec.md §9 Open
// Question 2.
func (s *Session) enterIkeSessionCreated() {
	s.state = EgressSessionCreated
	st := s.datapath.StartIke(s.ikeParams)
	if st != nil {
		s.enterSessionError(st)
		return
	}
	s.state = ControlPlaneConnected
	s.notify(s.observer.ControlPlaneConnected)
}

func (s *Session) handleSetNetwork(ctx context.Context, network *NetworkInfo) {
	switch s.state {
	case ControlPlaneConnected:
		if network == nil {
			return
		}
		s.switchToNetwork(ctx, network)
	case DataPlaneConnecting:
		if network == nil {
			// Cancel the connecting and reattempt timers, forget the
			// active network and fall back to ControlPlaneConnected; no
			// reattempt happens until a new SetNetwork(Some) arrives. The
			// datapath itself is not called here and is not torn down.
			s.cancelTimer(&s.connectingTimerID)
			s.cancelTimer(&s.reattemptTimerID)
			s.activeNetwork = nil
			s.state = ControlPlaneConnected
			return
		}
		s.switchToNetwork(ctx, network)
	case DataPlaneConnected:
		if network == nil {
			s.activeNetwork = nil
			return
		}
		s.switchToNetwork(ctx, network)
	}
}

func (s *Session) switchToNetwork(ctx context.Context, network *NetworkInfo) {
	s.activeNetwork = network
	s.reattemptCount = 0
	s.switchCounter++
	s.telemetry.IncNetworkSwitches()
	s.currentFamily = egress.FamilyV4

	ep := s.selectEndpoint(s.currentFamily)
	if ep == nil {
		s.enterSessionError(status.New(status.InvalidArgument, "session: no egress endpoint available"))
		return
	}

	st := s.datapath.SwitchNetwork(network.NetworkID, ep, *network, s.switchCounter)
	if st != nil {
		s.enterSessionError(st)
		return
	}
	s.armConnectingTimer()
	s.notify(s.observer.DatapathConnecting)
	s.state = DataPlaneConnecting
}

// selectEndpoint returns the egress endpoint of the given family,
// falling back to whichever family is available, by taking the head
// of Params.Endpoints ordered away from the opposite family.
func (s *Session) selectEndpoint(family egress.Family) *egress.Endpoint {
	if s.egressParams == nil {
		return nil
	}
	eps := s.egressParams.Endpoints(oppositeFamily(family))
	if len(eps) == 0 {
		return nil
	}
	return eps[0]
}

func (s *Session) handleDatapathEstablished() {
	if s.state != DataPlaneConnecting {
		return
	}
	s.cancelTimer(&s.connectingTimerID)
	s.reattemptCount = 0
	s.telemetry.IncSuccessfulNetworkSwitches()
	s.state = DataPlaneConnected
	s.notify(s.observer.DatapathConnected)
}

func (s *Session) handleDatapathFailed(ctx context.Context, st *status.Status) {
	switch s.state {
	case DataPlaneConnecting, DataPlaneConnected:
		s.scheduleReattempt(st)
	}
}

func (s *Session) handleAttemptReconnect(ctx context.Context) {
	switch s.state {
	case DataPlaneConnecting, DataPlaneConnected:
		s.scheduleReattempt(status.New(status.Transient, "session: reattempt requested"))
	}
}

// scheduleReattempt implements spec.md §3's invariant: "A datapath
// reattempt is scheduled iff state ∈ {DataPlaneConnecting,
// DataPlaneConnected} and reattempt_count < MAX_REATTEMPTS (4)."
func (s *Session) scheduleReattempt(st *status.Status) {
	if s.reattemptCount >= MaxReattempts {
		network := s.activeNetwork
		isConnected := s.state == DataPlaneConnected
		s.notify(func() { s.observer.DatapathDisconnected(network, st, isConnected) })
		return
	}
	s.reattemptCount++
	s.reattemptTimerID = s.timers.Start(reattemptTimerDelay, s.TimerExpiry)
}

// fireReattempt performs one reattempt: switch network on the
// endpoint of the opposite family from the one currently in use, per
// Params.Endpoints' reattempt ordering.
func (s *Session) fireReattempt() {
	if s.activeNetwork == nil || s.egressParams == nil {
		return
	}
	eps := s.egressParams.Endpoints(s.currentFamily)
	if len(eps) == 0 {
		return
	}
	ep := eps[0]
	s.currentFamily = oppositeFamily(s.currentFamily)
	s.switchCounter++
	s.telemetry.IncNetworkSwitches()

	st := s.datapath.SwitchNetwork(s.activeNetwork.NetworkID, ep, *s.activeNetwork, s.switchCounter)
	if st != nil {
		s.enterSessionError(st)
		return
	}
	if s.state != DataPlaneConnecting {
		s.armConnectingTimer()
		s.notify(s.observer.DatapathConnecting)
		s.state = DataPlaneConnecting
	}
}

func (s *Session) handleTimerExpiry(ctx context.Context, id timer.ID) {
	switch {
	case id != 0 && id == s.rekeyTimerID:
		s.rekeyTimerID = 0
		s.startProvision(ctx, true)
	case id != 0 && id == s.connectingTimerID:
		s.connectingTimerID = 0
		if s.state == DataPlaneConnecting {
			s.scheduleReattempt(status.New(status.Transient, "session: datapath-connecting timer expired"))
		}
	case id != 0 && id == s.reattemptTimerID:
		s.reattemptTimerID = 0
		s.fireReattempt()
	}
}

func (s *Session) emitPermanentFailure(st *status.Status) {
	s.state = SessionError
	s.notify(func() { s.observer.PermanentFailure(st) })
}

func (s *Session) enterSessionError(st *status.Status) {
	s.state = SessionError
	s.notify(func() { s.observer.ControlPlaneDisconnected(st) })
}

func (s *Session) handleUplinkMtuUpdate(uplink, tunnel uint16) {
	if s.state != DataPlaneConnected {
		return
	}
	if st := s.datapath.PrepareForTunnelSwitch(); st != nil {
		s.classifyTunnelFailure(st)
		return
	}
	if s.vpnService != nil {
		if st := s.vpnService.CreateTunnel(TunFdData{Mtu: tunnel, PrivateIPv4: s.privateIPv4(), PrivateIPv6: s.privateIPv6()}); st != nil {
			s.classifyTunnelFailure(st)
			return
		}
	}
	if st := s.datapath.SwitchTunnel(); st != nil {
		s.classifyTunnelFailure(st)
		return
	}
	s.mtu.UplinkMtu = uplink
	s.mtu.TunnelMtu = tunnel
}

// classifyTunnelFailure implements spec.md §4.F's MTU update flow
// failure handling: permanent → PermanentFailure, else
// ControlPlaneDisconnected, non-fatal to the running session.
func (s *Session) classifyTunnelFailure(st *status.Status) {
	if st.IsPermanent() {
		s.emitPermanentFailure(st)
		return
	}
	s.notify(func() { s.observer.ControlPlaneDisconnected(st) })
}

func (s *Session) handleDownlinkMtuUpdate(ctx context.Context, downlink uint16) {
	if s.http == nil || s.cfg.UpdatePathInfoURL == "" {
		s.mtu.DownlinkMtu = downlink
		return
	}
	var mtuBytes [2]byte
	binary.BigEndian.PutUint16(mtuBytes[:], downlink)
	sig := s.crypto.SignRekey(mtuBytes[:])
	body := wireUpdatePathInfoRequest{
		SessionID:   uint64(s.sessionID),
		DownlinkMtu: downlink,
		Signature:   sig,
	}
	go func() {
		resp, err := s.http.PostJSON(ctx, httpclient.Request{URL: s.cfg.UpdatePathInfoURL, Body: body})
		if err != nil {
			s.logf("session: update-path-info failed: %v", err)
			return
		}
		if resp.Code < 200 || resp.Code >= 300 {
			// Non-disconnecting per spec.md §4.F: "log-and-ignore".
			s.logf("session: update-path-info returned %d, ignoring", resp.Code)
		}
	}()
	s.mtu.DownlinkMtu = downlink
}

type wireUpdatePathInfoRequest struct {
	SessionID   uint64 `json:"session_id"`
	DownlinkMtu uint16 `json:"downlink_mtu"`
	Signature   []byte `json:"signature"`
}

func (s *Session) handleForceTunnelUpdate() {
	if s.vpnService == nil {
		return
	}
	s.vpnService.CreateTunnel(TunFdData{Mtu: s.mtu.TunnelMtu, PrivateIPv4: s.privateIPv4(), PrivateIPv6: s.privateIPv6()})
}

func (s *Session) privateIPv4() string {
	if s.egressParams == nil {
		return ""
	}
	return s.egressParams.UserPrivateIPv4
}

func (s *Session) privateIPv6() string {
	if s.egressParams == nil {
		return ""
	}
	return s.egressParams.UserPrivateIPv6
}

func (s *Session) handleStop() {
	s.cancelTimer(&s.rekeyTimerID)
	s.cancelTimer(&s.connectingTimerID)
	s.cancelTimer(&s.reattemptTimerID)
	s.datapath.Stop()
	if s.vpnService != nil {
		s.vpnService.CloseTunnel()
	}
	s.state = Stopped
}

func (s *Session) armRekeyTimer() {
	d := 24 * time.Hour
	if s.cfg.RekeyDuration != nil {
		d = *s.cfg.RekeyDuration
	}
	s.rekeyTimerID = s.timers.Start(d, s.TimerExpiry)
}

func (s *Session) armConnectingTimer() {
	if !s.cfg.DatapathConnectingTimerEnabled {
		return
	}
	d := 10 * time.Second
	if s.cfg.DatapathConnectingTimerDuration != nil {
		d = *s.cfg.DatapathConnectingTimerDuration
	}
	s.connectingTimerID = s.timers.Start(d, s.TimerExpiry)
}

func (s *Session) cancelTimer(id *timer.ID) {
	if *id == 0 {
		return
	}
	s.timers.Cancel(*id)
	*id = 0
}

func (s *Session) suite() crypto.Suite {
	if s.cfg.CipherSuiteKeyBits == 128 {
		return crypto.AES128GCM
	}
	return crypto.AES256GCM
}

func (s *Session) protocol() crypto.DatapathProtocol {
	switch s.cfg.DatapathProtocol {
	case "BRIDGE":
		return crypto.Bridge
	case "IKE":
		return crypto.IKE
	default:
		return crypto.IPsec
	}
}
