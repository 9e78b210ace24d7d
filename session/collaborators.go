// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package session

import (
	"github.com/google/ppn/crypto"
	"github.com/google/ppn/egress"
	"github.com/google/ppn/status"
)

// VpnService is the platform VPN-permission/tunnel collaborator, per
// spec.md §6. The Session never creates a tunnel fd itself.
type VpnService interface {
	CreateTunnel(data TunFdData) *status.Status
	CloseTunnel()
	TunnelFD() int
	CreateProtectedSocket(network NetworkInfo, endpoint *egress.Endpoint) (int, *status.Status)
	ConfigureIPsec(params crypto.IPsecKeys) *status.Status
}

// Datapath is the packet-encryption collaborator, per spec.md §6. It
// notifies the Session of its own lifecycle asynchronously, by calling
// the Session's DatapathEstablished/DatapathFailed/
// DatapathPermanentFailure Post methods — never by blocking one of the
// calls below.
type Datapath interface {
	Start(params *egress.Params, transform crypto.TransformParams) *status.Status
	// StartIke starts the datapath against the IKE-variant egress
	// response, per spec.md §9 Open Question 2: the Session performs no
	// key derivation of its own for this variant and simply hands the
	// collaborator the server's IKE material.
	StartIke(params *egress.IkeParams) *status.Status
	Stop()
	SwitchNetwork(networkID uint64, endpoint *egress.Endpoint, network NetworkInfo, counter uint64) *status.Status
	PrepareForTunnelSwitch() *status.Status
	SwitchTunnel() *status.Status
	SetKeyMaterials(transform crypto.TransformParams) *status.Status
	DebugInfo() string
}

// Observer receives the Session's lifecycle notifications, delivered
// off-worker via a dedicated notification queue per spec.md §9.
type Observer interface {
	ControlPlaneConnected()
	DatapathConnecting()
	DatapathConnected()
	ControlPlaneDisconnected(st *status.Status)
	DatapathDisconnected(network *NetworkInfo, st *status.Status, isBlockingTraffic bool)
	PermanentFailure(st *status.Status)
}
