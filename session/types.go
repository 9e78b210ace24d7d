// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package session

import (
	"fmt"

	"github.com/google/ppn/egress"
)

// NetworkType classifies the physical network underlying a NetworkInfo,
// as reported by the platform network-listing collaborator.
type NetworkType int

const (
	NetworkUnknown NetworkType = iota
	NetworkWifi
	NetworkCellular
)

// AddressFamily describes which IP families a NetworkInfo's network
// currently supports.
type AddressFamily int

const (
	AddressFamilyUnspecified AddressFamily = iota
	AddressFamilyV4
	AddressFamilyV6
	AddressFamilyV4V6
)

// NetworkInfo describes the currently active physical network, per
// spec.md §3. It is owned by the platform collaborator; the Session
// only holds an optional copy of the most recently reported value.
type NetworkInfo struct {
	NetworkID     uint64
	NetworkType   NetworkType
	AddressFamily AddressFamily
}

// MtuState tracks the three MTU values the datapath and tunnel
// negotiate, per spec.md §3.
type MtuState struct {
	UplinkMtu   uint16
	TunnelMtu   uint16
	DownlinkMtu uint16
}

// State enumerates the Session's lifecycle states, per spec.md §3.
type State int

const (
	Initialized State = iota
	EgressSessionCreated
	ControlPlaneConnected
	DataPlaneConnecting
	DataPlaneConnected
	SessionError
	Stopped
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case EgressSessionCreated:
		return "EgressSessionCreated"
	case ControlPlaneConnected:
		return "ControlPlaneConnected"
	case DataPlaneConnecting:
		return "DataPlaneConnecting"
	case DataPlaneConnected:
		return "DataPlaneConnected"
	case SessionError:
		return "SessionError"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ID is assigned once, at the first successful egress, and is
// immutable for the life of the Session, per spec.md §3.
type ID uint64

// MaxReattempts bounds the number of datapath reattempts per failure
// episode, per spec.md §3/§4.F.
const MaxReattempts = 4

// TunFdData is the opaque-to-this-core payload handed to the VPN
// service collaborator's CreateTunnel, per spec.md §6/§9 ("packet pool
// ... exists in the datapath collaborator, not in this core; interface
// is opaque"). It carries just enough for this core's own bookkeeping.
type TunFdData struct {
	Mtu         uint16
	PrivateIPv4 string
	PrivateIPv6 string
}

// DebugInfo is an immutable snapshot of session state, the
// supplemental GetDebugInfo feature noted in SPEC_FULL.md §4. It is
// copied under the Session's own debug mutex; that mutex is separate
// from the one telemetry.Counters uses.
type DebugInfo struct {
	State           State
	SessionID       ID
	ReattemptCount  int
	Mtu             MtuState
	ActiveNetworkID uint64
	HasActiveNetwork bool
}

func familyOf(ep *egress.Endpoint) egress.Family {
	if ep == nil {
		return egress.FamilyUnspecified
	}
	return ep.Family
}

func oppositeFamily(f egress.Family) egress.Family {
	if f == egress.FamilyV6 {
		return egress.FamilyV4
	}
	return egress.FamilyV6
}
