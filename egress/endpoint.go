// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package egress implements the egress client: it builds AddEgress
// requests carrying the session's crypto parameters and a spent auth
// token, and parses the resulting EgressParams (or, for the IKE
// variant, IkeParams) per spec.md §4.C.
package egress

import (
	"fmt"
	"net"
	"strings"
)

// Family distinguishes IPv4 from IPv6 endpoints.
type Family int

const (
	FamilyUnspecified Family = iota
	FamilyV4
	FamilyV6
)

// Endpoint is a reachable sockaddr the datapath sends encapsulated
// packets to. Raw preserves the original string exactly as received,
// for telemetry, per spec.md §9 ("the parser must preserve the
// original string").
type Endpoint struct {
	Raw    string
	IP     string
	Port   uint16
	Family Family
}

// ParseEndpoint parses a sockaddr string of either form accepted by
// spec.md §9: a bracketed IPv6 form "[addr]:port", or a bare IPv4
// form "addr:port". It's built on net.SplitHostPort, the same way the
// teacher wraps that stdlib function throughout its net/* packages
// rather than hand-rolling a parser (see DESIGN.md).
func ParseEndpoint(raw string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("egress: parsing endpoint %q: %w", raw, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("egress: endpoint %q has invalid IP %q", raw, host)
	}
	var port uint64
	if port, err = parseUint16(portStr); err != nil {
		return Endpoint{}, fmt.Errorf("egress: endpoint %q has invalid port %q: %w", raw, portStr, err)
	}
	family := FamilyV4
	if strings.Contains(raw, "[") || ip.To4() == nil {
		family = FamilyV6
	}
	return Endpoint{Raw: raw, IP: ip.String(), Port: uint16(port), Family: family}, nil
}

func parseUint16(s string) (uint64, error) {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a number")
		}
		v = v*10 + uint64(c-'0')
		if v > 65535 {
			return 0, fmt.Errorf("out of range")
		}
	}
	if s == "" {
		return 0, fmt.Errorf("empty port")
	}
	return v, nil
}

// SelectEndpoints splits a raw list of sockaddrs (as returned by
// AddEgress, up to one v4 and one v6 per spec.md §3 EgressParams) into
// its v4 and v6 members. Malformed entries are skipped rather than
// failing the whole response, matching the original's tolerant parse.
func SelectEndpoints(raw []string) (v4, v6 *Endpoint) {
	for _, r := range raw {
		ep, err := ParseEndpoint(r)
		if err != nil {
			continue
		}
		switch ep.Family {
		case FamilyV4:
			if v4 == nil {
				v4 = &ep
			}
		case FamilyV6:
			if v6 == nil {
				v6 = &ep
			}
		}
	}
	return v4, v6
}
