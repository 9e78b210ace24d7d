// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package auth

import "fmt"

// HostnameConfig is the subset of ppncfg.Config ResolveControllerHostname
// needs, kept narrow so this package doesn't import ppncfg.
type HostnameConfig interface {
	ResolveCopperHostname(advertised string) string
	HasAcceptableCopperSuffix(hostname string) bool
}

// ResolveControllerHostname resolves the copper control-plane hostname
// the egress service should be told to use: the response's advertised
// hostname, overridden by config when set, validated against the
// configured acceptable suffixes. This is the supplemental piece
// SPEC_FULL.md §4 calls out: the distillation kept the override field
// but dropped suffix validation, which original_source/krypton's
// auth.cc (SetCopperHostname) performs.
func ResolveControllerHostname(cfg HostnameConfig, advertised string) (string, error) {
	hostname := cfg.ResolveCopperHostname(advertised)
	if hostname == "" {
		return "", nil
	}
	if !cfg.HasAcceptableCopperSuffix(hostname) {
		return "", fmt.Errorf("auth: copper hostname %q has no acceptable suffix", hostname)
	}
	return hostname, nil
}
