// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ppncfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load([]byte(`{
		"zinc_url": "https://zinc.example/",
		"brass_url": "https://brass.example/",
		"datapath_protocol": "IPSEC"
	}`))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, *c.RekeyDuration)
	assert.Equal(t, 256, c.CipherSuiteKeyBits)
	assert.Equal(t, IPGeoCity, c.IPGeoLevel)
	assert.Equal(t, 500*time.Millisecond, *c.InitialTimeToReconnect)
}

func TestLoadRejectsMissingURLs(t *testing.T) {
	_, err := Load([]byte(`{"datapath_protocol": "IPSEC"}`))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidProtocol(t *testing.T) {
	_, err := Load([]byte(`{
		"zinc_url": "https://zinc.example/",
		"brass_url": "https://brass.example/",
		"datapath_protocol": "CARRIER_PIGEON"
	}`))
	assert.Error(t, err)
}

func TestHasAcceptableCopperSuffix(t *testing.T) {
	c := &Config{CopperHostnameSuffix: []string{".g-tun.com"}}
	assert.True(t, c.HasAcceptableCopperSuffix("egress1.g-tun.com"))
	assert.False(t, c.HasAcceptableCopperSuffix("egress1.evil.com"))

	unconstrained := &Config{}
	assert.True(t, unconstrained.HasAcceptableCopperSuffix("anything.example"))
}

func TestResolveCopperHostnameOverride(t *testing.T) {
	c := &Config{CopperHostnameOverride: "debug.local"}
	assert.Equal(t, "debug.local", c.ResolveCopperHostname("real.g-tun.com"))

	noOverride := &Config{}
	assert.Equal(t, "real.g-tun.com", noOverride.ResolveCopperHostname("real.g-tun.com"))
}
