// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ppncfg defines the engine's static configuration: the set of
// URLs, timers, and feature toggles the Auth, Egress, Provision, and
// Session components read at startup. Optional fields are pointers so
// a caller can distinguish "not set, use the default" from an explicit
// zero value, following tailscale.com/ipn's ConfigVAlpha idiom.
package ppncfg

import (
	"encoding/json"
	"fmt"
	"time"
)

// DatapathProtocol selects the wire layout the datapath uses, mirroring
// crypto.DatapathProtocol's values by name in the JSON config file.
type DatapathProtocol string

const (
	ProtocolIPsec  DatapathProtocol = "IPSEC"
	ProtocolBridge DatapathProtocol = "BRIDGE"
	ProtocolIKE    DatapathProtocol = "IKE"
)

// ServiceType identifies which egress product the client is
// provisioning against; passed through verbatim in AddEgress requests.
type ServiceType string

// IPGeoLevel controls how much geographic precision the client asks
// the egress service to preserve.
type IPGeoLevel string

const (
	IPGeoCity    IPGeoLevel = "CITY"
	IPGeoCountry IPGeoLevel = "COUNTRY"
)

// Config is the engine's full static configuration, per spec.md §6's
// enumerated field list plus the supplemental fields pulled from the
// original implementation (attach_oauth_token_as_header,
// enable_blind_signing, copper hostname resolution).
type Config struct {
	// ZincURL is the authentication service's base URL (PublicKey,
	// Auth, and Sign operations).
	ZincURL string `json:"zinc_url"`
	// BrassURL is the egress service's AddEgress base URL.
	BrassURL string `json:"brass_url"`
	// InitialDataURL, when set, is used for the initial unauthenticated
	// GetInitialData call ahead of Auth.
	InitialDataURL string `json:"initial_data_url,omitempty"`
	// UpdatePathInfoURL, when set, is used to report path-switch info
	// back to the control plane.
	UpdatePathInfoURL string `json:"update_path_info_url,omitempty"`

	ServiceType ServiceType `json:"service_type"`

	// CopperHostnameSuffix lists acceptable suffixes for the egress
	// hostname returned in an AddEgress response; a response whose
	// hostname matches none of these is rejected as InvalidArgument.
	CopperHostnameSuffix []string `json:"copper_hostname_suffix,omitempty"`
	// CopperHostnameOverride, when non-empty, replaces the server's
	// advertised egress hostname outright (test/debug use).
	CopperHostnameOverride string `json:"copper_hostname_override,omitempty"`

	DatapathProtocol   DatapathProtocol `json:"datapath_protocol"`
	CipherSuiteKeyBits int              `json:"cipher_suite_key_length"`

	// RekeyDuration is how long a session's crypto keys are used before
	// a rekey is scheduled. Defaults to 24h.
	RekeyDuration *time.Duration `json:"rekey_duration,omitempty"`

	// EnableBlindSigning selects the blind-signed AuthAndSign flow over
	// a plain bearer token.
	EnableBlindSigning bool `json:"enable_blind_signing"`

	DatapathConnectingTimerEnabled  bool           `json:"datapath_connecting_timer_enabled"`
	DatapathConnectingTimerDuration *time.Duration `json:"datapath_connecting_timer_duration,omitempty"`

	DynamicMtuEnabled bool `json:"dynamic_mtu_enabled"`

	PublicMetadataEnabled       bool `json:"public_metadata_enabled"`
	IntegrityAttestationEnabled bool `json:"integrity_attestation_enabled"`

	IPGeoLevel IPGeoLevel `json:"ip_geo_level,omitempty"`

	// AttachOauthTokenAsHeader selects whether the OAuth token rides in
	// an Authorization header instead of the request body.
	AttachOauthTokenAsHeader bool `json:"attach_oauth_token_as_header"`

	IPv6Enabled bool `json:"ipv6_enabled"`

	APIKey string `json:"api_key,omitempty"`

	// InitialTimeToReconnect is the Reconnector's starting backoff
	// delay, before any doubling.
	InitialTimeToReconnect *time.Duration `json:"initial_time_to_reconnect_msec,omitempty"`

	// SessionConnectionDeadline bounds how long a session may spend
	// between Start and DataPlaneConnected before DeadlineExceeded.
	SessionConnectionDeadline *time.Duration `json:"session_connection_deadline_msec,omitempty"`
}

const (
	defaultRekeyDuration                  = 24 * time.Hour
	defaultDatapathConnectingTimerDuration = 10 * time.Second
	defaultInitialTimeToReconnect          = 500 * time.Millisecond
	defaultSessionConnectionDeadline       = 30 * time.Second
)

// Load decodes a Config from JSON and applies defaults.
func Load(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("ppncfg: decode: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.RekeyDuration == nil {
		d := defaultRekeyDuration
		c.RekeyDuration = &d
	}
	if c.DatapathConnectingTimerDuration == nil {
		d := defaultDatapathConnectingTimerDuration
		c.DatapathConnectingTimerDuration = &d
	}
	if c.InitialTimeToReconnect == nil {
		d := defaultInitialTimeToReconnect
		c.InitialTimeToReconnect = &d
	}
	if c.SessionConnectionDeadline == nil {
		d := defaultSessionConnectionDeadline
		c.SessionConnectionDeadline = &d
	}
	if c.CipherSuiteKeyBits == 0 {
		c.CipherSuiteKeyBits = 256
	}
	if c.IPGeoLevel == "" {
		c.IPGeoLevel = IPGeoCity
	}
}

// Validate checks that required fields are present and well-formed.
// Called automatically by Load; exported so callers building a Config
// programmatically (tests, the CLI) can validate it too.
func (c *Config) Validate() error {
	if c.ZincURL == "" {
		return fmt.Errorf("ppncfg: zinc_url is required")
	}
	if c.BrassURL == "" {
		return fmt.Errorf("ppncfg: brass_url is required")
	}
	switch c.DatapathProtocol {
	case ProtocolIPsec, ProtocolBridge, ProtocolIKE:
	default:
		return fmt.Errorf("ppncfg: invalid datapath_protocol %q", c.DatapathProtocol)
	}
	switch c.CipherSuiteKeyBits {
	case 128, 256:
	default:
		return fmt.Errorf("ppncfg: cipher_suite_key_length must be 128 or 256, got %d", c.CipherSuiteKeyBits)
	}
	return nil
}

// HasAcceptableCopperSuffix reports whether hostname ends in one of the
// configured acceptable suffixes, or always true if none are configured.
func (c *Config) HasAcceptableCopperSuffix(hostname string) bool {
	if len(c.CopperHostnameSuffix) == 0 {
		return true
	}
	for _, suf := range c.CopperHostnameSuffix {
		if len(hostname) >= len(suf) && hostname[len(hostname)-len(suf):] == suf {
			return true
		}
	}
	return false
}

// ResolveCopperHostname applies CopperHostnameOverride if set, else
// returns advertised unchanged.
func (c *Config) ResolveCopperHostname(advertised string) string {
	if c.CopperHostnameOverride != "" {
		return c.CopperHostnameOverride
	}
	return advertised
}
