// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package egress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/ppn/crypto"
	"github.com/google/ppn/internal/httpclient"
	"github.com/google/ppn/status"
	"github.com/google/ppn/tstime"
)

// Params is the parsed, datapath-facing result of a successful
// AddEgress call, per spec.md §3 EgressParams. It is replaced
// atomically on rekey; the Session keeps the old value active until
// the datapath's SetKeyMaterials confirms the new one.
type Params struct {
	UplinkSPI         uint32
	DownlinkSPI       uint32
	V4Endpoint        *Endpoint
	V6Endpoint        *Endpoint
	PublicValue       []byte
	ServerNonce       []byte
	Expiry            time.Time
	ControlPlaneAddr  string
	UserPrivateIPv4   string
	UserPrivateIPv6   string
	CopperHostname    string
}

// RekeyRequestParams carries the previous round's data needed to sign
// a rekey request, per spec.md §4.C: "rekey_signature is computed by
// SessionCrypto over the new client_public_value using the previous
// request's verification key."
type RekeyRequestParams struct {
	IsRekey           bool
	PreviousUplinkSPI uint32
}

// Request is the shape of one AddEgress call: the PpnDataplaneRequest
// body described by spec.md §4.C, plus the single unblinded auth
// token that is spent by this call.
type Request struct {
	UnblindedToken          []byte
	UnblindedTokenSignature []byte
	ControlPlaneSockAddr    string
	Protocol                crypto.DatapathProtocol
	Suite                   crypto.Suite
	RegionCode              string
	ApnType                 string
	DynamicMtuEnabled       bool
	Rekey                   RekeyRequestParams
}

// wireBody mirrors json_keys.h's AddEgressRequest/PpnDataplaneRequest
// JSON field layout (kUnblindedToken, kPpn, kClientPublicValue, ...).
type wireBody struct {
	UnblindedToken          string   `json:"unblinded_token"`
	UnblindedTokenSignature string   `json:"unblinded_token_signature"`
	Ppn                     wirePpn  `json:"ppn"`
}

type wirePpn struct {
	ClientPublicValue    string `json:"client_public_value"`
	ClientNonce          string `json:"client_nonce"`
	DownlinkSpi          uint32 `json:"downlink_spi"`
	RekeyVerificationKey string `json:"rekey_verification_key,omitempty"`
	Signature            string `json:"signature,omitempty"`
	PreviousUplinkSpi    uint32 `json:"previous_uplink_spi,omitempty"`
	ControlPlaneSockAddr string `json:"control_plane_sock_addr"`
	DataplaneProtocol    string `json:"dataplane_protocol"`
	Suite                string `json:"suite"`
	ApnType              string `json:"apn_type,omitempty"`
	RegionCode           string `json:"region_code,omitempty"`
	DynamicMtuEnabled    bool   `json:"dynamic_mtu_enabled,omitempty"`
}

func protocolName(p crypto.DatapathProtocol) string {
	switch p {
	case crypto.Bridge:
		return "BRIDGE"
	case crypto.IPsec:
		return "IPSEC"
	case crypto.IKE:
		return "IKE"
	default:
		return "UNKNOWN"
	}
}

func suiteName(s crypto.Suite) string {
	switch s {
	case crypto.AES128GCM:
		return "AES_128_GCM"
	case crypto.AES256GCM:
		return "AES_256_GCM"
	default:
		return "UNKNOWN"
	}
}

// Client issues AddEgress requests and parses their responses. It
// holds no session state of its own; the SessionCrypto snapshot and
// unblinded token are supplied fresh by the Provision orchestrator on
// every call, per spec.md §4.D.
type Client struct {
	http httpclient.Client
	url  string
}

// New returns an egress Client posting AddEgress requests to url.
func New(http httpclient.Client, url string) *Client {
	return &Client{http: http, url: url}
}

// AddEgress performs one AddEgress call: builds the wire request from
// req and crypto's current public material, posts it, and parses the
// response into Params (or, for the IKE variant, IkeParams).
func (c *Client) AddEgress(ctx context.Context, req Request, sc *crypto.SessionCrypto) (*Params, *IkeParams, *status.Status) {
	body := wireBody{
		UnblindedToken:          base64.StdEncoding.EncodeToString(req.UnblindedToken),
		UnblindedTokenSignature: base64.StdEncoding.EncodeToString(req.UnblindedTokenSignature),
		Ppn: wirePpn{
			ClientPublicValue:    base64.StdEncoding.EncodeToString(sc.PublicValue()),
			ClientNonce:          base64.StdEncoding.EncodeToString(sc.ClientNonce()),
			DownlinkSpi:          sc.DownlinkSPI(),
			RekeyVerificationKey: base64.StdEncoding.EncodeToString(sc.RekeyVerificationKey()),
			ControlPlaneSockAddr: req.ControlPlaneSockAddr,
			DataplaneProtocol:    protocolName(req.Protocol),
			Suite:                suiteName(req.Suite),
			ApnType:              req.ApnType,
			RegionCode:           req.RegionCode,
			DynamicMtuEnabled:    req.DynamicMtuEnabled,
		},
	}
	if req.Rekey.IsRekey {
		sig := sc.SignRekey(sc.PublicValue())
		body.Ppn.Signature = base64.StdEncoding.EncodeToString(sig)
		body.Ppn.PreviousUplinkSpi = req.Rekey.PreviousUplinkSPI
	}

	resp, err := c.http.PostJSON(ctx, httpclient.Request{
		URL:  c.url,
		Body: body,
	})
	if err != nil {
		return nil, nil, status.Wrap(status.Transient, err)
	}
	if resp.Code != 200 {
		return nil, nil, status.FromHTTPStatus(resp.Code, fmt.Errorf("egress: AddEgress failed: %s", resp.Message))
	}

	params, ike, err := ParseResponse(resp.JSONBody)
	if err != nil {
		return nil, nil, status.Wrap(status.InvalidArgument, err)
	}
	return params, ike, nil
}

// wireResponse mirrors the PpnDataplaneResponse JSON layout from
// json_keys.h, flattened at the top level to match spec.md §8
// scenario 1's literal AddEgress JSON example (no "ppn_dataplane"
// wrapper); ParseResponse also accepts the nested
// original_source/krypton wrapper, so both shapes decode.
type wireResponse struct {
	PpnDataplane *wirePpnDataplane `json:"ppn_dataplane,omitempty"`
	IkeDataplane *wireIke          `json:"ike_dataplane,omitempty"`
	wirePpnDataplane
}

type wirePpnDataplane struct {
	UserPrivateIP         []wireIPRange `json:"user_private_ip,omitempty"`
	EgressPointSockAddr   []string      `json:"egress_point_sock_addr,omitempty"`
	EgressPointPublicValue string       `json:"egress_point_public_value,omitempty"`
	ServerNonce           string        `json:"server_nonce,omitempty"`
	UplinkSpi             uint32        `json:"uplink_spi,omitempty"`
	Expiry                string        `json:"expiry,omitempty"`
	CopperControllerHostname string     `json:"copper_controller_hostname,omitempty"`
}

type wireIPRange struct {
	IPv4Range string `json:"ipv4_range,omitempty"`
	IPv6Range string `json:"ipv6_range,omitempty"`
}

type wireIke struct {
	ClientID       string `json:"client_id,omitempty"`
	SharedSecret   string `json:"shared_secret,omitempty"`
	ServerAddress  string `json:"server_address,omitempty"`
}

// IkeParams surfaces the IKE-variant egress response untouched, per
// spec.md §9 Open Question 2: "this core surfaces the IKE parameters
// to the datapath collaborator and performs no further session-level
// mutation until the collaborator reports established."
type IkeParams struct {
	ClientID       []byte
	AuthMaterial   []byte
	ServerHostname string
}

// ParseResponse decodes an AddEgress JSON response body into either
// Params (the PPN dataplane variant) or IkeParams (the IKE variant),
// per json_keys.h's kPpnDataplane/kIkeDataplane discriminator.
func ParseResponse(body []byte) (*Params, *IkeParams, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, nil, fmt.Errorf("egress: decoding AddEgress response: %w", err)
	}
	if w.IkeDataplane != nil {
		return nil, decodeIke(*w.IkeDataplane), nil
	}
	dp := w.wirePpnDataplane
	if w.PpnDataplane != nil {
		dp = *w.PpnDataplane
	}
	p, err := decodeParams(dp)
	if err != nil {
		return nil, nil, err
	}
	return p, nil, nil
}

func decodeIke(w wireIke) *IkeParams {
	clientID, _ := base64.StdEncoding.DecodeString(w.ClientID)
	secret, _ := base64.StdEncoding.DecodeString(w.SharedSecret)
	return &IkeParams{ClientID: clientID, AuthMaterial: secret, ServerHostname: w.ServerAddress}
}

func decodeParams(dp wirePpnDataplane) (*Params, error) {
	v4, v6 := SelectEndpoints(dp.EgressPointSockAddr)

	pub, err := base64.StdEncoding.DecodeString(dp.EgressPointPublicValue)
	if err != nil {
		return nil, fmt.Errorf("egress: decoding egress_point_public_value: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(dp.ServerNonce)
	if err != nil {
		return nil, fmt.Errorf("egress: decoding server_nonce: %w", err)
	}
	var expiry time.Time
	if dp.Expiry != "" {
		expiry, err = tstime.Parse3339(dp.Expiry)
		if err != nil {
			return nil, fmt.Errorf("egress: parsing expiry %q: %w", dp.Expiry, err)
		}
	}
	var v4cidr, v6cidr string
	for _, r := range dp.UserPrivateIP {
		if r.IPv4Range != "" {
			v4cidr = r.IPv4Range
		}
		if r.IPv6Range != "" {
			v6cidr = r.IPv6Range
		}
	}

	return &Params{
		UplinkSPI:        dp.UplinkSpi,
		V4Endpoint:       v4,
		V6Endpoint:       v6,
		PublicValue:      pub,
		ServerNonce:      nonce,
		Expiry:           expiry,
		CopperHostname:   dp.CopperControllerHostname,
		UserPrivateIPv4:  v4cidr,
		UserPrivateIPv6:  v6cidr,
	}, nil
}

// Endpoints returns the two endpoints in reattempt order: the one
// whose family differs from startFamily comes first, matching
// spec.md §4.F's "alternate starting from the opposite family of the
// current attempt".
func (p *Params) Endpoints(startFamily Family) []*Endpoint {
	var first, second *Endpoint
	switch startFamily {
	case FamilyV4:
		first, second = p.V6Endpoint, p.V4Endpoint
	default:
		first, second = p.V4Endpoint, p.V6Endpoint
	}
	var out []*Endpoint
	if first != nil {
		out = append(out, first)
	}
	if second != nil {
		out = append(out, second)
	}
	return out
}
