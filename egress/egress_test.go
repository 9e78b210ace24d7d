// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package egress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/ppn/crypto"
	"github.com/google/ppn/internal/httpclient"
)

// TestParseResponseFlatPpnDataplane covers spec.md §8 scenario 1's
// literal AddEgress JSON shape: the ppn dataplane fields live at the
// top level, with no "ppn_dataplane" wrapper.
func TestParseResponseFlatPpnDataplane(t *testing.T) {
	body := []byte(`{
		"uplink_spi": 7,
		"egress_point_sock_addr": ["64.9.240.165:2153", "[2604:ca00:f001:4::5]:2153"],
		"egress_point_public_value": "` + base64.StdEncoding.EncodeToString(make([]byte, 32)) + `",
		"server_nonce": "` + base64.StdEncoding.EncodeToString(make([]byte, 16)) + `",
		"expiry": "2025-01-01T00:00:00Z",
		"copper_controller_hostname": "egress1.g-tun.com",
		"user_private_ip": [{"ipv4_range": "10.0.0.1/32"}]
	}`)

	params, ike, err := ParseResponse(body)
	require.NoError(t, err)
	require.Nil(t, ike)
	require.NotNil(t, params)
	assert.EqualValues(t, 7, params.UplinkSPI)
	require.NotNil(t, params.V4Endpoint)
	require.NotNil(t, params.V6Endpoint)
	assert.Equal(t, "64.9.240.165:2153", params.V4Endpoint.Raw)
	assert.Equal(t, "egress1.g-tun.com", params.CopperHostname)
	assert.Equal(t, "10.0.0.1/32", params.UserPrivateIPv4)
	assert.Equal(t, 2025, params.Expiry.Year())
}

// TestParseResponseNestedPpnDataplane covers the wrapped
// "ppn_dataplane" shape carried over from
// original_source/krypton's json_keys.h layout.
func TestParseResponseNestedPpnDataplane(t *testing.T) {
	body := []byte(`{
		"ppn_dataplane": {
			"uplink_spi": 42,
			"egress_point_sock_addr": ["64.9.240.165:2153"],
			"egress_point_public_value": "` + base64.StdEncoding.EncodeToString(make([]byte, 32)) + `",
			"server_nonce": "` + base64.StdEncoding.EncodeToString(make([]byte, 16)) + `"
		}
	}`)

	params, ike, err := ParseResponse(body)
	require.NoError(t, err)
	require.Nil(t, ike)
	require.NotNil(t, params)
	assert.EqualValues(t, 42, params.UplinkSPI)
}

// TestParseResponseIkeVariant covers spec.md §9 Open Question 2's
// IKE-variant response: no egress params at all, just IKE material.
func TestParseResponseIkeVariant(t *testing.T) {
	body := []byte(`{
		"ike_dataplane": {
			"client_id": "` + base64.StdEncoding.EncodeToString([]byte("client-id")) + `",
			"shared_secret": "` + base64.StdEncoding.EncodeToString([]byte("secret")) + `",
			"server_address": "ike.example.com"
		}
	}`)

	params, ike, err := ParseResponse(body)
	require.NoError(t, err)
	require.Nil(t, params)
	require.NotNil(t, ike)
	assert.Equal(t, []byte("client-id"), ike.ClientID)
	assert.Equal(t, []byte("secret"), ike.AuthMaterial)
	assert.Equal(t, "ike.example.com", ike.ServerHostname)
}

func TestParseResponseMalformedPublicValue(t *testing.T) {
	body := []byte(`{"egress_point_public_value": "not-base64!!", "server_nonce": ""}`)
	_, _, err := ParseResponse(body)
	require.Error(t, err)
}

func TestAddEgressNonRekeyOmitsSignature(t *testing.T) {
	var captured wireBody
	http := capturingHTTP{onPost: func(req httpclient.Request) {
		captured = req.Body.(wireBody)
	}}
	c := New(http, "https://brass.example/add")
	sc := crypto.New(func() uint32 { return 1 })

	_, _, st := c.AddEgress(context.Background(), Request{Protocol: crypto.Bridge, Suite: crypto.AES128GCM}, sc)
	require.Nil(t, st)
	assert.Empty(t, captured.Ppn.Signature)
}

func TestAddEgressRekeySignsNewPublicValue(t *testing.T) {
	var captured wireBody
	http := capturingHTTP{onPost: func(req httpclient.Request) {
		captured = req.Body.(wireBody)
	}}
	c := New(http, "https://brass.example/add")
	sc := crypto.New(func() uint32 { return 1 })

	_, _, st := c.AddEgress(context.Background(), Request{
		Protocol: crypto.Bridge,
		Suite:    crypto.AES128GCM,
		Rekey:    RekeyRequestParams{IsRekey: true, PreviousUplinkSPI: 5},
	}, sc)
	require.Nil(t, st)
	assert.NotEmpty(t, captured.Ppn.Signature)
	assert.EqualValues(t, 5, captured.Ppn.PreviousUplinkSpi)
}

// capturingHTTP records the request body it was given and always
// replies with a minimal successful response.
type capturingHTTP struct {
	onPost func(httpclient.Request)
}

func (c capturingHTTP) PostJSON(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	c.onPost(req)
	resp := struct {
		UplinkSpi              uint32   `json:"uplink_spi"`
		EgressPointSockAddr    []string `json:"egress_point_sock_addr"`
		EgressPointPublicValue string   `json:"egress_point_public_value"`
		ServerNonce            string   `json:"server_nonce"`
	}{
		UplinkSpi:              1,
		EgressPointSockAddr:    []string{"64.9.240.165:2153"},
		EgressPointPublicValue: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		ServerNonce:            base64.StdEncoding.EncodeToString(make([]byte, 16)),
	}
	b, _ := json.Marshal(resp)
	return &httpclient.Response{Code: 200, JSONBody: b}, nil
}
func (c capturingHTTP) LookupDNS(ctx context.Context, host string) (string, error) { return host, nil }

func TestEndpointsOrdersOppositeFamilyFirst(t *testing.T) {
	v4, v6 := SelectEndpoints([]string{"64.9.240.165:2153", "[2604:ca00:f001:4::5]:2153"})
	p := &Params{V4Endpoint: v4, V6Endpoint: v6}

	eps := p.Endpoints(FamilyV4)
	require.Len(t, eps, 2)
	assert.Equal(t, FamilyV6, eps[0].Family, "starting from v4, the opposite family (v6) comes first")
	assert.Equal(t, FamilyV4, eps[1].Family)

	eps = p.Endpoints(FamilyV6)
	require.Len(t, eps, 2)
	assert.Equal(t, FamilyV4, eps[0].Family)
	assert.Equal(t, FamilyV6, eps[1].Family)
}

func TestEndpointsSkipsMissingFamily(t *testing.T) {
	v4, _ := SelectEndpoints([]string{"64.9.240.165:2153"})
	p := &Params{V4Endpoint: v4}

	eps := p.Endpoints(FamilyV6)
	require.Len(t, eps, 1)
	assert.Equal(t, FamilyV4, eps[0].Family)
}
