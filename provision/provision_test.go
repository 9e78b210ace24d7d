// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package provision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/ppn/auth"
	"github.com/google/ppn/crypto"
	"github.com/google/ppn/egress"
	"github.com/google/ppn/internal/httpclient"
	"github.com/google/ppn/ppncfg"
)

// fakeOAuthSource always hands back a fixed token.
type fakeOAuthSource struct{}

func (fakeOAuthSource) GetOAuthToken(ctx context.Context) (string, error) { return "tok", nil }
func (fakeOAuthSource) GetAttestationData(ctx context.Context, nonce string) ([]byte, error) {
	return nil, nil
}
func (fakeOAuthSource) ClearOAuthToken(ctx context.Context, token string) {}

// fakeHTTP routes PostJSON by URL, simulating the zinc and brass
// backends. It can optionally block the egress route to let tests
// drive the singleflight/concurrent-Start behavior.
type fakeHTTP struct {
	zincURL, brassURL string

	mu         sync.Mutex
	egressCalls int
	blockEgress chan struct{}
}

func (f *fakeHTTP) PostJSON(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	switch req.URL {
	case f.zincURL:
		body := struct {
			BlindedTokenSignatures []string `json:"blinded_token_signatures"`
		}{BlindedTokenSignatures: []string{base64.StdEncoding.EncodeToString([]byte("signature"))}}
		b, _ := json.Marshal(body)
		return &httpclient.Response{Code: 200, JSONBody: b}, nil
	case f.brassURL:
		f.mu.Lock()
		f.egressCalls++
		f.mu.Unlock()
		if f.blockEgress != nil {
			<-f.blockEgress
		}
		resp := struct {
			UplinkSpi              uint32   `json:"uplink_spi"`
			EgressPointSockAddr    []string `json:"egress_point_sock_addr"`
			EgressPointPublicValue string   `json:"egress_point_public_value"`
			ServerNonce            string   `json:"server_nonce"`
		}{
			UplinkSpi:              7,
			EgressPointSockAddr:    []string{"64.9.240.165:2153"},
			EgressPointPublicValue: base64.StdEncoding.EncodeToString(make([]byte, 32)),
			ServerNonce:            base64.StdEncoding.EncodeToString(make([]byte, 16)),
		}
		b, _ := json.Marshal(resp)
		return &httpclient.Response{Code: 200, JSONBody: b}, nil
	default:
		return &httpclient.Response{Code: 404, Message: "unknown route"}, nil
	}
}

func (f *fakeHTTP) LookupDNS(ctx context.Context, host string) (string, error) { return host, nil }

func testOrchestrator(t *testing.T, http *fakeHTTP) *Orchestrator {
	cfg, err := ppncfg.Load([]byte(`{
		"zinc_url": "https://zinc.example/sign",
		"brass_url": "https://brass.example/add",
		"service_type": "service_type",
		"datapath_protocol": "BRIDGE",
		"cipher_suite_key_length": 128
	}`))
	require.NoError(t, err)
	http.zincURL, http.brassURL = cfg.ZincURL, cfg.BrassURL

	authClient := auth.New(http, cfg.ZincURL, cfg.InitialDataURL, fakeOAuthSource{})
	egressClient := egress.New(http, cfg.BrassURL)
	return New(authClient, egressClient, cfg, nil)
}

func TestStartSucceeds(t *testing.T) {
	http := &fakeHTTP{}
	o := testOrchestrator(t, http)
	sc := crypto.New(func() uint32 { return 1 })

	result, st := o.Start(context.Background(), sc, Options{})
	require.Nil(t, st)
	require.NotNil(t, result.EgressParams)
	assert.EqualValues(t, 7, result.EgressParams.UplinkSPI)
	assert.Equal(t, 1, http.egressCalls)
}

func TestConcurrentStartRejected(t *testing.T) {
	http := &fakeHTTP{blockEgress: make(chan struct{})}
	o := testOrchestrator(t, http)
	sc := crypto.New(func() uint32 { return 1 })

	var firstCallErred int32
	done := make(chan struct{})
	go func() {
		_, st := o.Start(context.Background(), sc, Options{})
		if st != nil {
			atomic.StoreInt32(&firstCallErred, 1)
		}
		close(done)
	}()

	// Give the first Start time to claim inFlight before issuing the
	// second concurrently.
	time.Sleep(20 * time.Millisecond)
	_, st := o.Start(context.Background(), sc, Options{})
	require.NotNil(t, st)

	close(http.blockEgress)
	<-done
	assert.EqualValues(t, 0, atomic.LoadInt32(&firstCallErred))
}
