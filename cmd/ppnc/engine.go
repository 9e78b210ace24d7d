// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/google/ppn/auth"
	"github.com/google/ppn/egress"
	"github.com/google/ppn/internal/httpclient"
	"github.com/google/ppn/log/zapadapter"
	"github.com/google/ppn/ppncfg"
	"github.com/google/ppn/provision"
	"github.com/google/ppn/reconnect"
	"github.com/google/ppn/session"
	"github.com/google/ppn/status"
	"github.com/google/ppn/telemetry"
	"github.com/google/ppn/timer"
	"github.com/google/ppn/types/logger"

	cryptopkg "github.com/google/ppn/crypto"
)

// oauthSource is the standalone CLI's OAuth collaborator, backed by an
// oauth2.TokenSource. A real embedder supplies its own
// attestation-capable implementation; this one exists so the CLI is
// runnable standalone, per spec.md §6's OAuth collaborator being an
// external interface the core never implements. When client
// credentials are configured it refreshes itself automatically
// (oauth2.TokenSource's own caching), otherwise it serves a single
// static token from the environment.
type oauthSource struct {
	ts oauth2.TokenSource
}

// newOAuthSource prefers a client-credentials flow when
// PPN_OAUTH_CLIENT_ID/SECRET/TOKEN_URL are all set, falling back to a
// static bearer token from PPN_OAUTH_TOKEN.
func newOAuthSource() auth.OAuthSource {
	id := os.Getenv("PPN_OAUTH_CLIENT_ID")
	secret := os.Getenv("PPN_OAUTH_CLIENT_SECRET")
	tokenURL := os.Getenv("PPN_OAUTH_TOKEN_URL")
	if id != "" && secret != "" && tokenURL != "" {
		cc := clientcredentials.Config{ClientID: id, ClientSecret: secret, TokenURL: tokenURL}
		return oauthSource{ts: cc.TokenSource(context.Background())}
	}
	return oauthSource{ts: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: os.Getenv("PPN_OAUTH_TOKEN")})}
}

func (o oauthSource) GetOAuthToken(ctx context.Context) (string, error) {
	tok, err := o.ts.Token()
	if err != nil {
		return "", fmt.Errorf("cmd/ppnc: fetching OAuth token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("cmd/ppnc: no OAuth token available; set PPN_OAUTH_TOKEN or PPN_OAUTH_CLIENT_ID/SECRET/TOKEN_URL")
	}
	return tok.AccessToken, nil
}

func (o oauthSource) GetAttestationData(ctx context.Context, nonce string) ([]byte, error) {
	return nil, fmt.Errorf("cmd/ppnc: attestation not supported")
}

func (o oauthSource) ClearOAuthToken(ctx context.Context, token string) {}

// noopDatapath is a standalone-mode stand-in for the real, platform
// specific packet datapath, which lives outside this core per spec.md
// §1's scope boundary.
type noopDatapath struct{}

func (noopDatapath) Start(params *egress.Params, transform cryptopkg.TransformParams) *status.Status {
	return nil
}
func (noopDatapath) StartIke(params *egress.IkeParams) *status.Status { return nil }
func (noopDatapath) Stop()                                            {}
func (noopDatapath) SwitchNetwork(networkID uint64, endpoint *egress.Endpoint, network session.NetworkInfo, counter uint64) *status.Status {
	return nil
}
func (noopDatapath) PrepareForTunnelSwitch() *status.Status                         { return nil }
func (noopDatapath) SwitchTunnel() *status.Status                                   { return nil }
func (noopDatapath) SetKeyMaterials(transform cryptopkg.TransformParams) *status.Status { return nil }
func (noopDatapath) DebugInfo() string                                              { return "" }

type noopVpnService struct{}

func (noopVpnService) CreateTunnel(session.TunFdData) *status.Status { return nil }
func (noopVpnService) CloseTunnel()                                   {}
func (noopVpnService) TunnelFD() int                                  { return -1 }
func (noopVpnService) CreateProtectedSocket(session.NetworkInfo, *egress.Endpoint) (int, *status.Status) {
	return -1, nil
}
func (noopVpnService) ConfigureIPsec(cryptopkg.IPsecKeys) *status.Status { return nil }

// stdoutObserver prints every session notification to the logger, the
// CLI's entire "UI" for the connect subcommand.
type stdoutObserver struct{ logf logger.Logf }

func (o stdoutObserver) ControlPlaneConnected() { o.logf("control plane connected") }
func (o stdoutObserver) DatapathConnecting()    { o.logf("datapath connecting") }
func (o stdoutObserver) DatapathConnected()     { o.logf("datapath connected") }
func (o stdoutObserver) ControlPlaneDisconnected(st *status.Status) {
	o.logf("control plane disconnected: %v", st)
}
func (o stdoutObserver) DatapathDisconnected(network *session.NetworkInfo, st *status.Status, isBlockingTraffic bool) {
	o.logf("datapath disconnected (blocking=%v): %v", isBlockingTraffic, st)
}
func (o stdoutObserver) PermanentFailure(st *status.Status) { o.logf("permanent failure: %v", st) }

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// newLogf builds the zap-backed logger.Logf the rest of the engine
// consumes, per SPEC_FULL.md's Ambient Stack section.
func newLogf() logger.Logf {
	l, err := zap.NewProduction()
	if err != nil {
		return logger.Discard
	}
	return zapadapter.New(l)
}

// buildReconnector wires one Reconnector from a loaded Config, ready
// to Start(). Each reconnect attempt gets its own SessionCrypto,
// Session, and Provision orchestrator, per spec.md's ephemeral,
// no-persisted-state design.
func buildReconnector(cfg *ppncfg.Config, logf logger.Logf, observer session.Observer) *reconnect.Reconnector {
	httpClient := httpclient.New(10 * time.Second)
	tel := telemetry.NewCounters(nil)
	oauth := newOAuthSource()

	factory := func(obs session.Observer) *session.Session {
		authClient := auth.New(httpClient, cfg.ZincURL, cfg.InitialDataURL, oauth)
		egressClient := egress.New(httpClient, cfg.BrassURL)
		orch := provision.New(authClient, egressClient, cfg, tel)
		sc := cryptopkg.New(randomUint32)
		return session.New(session.Config{
			Cfg:          cfg,
			Crypto:       sc,
			Orchestrator: orch,
			Datapath:     noopDatapath{},
			VpnService:   noopVpnService{},
			HTTP:         httpClient,
			Timers:       timer.New(),
			Telemetry:    tel,
			Observer:     obs,
			Logf:         logf,
		})
	}

	return reconnect.New(cfg, factory, observer, logf)
}
