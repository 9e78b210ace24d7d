// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package provision implements the Provision orchestrator of spec.md
// §4.D: it sequences an Auth call and an AddEgress call into one
// Provisioned result or one ProvisioningFailure, and rejects a second
// concurrent Start while one is already running.
package provision

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/google/ppn/auth"
	"github.com/google/ppn/crypto"
	"github.com/google/ppn/egress"
	"github.com/google/ppn/ppncfg"
	"github.com/google/ppn/status"
	"github.com/google/ppn/telemetry"
)

// Options carries the per-Start parameters that vary with the
// session's current state rather than its static configuration.
type Options struct {
	IsRekey           bool
	PreviousUplinkSPI uint32
	RegionCode        string
	ApnType           string
}

// Result is what a successful Start hands back to the Session: the
// datapath-facing egress parameters (or, on the IKE protocol, the IKE
// parameters instead), plus the resolved control-plane hostname.
type Result struct {
	EgressParams     *egress.Params
	IkeParams        *egress.IkeParams
	ControllerHost   string
	IsRekey          bool
}

// Orchestrator drives one Auth+AddEgress round trip at a time.
type Orchestrator struct {
	authClient   *auth.Client
	egressClient *egress.Client
	cfg          *ppncfg.Config
	telemetry    *telemetry.Counters

	sf       singleflight.Group
	inFlight atomic.Bool
}

// New returns an Orchestrator. telemetry may be nil, in which case
// per-stage latency recording is skipped.
func New(authClient *auth.Client, egressClient *egress.Client, cfg *ppncfg.Config, tel *telemetry.Counters) *Orchestrator {
	return &Orchestrator{authClient: authClient, egressClient: egressClient, cfg: cfg, telemetry: tel}
}

// Start runs the Auth→AddEgress sequence against sc, the Session's
// current crypto material. It returns status.Internal immediately,
// without starting any work, if a Start is already in flight, per
// spec.md §4.D.
func (o *Orchestrator) Start(ctx context.Context, sc *crypto.SessionCrypto, opts Options) (*Result, *status.Status) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil, status.New(status.Internal, "provision: start already in progress")
	}
	defer o.inFlight.Store(false)

	v, err, _ := o.sf.Do("provision", func() (any, error) {
		return o.run(ctx, sc, opts)
	})
	if err != nil {
		if st, ok := err.(*status.Status); ok {
			return nil, st
		}
		return nil, status.Wrap(status.Internal, err)
	}
	return v.(*Result), nil
}

func (o *Orchestrator) run(ctx context.Context, sc *crypto.SessionCrypto, opts Options) (*Result, error) {
	authStart := time.Now()
	authResult, authErr := o.authClient.Authenticate(ctx, auth.Options{
		ServiceType:              string(o.cfg.ServiceType),
		PublicMetadataEnabled:    o.cfg.PublicMetadataEnabled,
		EnableBlindSigning:       o.cfg.EnableBlindSigning,
		AttestationEnabled:       o.cfg.IntegrityAttestationEnabled,
		AttachOAuthTokenAsHeader: o.cfg.AttachOauthTokenAsHeader,
		NumTokens:                1,
	})
	o.recordLatency(telemetry.StageAuth, authStart)
	if authErr != nil {
		return nil, authErr
	}
	if len(authResult.Tokens) == 0 {
		return nil, status.New(status.InvalidArgument, "provision: auth returned no usable tokens")
	}
	token := authResult.Tokens[0]
	token.MarkUsed()

	egressStart := time.Now()
	params, ike, egressErr := o.egressClient.AddEgress(ctx, egress.Request{
		UnblindedToken:          token.Value,
		UnblindedTokenSignature: token.Signature,
		Protocol:                protocolFromConfig(o.cfg.DatapathProtocol),
		Suite:                   suiteFromConfig(o.cfg.CipherSuiteKeyBits),
		RegionCode:              opts.RegionCode,
		ApnType:                 opts.ApnType,
		DynamicMtuEnabled:       o.cfg.DynamicMtuEnabled,
		Rekey: egress.RekeyRequestParams{
			IsRekey:           opts.IsRekey,
			PreviousUplinkSPI: opts.PreviousUplinkSPI,
		},
	}, sc)
	o.recordLatency(telemetry.StageEgress, egressStart)
	if egressErr != nil {
		return nil, egressErr
	}

	advertised := authResult.CopperControllerHost
	if params != nil && params.CopperHostname != "" {
		advertised = params.CopperHostname
	}
	host, hostErr := auth.ResolveControllerHostname(o.cfg, advertised)
	if hostErr != nil {
		return nil, status.Wrap(status.InvalidArgument, hostErr)
	}

	return &Result{
		EgressParams:   params,
		IkeParams:      ike,
		ControllerHost: host,
		IsRekey:        opts.IsRekey,
	}, nil
}

func (o *Orchestrator) recordLatency(stage string, start time.Time) {
	if o.telemetry == nil {
		return
	}
	o.telemetry.RecordLatency(stage, time.Since(start))
}

func protocolFromConfig(p ppncfg.DatapathProtocol) crypto.DatapathProtocol {
	switch p {
	case ppncfg.ProtocolBridge:
		return crypto.Bridge
	case ppncfg.ProtocolIKE:
		return crypto.IKE
	default:
		return crypto.IPsec
	}
}

func suiteFromConfig(bits int) crypto.Suite {
	if bits == 128 {
		return crypto.AES128GCM
	}
	return crypto.AES256GCM
}
