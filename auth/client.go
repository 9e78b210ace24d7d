// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package auth implements the two-or-three step blind-signing auth
// flow of spec.md §4.B: an optional initial-data fetch, N blinded
// tokens generated against the advertised signing key, a POST to the
// auth service, and unblinding of the returned signatures into usable
// Tokens.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"sync/atomic"

	"github.com/google/ppn/internal/httpclient"
	"github.com/google/ppn/status"
)

// Token is a single usable auth token: the random value presented to
// the signer and its unblinded signature, ready to be spent in one
// AddEgress call. Per spec.md §3, a Token is single-use.
type Token struct {
	Value     []byte
	Signature []byte
	used      atomic.Bool
}

// MarkUsed marks the token spent and reports whether this call was
// the one that transitioned it (false if some earlier call already
// spent it).
func (t *Token) MarkUsed() bool {
	return t.used.CompareAndSwap(false, true)
}

// OAuthSource is the OAuth/attestation collaborator from spec.md §6.
type OAuthSource interface {
	GetOAuthToken(ctx context.Context) (string, error)
	GetAttestationData(ctx context.Context, nonce string) ([]byte, error)
	ClearOAuthToken(ctx context.Context, token string)
}

// Options configures one Authenticate call.
type Options struct {
	ServiceType              string
	Metadata                  PublicMetadata
	PublicMetadataEnabled     bool
	EnableBlindSigning        bool
	AttestationEnabled        bool
	AttachOAuthTokenAsHeader  bool
	NumTokens                 int
}

// Client drives the auth flow against the zinc (auth) service and an
// optional initial-data endpoint.
type Client struct {
	http           httpclient.Client
	zincURL        string
	initialDataURL string
	oauth          OAuthSource

	unblindFailures atomic.Uint32
}

// New returns a Client. initialDataURL may be empty, matching spec.md
// §4.B step 1 ("optionally fetch initial data").
func New(http httpclient.Client, zincURL, initialDataURL string, oauth OAuthSource) *Client {
	return &Client{http: http, zincURL: zincURL, initialDataURL: initialDataURL, oauth: oauth}
}

// Result is what a successful Authenticate call hands back to the
// Provision orchestrator.
type Result struct {
	Tokens                []*Token
	CopperControllerHost  string
}

type initialDataResponse struct {
	PublicMetadataInfo struct {
		PublicKeyPEM string `json:"public_key_pem"`
	} `json:"public_metadata_info"`
	AttestationNonce string `json:"attestation_nonce,omitempty"`
}

type authRequestBody struct {
	BlindedTokens       []string `json:"blinded_tokens"`
	ServiceType         string   `json:"service_type"`
	PublicMetadata      *wireMetadata `json:"public_metadata,omitempty"`
	OAuthToken          string   `json:"oauth_token,omitempty"`
	AttestationSignedData string `json:"attestation_signed_data,omitempty"`
}

type wireMetadata struct {
	Country     string `json:"country,omitempty"`
	CityGeoID   string `json:"city_geo_id,omitempty"`
	ServiceType string `json:"service_type,omitempty"`
	Expiration  *wireTimestamp `json:"expiration,omitempty"`
}

type wireTimestamp struct {
	Seconds int64 `json:"seconds,omitempty"`
	Nanos   int32 `json:"nanos,omitempty"`
}

type authResponseBody struct {
	BlindedTokenSignatures []string `json:"blinded_token_signatures"`
	CopperControllerHostname string `json:"copper_controller_hostname,omitempty"`
}

// Authenticate runs the full flow: optional initial-data fetch, token
// generation + blinding, the AuthAndSign POST, and unblinding. The
// returned error, if any, is already classified per spec.md §4.B/§7.
func (c *Client) Authenticate(ctx context.Context, opts Options) (*Result, *status.Status) {
	blinder, signingPub, err := c.resolveSigner(ctx, opts)
	if err != nil {
		return nil, err
	}

	numTokens := opts.NumTokens
	if numTokens <= 0 {
		numTokens = 1
	}
	type pending struct {
		value   []byte
		unblind func([]byte) ([]byte, error)
	}
	pendings := make([]pending, numTokens)
	blinded := make([]string, numTokens)
	for i := range pendings {
		val := make([]byte, 32)
		if _, err := rand.Read(val); err != nil {
			return nil, status.Wrap(status.CryptoErr, err)
		}
		b, unblind, err := blinder.Blind(val)
		if err != nil {
			return nil, status.Wrap(status.CryptoErr, err)
		}
		pendings[i] = pending{value: val, unblind: unblind}
		blinded[i] = base64.StdEncoding.EncodeToString(b)
	}

	oauthToken, tokenErr := c.oauth.GetOAuthToken(ctx)
	if tokenErr != nil {
		return nil, status.Wrap(status.Transient, tokenErr)
	}

	body := authRequestBody{
		BlindedTokens: blinded,
		ServiceType:   opts.ServiceType,
	}
	if opts.PublicMetadataEnabled {
		body.PublicMetadata = toWireMetadata(opts.Metadata)
	}
	headers := map[string]string{}
	if opts.AttachOAuthTokenAsHeader {
		headers["Authorization"] = "Bearer " + oauthToken
	} else {
		body.OAuthToken = oauthToken
	}
	if opts.AttestationEnabled {
		nonce := fmt.Sprintf("%d", opts.Metadata.Fingerprint())
		att, err := c.oauth.GetAttestationData(ctx, nonce)
		if err == nil {
			body.AttestationSignedData = base64.StdEncoding.EncodeToString(att)
		}
	}

	resp, postErr := c.http.PostJSON(ctx, httpclient.Request{URL: c.zincURL, Headers: headers, Body: body})
	if postErr != nil {
		return nil, status.Wrap(status.Transient, postErr)
	}
	if resp.Code == 401 {
		c.oauth.ClearOAuthToken(ctx, oauthToken)
		return nil, status.New(status.Unauthenticated, "auth: AuthAndSign returned 401")
	}
	if resp.Code != 200 {
		return nil, status.FromHTTPStatus(resp.Code, fmt.Errorf("auth: AuthAndSign failed: %s", resp.Message))
	}

	var ar authResponseBody
	if err := json.Unmarshal(resp.JSONBody, &ar); err != nil {
		return nil, status.Wrap(status.InvalidArgument, fmt.Errorf("auth: decoding AuthAndSign response: %w", err))
	}
	if len(ar.BlindedTokenSignatures) != numTokens {
		return nil, status.New(status.InvalidArgument, "auth: expected %d signatures, got %d", numTokens, len(ar.BlindedTokenSignatures))
	}

	tokens := make([]*Token, 0, numTokens)
	for i, sigB64 := range ar.BlindedTokenSignatures {
		sig, decErr := base64.StdEncoding.DecodeString(sigB64)
		if decErr != nil {
			c.unblindFailures.Add(1)
			continue
		}
		unblinded, unErr := pendings[i].unblind(sig)
		if unErr != nil {
			c.unblindFailures.Add(1)
			continue
		}
		if signingPub != nil {
			if verr := RSAFDHVerify(signingPub, pendings[i].value, unblinded); verr != nil {
				c.unblindFailures.Add(1)
				continue
			}
		}
		tokens = append(tokens, &Token{Value: pendings[i].value, Signature: unblinded})
	}
	if len(tokens) == 0 {
		return nil, status.New(status.InvalidArgument, "auth: no token unblinded successfully")
	}

	return &Result{Tokens: tokens, CopperControllerHost: ar.CopperControllerHostname}, nil
}

// UnblindFailureCount reports the running count of tokens that failed
// to unblind or verify, per original_source/krypton/auth.h's
// token_unblind_failure_count_ (supplemental feature, SPEC_FULL.md §4).
func (c *Client) UnblindFailureCount() uint32 { return c.unblindFailures.Load() }

func (c *Client) resolveSigner(ctx context.Context, opts Options) (BlindSigner, *rsa.PublicKey, *status.Status) {
	if !opts.EnableBlindSigning {
		return PassthroughSigner{}, nil, nil
	}
	if c.initialDataURL == "" {
		return nil, nil, status.New(status.InvalidArgument, "auth: blind signing enabled but no initial_data_url configured")
	}
	resp, err := c.http.PostJSON(ctx, httpclient.Request{URL: c.initialDataURL, Body: map[string]any{}})
	if err != nil {
		return nil, nil, status.Wrap(status.Transient, err)
	}
	if resp.Code == 401 {
		return nil, nil, status.New(status.Unauthenticated, "auth: GetInitialData returned 401")
	}
	if resp.Code != 200 {
		return nil, nil, status.FromHTTPStatus(resp.Code, fmt.Errorf("auth: GetInitialData failed: %s", resp.Message))
	}
	var idr initialDataResponse
	if err := json.Unmarshal(resp.JSONBody, &idr); err != nil {
		return nil, nil, status.Wrap(status.InvalidArgument, fmt.Errorf("auth: decoding GetInitialData response: %w", err))
	}
	pub, err := parseRSAPublicKeyPEM(idr.PublicMetadataInfo.PublicKeyPEM)
	if err != nil {
		return nil, nil, status.Wrap(status.InvalidArgument, err)
	}
	return RSAFDHBlinder{SignerPublicKey: pub}, pub, nil
}

func parseRSAPublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in signing public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing signing public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: signing public key is not RSA")
	}
	return rsaKey, nil
}

func toWireMetadata(m PublicMetadata) *wireMetadata {
	w := &wireMetadata{Country: m.Country, CityGeoID: m.CityGeoID, ServiceType: m.ServiceType}
	if m.ExpirationSeconds != 0 || m.ExpirationNanos != 0 {
		w.Expiration = &wireTimestamp{Seconds: m.ExpirationSeconds, Nanos: m.ExpirationNanos}
	}
	return w
}
