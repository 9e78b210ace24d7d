// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/ppn/internal/httpclient"
)

type fakeOAuthSource struct {
	token   string
	cleared []string
}

func (f *fakeOAuthSource) GetOAuthToken(ctx context.Context) (string, error) { return f.token, nil }
func (f *fakeOAuthSource) GetAttestationData(ctx context.Context, nonce string) ([]byte, error) {
	return []byte("attestation:" + nonce), nil
}
func (f *fakeOAuthSource) ClearOAuthToken(ctx context.Context, token string) {
	f.cleared = append(f.cleared, token)
}

// fakeZinc simulates the zinc service for the passthrough (no blind
// signing) flow: it signs each blinded "token" by returning it
// unchanged, since PassthroughSigner.Blind is already the identity.
type fakeZinc struct {
	code        int
	unauthCount int
	lastBody    authRequestBody
}

func (f *fakeZinc) PostJSON(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	body := req.Body.(authRequestBody)
	f.lastBody = body
	if f.code != 0 && f.code != 200 {
		return &httpclient.Response{Code: f.code, Message: "denied"}, nil
	}
	resp := authResponseBody{
		BlindedTokenSignatures:   body.BlindedTokens,
		CopperControllerHostname: "egress1.g-tun.com",
	}
	b, _ := json.Marshal(resp)
	return &httpclient.Response{Code: 200, JSONBody: b}, nil
}

func (f *fakeZinc) LookupDNS(ctx context.Context, host string) (string, error) { return host, nil }

func TestAuthenticatePassthroughRoundTrip(t *testing.T) {
	zinc := &fakeZinc{}
	oauth := &fakeOAuthSource{token: "access-token"}
	c := New(zinc, "https://zinc.example/sign", "", oauth)

	result, st := c.Authenticate(context.Background(), Options{
		ServiceType: "g1",
		NumTokens:   3,
	})
	require.Nil(t, st)
	require.Len(t, result.Tokens, 3)
	assert.Equal(t, "egress1.g-tun.com", result.CopperControllerHost)
	for _, tok := range result.Tokens {
		assert.Len(t, tok.Value, 32)
		assert.Equal(t, tok.Value, tok.Signature, "passthrough signer returns the message as its own signature")
		assert.True(t, tok.MarkUsed())
		assert.False(t, tok.MarkUsed(), "a second MarkUsed must report the token was already spent")
	}
	assert.Equal(t, "access-token", zinc.lastBody.OAuthToken)
}

func TestAuthenticateAttachesOAuthTokenAsHeader(t *testing.T) {
	zinc := &fakeZinc{}
	oauth := &fakeOAuthSource{token: "access-token"}
	c := New(zinc, "https://zinc.example/sign", "", oauth)

	_, st := c.Authenticate(context.Background(), Options{
		AttachOAuthTokenAsHeader: true,
		NumTokens:                1,
	})
	require.Nil(t, st)
	assert.Empty(t, zinc.lastBody.OAuthToken, "token should ride in the header, not the body")
}

func TestAuthenticateUnauthorizedClearsToken(t *testing.T) {
	zinc := &fakeZinc{code: 401}
	oauth := &fakeOAuthSource{token: "stale-token"}
	c := New(zinc, "https://zinc.example/sign", "", oauth)

	_, st := c.Authenticate(context.Background(), Options{NumTokens: 1})
	require.NotNil(t, st)
	assert.Equal(t, []string{"stale-token"}, oauth.cleared)
}

// fakeZincBlind simulates the two-step blind-signing flow: a
// GetInitialData call advertising an RSA signing key, then an
// AuthAndSign call that raw-RSA-signs each blinded token with the
// corresponding private key.
type fakeZincBlind struct {
	priv *rsa.PrivateKey
}

func (f *fakeZincBlind) PostJSON(ctx context.Context, req httpclient.Request) (*httpclient.Response, error) {
	switch req.URL {
	case "https://zinc.example/initial-data":
		der, err := x509.MarshalPKIXPublicKey(&f.priv.PublicKey)
		if err != nil {
			return nil, err
		}
		pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		resp := initialDataResponse{}
		resp.PublicMetadataInfo.PublicKeyPEM = string(pemBytes)
		b, _ := json.Marshal(resp)
		return &httpclient.Response{Code: 200, JSONBody: b}, nil
	case "https://zinc.example/sign":
		body := req.Body.(authRequestBody)
		sigs := make([]string, len(body.BlindedTokens))
		for i, b64 := range body.BlindedTokens {
			blinded, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, err
			}
			sig, err := RSAFDHSign(f.priv, blinded)
			if err != nil {
				return nil, err
			}
			sigs[i] = base64.StdEncoding.EncodeToString(sig)
		}
		resp := authResponseBody{BlindedTokenSignatures: sigs}
		b, _ := json.Marshal(resp)
		return &httpclient.Response{Code: 200, JSONBody: b}, nil
	default:
		return &httpclient.Response{Code: 404, Message: "unknown route"}, nil
	}
}

func (f *fakeZincBlind) LookupDNS(ctx context.Context, host string) (string, error) { return host, nil }

func TestAuthenticateBlindSigningRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	zinc := &fakeZincBlind{priv: priv}
	oauth := &fakeOAuthSource{token: "access-token"}
	c := New(zinc, "https://zinc.example/sign", "https://zinc.example/initial-data", oauth)

	result, st := c.Authenticate(context.Background(), Options{
		EnableBlindSigning: true,
		NumTokens:          2,
	})
	require.Nil(t, st)
	require.Len(t, result.Tokens, 2)
	for _, tok := range result.Tokens {
		assert.NoError(t, RSAFDHVerify(&priv.PublicKey, tok.Value, tok.Signature))
	}
}

func TestAuthenticateBlindSigningWithoutInitialDataURLFails(t *testing.T) {
	oauth := &fakeOAuthSource{token: "access-token"}
	c := New(&fakeZinc{}, "https://zinc.example/sign", "", oauth)

	_, st := c.Authenticate(context.Background(), Options{EnableBlindSigning: true, NumTokens: 1})
	require.NotNil(t, st)
}
