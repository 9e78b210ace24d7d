// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package crypto implements the session's cryptographic material: the
// ephemeral ECDH key pair exchanged with the egress server, the
// persistent rekey signing key pair, and derivation of the datapath's
// transform keys from the two parties' key material.
//
// The derivation follows original_source/krypton/crypto/session_crypto.cc:
// HKDF-SHA256 over the X25519 shared secret, salted with
// client_nonce||server_nonce, expanded into a protocol-specific layout.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Suite selects the cipher suite used to size the derived transform
// keys. Only AES-128-GCM and AES-256-GCM are valid per spec.md §8.
type Suite int

const (
	SuiteUnspecified Suite = iota
	AES128GCM
	AES256GCM
)

func (s Suite) keyLen() (int, error) {
	switch s {
	case AES128GCM:
		return 16, nil
	case AES256GCM:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidKeyLength, int(s))
	}
}

// DatapathProtocol selects the wire layout the derived key material is
// arranged in.
type DatapathProtocol int

const (
	ProtocolUnspecified DatapathProtocol = iota
	Bridge
	IPsec
	IKE
)

var (
	// ErrInvalidKeyLength is returned when a Suite's key length can't
	// be resolved to 128 or 256 bits.
	ErrInvalidKeyLength = errors.New("crypto: invalid cipher suite key length")
	// ErrMalformedServerPublicValue is returned when the server-supplied
	// ECDH public value is not a well-formed 32-byte X25519 point.
	ErrMalformedServerPublicValue = errors.New("crypto: malformed server public value")
)

// sessionCryptoInfoLabel is the fixed HKDF info label. The original
// krypton core uses a constant label identifying the protocol; kept as
// an opaque constant here rather than named after the upstream product.
const sessionCryptoInfoLabel = "ppn-session-crypto-v1"

// BridgeKeys holds the uplink/downlink symmetric keys for the Bridge
// datapath protocol.
type BridgeKeys struct {
	UplinkKey   []byte
	DownlinkKey []byte
}

// IPsecKeys holds the uplink/downlink symmetric keys and salts for the
// IPsec datapath protocol, plus the downlink SPI it is bound to.
type IPsecKeys struct {
	UplinkKey     []byte
	DownlinkKey   []byte
	UplinkSalt    []byte
	DownlinkSalt  []byte
	DownlinkSPI   uint32
}

// TransformParams is the datapath-facing output of key derivation: an
// immutable snapshot handed to the Datapath collaborator. Exactly one
// of Bridge or IPsec is populated, selected by the session's configured
// DatapathProtocol.
type TransformParams struct {
	Bridge *BridgeKeys
	IPsec  *IPsecKeys
}

// SessionCrypto holds the full cryptographic state of one session: the
// current ephemeral ECDH key pair, the client nonce, and the
// session-lifetime rekey signing key pair. It is created once per
// Session and its ephemeral key pair is replaced at every rekey; the
// rekey signing key pair persists for the life of the Session.
type SessionCrypto struct {
	ephemeral    EphemeralPrivate
	clientNonce  [16]byte
	rekeySigner  RekeyPrivate
	downlinkSPI  uint32
}

// New creates a fresh SessionCrypto: a new ephemeral ECDH key pair, a
// random 16-byte client nonce, a new Ed25519 rekey signing key pair,
// and a random downlink SPI proposal.
func New(randomUint32 func() uint32) *SessionCrypto {
	return &SessionCrypto{
		ephemeral:   NewEphemeral(),
		clientNonce: NewClientNonce(),
		rekeySigner: NewRekeySigner(),
		downlinkSPI: randomUint32(),
	}
}

// PublicValue returns the current ephemeral ECDH public value, to be
// sent to the egress server in an AddEgress request.
func (c *SessionCrypto) PublicValue() []byte { return c.ephemeral.Public().Bytes() }

// ClientNonce returns the 16-byte client nonce generated at session
// start. It does not change across rekeys.
func (c *SessionCrypto) ClientNonce() []byte { return append([]byte(nil), c.clientNonce[:]...) }

// DownlinkSPI returns the client-proposed downlink SPI.
func (c *SessionCrypto) DownlinkSPI() uint32 { return c.downlinkSPI }

// RekeyVerificationKey returns the raw Ed25519 public key that the
// server should use to verify the signature over a future rekey's new
// public value.
func (c *SessionCrypto) RekeyVerificationKey() []byte { return c.rekeySigner.Public() }

// SignRekey signs newPublicValue with the current rekey signing key
// pair. Per spec.md §4.A/§4.C, the rekey_signature in an AddEgress
// rekey request is computed over the *new* client_public_value using
// the verification key that was advertised in the *previous* request.
func (c *SessionCrypto) SignRekey(newPublicValue []byte) []byte {
	return c.rekeySigner.Sign(newPublicValue)
}

// Rekey replaces the ephemeral ECDH key pair in place, as spec.md §3
// requires ("ECDH key replaced at each rekey"). The rekey signing key
// pair and client nonce are untouched.
func (c *SessionCrypto) Rekey() {
	c.ephemeral = NewEphemeral()
}

// DeriveTransformParams computes the datapath transform keys from the
// server's ECDH public value and nonce, per the session's configured
// suite and protocol. It returns ErrMalformedServerPublicValue or
// ErrInvalidKeyLength on malformed input, matching spec.md §4.A's
// CryptoError failure mode.
func (c *SessionCrypto) DeriveTransformParams(serverPublicValue, serverNonce []byte, suite Suite, protocol DatapathProtocol) (TransformParams, error) {
	if len(serverNonce) != 16 {
		return TransformParams{}, fmt.Errorf("%w: server nonce must be 16 bytes, got %d", ErrMalformedServerPublicValue, len(serverNonce))
	}
	serverPub, err := EphemeralPublicFromBytes(serverPublicValue)
	if err != nil {
		return TransformParams{}, err
	}
	shared, err := c.ephemeral.SharedSecret(serverPub)
	if err != nil {
		return TransformParams{}, err
	}
	salt := append(append([]byte(nil), c.clientNonce[:]...), serverNonce...)

	switch protocol {
	case Bridge:
		keyLen, err := suite.keyLen()
		if err != nil {
			return TransformParams{}, err
		}
		out := make([]byte, keyLen*2)
		if err := expandHKDF(shared[:], salt, out); err != nil {
			return TransformParams{}, err
		}
		return TransformParams{Bridge: &BridgeKeys{
			UplinkKey:   out[:keyLen],
			DownlinkKey: out[keyLen:],
		}}, nil
	case IPsec:
		// Fixed 32-byte keys plus 4-byte salts regardless of suite,
		// per original_source/krypton/crypto/session_crypto.cc.
		const uplinkKeySize, downlinkKeySize, saltSize = 32, 32, 4
		out := make([]byte, uplinkKeySize+downlinkKeySize+saltSize+saltSize)
		if err := expandHKDF(shared[:], salt, out); err != nil {
			return TransformParams{}, err
		}
		return TransformParams{IPsec: &IPsecKeys{
			UplinkKey:    out[0:uplinkKeySize],
			DownlinkKey:  out[uplinkKeySize : uplinkKeySize+downlinkKeySize],
			UplinkSalt:   out[uplinkKeySize+downlinkKeySize : uplinkKeySize+downlinkKeySize+saltSize],
			DownlinkSalt: out[uplinkKeySize+downlinkKeySize+saltSize:],
			DownlinkSPI:  c.downlinkSPI,
		}}, nil
	default:
		return TransformParams{}, fmt.Errorf("%w: unsupported datapath protocol %d", ErrInvalidKeyLength, protocol)
	}
}

func expandHKDF(ikm, salt, out []byte) error {
	r := hkdf.New(sha256.New, ikm, salt, []byte(sessionCryptoInfoLabel))
	_, err := io.ReadFull(r, out)
	return err
}
