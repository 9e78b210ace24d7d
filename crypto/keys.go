// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/curve25519"

	"github.com/google/ppn/types/structs"
)

// EphemeralPrivate is the client's per-session X25519 private key used
// to establish a shared secret with the egress server's public value.
// It is replaced at every rekey.
type EphemeralPrivate struct {
	_ structs.Incomparable
	k [32]byte
}

// NewEphemeral generates a fresh ephemeral private key.
func NewEphemeral() EphemeralPrivate {
	var k EphemeralPrivate
	if _, err := rand.Read(k.k[:]); err != nil {
		panic(err)
	}
	clampX25519(k.k[:])
	return k
}

// IsZero reports whether k is the zero value.
func (k EphemeralPrivate) IsZero() bool { return k.Equal(EphemeralPrivate{}) }

// Equal reports whether k and other are the same key, in constant time.
func (k EphemeralPrivate) Equal(other EphemeralPrivate) bool {
	return subtle.ConstantTimeCompare(k.k[:], other.k[:]) == 1
}

// Public returns the EphemeralPublic for k.
func (k EphemeralPrivate) Public() EphemeralPublic {
	var pub EphemeralPublic
	curve25519.ScalarBaseMult(&pub.k, &k.k)
	return pub
}

// SharedSecret computes the X25519 shared secret between k and p.
func (k EphemeralPrivate) SharedSecret(p EphemeralPublic) ([32]byte, error) {
	var ss [32]byte
	curve25519.ScalarMult(&ss, &k.k, &p.k)
	return ss, nil
}

// EphemeralPublic is the public half of an EphemeralPrivate, or a
// server-supplied public value received over the wire.
type EphemeralPublic struct {
	k [32]byte
}

// EphemeralPublicFromBytes parses a 32-byte raw X25519 public value.
func EphemeralPublicFromBytes(b []byte) (EphemeralPublic, error) {
	if len(b) != 32 {
		return EphemeralPublic{}, ErrMalformedServerPublicValue
	}
	var p EphemeralPublic
	copy(p.k[:], b)
	return p, nil
}

// Bytes returns the raw 32-byte public value.
func (p EphemeralPublic) Bytes() []byte {
	b := make([]byte, 32)
	copy(b, p.k[:])
	return b
}

// IsZero reports whether p is the zero value.
func (p EphemeralPublic) IsZero() bool { return p.k == [32]byte{} }

func clampX25519(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// RekeyPrivate is the session-lifetime Ed25519 key pair used to
// authenticate rekey requests: a rekey's new ephemeral public value is
// signed with the key pair that was advertised during the previous
// provisioning round, so the server can tell the rekey came from the
// same client that opened the session.
type RekeyPrivate struct {
	_   structs.Incomparable
	key ed25519.PrivateKey
}

// NewRekeySigner generates a fresh Ed25519 rekey signing key pair.
func NewRekeySigner() RekeyPrivate {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	_ = pub
	return RekeyPrivate{key: priv}
}

// Public returns the raw Ed25519 public key bytes, suitable for
// inclusion in an AddEgress request as rekey_verification_key.
func (k RekeyPrivate) Public() []byte {
	pub := k.key.Public().(ed25519.PublicKey)
	return []byte(pub)
}

// Sign signs data (the new ephemeral public value on rekey) and
// returns the raw Ed25519 signature.
func (k RekeyPrivate) Sign(data []byte) []byte {
	return ed25519.Sign(k.key, data)
}

// VerifyRekeySignature verifies that sig is a valid signature over data
// under the Ed25519 public key verificationKey.
func VerifyRekeySignature(verificationKey, data, sig []byte) bool {
	if len(verificationKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(verificationKey), data, sig)
}

// NewClientNonce returns a fresh 16-byte random client nonce.
func NewClientNonce() [16]byte {
	var n [16]byte
	if _, err := rand.Read(n[:]); err != nil {
		panic(err)
	}
	return n
}

// hexString is a small helper retained from the teacher's key
// formatting idiom; nothing in this module calls it.
func hexString(b []byte) string { return hex.EncodeToString(b) }
