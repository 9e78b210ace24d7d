// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// BlindSigner produces a usable token from a plaintext message without
// the signer ever seeing the plaintext, per spec.md §4.B step 3-5. The
// pass-through implementation is used when blind signing is disabled in
// configuration; RSAFDHBlinder implements the real scheme.
type BlindSigner interface {
	// Blind returns a blinded form of message suitable for sending to
	// the signer, and an opaque unblind token to recover the real
	// signature once the signer's response comes back.
	Blind(message []byte) (blinded []byte, unblind func(sig []byte) ([]byte, error), err error)
}

// PassthroughSigner implements BlindSigner for the unblinded path: the
// "blinded" message is the message itself, and unblinding is the
// identity function. Used when config.enable_blind_signing is false.
type PassthroughSigner struct{}

func (PassthroughSigner) Blind(message []byte) ([]byte, func([]byte) ([]byte, error), error) {
	return message, func(sig []byte) ([]byte, error) { return sig, nil }, nil
}

// RSAFDHBlinder implements RSA full-domain-hash blind signing: the
// client hashes the message into Z_n with SHAKE256 ("full domain
// hash"), blinds it by a random r^e mod n, and later removes the
// blinding factor from the signer's raw RSA signature with r^-1 mod n.
// This follows the blind/sign/unblind sequence in
// original_source/krypton/crypto/rsa_fdh_blinder.cc; the original uses
// Tink/BoringSSL's anonymous-tokens RSA BSSA client, which has no
// equivalent library in the retrieval pack, so this is built directly
// on the standard library's crypto/rsa and math/big (see DESIGN.md).
type RSAFDHBlinder struct {
	SignerPublicKey *rsa.PublicKey
}

var (
	// ErrBlindedSignatureLength is returned by Unblind when the
	// signer's response is not exactly one RSA modulus wide.
	ErrBlindedSignatureLength = errors.New("auth: blind signature has wrong length for modulus")
)

func (b RSAFDHBlinder) Blind(message []byte) ([]byte, func([]byte) ([]byte, error), error) {
	pub := b.SignerPublicKey
	n := pub.N
	modSize := (n.BitLen() + 7) / 8

	r, err := rand.Int(rand.Reader, new(big.Int).Sub(n, big.NewInt(2)))
	if err != nil {
		return nil, nil, fmt.Errorf("auth: generating blinding factor: %w", err)
	}
	r.Add(r, big.NewInt(2)) // r in [2, n)

	e := big.NewInt(int64(pub.E))
	rE := new(big.Int).Exp(r, e, n)

	hash := fullDomainHash(message, pub, modSize)

	blinded := new(big.Int).Mod(new(big.Int).Mul(hash, rE), n)
	blindedBytes := leftPad(blinded.Bytes(), modSize)

	unblind := func(sig []byte) ([]byte, error) {
		if len(sig) != modSize {
			return nil, ErrBlindedSignatureLength
		}
		signed := new(big.Int).SetBytes(sig)
		rInv := new(big.Int).ModInverse(r, n)
		if rInv == nil {
			return nil, errors.New("auth: blinding factor has no inverse mod n")
		}
		unblinded := new(big.Int).Mod(new(big.Int).Mul(signed, rInv), n)
		return leftPad(unblinded.Bytes(), modSize), nil
	}
	return blindedBytes, unblind, nil
}

// RSAFDHSign computes the signer's side of the blind signature: a raw
// (unpadded) RSA private-key exponentiation of the blinded data, as
// RsaFdhBlindSigner::Sign does with RSA_sign_raw/RSA_NO_PADDING. Used by
// test doubles for a signer; the real signer lives on the zinc service.
func RSAFDHSign(priv *rsa.PrivateKey, blinded []byte) ([]byte, error) {
	modSize := (priv.N.BitLen() + 7) / 8
	if len(blinded) != modSize {
		return nil, ErrBlindedSignatureLength
	}
	m := new(big.Int).SetBytes(blinded)
	c := new(big.Int).Exp(m, priv.D, priv.N)
	return leftPad(c.Bytes(), modSize), nil
}

// RSAFDHVerify checks a raw RSA-FDH signature over message under pub.
func RSAFDHVerify(pub *rsa.PublicKey, message, sig []byte) error {
	modSize := (pub.N.BitLen() + 7) / 8
	if len(sig) != modSize {
		return ErrBlindedSignatureLength
	}
	s := new(big.Int).SetBytes(sig)
	e := big.NewInt(int64(pub.E))
	got := new(big.Int).Exp(s, e, pub.N)

	want := fullDomainHash(message, pub, modSize)
	if got.Cmp(want) != 0 {
		return errors.New("auth: RSA-FDH signature verification failed")
	}
	return nil
}

// fullDomainHash maps message into Z_n by reading modSize+64 bytes of
// SHAKE256(message) and reducing modulo n, matching Shake256Fdh's
// "flooding" construction (extra 64 bytes to keep the reduction close
// to uniform).
func fullDomainHash(message []byte, pub *rsa.PublicKey, modSize int) *big.Int {
	out := make([]byte, modSize+64)
	sh := sha3.NewShake256()
	sh.Write(message)
	sh.Read(out)
	h := new(big.Int).SetBytes(out)
	return h.Mod(h, pub.N)
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b[len(b)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
