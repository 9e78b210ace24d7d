// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package auth

import (
	"crypto/sha256"
	"encoding/binary"
)

// PublicMetadata describes the public, non-identifying attributes bound
// to a blind-signed token: the exit region and service the token is
// valid for, and the window in which it may be redeemed. A signature
// over a token is only valid for the exact PublicMetadata it was
// fingerprinted with.
type PublicMetadata struct {
	Country           string
	CityGeoID         string
	ServiceType       string
	ExpirationSeconds int64
	ExpirationNanos   int32
}

// Fingerprint deterministically hashes m into a uint64: the tag-ordered
// fields (country, city_geo_id, service_type, expiration seconds,
// expiration nanos — each omitted from the input when it is the zero
// value) are concatenated and SHA-256 hashed, and the first 8 bytes are
// interpreted big-endian. This must match the signer's own computation
// exactly, or the signature the client requests won't apply to the
// metadata the egress service later sees.
func (m PublicMetadata) Fingerprint() uint64 {
	h := sha256.New()
	if m.Country != "" {
		h.Write([]byte(m.Country))
	}
	if m.CityGeoID != "" {
		h.Write([]byte(m.CityGeoID))
	}
	if m.ServiceType != "" {
		h.Write([]byte(m.ServiceType))
	}
	if m.ExpirationSeconds != 0 {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(m.ExpirationSeconds))
		h.Write(b[:])
	}
	if m.ExpirationNanos != 0 {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(m.ExpirationNanos))
		h.Write(b[:])
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}
