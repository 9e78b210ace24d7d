// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package status defines the uniform failure status that every
// component in this module normalizes its errors to at the Session
// boundary, per spec.md §7's error taxonomy.
package status

import "fmt"

// Code classifies a Status by how the Session and Reconnector should
// react to it.
type Code int

const (
	// OK is the zero value; a nil *Status is equivalent to OK.
	OK Code = iota
	// Transient covers DNS failure, network I/O, HTTP 5xx, and
	// datapath transient failures. The Reconnector retries with
	// backoff.
	Transient
	// Unauthenticated is HTTP 401: the OAuth token must be cleared
	// before retrying.
	Unauthenticated
	// PermissionDenied is HTTP 403: permanent failure, surfaced to the
	// observer.
	PermissionDenied
	// InvalidArgument covers malformed responses or bad config. It is
	// not permanent by itself: the Reconnector retries it with backoff
	// like any other non-permanent status, with no limit on the number
	// of retries.
	InvalidArgument
	// VpnPermissionRevoked is detected from a tunnel-create status
	// detail and is permanent.
	VpnPermissionRevoked
	// CryptoErr covers key derivation or signature failure. Permanent
	// for the current session; the Reconnector may restart fresh.
	CryptoErr
	// DeadlineExceeded means the session failed to reach
	// DataPlaneConnected within session_connection_deadline_msec.
	DeadlineExceeded
	// Internal is a catch-all for failures that don't fit another
	// code.
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Transient:
		return "Transient"
	case Unauthenticated:
		return "Unauthenticated"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case VpnPermissionRevoked:
		return "VpnPermissionRevoked"
	case CryptoErr:
		return "CryptoError"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Status is the normalized failure carried across component
// boundaries: Auth, Egress, Provision, and the Datapath collaborator
// all report failures as a *Status, which the Session then maps to one
// of its observer notifications.
type Status struct {
	Code Code
	Err  error
	// Permanent, when true, means the caller should not retry this
	// attempt's episode; it maps to spec.md's ProvisioningFailure
	// permanent flag and to PermanentFailure at the Session.
	Permanent bool
}

// New returns a Status with the given code and message.
func New(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Err: fmt.Errorf(format, args...)}
}

// Wrap returns a Status with the given code wrapping err.
func Wrap(code Code, err error) *Status {
	if err == nil {
		return nil
	}
	return &Status{Code: code, Err: err}
}

// WithPermanent returns a copy of s marked permanent.
func (s *Status) WithPermanent(permanent bool) *Status {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Permanent = permanent
	return &cp
}

// Error implements error.
func (s *Status) Error() string {
	if s == nil {
		return "<nil status>"
	}
	if s.Err == nil {
		return s.Code.String()
	}
	return fmt.Sprintf("%s: %v", s.Code, s.Err)
}

// Unwrap supports errors.Is/errors.As against the wrapped error.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.Err
}

// IsPermanent reports whether s should be treated as a permanent
// failure: explicitly marked permanent, or one of the codes that are
// permanent by definition (PermissionDenied, VpnPermissionRevoked).
func (s *Status) IsPermanent() bool {
	if s == nil {
		return false
	}
	if s.Permanent {
		return true
	}
	switch s.Code {
	case PermissionDenied, VpnPermissionRevoked:
		return true
	default:
		return false
	}
}

// FromHTTPStatus classifies an HTTP status code per spec.md §4.B/§7:
// 401 -> Unauthenticated, 403 -> PermissionDenied (permanent), 5xx ->
// Transient, any other 4xx -> InvalidArgument, anything else ->
// Internal.
func FromHTTPStatus(httpCode int, err error) *Status {
	switch {
	case httpCode == 401:
		return &Status{Code: Unauthenticated, Err: err}
	case httpCode == 403:
		return &Status{Code: PermissionDenied, Err: err, Permanent: true}
	case httpCode >= 500 && httpCode < 600:
		return &Status{Code: Transient, Err: err}
	case httpCode >= 400 && httpCode < 500:
		return &Status{Code: InvalidArgument, Err: err}
	default:
		return &Status{Code: Internal, Err: err}
	}
}
