// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package structs defines helper types for struct fields.
package structs

// Incomparable is a zero-width, incomparable type. Embedding it in a
// struct triggers a compile error if two values of that struct are
// ever compared with == or !=, which would otherwise silently invoke
// Go's shallow field-by-field comparison. Types that hold key material
// embed this and expose an explicit Equal method using
// crypto/subtle.ConstantTimeCompare instead.
type Incomparable [0]func()
