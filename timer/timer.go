// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package timer implements the session's timer manager (spec.md
// §4.E): named, cancellable timers whose expiry is delivered as a
// function call the caller is responsible for serializing onto its
// own worker. Expiry races are resolved by checking the timer's id
// against the currently registered id on entry, per spec.md §5.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies one armed timer. The zero ID is never issued by
// Start and can be used as an "invalid"/"not armed" sentinel, matching
// original_source/krypton/timer_manager.h's kInvalidTimerId idiom.
type ID uint64

// Manager hands out timers backed by time.AfterFunc. It is safe for
// concurrent use and, per spec.md §5, may be shared across sessions;
// ownership of an ID is a convention the caller enforces, not
// something Manager tracks.
type Manager struct {
	nextID atomic.Uint64

	mu     sync.Mutex
	timers map[ID]*time.Timer
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{timers: make(map[ID]*time.Timer)}
}

// Start arms a new timer that calls fn(id) after d, and returns its
// ID. fn runs on its own goroutine per time.AfterFunc; callers that
// need serialized delivery (the Session) must re-post fn's call onto
// their own worker rather than acting on it directly.
func (m *Manager) Start(d time.Duration, fn func(id ID)) ID {
	id := ID(m.nextID.Add(1))
	t := time.AfterFunc(d, func() {
		m.mu.Lock()
		_, stillArmed := m.timers[id]
		m.mu.Unlock()
		if !stillArmed {
			return
		}
		fn(id)
	})
	m.mu.Lock()
	m.timers[id] = t
	m.mu.Unlock()
	return id
}

// Cancel stops the timer identified by id, if it is still armed. It
// is always safe to call, including with an already-fired or
// already-cancelled id.
func (m *Manager) Cancel(id ID) {
	m.mu.Lock()
	t, ok := m.timers[id]
	if ok {
		delete(m.timers, id)
	}
	m.mu.Unlock()
	if ok {
		t.Stop()
	}
}

// CancelAll stops every timer currently armed on this Manager,
// whichever caller started it. The Session's Stop handling does not
// use it; it cancels its own timers one ID at a time.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ts := m.timers
	m.timers = make(map[ID]*time.Timer)
	m.mu.Unlock()
	for _, t := range ts {
		t.Stop()
	}
}

// IsArmed reports whether id is still a live, uncancelled timer. The
// Session does not call it: it resolves expiry races by comparing the
// fired ID against its own per-purpose timer ID fields.
func (m *Manager) IsArmed(id ID) bool {
	m.mu.Lock()
	_, ok := m.timers[id]
	m.mu.Unlock()
	return ok
}
