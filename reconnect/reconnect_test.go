// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package reconnect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/ppn/ppncfg"
	"github.com/google/ppn/session"
	"github.com/google/ppn/status"
)

type countingObserver struct {
	mu                  sync.Mutex
	permanentFailures   int
	datapathDisconnects int
}

func (o *countingObserver) ControlPlaneConnected()                     {}
func (o *countingObserver) DatapathConnecting()                        {}
func (o *countingObserver) DatapathConnected()                         {}
func (o *countingObserver) ControlPlaneDisconnected(st *status.Status) {}

func (o *countingObserver) DatapathDisconnected(network *session.NetworkInfo, st *status.Status, isBlockingTraffic bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.datapathDisconnects++
}

func (o *countingObserver) PermanentFailure(st *status.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.permanentFailures++
}

// testCfg encodes initial_time_to_reconnect_msec/session_connection_deadline_msec
// as raw nanoseconds: ppncfg.Config decodes them as time.Duration via
// encoding/json, which marshals a Duration as its integer nanosecond
// count despite the field's _msec-suffixed name.
func testCfg(t *testing.T) *ppncfg.Config {
	cfg, err := ppncfg.Load([]byte(`{
		"zinc_url": "https://auth.example/sign",
		"brass_url": "https://egress.example/add",
		"service_type": "service_type",
		"datapath_protocol": "BRIDGE",
		"cipher_suite_key_length": 128,
		"initial_time_to_reconnect_msec": 10000000,
		"session_connection_deadline_msec": 100000000
	}`))
	require.NoError(t, err)
	return cfg
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := testCfg(t)
	r := New(cfg, nil, &countingObserver{}, nil)
	require.Equal(t, 10*time.Millisecond, r.backoff)

	r.scheduleRestart()
	r.restartTimer.Stop()
	assert.Equal(t, 20*time.Millisecond, r.backoff)

	r.backoff = 90 * time.Millisecond
	r.scheduleRestart()
	r.restartTimer.Stop()
	assert.LessOrEqual(t, r.backoff, 100*time.Millisecond)
}

func TestSessionConnectedResetsBackoff(t *testing.T) {
	cfg := testCfg(t)
	r := New(cfg, nil, &countingObserver{}, nil)
	r.backoff = 80 * time.Millisecond
	r.sessionConnected()
	assert.Equal(t, 10*time.Millisecond, r.backoff)
	assert.True(t, r.connected)
}

func TestHandleAttemptFailurePermanentStops(t *testing.T) {
	cfg := testCfg(t)
	obs := &countingObserver{}
	r := New(cfg, nil, obs, nil)

	r.handleAttemptFailure(status.New(status.PermissionDenied, "nope").WithPermanent(true))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.permanentFailures)
	assert.True(t, r.stopped)
}

func TestHandleAttemptFailureTransientSchedulesRestart(t *testing.T) {
	cfg := testCfg(t)
	obs := &countingObserver{}
	r := New(cfg, nil, obs, nil)

	r.handleAttemptFailure(status.New(status.Transient, "dns failure"))
	defer r.restartTimer.Stop()

	assert.False(t, r.stopped)
	assert.Equal(t, 20*time.Millisecond, r.backoff)
}
