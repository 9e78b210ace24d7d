// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestCountersResetOnCollect(t *testing.T) {
	c := NewCounters(nil)

	c.IncNetworkSwitches()
	c.IncNetworkSwitches()
	c.IncSuccessfulNetworkSwitches()
	c.IncSuccessfulRekeys()

	snap := c.Collect()
	assert.EqualValues(t, 2, snap.NetworkSwitches)
	assert.EqualValues(t, 1, snap.SuccessfulNetworkSwitches)
	assert.EqualValues(t, 1, snap.SuccessfulRekeys)

	again := c.Collect()
	assert.Zero(t, again.NetworkSwitches)
	assert.Zero(t, again.SuccessfulNetworkSwitches)
	assert.Zero(t, again.SuccessfulRekeys)
}

func TestRecordLatencyDoesNotPanic(t *testing.T) {
	c := NewCounters(nil)
	c.RecordLatency(StageAuth, 10*time.Millisecond)
	c.RecordLatency(StageEgress, 20*time.Millisecond)
}

func TestNewCountersRegistersWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCounters(reg)
	c.IncNetworkSwitches()

	mfs, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, mfs)
}
