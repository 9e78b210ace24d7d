// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package telemetry holds the Session's local counters (spec.md §4.F)
// and exports them as Prometheus metrics, the teacher's own direct
// dependency (github.com/prometheus/client_golang) for daemon/tsnet
// metrics. Per spec.md §1/§5, this is local-counter telemetry only:
// no aggregation or upload pipeline.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage names for RecordLatency, matching
// original_source/krypton/auth.h's latencies_/oauth_latencies_/
// zinc_latencies_ and egress_manager.cc's egress latency recording.
const (
	StageAuth   = "auth"
	StageOAuth  = "oauth"
	StageZinc   = "zinc"
	StageEgress = "egress"
)

// Counters is the Session's telemetry surface: reset on
// CollectTelemetry per spec.md §4.F, and safe for concurrent read
// access from outside the Session's worker per spec.md §5(a).
type Counters struct {
	mu sync.Mutex

	networkSwitches           uint64
	successfulNetworkSwitches uint64
	successfulRekeys          uint64

	networkSwitchesTotal           prometheus.Counter
	successfulNetworkSwitchesTotal prometheus.Counter
	successfulRekeysTotal          prometheus.Counter
	latencyHistograms               *prometheus.HistogramVec
}

// NewCounters returns a Counters registered against reg, or an
// unregistered set of metrics if reg is nil (tests).
func NewCounters(reg prometheus.Registerer) *Counters {
	c := &Counters{
		networkSwitchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppn_session_network_switches_total",
			Help: "Total number of network switches attempted by the session.",
		}),
		successfulNetworkSwitchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppn_session_successful_network_switches_total",
			Help: "Total number of network switches that reached DatapathEstablished.",
		}),
		successfulRekeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ppn_session_successful_rekeys_total",
			Help: "Total number of rekeys confirmed by SetKeyMaterials.",
		}),
		latencyHistograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "ppn_session_stage_latency_seconds",
			Help: "Per-stage provisioning latency (auth, oauth, zinc, egress).",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(c.networkSwitchesTotal, c.successfulNetworkSwitchesTotal, c.successfulRekeysTotal, c.latencyHistograms)
	}
	return c
}

// IncNetworkSwitches increments the network_switches counter.
func (c *Counters) IncNetworkSwitches() {
	c.mu.Lock()
	c.networkSwitches++
	c.mu.Unlock()
	c.networkSwitchesTotal.Inc()
}

// IncSuccessfulNetworkSwitches increments successful_network_switches.
func (c *Counters) IncSuccessfulNetworkSwitches() {
	c.mu.Lock()
	c.successfulNetworkSwitches++
	c.mu.Unlock()
	c.successfulNetworkSwitchesTotal.Inc()
}

// IncSuccessfulRekeys increments successful_rekeys.
func (c *Counters) IncSuccessfulRekeys() {
	c.mu.Lock()
	c.successfulRekeys++
	c.mu.Unlock()
	c.successfulRekeysTotal.Inc()
}

// RecordLatency records d against stage, per
// original_source/krypton's utils::RecordLatency (SPEC_FULL.md §4
// supplemental feature).
func (c *Counters) RecordLatency(stage string, d time.Duration) {
	c.latencyHistograms.WithLabelValues(stage).Observe(d.Seconds())
}

// Snapshot is an immutable copy of the counters, taken under the
// Counters' own mutex. Session debug-info snapshots use a separate
// mutex.
type Snapshot struct {
	NetworkSwitches           uint64
	SuccessfulNetworkSwitches uint64
	SuccessfulRekeys          uint64
}

// Collect returns the current counter values and resets them to
// zero, matching spec.md §4.F's "reset on CollectTelemetry".
func (c *Counters) Collect() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		NetworkSwitches:           c.networkSwitches,
		SuccessfulNetworkSwitches: c.successfulNetworkSwitches,
		SuccessfulRekeys:          c.successfulRekeys,
	}
	c.networkSwitches = 0
	c.successfulNetworkSwitches = 0
	c.successfulRekeys = 0
	return s
}
