// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exports governor activity as Prometheus metrics.
//
// Metrics implements both registry.Observer and governor.Observer, so one
// value is handed to governor.WithRegistryObserver and
// governor.WithObserver.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

const namespace = "fxgovernor"

// Metrics holds the governor's collectors.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	handlesRegistered *prometheus.CounterVec
	handlesEvicted    *prometheus.CounterVec
	disposalFailures  *prometheus.CounterVec
	capacityViolation *prometheus.CounterVec
	registrySize      *prometheus.GaugeVec
	sweepDuration     prometheus.Histogram
	sweepEvicted      prometheus.Histogram

	healthScore    prometheus.Gauge
	criticalTotal  prometheus.Counter
	stateLevel     prometheus.Gauge
	transitions    *prometheus.CounterVec
	breakerOpen    *prometheus.GaugeVec
	breakerOpens   *prometheus.CounterVec
	recoveries     prometheus.Counter
	recoveryEvicts prometheus.Histogram
}

// NewMetrics creates and registers the collectors.
//
// Inputs:
//   - reg: Registerer to use. Nil uses prometheus.DefaultRegisterer.
//
// Outputs:
//   - *Metrics: Never nil. Panics if the collectors are already registered
//     with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		handlesRegistered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handles_registered_total",
			Help:      "Handles registered, by category and kind",
		}, []string{"category", "kind"}),
		handlesEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handles_evicted_total",
			Help:      "Handles evicted, by category and reason",
		}, []string{"category", "reason"}),
		disposalFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "disposal_failures_total",
			Help:      "Dispose calls that returned an error or panicked",
		}, []string{"category"}),
		capacityViolation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "capacity_violations_total",
			Help:      "Admissions over quota because every handle was exempt",
		}, []string{"category"}),
		registrySize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "handles",
			Help:      "Live handles by category",
		}, []string{"category"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "sweep_duration_seconds",
			Help:      "Sweep duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		sweepEvicted: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "sweep_evicted",
			Help:      "Handles evicted per sweep",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),

		healthScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "score",
			Help:      "Composite health score of the latest sample (0-100)",
		}),
		criticalTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "critical_samples_total",
			Help:      "Samples that forced Emergency on their own",
		}),
		stateLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "level",
			Help:      "Severity of the current state: 0 normal, 1..N degraded, N+1 emergency",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "State transitions, by target mode",
		}, []string{"to"}),
		breakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "open",
			Help:      "1 while the domain breaker is not closed",
		}, []string{"domain"}),
		breakerOpens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "opens_total",
			Help:      "Breaker openings, including re-opens after a failed probe",
		}, []string{"domain"}),
		recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Emergency recoveries run",
		}),
		recoveryEvicts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "evicted",
			Help:      "Handles evicted per emergency recovery",
			Buckets:   []float64{0, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

// =============================================================================
// registry.Observer
// =============================================================================

func (m *Metrics) HandleRegistered(c registry.Category, k registry.Kind) {
	m.handlesRegistered.WithLabelValues(c.String(), k.String()).Inc()
}

func (m *Metrics) HandleEvicted(c registry.Category, r registry.Reason) {
	m.handlesEvicted.WithLabelValues(c.String(), r.String()).Inc()
}

func (m *Metrics) DisposalFailed(c registry.Category) {
	m.disposalFailures.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) CapacityViolation(c registry.Category) {
	m.capacityViolation.WithLabelValues(c.String()).Inc()
}

func (m *Metrics) SweepCompleted(d time.Duration, evicted int) {
	m.sweepDuration.Observe(d.Seconds())
	m.sweepEvicted.Observe(float64(evicted))
}

func (m *Metrics) RegistrySize(c registry.Category, n int) {
	m.registrySize.WithLabelValues(c.String()).Set(float64(n))
}

// =============================================================================
// governor.Observer
// =============================================================================

func (m *Metrics) Transition(_, to state.State) {
	m.stateLevel.Set(float64(to.Level))
	m.transitions.WithLabelValues(to.Mode.String()).Inc()
}

func (m *Metrics) HealthScore(score float64, critical bool) {
	m.healthScore.Set(score)
	if critical {
		m.criticalTotal.Inc()
	}
}

func (m *Metrics) BreakerOpened(d health.Domain) {
	m.breakerOpen.WithLabelValues(d.String()).Set(1)
	m.breakerOpens.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) BreakerClosed(d health.Domain) {
	m.breakerOpen.WithLabelValues(d.String()).Set(0)
}

func (m *Metrics) RecoveryCompleted(evicted int, _ time.Duration) {
	m.recoveries.Inc()
	m.recoveryEvicts.Observe(float64(evicted))
}
