// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

var (
	_ registry.Observer = (*Metrics)(nil)
	_ governor.Observer = (*Metrics)(nil)
)

func TestMetrics_RegistryEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.HandleRegistered(registry.CategoryParticle, registry.KindAnimation)
	m.HandleRegistered(registry.CategoryParticle, registry.KindAnimation)
	m.HandleEvicted(registry.CategoryParticle, registry.ReasonAdmission)
	m.DisposalFailed(registry.CategoryEffect)
	m.RegistrySize(registry.CategoryParticle, 7)
	m.SweepCompleted(2*time.Millisecond, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.handlesRegistered.WithLabelValues("particle", "animation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlesEvicted.WithLabelValues("particle", registry.ReasonAdmission.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.disposalFailures.WithLabelValues("effect")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.registrySize.WithLabelValues("particle")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sweepDuration))
}

func TestMetrics_GovernorEvents(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.HealthScore(42, false)
	m.HealthScore(7, true)
	m.Transition(state.State{Mode: state.ModeNormal}, state.State{Mode: state.ModeEmergency, Level: 4})
	m.BreakerOpened(health.DomainMemory)
	m.RecoveryCompleted(12, time.Millisecond)

	assert.Equal(t, 7.0, testutil.ToFloat64(m.healthScore))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.criticalTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.stateLevel))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("emergency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerOpen.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries))

	m.BreakerClosed(health.DomainMemory)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerOpen.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerOpens.WithLabelValues("memory")))
}

func TestMetrics_WiredIntoGovernor(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	cfg := governor.DefaultConfig()
	g, err := governor.New(cfg,
		governor.WithClock(clock.NewMock()),
		governor.WithObserver(m),
		governor.WithRegistryObserver(m))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		g.Register(registry.KindTimer, registry.CategoryEffect, registry.DisposeFunc(func() error { return nil }), registry.Options{})
	}
	g.RequestEmergencyStop()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.handlesRegistered.WithLabelValues("effect", "timer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlesEvicted.WithLabelValues("effect", registry.ReasonTrim.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("emergency")))

	count, err := testutil.GatherAndCount(reg, "fxgovernor_state_level")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
