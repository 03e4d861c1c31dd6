// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governor

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/fxgovernor/services/governor/breaker"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

const waitFor = 2 * time.Second

type fakeFX struct {
	disposed atomic.Int32
}

func (f *fakeFX) Dispose() error {
	f.disposed.Add(1)
	return nil
}

func newTestGovernor(t *testing.T, mutate func(*Config), opts ...Option) (*Governor, *clock.Mock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Breakers.Default = breaker.Config{Threshold: 3, Cooldown: 10 * time.Second, MaxCooldown: 40 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	mock := clock.NewMock()
	g, err := New(cfg, append([]Option{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g, mock
}

// healthy returns a sample that scores 100 under the default thresholds.
func healthy() MetricSample {
	return MetricSample{FPS: 60, MemoryBytes: 100 << 20, ElementTreeSize: 100}
}

func register(g *Governor, n int, kind registry.Kind, c registry.Category, opts registry.Options) []*fakeFX {
	out := make([]*fakeFX, n)
	for i := range out {
		out[i] = &fakeFX{}
		g.Register(kind, c, out[i], opts)
	}
	return out
}

func TestGovernor_FPSSequenceTransitionsOnFifthSample(t *testing.T) {
	g, mock := newTestGovernor(t, func(c *Config) {
		c.Health.Weights = health.Weights{FPS: 1}
		c.Health.FPS = health.Threshold{Warning: 60, Critical: 40}
		c.State.Bands = []state.Band{
			{Level: 1, Enter: 45, Exit: 60, Policy: state.LevelPolicy{QuotaScale: 0.75}},
			{Level: 2, Enter: 30, Exit: 45, Policy: state.LevelPolicy{QuotaScale: 0.5}},
			{Level: 3, Enter: 15, Exit: 30, Policy: state.LevelPolicy{QuotaScale: 0.25}},
		}
		c.State.EmergencyEnter = 5
		c.State.EmergencyExit = 15
		c.Recovery.EmergencyScoreFloor = 1
	})

	var transitions []state.Transition
	g.OnTransition(func(tr state.Transition) { transitions = append(transitions, tr) })

	for i, fps := range []float64{58, 59, 44, 43, 42} {
		mock.Add(time.Second)
		g.ReportMetricSample(MetricSample{
			FPS:     fps,
			Missing: health.NewMetricSet(health.MetricMemory, health.MetricElementTree),
		})
		if i < 4 {
			assert.Empty(t, transitions, "no transition at sample %d", i+1)
		}
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, state.ModeDegraded, transitions[0].To.Mode)
	assert.Equal(t, state.ModeDegraded, g.State().Mode)
	assert.Zero(t, g.Recoveries())
}

func TestGovernor_CriticalSampleForcesEmergency(t *testing.T) {
	g, _ := newTestGovernor(t, nil)
	effects := register(g, 10, registry.KindAnimation, registry.CategoryEffect, registry.Options{})
	register(g, 3, registry.KindAnimation, registry.CategoryPhase, registry.Options{})

	a := g.ReportMetricSample(MetricSample{
		FPS:     5,
		Missing: health.NewMetricSet(health.MetricMemory, health.MetricElementTree),
	})

	assert.True(t, a.Critical)
	assert.Equal(t, state.ModeEmergency, g.State().Mode)
	assert.Zero(t, g.Recoveries(), "score stays above the recovery floor")

	quotas := g.Registry().EffectiveQuotas()
	assert.Equal(t, 2, quotas[registry.CategoryEffect], "non-essential collapses to the floor")
	assert.Equal(t, 0, quotas[registry.CategoryParticle], "disabled in emergency")
	assert.Equal(t, 20, quotas[registry.CategoryPhase], "essential keeps its quota")

	// The transition swept immediately.
	assert.Equal(t, 2, g.Registry().SizeByCategory(registry.CategoryEffect))
	assert.Equal(t, 3, g.Registry().SizeByCategory(registry.CategoryPhase))
	disposed := 0
	for _, fx := range effects {
		disposed += int(fx.disposed.Load())
	}
	assert.Equal(t, 8, disposed)
}

func TestGovernor_BreakerLifecycle(t *testing.T) {
	g, mock := newTestGovernor(t, func(c *Config) { c.Registry.GlobalMax = 20 })
	register(g, 20, registry.KindAnimation, registry.CategoryEffect, registry.Options{})

	var opened, closed []health.Domain
	var mu sync.Mutex
	g.OnBreakerOpen(func(d health.Domain) { mu.Lock(); opened = append(opened, d); mu.Unlock() })
	g.OnBreakerClose(func(d health.Domain) { mu.Lock(); closed = append(closed, d); mu.Unlock() })

	for i := 0; i < 3; i++ {
		g.RecordFailure(health.DomainMemory, FailureContext{Message: "allocation spike"})
	}

	b, ok := g.Breaker(health.DomainMemory)
	require.True(t, ok)
	assert.Equal(t, breaker.Open, b.State())
	mu.Lock()
	assert.Equal(t, []health.Domain{health.DomainMemory}, opened)
	mu.Unlock()
	assert.Equal(t, 6, g.Registry().Size(), "aggressive eviction to 30% of the global max")

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return b.State() == breaker.HalfOpen }, waitFor, time.Millisecond)

	g.ReportMetricSample(healthy())

	assert.Equal(t, breaker.Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
	mu.Lock()
	assert.Equal(t, []health.Domain{health.DomainMemory}, closed)
	mu.Unlock()
}

func TestGovernor_UnhealthyProbeReopensWithBackoff(t *testing.T) {
	g, mock := newTestGovernor(t, nil)
	for i := 0; i < 3; i++ {
		g.RecordFailure(health.DomainMemory, FailureContext{})
	}
	b, _ := g.Breaker(health.DomainMemory)

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return b.State() == breaker.HalfOpen }, waitFor, time.Millisecond)

	s := healthy()
	s.MemoryBytes = 2 << 30
	g.ReportMetricSample(s)

	assert.Equal(t, breaker.Open, b.State())
	assert.Equal(t, 20*time.Second, b.Cooldown())

	mock.Add(20 * time.Second)
	require.Eventually(t, func() bool { return b.State() == breaker.HalfOpen }, waitFor, time.Millisecond)
}

func TestGovernor_BreakerStormRunsEmergencyRecovery(t *testing.T) {
	g, _ := newTestGovernor(t, nil)
	phase := register(g, 5, registry.KindAnimation, registry.CategoryPhase, registry.Options{})
	register(g, 8, registry.KindAnimation, registry.CategoryEffect, registry.Options{})
	loops := register(g, 2, registry.KindAnimation, registry.CategoryEffect, registry.Options{ExpiresNever: true})

	for i := 0; i < 3; i++ {
		g.RecordFailure(health.DomainMemory, FailureContext{})
	}
	require.Zero(t, g.Recoveries())
	for i := 0; i < 3; i++ {
		g.RecordFailure(health.DomainFrameRate, FailureContext{})
	}

	assert.EqualValues(t, 1, g.Recoveries())
	assert.Equal(t, state.ModeEmergency, g.State().Mode)
	assert.Equal(t, 0, g.Registry().SizeByCategory(registry.CategoryEffect))
	assert.Equal(t, 5, g.Registry().SizeByCategory(registry.CategoryPhase))
	assert.EqualValues(t, 1, loops[0].disposed.Load(), "exempt handles go too")
	assert.EqualValues(t, 0, phase[0].disposed.Load())
	for _, snap := range g.Stats().Breakers {
		assert.Zero(t, snap.FailureCount, "%s counters reset", snap.DomainName)
	}
}

func TestGovernor_ScoreFloorRecoveryAndRestoreCheck(t *testing.T) {
	g, mock := newTestGovernor(t, nil)

	collapse := MetricSample{FPS: 1, MemoryBytes: 2 << 30, ElementTreeSize: 5000, ErrorCount: 50}
	a := g.ReportMetricSample(collapse)
	require.LessOrEqual(t, a.Score, 10.0)
	assert.EqualValues(t, 1, g.Recoveries())

	g.ReportMetricSample(collapse)
	assert.EqualValues(t, 1, g.Recoveries(), "suppressed during the grace period")

	g.ReportMetricSample(healthy())
	require.Equal(t, state.ModeEmergency, g.State().Mode)

	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return g.State().Mode == state.ModeDegraded
	}, waitFor, time.Millisecond)
	assert.Equal(t, 3, g.State().Level, "restored to the deepest band")
}

func TestGovernor_RecoveryFromSubscriberIsCoalesced(t *testing.T) {
	g, _ := newTestGovernor(t, nil)

	var nested RecoveryReport
	g.OnTransition(func(tr state.Transition) {
		if tr.To.Mode == state.ModeEmergency {
			nested = g.PerformEmergencyRecovery(context.Background(), "nested")
		}
	})

	report := g.PerformEmergencyRecovery(context.Background(), "test")

	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Shared)
	assert.True(t, nested.Shared)
	assert.EqualValues(t, 1, g.Recoveries())
}

func TestGovernor_ErrorRateDisablesFeatureUntilClosed(t *testing.T) {
	g, mock := newTestGovernor(t, nil)

	g.RecordFailure(health.DomainErrorRate, FailureContext{Feature: "bloom"})
	g.RecordFailure(health.DomainErrorRate, FailureContext{Feature: "trails"})
	require.True(t, g.FeatureEnabled("trails"))
	g.RecordFailure(health.DomainErrorRate, FailureContext{Message: "shader compile"})

	assert.False(t, g.FeatureEnabled("trails"), "most recent feature disabled")
	assert.True(t, g.FeatureEnabled("bloom"))
	assert.Equal(t, []string{"trails"}, g.Stats().DisabledFeatures)

	b, _ := g.Breaker(health.DomainErrorRate)
	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return b.State() == breaker.HalfOpen }, waitFor, time.Millisecond)
	g.ReportMetricSample(healthy())

	assert.True(t, g.FeatureEnabled("trails"))
}

func TestGovernor_ElementTreeMitigation(t *testing.T) {
	g, _ := newTestGovernor(t, nil)
	register(g, 3, registry.KindElement, registry.CategoryEffect, registry.Options{})
	register(g, 2, registry.KindElement, registry.CategoryUI, registry.Options{})
	register(g, 2, registry.KindAnimation, registry.CategoryEffect, registry.Options{})

	for i := 0; i < 3; i++ {
		g.RecordFailure(health.DomainElementTree, FailureContext{})
	}

	assert.Equal(t, 2, g.Registry().SizeByCategory(registry.CategoryUI))
	assert.Equal(t, 2, g.Registry().SizeByCategory(registry.CategoryEffect), "animations untouched")
}

func TestGovernor_FrameRateMitigationStepsDeeper(t *testing.T) {
	g, _ := newTestGovernor(t, nil)

	for i := 0; i < 3; i++ {
		g.RecordFailure(health.DomainFrameRate, FailureContext{})
	}

	st := g.State()
	assert.Equal(t, state.ModeDegraded, st.Mode)
	assert.Equal(t, 1, st.Level)
}

func TestGovernor_Overrides(t *testing.T) {
	g, _ := newTestGovernor(t, nil)

	require.True(t, g.RequestDegrade(2))
	assert.Equal(t, "degraded(2)", g.State().String())
	assert.Equal(t, 30, g.Registry().EffectiveQuota(registry.CategoryEffect), "half of 60")
	assert.Contains(t, g.DisabledFeatures(), "trails")

	require.True(t, g.RequestEmergencyStop())
	assert.Equal(t, state.ModeEmergency, g.State().Mode)
	assert.False(t, g.RequestEmergencyStop(), "already stopped")

	require.True(t, g.RequestRestore())
	assert.Equal(t, state.ModeNormal, g.State().Mode)
	assert.Equal(t, 60, g.Registry().EffectiveQuota(registry.CategoryEffect))
	assert.Empty(t, g.DisabledFeatures())
}

func TestGovernor_StartSweepsAndShutdownDisposes(t *testing.T) {
	cfg := DefaultConfig()
	mock := clock.NewMock()
	g, err := New(cfg, WithClock(mock))
	require.NoError(t, err)

	shortLived := register(g, 3, registry.KindTimer, registry.CategoryEffect, registry.Options{MaxAge: time.Second})
	phase := register(g, 2, registry.KindAnimation, registry.CategoryPhase, registry.Options{})

	ctx := context.Background()
	require.NoError(t, g.Start(ctx))
	assert.ErrorIs(t, g.Start(ctx), ErrAlreadyStarted)

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		return g.Registry().SizeByCategory(registry.CategoryEffect) == 0
	}, waitFor, time.Millisecond)
	assert.EqualValues(t, 1, shortLived[0].disposed.Load())

	require.NoError(t, g.Shutdown(ctx))
	assert.EqualValues(t, 1, phase[0].disposed.Load())
	assert.Zero(t, g.Registry().Size())
	assert.NoError(t, g.Shutdown(ctx), "idempotent")
	assert.ErrorIs(t, g.Start(ctx), ErrGovernorClosed)
}

func TestGovernor_SampleLoopPollsProbes(t *testing.T) {
	probe := health.ProbeFunc(health.MetricFPS, func(context.Context) (float64, error) { return 5, nil })
	g, mock := newTestGovernor(t, func(c *Config) { c.SampleInterval = time.Second }, WithProbe(probe))

	require.NoError(t, g.Start(context.Background()))
	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		return g.State().Mode == state.ModeEmergency
	}, waitFor, time.Millisecond)
	latest, ok := g.LatestAssessment()
	require.True(t, ok)
	assert.True(t, latest.Sample.Missing.Has(health.MetricMemory))
	assert.False(t, latest.Sample.Missing.Has(health.MetricHandles))
}

func TestGovernor_Stats(t *testing.T) {
	g, _ := newTestGovernor(t, nil)
	register(g, 4, registry.KindAnimation, registry.CategoryParticle, registry.Options{})
	g.ReportMetricSample(healthy())

	s := g.Stats()

	assert.Equal(t, g.ID(), s.InstanceID)
	assert.Equal(t, "normal", s.State)
	assert.Equal(t, 4, s.Sizes["particle"])
	assert.Equal(t, 150, s.EffectiveQuotas["particle"])
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 100.0, s.HealthScore)
	assert.True(t, s.HaveSample)
	assert.Len(t, s.Breakers, len(health.Domains))
	assert.Equal(t, 5*time.Second, s.SweepInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative global max", func(c *Config) { c.Registry.GlobalMax = -1 }, true},
		{"zero priority", func(c *Config) {
			c.Registry.Quotas[registry.CategoryUI] = registry.Quota{MaxCount: 5}
		}, true},
		{"floor above restore", func(c *Config) { c.Recovery.EmergencyScoreFloor = 70 }, true},
		{"bad bands", func(c *Config) { c.State.Bands[0].Exit = 10 }, true},
		{"bad thresholds", func(c *Config) { c.Health.Handles = health.Threshold{Warning: 10, Critical: 1} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGovernor_ComponentLoggersCarryOneComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	g, _ := newTestGovernor(t, nil, WithLogger(logger))

	require.True(t, g.RequestDegrade(1))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var sawMachine bool
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, "component="), line)
		assert.Contains(t, line, "governor_id="+g.ID())
		sawMachine = sawMachine || strings.Contains(line, "component=state_machine")
	}
	assert.True(t, sawMachine)
}

func TestGovernor_EmergencyDuringSweepReevaluatesAfterIt(t *testing.T) {
	g, mock := newTestGovernor(t, nil)

	g.Register(registry.KindTimer, registry.CategoryEffect, registry.DisposeFunc(func() error {
		g.RequestEmergencyStop()
		return nil
	}), registry.Options{MaxAge: time.Second})
	particles := register(g, 10, registry.KindAnimation, registry.CategoryParticle, registry.Options{})
	mock.Add(2 * time.Second)

	report, ran := g.Sweep(context.Background())

	require.True(t, ran)
	assert.Equal(t, state.ModeEmergency, g.State().Mode)
	assert.Zero(t, g.Registry().SizeByCategory(registry.CategoryParticle))
	assert.EqualValues(t, 1, particles[0].disposed.Load())
	assert.GreaterOrEqual(t, report.Evicted(), 11)
}
