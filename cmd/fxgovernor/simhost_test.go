// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/effects"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

func newTestHost(t *testing.T, cfg simHostConfig) (*simHost, *governor.Governor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	h := newSimHost(cfg, mock, nil, 42)
	g, err := governor.New(governor.DefaultConfig(), governor.WithClock(mock))
	require.NoError(t, err)
	h.Attach(g)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return h, g, mock
}

func TestSimHost_TickSpawnsWithinBurst(t *testing.T) {
	cfg := defaultSimHostConfig()
	cfg.SpawnRate = 1000
	cfg.Burst = 5
	h, g, _ := newTestHost(t, cfg)

	h.tick()
	assert.LessOrEqual(t, h.Spawned(), int64(5))
	assert.Positive(t, h.Spawned())
	assert.Equal(t, int(h.Spawned()), g.Registry().Size())
}

func TestSimHost_RateLimited(t *testing.T) {
	cfg := defaultSimHostConfig()
	cfg.SpawnRate = 1
	cfg.Burst = 3
	h, _, mock := newTestHost(t, cfg)

	for i := 0; i < 10; i++ {
		h.tick()
	}
	first := h.Spawned()
	assert.LessOrEqual(t, first, int64(3))

	mock.Add(5 * time.Second)
	h.tick()
	assert.Greater(t, h.Spawned(), first)
}

func TestSimHost_FPSFallsWithLoad(t *testing.T) {
	cfg := defaultSimHostConfig()
	cfg.SpawnRate = 10000
	cfg.Burst = 50
	h, _, _ := newTestHost(t, cfg)

	idle := h.FPS()
	assert.InDelta(t, 60.0, idle, 0.001)

	for i := 0; i < 4; i++ {
		h.tick()
	}
	assert.Less(t, h.FPS(), idle)
}

func TestSimHost_EmergencyStopsOptionalCategories(t *testing.T) {
	cfg := defaultSimHostConfig()
	cfg.SpawnRate = 10000
	cfg.Burst = 50
	h, g, _ := newTestHost(t, cfg)

	g.RequestEmergencyStop()
	require.False(t, g.FeatureEnabled("ambient_particles"))
	for i := 0; i < 4; i++ {
		h.tick()
	}
	assert.Zero(t, g.Registry().SizeByCategory(registry.CategoryParticle))
}

func TestSimHost_DivisorSkipsFrames(t *testing.T) {
	cfg := defaultSimHostConfig()
	cfg.SpawnRate = 10000
	cfg.Burst = 1
	h, g, _ := newTestHost(t, cfg)

	g.RequestDegrade(3)
	d := h.ctrl.Divisor()
	require.Greater(t, d, 1)

	for i := 0; i < d*4; i++ {
		h.tick()
	}
	assert.LessOrEqual(t, h.Spawned(), int64(4))
}

func TestSimHost_ElementsDetachOnEviction(t *testing.T) {
	h, g, _ := newTestHost(t, defaultSimHostConfig())

	e, id := h.fx.Attach(registry.CategoryUI, func() effects.Element {
		el := &simElement{host: h}
		el.attached.Store(true)
		h.elements.Add(1)
		return el
	}, registry.Options{})
	assert.Equal(t, 201, h.ElementTreeSize())

	require.True(t, g.Evict(id))
	assert.False(t, e.Attached())
	assert.Equal(t, 200, h.ElementTreeSize())
}

func TestSimHost_Probes(t *testing.T) {
	h := newSimHost(defaultSimHostConfig(), clock.NewMock(), nil, 1)
	probes := h.Probes()
	require.Len(t, probes, 3)

	_, err := probes[0].Measure(context.Background())
	assert.Error(t, err, "fps probe needs an attached governor")

	v, err := probes[1].Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 200.0, v)
	assert.Equal(t, health.MetricMemory, probes[2].Metric())
}

func TestSimHost_RunRequiresAttach(t *testing.T) {
	h := newSimHost(defaultSimHostConfig(), clock.NewMock(), nil, 1)
	assert.Error(t, h.Run(context.Background()))
}

func TestRun_ShortSession(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	dir := t.TempDir()
	path := filepath.Join(dir, "fx.yaml")
	_, err := execute(t, "config", "default", "--write", path)
	require.NoError(t, err)

	_, err = execute(t, "--config", path, "run",
		"--duration", "300ms",
		"--diagnostics-addr", "127.0.0.1:0",
		"--frame", "10ms",
		"--rate", "200",
		"--log-level", "error",
		"--seed", "7")
	assert.NoError(t, err)
}

func TestRun_BadLogLevel(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "run", "--duration", "10ms", "--no-diagnostics", "--log-level", "loud")
	assert.Error(t, err)
}
