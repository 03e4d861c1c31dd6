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
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/effects"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

// =============================================================================
// Simulated resources
// =============================================================================

// simTween plays until its end time or until killed.
type simTween struct {
	clock  clock.Clock
	end    time.Time
	loop   bool
	killed atomic.Bool
	paused atomic.Bool
}

func (t *simTween) Kill()   { t.killed.Store(true) }
func (t *simTween) Pause()  { t.paused.Store(true) }
func (t *simTween) Resume() { t.paused.Store(false) }

func (t *simTween) Active() bool {
	if t.killed.Load() {
		return false
	}
	return t.loop || t.clock.Now().Before(t.end)
}

// simElement is a node in the simulated element tree.
type simElement struct {
	host     *simHost
	attached atomic.Bool
}

func (e *simElement) Detach() error {
	if e.attached.CompareAndSwap(true, false) {
		e.host.elements.Add(-1)
	}
	return nil
}

func (e *simElement) Attached() bool { return e.attached.Load() }

// =============================================================================
// Host
// =============================================================================

// simHostConfig tunes the synthetic load.
type simHostConfig struct {
	// SpawnRate is effects per second before throttling.
	SpawnRate float64

	// Burst caps spawns in one tick.
	Burst int

	// FrameCost is the fractional frame time each live handle costs.
	FrameCost float64

	// BaseElements is the element tree size with no effects attached.
	BaseElements int

	// Tick is the simulated frame interval.
	Tick time.Duration
}

func defaultSimHostConfig() simHostConfig {
	return simHostConfig{
		SpawnRate:    40,
		Burst:        10,
		FrameCost:    0.004,
		BaseElements: 200,
		Tick:         50 * time.Millisecond,
	}
}

// categoryFeature names the visual feature gating each optional category.
var categoryFeature = map[registry.Category]string{
	registry.CategoryParticle:   "ambient_particles",
	registry.CategoryEffect:     "trails",
	registry.CategoryBackground: "bloom",
}

// simHost stands in for a rendering host. It spawns effects through the
// effects factory and reports frame rate and element tree size through
// health probes, so governor actions feed back into the load.
//
// Thread Safety: Run owns the spawn loop. Probes are safe from any
// goroutine.
type simHost struct {
	cfg    simHostConfig
	clock  clock.Clock
	base   *slog.Logger
	logger *slog.Logger
	rng    *rand.Rand
	spawn  *rate.Limiter

	g    *governor.Governor
	fx   *effects.Factory
	ctrl *effects.Controller

	elements atomic.Int64
	spawned  atomic.Int64
	ticks    int64
}

func newSimHost(cfg simHostConfig, clk clock.Clock, logger *slog.Logger, seed uint64) *simHost {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 50 * time.Millisecond
	}
	return &simHost{
		cfg:    cfg,
		clock:  clk,
		base:   logger,
		logger: logger.With(slog.String("component", "simhost")),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		spawn:  rate.NewLimiter(rate.Limit(cfg.SpawnRate), cfg.Burst),
	}
}

// Probes returns the host-side health probes.
func (h *simHost) Probes() []health.Probe {
	return []health.Probe{
		health.ProbeFunc(health.MetricFPS, func(ctx context.Context) (float64, error) {
			if h.g == nil {
				return 0, errors.New("host not attached")
			}
			return h.FPS(), nil
		}),
		health.ProbeFunc(health.MetricElementTree, func(ctx context.Context) (float64, error) {
			return float64(h.ElementTreeSize()), nil
		}),
		health.RuntimeMemoryProbe(),
	}
}

// Attach binds the host to g and builds its effects factory.
func (h *simHost) Attach(g *governor.Governor) {
	h.g = g
	h.ctrl = effects.NewController(func(c registry.Category) bool {
		return g.Registry().Quota(c).Essential
	}, h.base)
	h.ctrl.Bind(g)
	h.ctrl.OnDivisor(func(d int) {
		h.logger.Info("animation update rate changed", slog.Int("divisor", d))
	})
	h.fx = effects.NewFactory(g,
		effects.WithClock(h.clock),
		effects.WithLogger(h.base),
		effects.WithController(h.ctrl))
}

// FPS estimates the frame rate from the live handle count.
func (h *simHost) FPS() float64 {
	live := float64(h.g.Registry().Size())
	return 60 / (1 + live*h.cfg.FrameCost)
}

// ElementTreeSize returns the simulated tree size.
func (h *simHost) ElementTreeSize() int {
	return h.cfg.BaseElements + int(h.elements.Load())
}

// Spawned returns the number of effects created.
func (h *simHost) Spawned() int64 { return h.spawned.Load() }

// Run drives the spawn loop until ctx is cancelled.
func (h *simHost) Run(ctx context.Context) error {
	if h.fx == nil {
		return errors.New("simulated host not attached to a governor")
	}
	ticker := h.clock.Ticker(h.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.tick()
		}
	}
}

// tick runs one simulated frame. A divisor above 1 skips frames.
func (h *simHost) tick() {
	h.ticks++
	if d := int64(h.ctrl.Divisor()); d > 1 && h.ticks%d != 0 {
		return
	}
	now := h.clock.Now()
	for i := 0; i < h.cfg.Burst && h.spawn.AllowN(now, 1); i++ {
		h.spawnOne()
	}
}

// spawnOne creates one effect in a weighted random category.
func (h *simHost) spawnOne() {
	cat := h.pickCategory()
	if f, ok := categoryFeature[cat]; ok && !h.g.FeatureEnabled(f) {
		return
	}
	if h.g.Registry().EffectiveQuota(cat) == 0 {
		return
	}

	life := time.Duration(500+h.rng.IntN(3500)) * time.Millisecond
	switch cat {
	case registry.CategoryParticle:
		h.fx.Animate(cat, func() effects.Tween {
			return &simTween{clock: h.clock, end: h.clock.Now().Add(life)}
		}, registry.Options{})
	case registry.CategoryBackground:
		loop := h.rng.IntN(10) == 0
		h.fx.Animate(cat, func() effects.Tween {
			return &simTween{clock: h.clock, end: h.clock.Now().Add(life), loop: loop}
		}, registry.Options{ExpiresNever: loop})
	case registry.CategoryEffect:
		h.fx.After(cat, life, func() {}, registry.Options{})
	case registry.CategoryUI, registry.CategoryPhase:
		h.fx.Attach(cat, func() effects.Element {
			e := &simElement{host: h}
			e.attached.Store(true)
			h.elements.Add(1)
			return e
		}, registry.Options{MaxAge: 2 * life})
	case registry.CategoryStream:
		h.fx.Animate(cat, func() effects.Tween {
			return &simTween{clock: h.clock, end: h.clock.Now().Add(4 * life)}
		}, registry.Options{Owner: "stream"})
	}
	h.spawned.Add(1)
}

// pickCategory draws a category: particles dominate, phases are rare.
func (h *simHost) pickCategory() registry.Category {
	switch n := h.rng.IntN(100); {
	case n < 45:
		return registry.CategoryParticle
	case n < 70:
		return registry.CategoryEffect
	case n < 82:
		return registry.CategoryBackground
	case n < 92:
		return registry.CategoryUI
	case n < 97:
		return registry.CategoryStream
	default:
		return registry.CategoryPhase
	}
}
