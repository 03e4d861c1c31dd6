// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package governor ties the handle registry, health monitor, state machine
// and circuit breakers into one resource governor for an effects layer.
//
// # Data Flow
//
//	effect calls → Register (quota admission) → periodic Sweep
//	samples → health.Monitor → state.Machine → policy applied to registry
//	breaches and reported failures → breaker.Set → recovery orchestrator
//
// # Thread Safety
//
// Governor is safe for concurrent use. No lock is held while resources are
// disposed or while subscribers run, so callbacks may call back in.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/fxgovernor/services/governor/breaker"
	"github.com/AleutianAI/fxgovernor/services/governor/events"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrGovernorClosed is returned by Start after Shutdown.
	ErrGovernorClosed = errors.New("governor is shut down")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("governor already started")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid governor configuration")
)

// =============================================================================
// Hooks
// =============================================================================

// Observer receives governor-level signals for metrics.
type Observer interface {
	Transition(from, to state.State)
	HealthScore(score float64, critical bool)
	BreakerOpened(d health.Domain)
	BreakerClosed(d health.Domain)
	RecoveryCompleted(evicted int, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) Transition(state.State, state.State)  {}
func (nopObserver) HealthScore(float64, bool)            {}
func (nopObserver) BreakerOpened(health.Domain)          {}
func (nopObserver) BreakerClosed(health.Domain)          {}
func (nopObserver) RecoveryCompleted(int, time.Duration) {}

// Option configures a Governor.
type Option func(*options)

type options struct {
	clock       clock.Clock
	logger      *slog.Logger
	observer    Observer
	regObserver registry.Observer
	probes      []health.Probe
}

// WithClock sets the time source for every timer and timestamp.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver receives governor signals.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithRegistryObserver receives registry signals.
func WithRegistryObserver(obs registry.Observer) Option {
	return func(o *options) { o.regObserver = obs }
}

// WithProbe adds a health probe used by the sampling loop.
func WithProbe(p health.Probe) Option {
	return func(o *options) { o.probes = append(o.probes, p) }
}

// =============================================================================
// Governor
// =============================================================================

// Governor is the effects resource governor.
type Governor struct {
	id     string
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	obs    Observer

	registry *registry.Registry
	monitor  *health.Monitor
	machine  *state.Machine
	breakers *breaker.Set

	breakerOpened *events.Bus[health.Domain]
	breakerClosed *events.Bus[health.Domain]

	recovery   singleflight.Group
	recovering atomic.Bool
	recoveries atomic.Int64

	// intervalChanged wakes the sweep loop when the policy changes.
	intervalChanged chan struct{}

	mu              sync.Mutex
	started         bool
	closed          bool
	done            chan struct{}
	baseCtx         context.Context
	latest          health.Assessment
	haveLatest      bool
	cooldowns       map[health.Domain]*clock.Timer
	restoreTimer    *clock.Timer
	failureFeature  map[health.Domain]string
	breakerFeatures map[health.Domain]string

	wg sync.WaitGroup
}

// New creates a governor in Normal with an empty registry.
//
// Description:
//
//	Builds every component from cfg and wires the state machine to the
//	registry, so each transition reshapes the effective quotas before any
//	other subscriber sees it. Background loops do not run until Start.
//
// Inputs:
//   - cfg: Governor configuration. Zero recovery settings are defaulted.
//   - opts: Clock, logger, observers and probes.
//
// Outputs:
//   - *Governor: Ready to register resources.
//   - error: Wraps ErrInvalidConfig if cfg does not validate.
func New(cfg Config, opts ...Option) (*Governor, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}

	cfg.ApplyDefaults()
	cfg.Health.ApplyDefaults()
	cfg.State.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	// Components add their own component attr to base.
	base := o.logger.With(slog.String("governor_id", id))
	logger := base.With(slog.String("component", "governor"))

	monitor, err := health.NewMonitor(cfg.Health, o.clock, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for _, p := range o.probes {
		monitor.AddProbe(p)
	}
	machine, err := state.New(cfg.State, o.clock, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g := &Governor{
		id:     id,
		cfg:    cfg,
		clock:  o.clock,
		logger: logger,
		obs:    o.observer,
		registry: registry.New(registry.Config{
			Quotas:        cfg.Registry.Quotas,
			GlobalMax:     cfg.Registry.GlobalMax,
			TargetRatio:   cfg.Registry.TargetRatio,
			DefaultMaxAge: cfg.Registry.DefaultMaxAge,
			Clock:         o.clock,
			Logger:        base,
			Observer:      o.regObserver,
		}),
		monitor:         monitor,
		machine:         machine,
		breakers:        breaker.NewSet(cfg.Breakers.Default, cfg.Breakers.Domains, o.clock),
		breakerOpened:   events.NewBus[health.Domain]("breaker_open", logger),
		breakerClosed:   events.NewBus[health.Domain]("breaker_close", logger),
		intervalChanged: make(chan struct{}, 1),
		done:            make(chan struct{}),
		baseCtx:         context.Background(),
		cooldowns:       make(map[health.Domain]*clock.Timer),
		failureFeature:  make(map[health.Domain]string),
		breakerFeatures: make(map[health.Domain]string),
	}

	g.registry.SetPolicy(machine.Policy().QuotaPolicy(cfg.Recovery.EmergencyFloor))
	machine.Subscribe(g.applyTransition)
	return g, nil
}

// ID returns the governor instance identifier.
func (g *Governor) ID() string { return g.id }

// Registry returns the underlying registry.
func (g *Governor) Registry() *registry.Registry { return g.registry }

// Monitor returns the health monitor.
func (g *Governor) Monitor() *health.Monitor { return g.monitor }

// Start launches the sweep loop and, when SampleInterval is set, the probe
// sampling loop.
//
// Inputs:
//   - ctx: Cancelling ctx stops the loops. Also used as the parent of work
//     triggered by timers.
//
// Outputs:
//   - error: ErrAlreadyStarted or ErrGovernorClosed.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGovernorClosed
	}
	if g.started {
		return ErrAlreadyStarted
	}
	g.started = true
	g.baseCtx = ctx

	// Timers are created here, not in the goroutines, so a clock advanced
	// right after Start still fires them.
	sweepTimer := g.clock.Timer(g.machine.Policy().SweepInterval)
	g.wg.Add(1)
	go g.sweepLoop(ctx, sweepTimer)

	if g.cfg.SampleInterval > 0 {
		sampleTicker := g.clock.Ticker(g.cfg.SampleInterval)
		g.wg.Add(1)
		go g.sampleLoop(ctx, sampleTicker)
	}

	g.logger.Info("governor started",
		slog.Duration("sweep_interval", g.machine.Policy().SweepInterval),
		slog.Duration("sample_interval", g.cfg.SampleInterval),
		slog.Int("global_max", g.registry.GlobalMax()))
	return nil
}

// Shutdown cancels every timer, waits for the loops and disposes every
// remaining handle.
//
// Outputs:
//   - error: ctx.Err() if the loops did not stop in time, or aggregated
//     disposal failures.
func (g *Governor) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	for d, t := range g.cooldowns {
		t.Stop()
		delete(g.cooldowns, d)
	}
	if g.restoreTimer != nil {
		g.restoreTimer.Stop()
		g.restoreTimer = nil
	}
	g.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("waiting for governor loops: %w", ctx.Err())
	}

	n, err := g.registry.Close(ctx)
	g.logger.Info("governor stopped", slog.Int("disposed", n))
	return err
}

// isClosed reports whether Shutdown was called.
func (g *Governor) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// lifetime returns the context passed to Start.
func (g *Governor) lifetime() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.baseCtx
}

// =============================================================================
// Registry pass-throughs
// =============================================================================

// Register tracks a resource. It never fails; see registry.Registry.Register.
func (g *Governor) Register(kind registry.Kind, category registry.Category, res registry.Disposer, opts registry.Options) registry.ID {
	return g.registry.Register(kind, category, res, opts)
}

// Touch refreshes a handle's last-used time.
func (g *Governor) Touch(id registry.ID) bool { return g.registry.Touch(id) }

// Evict disposes a handle. Returns false if it was already gone.
func (g *Governor) Evict(id registry.ID) bool { return g.registry.Evict(id) }

// OnComplete records that a resource finished on its own.
func (g *Governor) OnComplete(id registry.ID) bool { return g.registry.OnComplete(id) }

// EvictByCategory disposes every handle in a category.
func (g *Governor) EvictByCategory(c registry.Category) int { return g.registry.EvictByCategory(c) }

// EvictByOwner disposes every handle with the given owner label.
func (g *Governor) EvictByOwner(owner string) int { return g.registry.EvictByOwner(owner) }

// EvictOlderThan disposes non-exempt handles not used (registered or
// touched) for longer than d.
func (g *Governor) EvictOlderThan(d time.Duration, categories ...registry.Category) int {
	return g.registry.EvictOlderThan(d, categories...)
}

// Sweep runs one sweep now.
func (g *Governor) Sweep(ctx context.Context) (registry.SweepReport, bool) {
	return g.registry.Sweep(ctx)
}

// ApplyQuotas replaces the quota table and global maximum. Used by
// configuration reload; the next sweep trims categories that shrank.
func (g *Governor) ApplyQuotas(quotas map[registry.Category]registry.Quota, globalMax int, targetRatio float64) {
	g.registry.SetQuotas(quotas)
	g.registry.SetGlobalMax(globalMax, targetRatio)
	g.logger.Info("quota table reloaded",
		slog.Int("categories", len(quotas)),
		slog.Int("global_max", globalMax))
}

// =============================================================================
// Outbound signals
// =============================================================================

// OnTransition subscribes to state transitions. Handlers run after the new
// policy was applied to the registry.
func (g *Governor) OnTransition(h func(state.Transition)) events.Subscription {
	return g.machine.Subscribe(h)
}

// OnBreakerOpen subscribes to breaker openings.
func (g *Governor) OnBreakerOpen(h func(health.Domain)) events.Subscription {
	return g.breakerOpened.Subscribe(h)
}

// OnBreakerClose subscribes to breaker closings.
func (g *Governor) OnBreakerClose(h func(health.Domain)) events.Subscription {
	return g.breakerClosed.Subscribe(h)
}

// State returns the current governor state.
func (g *Governor) State() state.State { return g.machine.State() }

// Policy returns the policy of the current state.
func (g *Governor) Policy() state.LevelPolicy { return g.machine.Policy() }

// Breaker returns the breaker of a domain.
func (g *Governor) Breaker(d health.Domain) (*breaker.Breaker, bool) { return g.breakers.Get(d) }

// applyTransition is the first subscriber of the state machine.
func (g *Governor) applyTransition(tr state.Transition) {
	g.registry.SetPolicy(tr.Policy.QuotaPolicy(g.cfg.Recovery.EmergencyFloor))
	g.obs.Transition(tr.From, tr.To)

	select {
	case g.intervalChanged <- struct{}{}:
	default:
	}

	// Emergency re-evaluates the whole registry now instead of at the next
	// sweep.
	if tr.To.Mode == state.ModeEmergency && !g.isClosed() {
		report, ran := g.registry.Sweep(g.lifetime())
		if !ran {
			g.logger.Info("emergency sweep queued behind the running sweep")
			return
		}
		g.logger.Info("emergency sweep",
			slog.Int("evicted", report.Evicted()),
			slog.Int("remaining", report.Remaining))
	}
}
