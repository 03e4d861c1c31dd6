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
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

var tracer = otel.Tracer("fxgovernor.governor")

// FailureContext describes a failure reported by the effects layer.
type FailureContext struct {
	// Feature is the optional visual feature the failure is attributed to.
	// The error-rate mitigation disables the most recent one.
	Feature string

	// Message is logged with the failure.
	Message string
}

// RecoveryReport describes one emergency recovery run.
type RecoveryReport struct {
	RunID    string        `json:"run_id"`
	Reason   string        `json:"reason"`
	Evicted  int           `json:"evicted"`
	Duration time.Duration `json:"duration"`

	// Shared is true for callers that joined a run already in progress.
	Shared bool `json:"shared"`
}

// =============================================================================
// Failures and breakers
// =============================================================================

// RecordFailure counts a failure in a domain. When the breaker opens, the
// domain's mitigation runs before RecordFailure returns.
func (g *Governor) RecordFailure(d health.Domain, fc FailureContext) {
	g.recordFailure(g.lifetime(), d, fc)
}

func (g *Governor) recordFailure(ctx context.Context, d health.Domain, fc FailureContext) {
	if fc.Feature != "" {
		g.mu.Lock()
		g.failureFeature[d] = fc.Feature
		g.mu.Unlock()
	}
	if !g.breakers.RecordFailure(d) {
		return
	}

	b, _ := g.breakers.Get(d)
	g.logger.Warn("breaker opened",
		slog.String("domain", d.String()),
		slog.String("message", fc.Message),
		slog.Duration("cooldown", b.Cooldown()))
	g.obs.BreakerOpened(d)

	g.mitigate(ctx, d)
	g.scheduleCooldown(d)
	g.breakerOpened.Publish(d)

	if open := g.breakers.OpenCount(); open >= g.cfg.Recovery.StormThreshold {
		g.logger.Warn("breaker storm", slog.Int("open", open))
		g.triggerRecovery(ctx, "breaker storm")
	}
}

// mitigate runs the domain-specific response to an opened breaker.
func (g *Governor) mitigate(ctx context.Context, d health.Domain) {
	switch d {
	case health.DomainMemory:
		n := g.registry.EvictToRatio(ctx, g.cfg.Recovery.AggressiveTargetRatio)
		g.logger.Info("memory mitigation", slog.Int("evicted", n))

	case health.DomainFrameRate:
		st := g.machine.State()
		switch {
		case st.Mode == state.ModeEmergency:
		case st.Level >= g.machine.Levels():
			g.machine.Force(state.ModeEmergency, 0, "frame rate breaker")
		default:
			g.machine.Force(state.ModeDegraded, st.Level+1, "frame rate breaker")
		}

	case health.DomainElementTree:
		n := g.registry.EvictByKind(registry.KindElement, false)
		g.logger.Info("element tree mitigation", slog.Int("evicted", n))

	case health.DomainErrorRate:
		g.mu.Lock()
		feature := g.failureFeature[d]
		if feature != "" {
			g.breakerFeatures[d] = feature
		}
		g.mu.Unlock()
		if feature == "" {
			g.logger.Info("error rate mitigation: no feature associated with failures")
			return
		}
		g.logger.Info("error rate mitigation: feature disabled", slog.String("feature", feature))
	}
}

// scheduleCooldown arms the timer that half-opens a breaker.
func (g *Governor) scheduleCooldown(d health.Domain) {
	b, ok := g.breakers.Get(d)
	if !ok {
		return
	}
	delay := b.Remaining()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if t, ok := g.cooldowns[d]; ok {
		t.Stop()
	}
	g.cooldowns[d] = g.clock.AfterFunc(delay, func() { g.cooldownElapsed(d) })
}

// cooldownElapsed half-opens a breaker. The next sample decides whether it
// closes or re-opens.
func (g *Governor) cooldownElapsed(d health.Domain) {
	g.mu.Lock()
	delete(g.cooldowns, d)
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	b, _ := g.breakers.Get(d)
	if b.HalfOpen() {
		g.logger.Info("breaker half-open, probing", slog.String("domain", d.String()))
	}
}

// breakerClosedFor re-enables what the domain's mitigation disabled and
// notifies subscribers.
func (g *Governor) breakerClosedFor(d health.Domain) {
	g.mu.Lock()
	feature := g.breakerFeatures[d]
	delete(g.breakerFeatures, d)
	g.mu.Unlock()

	g.logger.Info("breaker closed",
		slog.String("domain", d.String()),
		slog.String("reenabled_feature", feature))
	g.obs.BreakerClosed(d)
	g.breakerClosed.Publish(d)
}

// =============================================================================
// Emergency recovery
// =============================================================================

// triggerRecovery runs emergency recovery unless one is running or still
// inside its grace period.
func (g *Governor) triggerRecovery(ctx context.Context, reason string) {
	g.mu.Lock()
	pending := g.restoreTimer != nil
	closed := g.closed
	g.mu.Unlock()
	if pending || closed {
		g.logger.Debug("emergency recovery suppressed",
			slog.String("reason", reason),
			slog.Bool("grace_pending", pending))
		return
	}
	g.PerformEmergencyRecovery(ctx, reason)
}

// PerformEmergencyRecovery runs the emergency recovery sequence.
//
// Description:
//
//	In order: (1) evict every non-essential handle regardless of age,
//	including exempt ones, (2) force Emergency, (3) reset every breaker's
//	failure count, (4) schedule a restore-eligibility check after the grace
//	period. A call made while a run is in progress, including one from a
//	transition subscriber of that run, returns at once with Shared set.
//
// Inputs:
//   - ctx: Parent of the recovery span.
//   - reason: Logged and recorded on the report.
//
// Outputs:
//   - RecoveryReport: The run's outcome.
//
// Thread Safety: Safe for concurrent use.
func (g *Governor) PerformEmergencyRecovery(ctx context.Context, reason string) RecoveryReport {
	if g.recovering.Load() {
		return RecoveryReport{Reason: reason, Shared: true}
	}
	v, _, shared := g.recovery.Do("recovery", func() (any, error) {
		return g.runRecovery(ctx, reason), nil
	})
	report := v.(RecoveryReport)
	report.Shared = shared
	return report
}

func (g *Governor) runRecovery(ctx context.Context, reason string) RecoveryReport {
	g.recovering.Store(true)
	defer g.recovering.Store(false)

	runID := uuid.NewString()
	_, span := tracer.Start(ctx, "Governor.PerformEmergencyRecovery",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("reason", reason),
		))
	defer span.End()

	start := g.clock.Now()
	logger := g.logger.With(slog.String("run_id", runID))
	logger.Warn("emergency recovery started", slog.String("reason", reason))

	evicted := g.registry.EvictNonEssential(true)
	g.machine.Force(state.ModeEmergency, 0, "emergency recovery: "+reason)
	g.breakers.ResetCounters()
	g.scheduleRestoreCheck()

	report := RecoveryReport{
		RunID:    runID,
		Reason:   reason,
		Evicted:  evicted,
		Duration: g.clock.Since(start),
	}
	g.recoveries.Add(1)
	g.obs.RecoveryCompleted(evicted, report.Duration)
	span.SetAttributes(attribute.Int("evicted", evicted))
	logger.Warn("emergency recovery finished", slog.Int("evicted", evicted))
	return report
}

// scheduleRestoreCheck arms the restore-eligibility check.
func (g *Governor) scheduleRestoreCheck() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if g.restoreTimer != nil {
		g.restoreTimer.Stop()
	}
	g.restoreTimer = g.clock.AfterFunc(g.cfg.Recovery.GracePeriod, g.restoreCheck)
}

// restoreCheck leaves Emergency for the deepest degrade band once the
// latest sample is healthy enough and no breaker is open. Otherwise it
// checks again after another grace period. Hysteresis takes over once out
// of Emergency.
func (g *Governor) restoreCheck() {
	g.mu.Lock()
	g.restoreTimer = nil
	latest, have := g.latest, g.haveLatest
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	if g.machine.State().Mode != state.ModeEmergency {
		g.logger.Debug("restore check: already out of emergency")
		return
	}

	open := g.breakers.OpenCount()
	if !have || latest.Critical || latest.Score < g.cfg.Recovery.RestoreScore || open > 0 {
		g.logger.Info("restore check: not yet eligible",
			slog.Float64("score", latest.Score),
			slog.Int("open_breakers", open))
		g.scheduleRestoreCheck()
		return
	}

	if levels := g.machine.Levels(); levels > 0 {
		g.machine.Force(state.ModeDegraded, levels, "restore eligible after grace period")
	} else {
		g.machine.Force(state.ModeNormal, 0, "restore eligible after grace period")
	}
}

// Recoveries returns how many emergency recoveries ran.
func (g *Governor) Recoveries() int64 {
	return g.recoveries.Load()
}

// =============================================================================
// Overrides
// =============================================================================

// RequestDegrade forces a degrade level, bypassing hysteresis. Levels are
// clamped to the configured bands.
func (g *Governor) RequestDegrade(level int) bool {
	_, ok := g.machine.Force(state.ModeDegraded, level, "operator degrade")
	return ok
}

// RequestRestore forces Normal, bypassing hysteresis.
func (g *Governor) RequestRestore() bool {
	_, ok := g.machine.Force(state.ModeNormal, 0, "operator restore")
	return ok
}

// RequestEmergencyStop forces Emergency, bypassing hysteresis. The
// transition runs an immediate full sweep under the emergency quotas.
func (g *Governor) RequestEmergencyStop() bool {
	_, ok := g.machine.Force(state.ModeEmergency, 0, "operator emergency stop")
	return ok
}
