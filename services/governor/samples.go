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

	"github.com/AleutianAI/fxgovernor/services/governor/breaker"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
)

// MetricSample is a health sample reported by the host.
//
// The handle count and capacity violations come from the registry and are
// filled in by the governor.
type MetricSample struct {
	FPS             float64
	MemoryBytes     int64
	ElementTreeSize int
	ErrorCount      int

	// Missing marks metrics the host could not measure this cycle.
	Missing health.MetricSet

	// Timestamp defaults to the governor clock.
	Timestamp time.Time
}

// ReportMetricSample feeds one host sample through the health pipeline.
//
// Description:
//
//	Records the sample, drives the state machine with its score, probes
//	half-open breakers, counts a failure for every breached domain and
//	triggers emergency recovery when the score reaches the floor. Sampling
//	problems never surface to the caller.
//
// Outputs:
//   - health.Assessment: The monitor's verdict on the sample.
func (g *Governor) ReportMetricSample(ms MetricSample) health.Assessment {
	s := health.Sample{
		FPS:             ms.FPS,
		MemoryBytes:     ms.MemoryBytes,
		ElementTreeSize: ms.ElementTreeSize,
		ErrorCount:      ms.ErrorCount,
		Missing:         ms.Missing,
		Timestamp:       ms.Timestamp,
	}
	return g.ingest(g.lifetime(), s)
}

// ingest runs a sample through monitor, state machine and breakers.
func (g *Governor) ingest(ctx context.Context, s health.Sample) health.Assessment {
	if s.Timestamp.IsZero() {
		s.Timestamp = g.clock.Now()
	}
	s.HandleCount = g.registry.Size()
	s.CapacityViolations = g.registry.TakeViolations()
	s.Missing = s.Missing.Without(health.MetricHandles)

	a := g.monitor.Record(s)

	g.mu.Lock()
	g.latest = a
	g.haveLatest = true
	g.mu.Unlock()

	g.obs.HealthScore(a.Score, a.Critical)
	g.machine.Observe(a.Score, a.Critical)

	g.probeHalfOpen(a)
	for _, d := range a.Breaches {
		g.recordFailure(ctx, d, FailureContext{Message: "threshold breached"})
	}

	if a.Score <= g.cfg.Recovery.EmergencyScoreFloor {
		g.triggerRecovery(ctx, "health score at floor")
	}
	return a
}

// probeHalfOpen closes or re-opens half-open breakers from a sample.
// An unmeasured domain leaves its breaker half-open.
func (g *Governor) probeHalfOpen(a health.Assessment) {
	for _, d := range health.Domains {
		b, ok := g.breakers.Get(d)
		if !ok || b.State() != breaker.HalfOpen {
			continue
		}
		switch a.Healthy[d] {
		case health.Healthy:
			if b.Close() {
				g.breakerClosedFor(d)
			}
		case health.Unhealthy:
			if b.Reopen() {
				g.logger.Warn("breaker re-opened after unhealthy probe",
					slog.String("domain", d.String()),
					slog.Duration("cooldown", b.Cooldown()))
				g.obs.BreakerOpened(d)
				g.scheduleCooldown(d)
			}
		}
	}
}

// LatestAssessment returns the assessment of the most recent sample.
func (g *Governor) LatestAssessment() (health.Assessment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest, g.haveLatest
}
