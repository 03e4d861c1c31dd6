// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
)

var tracer = otel.Tracer("fxgovernor.registry")

// SweepReport summarises one periodic sweep.
type SweepReport struct {
	// Reaped counts resources whose Alive reported false.
	Reaped int

	// Aged counts handles evicted for exceeding their max age.
	Aged int

	// Trimmed counts handles evicted to bring a category under its effective quota.
	Trimmed int

	// Priority counts handles evicted by global overflow eviction.
	Priority int

	// Remaining is the live handle count after the sweep.
	Remaining int

	// OverGlobal is true when the sweep ended above the global maximum,
	// which only happens when every remaining handle is exempt.
	OverGlobal bool

	// Duration is the wall time of the sweep.
	Duration time.Duration

	// Err aggregates disposal failures. Failures never abort a sweep.
	Err error
}

// Evicted returns the total number of handles the sweep evicted.
func (s SweepReport) Evicted() int {
	return s.Reaped + s.Aged + s.Trimmed + s.Priority
}

// Sweep runs one periodic eviction pass.
//
// Description:
//
//	Runs, in order: liveness reaping, age eviction (exempt handles skipped),
//	per-category trimming to the effective quota, and global priority
//	eviction. Priority eviction starts when the live count exceeds GlobalMax
//	and drains to TargetRatio*GlobalMax, taking the highest Priority value
//	first and oldest first within a rank; it crosses into the next rank in
//	the same sweep when one rank is not enough.
//
//	Sweeps do not overlap. A call made while another sweep is running
//	returns immediately with ran == false and queues one more pass: the
//	running sweep repeats once it finishes, so a policy change made while
//	it ran is applied without waiting for the next tick.
//
// Inputs:
//   - ctx: Carries the trace span parent. Sweeps are not interrupted by ctx.
//
// Outputs:
//   - SweepReport: What was evicted.
//   - bool: False if the call was coalesced into a running sweep.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Sweep(ctx context.Context) (SweepReport, bool) {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.rerun.Store(true)
		// The running sweep may have checked rerun just before we set it.
		if !r.sweeping.CompareAndSwap(false, true) {
			r.sweepsSkipped.Add(1)
			r.logger.Debug("sweep already running, queued another pass")
			return SweepReport{}, false
		}
	}

	var report SweepReport
	for {
		r.rerun.Store(false)
		report = report.merge(r.sweepPass(ctx))
		r.sweeping.Store(false)
		if !r.rerun.Load() || !r.sweeping.CompareAndSwap(false, true) {
			return report, true
		}
		r.logger.Debug("repeating sweep for a coalesced request")
	}
}

// merge folds a later pass into s. Counts add up; the end state comes
// from next.
func (s SweepReport) merge(next SweepReport) SweepReport {
	s.Reaped += next.Reaped
	s.Aged += next.Aged
	s.Trimmed += next.Trimmed
	s.Priority += next.Priority
	s.Remaining = next.Remaining
	s.OverGlobal = next.OverGlobal
	s.Duration += next.Duration
	s.Err = multierr.Append(s.Err, next.Err)
	return s
}

// sweepPass runs one reap, age, trim and priority pass.
func (r *Registry) sweepPass(ctx context.Context) SweepReport {
	_, span := tracer.Start(ctx, "Registry.Sweep")
	defer span.End()

	start := r.clock.Now()
	var report SweepReport

	reaped := r.reap()
	report.Reaped = len(reaped)
	report.Err = multierr.Append(report.Err, r.dispose(reaped))

	r.mu.Lock()
	now := r.clock.Now()
	aged := r.agedLocked(now)
	r.markLocked(aged)
	trimmed := r.overQuotaLocked()
	r.markLocked(trimmed)
	overflow := r.overflowLocked(r.priorityTargetLocked(), ReasonPriority)
	r.markLocked(overflow)
	r.mu.Unlock()

	report.Aged = len(aged)
	report.Trimmed = len(trimmed)
	report.Priority = len(overflow)

	batch := make([]victim, 0, len(aged)+len(trimmed)+len(overflow))
	batch = append(batch, aged...)
	batch = append(batch, trimmed...)
	batch = append(batch, overflow...)
	report.Err = multierr.Append(report.Err, r.dispose(batch))

	r.mu.Lock()
	report.Remaining = r.sizeLocked()
	report.OverGlobal = r.globalMax > 0 && report.Remaining > r.globalMax
	r.mu.Unlock()

	report.Duration = r.clock.Since(start)
	r.observer.SweepCompleted(report.Duration, report.Evicted())

	span.SetAttributes(
		attribute.Int("sweep.reaped", report.Reaped),
		attribute.Int("sweep.aged", report.Aged),
		attribute.Int("sweep.trimmed", report.Trimmed),
		attribute.Int("sweep.priority", report.Priority),
		attribute.Int("sweep.remaining", report.Remaining),
	)
	if report.Err != nil {
		span.SetStatus(codes.Error, "dispose failures")
	}

	if report.Evicted() > 0 || report.OverGlobal {
		r.logger.Debug("sweep complete",
			slog.Int("reaped", report.Reaped),
			slog.Int("aged", report.Aged),
			slog.Int("trimmed", report.Trimmed),
			slog.Int("priority", report.Priority),
			slog.Int("remaining", report.Remaining),
			slog.Bool("over_global", report.OverGlobal),
		)
	}
	return report
}

// SweepsSkipped returns how many sweeps were coalesced into a running one.
func (r *Registry) SweepsSkipped() int64 {
	return r.sweepsSkipped.Load()
}

// EvictToRatio runs priority eviction down to ratio*GlobalMax regardless of
// whether the registry is over its maximum. Used for memory pressure.
func (r *Registry) EvictToRatio(ctx context.Context, ratio float64) int {
	_, span := tracer.Start(ctx, "Registry.EvictToRatio",
		trace.WithAttributes(attribute.Float64("ratio", ratio)))
	defer span.End()

	r.mu.Lock()
	target := int(math.Floor(float64(r.globalMax) * ratio))
	var victims []victim
	if total := r.sizeLocked(); total > target {
		victims = r.priorityVictimsLocked(total-target, ReasonPressure)
	}
	r.markLocked(victims)
	r.mu.Unlock()

	r.dispose(victims)
	span.SetAttributes(attribute.Int("evicted", len(victims)))
	return len(victims)
}

// reap asks Liveness resources whether they are still alive and marks the
// dead ones. Alive runs without the lock held.
func (r *Registry) reap() []victim {
	type probe struct {
		e *entry
		l Liveness
	}

	r.mu.Lock()
	var probes []probe
	for _, e := range r.entries {
		if e.disposing {
			continue
		}
		if l, ok := e.resource.(Liveness); ok {
			probes = append(probes, probe{e: e, l: l})
		}
	}
	r.mu.Unlock()

	var dead []*entry
	for _, p := range probes {
		if !safeAlive(p.l) {
			dead = append(dead, p.e)
		}
	}
	if len(dead) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	victims := make([]victim, 0, len(dead))
	for _, e := range dead {
		if e.disposing {
			continue
		}
		victims = append(victims, victim{e: e, reason: ReasonStale})
	}
	sortVictims(victims)
	r.markLocked(victims)
	return victims
}

// safeAlive treats a panicking liveness check as a dead resource.
func safeAlive(l Liveness) (alive bool) {
	defer func() {
		if recover() != nil {
			alive = false
		}
	}()
	return l.Alive()
}

// agedLocked selects non-exempt entries idle for longer than their max age.
func (r *Registry) agedLocked(now time.Time) []victim {
	var out []victim
	for _, e := range r.entries {
		if e.disposing || e.expiresNever {
			continue
		}
		if now.Sub(e.lastUsedAt) > r.maxAgeLocked(e) {
			out = append(out, victim{e: e, reason: ReasonAge})
		}
	}
	sortVictims(out)
	return out
}

// overQuotaLocked selects the oldest entries of every category above its
// effective quota. Called after aged entries were marked.
func (r *Registry) overQuotaLocked() []victim {
	var out []victim
	for _, c := range Categories {
		excess := r.counts[c] - r.effectiveQuotaLocked(c)
		if excess <= 0 {
			continue
		}
		for _, e := range r.oldestLocked(c, excess) {
			out = append(out, victim{e: e, reason: ReasonTrim})
		}
	}
	return out
}

// priorityTargetLocked returns how many entries global eviction must remove,
// or zero when the registry is within GlobalMax.
func (r *Registry) priorityTargetLocked() int {
	if r.globalMax <= 0 {
		return 0
	}
	total := r.sizeLocked()
	if total <= r.globalMax {
		return 0
	}
	target := int(math.Floor(float64(r.globalMax) * r.targetRatio))
	return total - target
}

// overflowLocked selects n victims for global overflow eviction. Entries
// already marked by earlier sweep phases no longer count toward the total,
// so n must be computed after those phases were marked.
func (r *Registry) overflowLocked(n int, reason Reason) []victim {
	if n <= 0 {
		return nil
	}
	return r.priorityVictimsLocked(n, reason)
}

// priorityVictimsLocked orders non-exempt live entries by rank (largest
// Priority value first), then oldest createdAt, then ascending ID, and
// returns the first n.
func (r *Registry) priorityVictimsLocked(n int, reason Reason) []victim {
	var candidates []*entry
	for _, e := range r.entries {
		if e.disposing || e.expiresNever {
			continue
		}
		candidates = append(candidates, e)
	}

	sort.Slice(candidates, func(i, j int) bool {
		pi := r.quotaLocked(candidates[i].category).Priority
		pj := r.quotaLocked(candidates[j].category).Priority
		if pi != pj {
			return pi > pj
		}
		return olderThan(candidates[i], candidates[j])
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	out := make([]victim, len(candidates))
	for i, e := range candidates {
		out[i] = victim{e: e, reason: reason}
	}
	return out
}
