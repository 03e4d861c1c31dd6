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
	"log/slog"
	"math"
	"time"
)

// lowestRank is the priority given to categories missing from the quota table.
const lowestRank = math.MaxInt32

// DefaultGlobalMax is the global handle cap used with DefaultQuotas.
const DefaultGlobalMax = 300

// DefaultQuotas returns a quota table for a typical effects layer. Phase and
// UI handles are essential; particles are evicted first.
func DefaultQuotas() map[Category]Quota {
	return map[Category]Quota{
		CategoryPhase:      {MaxCount: 20, Priority: 1, DefaultMaxAge: 5 * time.Minute, Essential: true},
		CategoryUI:         {MaxCount: 50, Priority: 2, DefaultMaxAge: 2 * time.Minute, Essential: true},
		CategoryEffect:     {MaxCount: 60, Priority: 3, DefaultMaxAge: 30 * time.Second},
		CategoryStream:     {MaxCount: 30, Priority: 3, DefaultMaxAge: 20 * time.Second},
		CategoryBackground: {MaxCount: 40, Priority: 4, DefaultMaxAge: time.Minute},
		CategoryParticle:   {MaxCount: 150, Priority: 5, DefaultMaxAge: 10 * time.Second},
	}
}

// quotaLocked returns the configured quota of a category.
func (r *Registry) quotaLocked(c Category) Quota {
	if q, ok := r.quotas[c]; ok {
		return q
	}
	return Quota{MaxCount: r.globalMax, Priority: lowestRank}
}

// effectiveQuotaLocked applies the current policy to the configured quota.
//
// A non-positive configured MaxCount means the category is unbounded at
// admission time (it is still subject to the global maximum during sweeps).
func (r *Registry) effectiveQuotaLocked(c Category) int {
	q := r.quotaLocked(c)
	if r.policy.disables(c) {
		return 0
	}
	if q.MaxCount <= 0 {
		return math.MaxInt
	}
	if r.policy.EmergencyOnly && !q.Essential {
		return min(r.policy.Floor, q.MaxCount)
	}

	scale := r.policy.Scale
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	n := int(math.Ceil(float64(q.MaxCount) * scale))
	if n < r.policy.Floor {
		n = min(r.policy.Floor, q.MaxCount)
	}
	return n
}

// maxAgeLocked resolves the max age of an entry.
func (r *Registry) maxAgeLocked(e *entry) time.Duration {
	if e.maxAge > 0 {
		return e.maxAge
	}
	if q := r.quotaLocked(e.category); q.DefaultMaxAge > 0 {
		return q.DefaultMaxAge
	}
	return r.defaultMaxAge
}

// Quota returns the configured quota of a category.
func (r *Registry) Quota(c Category) Quota {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quotaLocked(c)
}

// EffectiveQuota returns the quota of a category after the current policy.
func (r *Registry) EffectiveQuota(c Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveQuotaLocked(c)
}

// EffectiveQuotas returns the effective quota of every category.
func (r *Registry) EffectiveQuotas() map[Category]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		out[c] = r.effectiveQuotaLocked(c)
	}
	return out
}

// GlobalMax returns the global handle maximum.
func (r *Registry) GlobalMax() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalMax
}

// Policy returns the active quota policy.
func (r *Registry) Policy() QuotaPolicy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// SetPolicy replaces the quota policy.
//
// Description:
//
//	Shrinking quotas does not evict anything by itself. Categories above
//	their new effective quota are trimmed by the next Sweep, and new
//	registrations are admitted against the new quota immediately.
func (r *Registry) SetPolicy(p QuotaPolicy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()

	r.logger.Debug("quota policy updated",
		slog.Float64("scale", p.Scale),
		slog.Int("floor", p.Floor),
		slog.Bool("emergency_only", p.EmergencyOnly),
		slog.Int("disabled_categories", len(p.Disabled)),
	)
}

// SetQuotas replaces the quota table. Used by configuration reload.
func (r *Registry) SetQuotas(quotas map[Category]Quota) {
	next := make(map[Category]Quota, len(quotas))
	for c, q := range quotas {
		next[c] = q
	}

	r.mu.Lock()
	r.quotas = next
	r.mu.Unlock()

	r.logger.Info("quota table replaced", slog.Int("categories", len(next)))
}

// SetGlobalMax replaces the global maximum and the priority eviction target.
// A ratio outside (0, 1) keeps the current target ratio.
func (r *Registry) SetGlobalMax(max int, targetRatio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalMax = max
	if targetRatio > 0 && targetRatio < 1 {
		r.targetRatio = targetRatio
	}
}
