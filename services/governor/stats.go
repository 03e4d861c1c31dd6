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
	"sort"
	"time"

	"github.com/AleutianAI/fxgovernor/services/governor/breaker"
)

// Stats is a read-only snapshot for diagnostics.
type Stats struct {
	InstanceID string `json:"instance_id"`

	State            string    `json:"state"`
	Mode             string    `json:"mode"`
	Level            int       `json:"level"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
	Systemic         bool      `json:"systemic"`

	HealthScore float64 `json:"health_score"`
	HaveSample  bool    `json:"have_sample"`
	Critical    bool    `json:"critical"`

	Total           int            `json:"total"`
	GlobalMax       int            `json:"global_max"`
	Sizes           map[string]int `json:"sizes"`
	EffectiveQuotas map[string]int `json:"effective_quotas"`

	Breakers         []breaker.Snapshot `json:"breakers"`
	DisabledFeatures []string           `json:"disabled_features"`
	UpdateDivisor    int                `json:"update_divisor"`
	SweepInterval    time.Duration      `json:"sweep_interval"`

	Evictions      int64 `json:"evictions"`
	DisposeFaults  int64 `json:"dispose_faults"`
	SweepsSkipped  int64 `json:"sweeps_skipped"`
	SamplingFaults int64 `json:"sampling_faults"`
	Transitions    int64 `json:"transitions"`
	Recoveries     int64 `json:"recoveries"`
}

// Stats returns a snapshot of the governor. It has no side effects.
func (g *Governor) Stats() Stats {
	st := g.machine.State()
	policy := g.machine.Policy()
	latest, have := g.LatestAssessment()

	sizes := make(map[string]int)
	for c, n := range g.registry.Sizes() {
		sizes[c.String()] = n
	}
	quotas := make(map[string]int)
	for c, n := range g.registry.EffectiveQuotas() {
		quotas[c.String()] = n
	}

	return Stats{
		InstanceID:       g.id,
		State:            st.String(),
		Mode:             st.Mode.String(),
		Level:            st.Level,
		LastTransitionAt: st.LastTransitionAt,
		Systemic:         g.machine.Systemic(),
		HealthScore:      latest.Score,
		HaveSample:       have,
		Critical:         latest.Critical,
		Total:            g.registry.Size(),
		GlobalMax:        g.registry.GlobalMax(),
		Sizes:            sizes,
		EffectiveQuotas:  quotas,
		Breakers:         g.breakers.Snapshot(),
		DisabledFeatures: g.DisabledFeatures(),
		UpdateDivisor:    policy.UpdateDivisor,
		SweepInterval:    policy.SweepInterval,
		Evictions:        g.registry.Evictions(),
		DisposeFaults:    g.registry.DisposeFaults(),
		SweepsSkipped:    g.registry.SweepsSkipped(),
		SamplingFaults:   g.monitor.SamplingFaults(),
		Transitions:      g.machine.Transitions(),
		Recoveries:       g.recoveries.Load(),
	}
}

// DisabledFeatures returns the sorted union of the features disabled by the
// current policy and by open breakers.
func (g *Governor) DisabledFeatures() []string {
	set := make(map[string]struct{})
	for _, f := range g.machine.Policy().DisableFeatures {
		set[f] = struct{}{}
	}
	g.mu.Lock()
	for _, f := range g.breakerFeatures {
		set[f] = struct{}{}
	}
	g.mu.Unlock()

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// FeatureEnabled reports whether an optional visual feature may run.
func (g *Governor) FeatureEnabled(name string) bool {
	for _, f := range g.DisabledFeatures() {
		if f == name {
			return false
		}
	}
	return true
}
