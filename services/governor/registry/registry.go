// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry tracks ephemeral effect resources and enforces category
// quotas with age and priority based eviction.
//
// # Locking
//
// A single mutex guards the handle map and the per-category counters. It is
// held only for in-memory mutation and never across a Dispose call: eviction
// first marks victims as disposing under the lock (they stop counting toward
// any size and cannot be selected again), then disposes them unlocked, then
// removes them under the lock. A handle therefore stays in the registry until
// its disposal has run, and Dispose runs at most once per handle.
//
// Registration and its admission-time eviction happen inside one critical
// section, so no other registry operation can interleave between choosing
// the victims of a category and admitting the new handle.
package registry

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// entry is the registry's private record of a handle.
type entry struct {
	id           ID
	kind         Kind
	category     Category
	createdAt    time.Time
	lastUsedAt   time.Time
	expiresNever bool
	maxAge       time.Duration
	owner        string
	resource     Disposer
	key          any
	disposing    bool
}

func (e *entry) snapshot() Handle {
	return Handle{
		ID:           e.id,
		Kind:         e.kind,
		Category:     e.category,
		CreatedAt:    e.createdAt,
		LastUsedAt:   e.lastUsedAt,
		ExpiresNever: e.expiresNever,
		MaxAge:       e.maxAge,
		Owner:        e.owner,
	}
}

// victim pairs an entry with the reason it is being evicted.
type victim struct {
	e      *entry
	reason Reason
}

// Config configures a Registry.
type Config struct {
	// Quotas is the per-category quota table. Categories missing from the
	// table get GlobalMax as their count and the lowest rank.
	Quotas map[Category]Quota

	// GlobalMax caps the total number of live handles. Enforced by Sweep.
	GlobalMax int

	// TargetRatio is the fraction of GlobalMax that priority eviction drains
	// down to. Must be in (0, 1). Default: 0.6.
	TargetRatio float64

	// DefaultMaxAge applies when neither the registration nor the category
	// provide one. Default: 30 seconds.
	DefaultMaxAge time.Duration

	// Clock supplies timestamps. Default: the wall clock.
	Clock clock.Clock

	// Logger receives registry diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Observer receives metric events. Default: no-op.
	Observer Observer
}

// Registry is the keyed store of ephemeral handles.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	// faultLimiter throttles disposal-fault log lines; faults are always counted.
	faultLimiter *rate.Limiter

	mu            sync.Mutex
	entries       map[ID]*entry
	byKey         map[any]ID
	counts        map[Category]int
	nextID        ID
	quotas        map[Category]Quota
	globalMax     int
	targetRatio   float64
	defaultMaxAge time.Duration
	policy        QuotaPolicy
	violations    int
	closed        bool

	sweeping       atomic.Bool
	rerun          atomic.Bool
	disposeFaults  atomic.Int64
	sweepsSkipped  atomic.Int64
	totalEvictions atomic.Int64
}

// New creates a Registry.
//
// Inputs:
//   - cfg: Registry configuration. Zero values use defaults.
//
// Outputs:
//   - *Registry: The created registry. Never nil.
func New(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.TargetRatio <= 0 || cfg.TargetRatio >= 1 {
		cfg.TargetRatio = 0.6
	}
	if cfg.DefaultMaxAge <= 0 {
		cfg.DefaultMaxAge = 30 * time.Second
	}

	quotas := make(map[Category]Quota, len(cfg.Quotas))
	for c, q := range cfg.Quotas {
		quotas[c] = q
	}

	return &Registry{
		clock:         cfg.Clock,
		logger:        cfg.Logger.With(slog.String("component", "registry")),
		observer:      cfg.Observer,
		faultLimiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		entries:       make(map[ID]*entry),
		byKey:         make(map[any]ID),
		counts:        make(map[Category]int),
		quotas:        quotas,
		globalMax:     cfg.GlobalMax,
		targetRatio:   cfg.TargetRatio,
		defaultMaxAge: cfg.DefaultMaxAge,
	}
}

// resourceKey returns the deduplication key of a resource, or nil when the
// resource cannot be deduplicated.
func resourceKey(res Disposer) any {
	if k, ok := res.(Keyed); ok {
		return k.ResourceKey()
	}
	switch reflect.ValueOf(res).Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return res
	default:
		return nil
	}
}

// Register tracks a resource and returns its ID.
//
// Description:
//
//	Registration always succeeds. If the category is at its effective quota,
//	the oldest non-exempt handles of that category are evicted before the new
//	handle is admitted, so the category never exceeds its quota. Registering
//	a resource that is already tracked returns the existing ID and refreshes
//	its last-use time.
//
//	If every handle in a full category is exempt, the new handle is admitted
//	anyway and a capacity violation is recorded for the next health sample.
//	If the effective quota is zero (category disabled by the current state),
//	the resource is disposed immediately and the returned ID is already gone.
//
// Inputs:
//   - kind: Resource kind.
//   - category: Quota category.
//   - res: The resource. Must not be nil.
//   - opts: Per-registration options.
//
// Outputs:
//   - ID: The handle ID. Never zero.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(kind Kind, category Category, res Disposer, opts Options) ID {
	key := resourceKey(res)
	now := r.clock.Now()

	r.mu.Lock()
	if key != nil {
		if id, ok := r.byKey[key]; ok {
			if e, live := r.entries[id]; live && !e.disposing {
				e.lastUsedAt = now
				r.mu.Unlock()
				return id
			}
		}
	}

	r.nextID++
	e := &entry{
		id:           r.nextID,
		kind:         kind,
		category:     category,
		createdAt:    now,
		lastUsedAt:   now,
		expiresNever: opts.ExpiresNever,
		maxAge:       opts.MaxAge,
		owner:        opts.Owner,
		resource:     res,
		key:          key,
	}

	limit := r.effectiveQuotaLocked(category)
	if r.closed || limit == 0 {
		// Nothing may live in this category; the resource is tracked only
		// for the duration of its own disposal.
		reason := ReasonDisabled
		if r.closed {
			reason = ReasonShutdown
		}
		e.disposing = true
		r.entries[e.id] = e
		r.mu.Unlock()

		r.observer.HandleRegistered(category, kind)
		r.dispose([]victim{{e: e, reason: reason}})
		return e.id
	}

	var victims []victim
	violation := false
	if n := r.counts[category]; n >= limit {
		need := n - limit + 1
		for _, old := range r.oldestLocked(category, need) {
			victims = append(victims, victim{e: old, reason: ReasonAdmission})
		}
		r.markLocked(victims)
		if len(victims) < need {
			violation = true
			r.violations++
		}
	}

	r.entries[e.id] = e
	if key != nil {
		r.byKey[key] = e.id
	}
	r.counts[category]++
	size := r.counts[category]
	r.mu.Unlock()

	r.observer.HandleRegistered(category, kind)
	r.observer.RegistrySize(category, size)
	if violation {
		r.observer.CapacityViolation(category)
		r.logger.Warn("category quota exceeded by exempt handles",
			slog.String("category", category.String()),
			slog.Int("size", size),
			slog.Int("quota", limit),
		)
	}

	r.dispose(victims)
	return e.id
}

// Touch refreshes the last-use time of a handle.
//
// Outputs:
//   - bool: False if the ID is unknown or already being evicted.
func (r *Registry) Touch(id ID) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.disposing {
		return false
	}
	e.lastUsedAt = now
	return true
}

// Evict disposes and removes one handle.
//
// Outputs:
//   - bool: True the first time a live ID is evicted; false for unknown IDs
//     and for handles already evicted or being evicted.
//
// Thread Safety: Safe for concurrent use. Concurrent calls for the same ID
// dispose the resource once.
func (r *Registry) Evict(id ID) bool {
	return r.evictOne(id, ReasonExplicit)
}

// OnComplete is called by engine adapters when a tracked resource finished on
// its own. It evicts the handle so the registry stops counting it.
func (r *Registry) OnComplete(id ID) bool {
	return r.evictOne(id, ReasonComplete)
}

func (r *Registry) evictOne(id ID, reason Reason) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.disposing {
		r.mu.Unlock()
		return false
	}
	v := []victim{{e: e, reason: reason}}
	r.markLocked(v)
	r.mu.Unlock()

	r.dispose(v)
	return true
}

// EvictByCategory evicts every handle in a category, exempt or not.
func (r *Registry) EvictByCategory(category Category) int {
	return r.evictWhere(ReasonBulk, func(e *entry) bool {
		return e.category == category
	})
}

// EvictByOwner evicts every handle with the given owner label.
func (r *Registry) EvictByOwner(owner string) int {
	return r.evictWhere(ReasonBulk, func(e *entry) bool {
		return e.owner == owner
	})
}

// EvictByKind evicts non-exempt handles of a kind. Essential categories are
// skipped unless includeEssential is set.
func (r *Registry) EvictByKind(kind Kind, includeEssential bool) int {
	return r.evictWhere(ReasonBulk, func(e *entry) bool {
		if e.kind != kind || e.expiresNever {
			return false
		}
		return includeEssential || !r.quotaLocked(e.category).Essential
	})
}

// EvictOlderThan evicts non-exempt handles not used for more than d, the
// same age the sweep applies. Touch resets it. When categories are given,
// only those categories are considered.
func (r *Registry) EvictOlderThan(d time.Duration, categories ...Category) int {
	cutoff := r.clock.Now().Add(-d)
	return r.evictWhere(ReasonBulk, func(e *entry) bool {
		if e.expiresNever || !e.lastUsedAt.Before(cutoff) {
			return false
		}
		if len(categories) == 0 {
			return true
		}
		for _, c := range categories {
			if e.category == c {
				return true
			}
		}
		return false
	})
}

// EvictNonEssential evicts every handle outside essential categories,
// regardless of age. Exempt handles are included when includeExempt is set.
func (r *Registry) EvictNonEssential(includeExempt bool) int {
	return r.evictWhere(ReasonEmergency, func(e *entry) bool {
		if e.expiresNever && !includeExempt {
			return false
		}
		return !r.quotaLocked(e.category).Essential
	})
}

// evictWhere marks every live entry matching pred, disposes them and returns
// how many were evicted. pred runs with the lock held.
func (r *Registry) evictWhere(reason Reason, pred func(*entry) bool) int {
	r.mu.Lock()
	var victims []victim
	for _, e := range r.entries {
		if e.disposing || !pred(e) {
			continue
		}
		victims = append(victims, victim{e: e, reason: reason})
	}
	sortVictims(victims)
	r.markLocked(victims)
	r.mu.Unlock()

	r.dispose(victims)
	return len(victims)
}

// Get returns a snapshot of a live handle.
func (r *Registry) Get(id ID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.disposing {
		return Handle{}, false
	}
	return e.snapshot(), true
}

// Handles returns snapshots of live handles in a category ordered oldest first.
func (r *Registry) Handles(category Category) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handle, 0, r.counts[category])
	for _, e := range r.entries {
		if !e.disposing && e.category == category {
			out = append(out, e.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Size returns the number of live handles.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sizeLocked()
}

func (r *Registry) sizeLocked() int {
	total := 0
	for _, n := range r.counts {
		total += n
	}
	return total
}

// SizeByCategory returns the number of live handles in a category.
func (r *Registry) SizeByCategory(category Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[category]
}

// Sizes returns live handle counts for every category.
func (r *Registry) Sizes() map[Category]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		out[c] = r.counts[c]
	}
	return out
}

// TakeViolations returns and clears the number of capacity violations
// recorded since the previous call.
func (r *Registry) TakeViolations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.violations
	r.violations = 0
	return n
}

// DisposeFaults returns the number of Dispose calls that failed or panicked.
func (r *Registry) DisposeFaults() int64 {
	return r.disposeFaults.Load()
}

// Evictions returns the number of handles evicted over the registry lifetime.
func (r *Registry) Evictions() int64 {
	return r.totalEvictions.Load()
}

// markLocked flags victims as disposing and removes them from the counters.
func (r *Registry) markLocked(victims []victim) {
	for _, v := range victims {
		v.e.disposing = true
		r.counts[v.e.category]--
	}
}

// oldestLocked returns up to n non-exempt live entries of a category, oldest
// createdAt first with ties broken by ascending ID.
func (r *Registry) oldestLocked(category Category, n int) []*entry {
	if n <= 0 {
		return nil
	}
	var candidates []*entry
	for _, e := range r.entries {
		if e.disposing || e.expiresNever || e.category != category {
			continue
		}
		candidates = append(candidates, e)
	}
	sortEntries(candidates)
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func sortEntries(es []*entry) {
	sort.Slice(es, func(i, j int) bool {
		return olderThan(es[i], es[j])
	})
}

func sortVictims(vs []victim) {
	sort.Slice(vs, func(i, j int) bool {
		return olderThan(vs[i].e, vs[j].e)
	})
}

func olderThan(a, b *entry) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}
