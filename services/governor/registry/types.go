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
	"errors"
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownCategory is returned when a category name cannot be parsed.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrUnknownKind is returned when a kind name cannot be parsed.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrDisposePanic wraps a panic recovered from a Dispose call.
	ErrDisposePanic = errors.New("dispose panicked")
)

// -----------------------------------------------------------------------------
// Identifiers and enums
// -----------------------------------------------------------------------------

// ID identifies a registered handle. IDs are assigned monotonically starting
// at 1 and are never reused within a Registry.
type ID uint64

// Kind is the type of resource a handle tracks.
type Kind int

const (
	// KindAnimation is a tween or timeline owned by the animation engine.
	KindAnimation Kind = iota

	// KindTimer is a scheduled callback.
	KindTimer

	// KindElement is a node attached to the UI element tree.
	KindElement
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAnimation:
		return "animation"
	case KindTimer:
		return "timer"
	case KindElement:
		return "element"
	default:
		return "unknown"
	}
}

// ParseKind parses the output of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "animation":
		return KindAnimation, nil
	case "timer":
		return KindTimer, nil
	case "element":
		return KindElement, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Category groups handles that share a quota and an eviction priority.
type Category int

const (
	// CategoryPhase holds handles driving the current show phase.
	CategoryPhase Category = iota

	// CategoryEffect holds one-shot triggered effects.
	CategoryEffect

	// CategoryUI holds overlay and HUD elements.
	CategoryUI

	// CategoryBackground holds ambient background animation.
	CategoryBackground

	// CategoryParticle holds particle emitters and their tweens.
	CategoryParticle

	// CategoryStream holds handles bound to external control streams.
	CategoryStream
)

// Categories lists every category in declaration order.
var Categories = []Category{
	CategoryPhase,
	CategoryEffect,
	CategoryUI,
	CategoryBackground,
	CategoryParticle,
	CategoryStream,
}

// String returns the string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryPhase:
		return "phase"
	case CategoryEffect:
		return "effect"
	case CategoryUI:
		return "ui"
	case CategoryBackground:
		return "background"
	case CategoryParticle:
		return "particle"
	case CategoryStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	return c >= CategoryPhase && c <= CategoryStream
}

// ParseCategory parses the output of Category.String. Matching is case-insensitive.
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if c.String() == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// Reason records why a handle left the registry.
type Reason int

const (
	// ReasonExplicit is a direct Evict call.
	ReasonExplicit Reason = iota

	// ReasonComplete is an OnComplete notification from an engine adapter.
	ReasonComplete

	// ReasonAdmission is evict-then-admit at registration time.
	ReasonAdmission

	// ReasonDisabled means the category quota was zero at registration.
	ReasonDisabled

	// ReasonStale means a sweep found the resource no longer alive.
	ReasonStale

	// ReasonAge means the handle outlived its max age.
	ReasonAge

	// ReasonTrim means a sweep trimmed a category down to its effective quota.
	ReasonTrim

	// ReasonPriority means global overflow eviction.
	ReasonPriority

	// ReasonBulk covers category, owner, kind and age-bound bulk requests.
	ReasonBulk

	// ReasonPressure is aggressive eviction requested by the memory domain.
	ReasonPressure

	// ReasonEmergency is emergency mass eviction.
	ReasonEmergency

	// ReasonShutdown is disposal during Close.
	ReasonShutdown
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonExplicit:
		return "explicit"
	case ReasonComplete:
		return "complete"
	case ReasonAdmission:
		return "admission"
	case ReasonDisabled:
		return "disabled"
	case ReasonStale:
		return "stale"
	case ReasonAge:
		return "age"
	case ReasonTrim:
		return "trim"
	case ReasonPriority:
		return "priority"
	case ReasonBulk:
		return "bulk"
	case ReasonPressure:
		return "pressure"
	case ReasonEmergency:
		return "emergency"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Resource capabilities
// -----------------------------------------------------------------------------

// Disposer is the capability every tracked resource provides. Dispose kills
// or pauses an animation, clears a timer or detaches an element.
//
// Dispose is called at most once per registration. It runs without any
// registry lock held and may call back into the registry.
type Disposer interface {
	Dispose() error
}

// DisposeFunc adapts a function to Disposer.
type DisposeFunc func() error

// Dispose calls f.
func (f DisposeFunc) Dispose() error { return f() }

// Keyed is implemented by resources that know their own identity. Registering
// two resources with equal keys returns the existing ID.
//
// Resources that do not implement Keyed are keyed by their own value when that
// value is comparable (pointers, for example). Other resources are never
// deduplicated.
type Keyed interface {
	ResourceKey() any
}

// Liveness is implemented by resources whose lifetime can end outside the
// registry (a tween that finished, an element detached by the page). Sweeps
// call Alive and reap resources that report false.
type Liveness interface {
	Alive() bool
}

// -----------------------------------------------------------------------------
// Options, handles, quotas
// -----------------------------------------------------------------------------

// Options tune a single registration.
type Options struct {
	// MaxAge is the idle age after which the handle may be evicted.
	// Zero uses the category default.
	MaxAge time.Duration

	// ExpiresNever exempts the handle from age, admission and priority
	// eviction. Use for infinitely repeating effects.
	ExpiresNever bool

	// Owner labels the handle for EvictByOwner.
	Owner string
}

// Handle is a read-only snapshot of a registered resource.
type Handle struct {
	ID           ID
	Kind         Kind
	Category     Category
	CreatedAt    time.Time
	LastUsedAt   time.Time
	ExpiresNever bool
	MaxAge       time.Duration
	Owner        string
}

// Quota is the capacity and eviction rank of one category.
type Quota struct {
	// MaxCount is the maximum number of live handles in the category.
	MaxCount int

	// Priority ranks the category for global overflow eviction. 1 is the
	// most important; larger values are evicted first.
	Priority int

	// DefaultMaxAge applies to handles registered without an explicit MaxAge.
	DefaultMaxAge time.Duration

	// Essential categories keep their quota in emergency mode and survive
	// emergency mass eviction.
	Essential bool
}

// QuotaPolicy reshapes the configured quotas for the current governor state.
// The zero value leaves quotas untouched.
type QuotaPolicy struct {
	// Scale multiplies every MaxCount. Zero means 1.
	Scale float64

	// Floor is the minimum effective quota for a scaled category and the
	// quota non-essential categories collapse to when EmergencyOnly is set.
	Floor int

	// EmergencyOnly collapses every non-essential category to Floor.
	EmergencyOnly bool

	// Disabled categories get an effective quota of zero.
	Disabled []Category
}

// disables reports whether c is disabled by the policy.
func (p QuotaPolicy) disables(c Category) bool {
	for _, d := range p.Disabled {
		if d == c {
			return true
		}
	}
	return false
}

// Observer receives registry events for metrics. Implementations must be
// cheap and must not call back into the registry.
type Observer interface {
	HandleRegistered(c Category, k Kind)
	HandleEvicted(c Category, reason Reason)
	DisposalFailed(c Category)
	CapacityViolation(c Category)
	SweepCompleted(d time.Duration, evicted int)
	RegistrySize(c Category, n int)
}

type nopObserver struct{}

func (nopObserver) HandleRegistered(Category, Kind)   {}
func (nopObserver) HandleEvicted(Category, Reason)    {}
func (nopObserver) DisposalFailed(Category)           {}
func (nopObserver) CapacityViolation(Category)        {}
func (nopObserver) SweepCompleted(time.Duration, int) {}
func (nopObserver) RegistrySize(Category, int)        {}
