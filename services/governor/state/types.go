// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidBands is returned when the band table is not strictly ordered.
	ErrInvalidBands = errors.New("invalid degrade bands")

	// ErrUnknownMode is returned when a mode name cannot be parsed.
	ErrUnknownMode = errors.New("unknown governor mode")
)

// =============================================================================
// Modes and states
// =============================================================================

// Mode is the coarse governor mode.
type Mode int

const (
	// ModeNormal runs with full quotas and features.
	ModeNormal Mode = iota

	// ModeDegraded runs one of the configured degrade levels.
	ModeDegraded

	// ModeEmergency keeps only essential categories.
	ModeEmergency
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeDegraded:
		return "degraded"
	case ModeEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseMode parses the output of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return ModeNormal, nil
	case "degraded":
		return ModeDegraded, nil
	case "emergency":
		return ModeEmergency, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// State is the governor state.
//
// Level is 0 in Normal, the band level in Degraded, and one past the deepest
// band in Emergency, so Level orders states by severity.
type State struct {
	Mode             Mode
	Level            int
	LastTransitionAt time.Time
}

// String renders the state as "normal", "degraded(2)" or "emergency".
func (s State) String() string {
	if s.Mode == ModeDegraded {
		return fmt.Sprintf("degraded(%d)", s.Level)
	}
	return s.Mode.String()
}

// =============================================================================
// Policies
// =============================================================================

// LevelPolicy is the set of quality actions applied while a state is active.
type LevelPolicy struct {
	// QuotaScale multiplies every non-essential category quota.
	QuotaScale float64

	// EmergencyOnly collapses non-essential quotas to the emergency floor.
	EmergencyOnly bool

	// SweepInterval is the periodic sweep cadence.
	SweepInterval time.Duration

	// UpdateDivisor divides the animation update frequency. 1 is full rate.
	UpdateDivisor int

	// DisableFeatures names optional visual features to switch off.
	DisableFeatures []string

	// DisableCategories lists categories whose quota becomes zero.
	DisableCategories []registry.Category
}

// QuotaPolicy converts the level policy into a registry quota policy.
func (p LevelPolicy) QuotaPolicy(floor int) registry.QuotaPolicy {
	return registry.QuotaPolicy{
		Scale:         p.QuotaScale,
		Floor:         floor,
		EmergencyOnly: p.EmergencyOnly,
		Disabled:      append([]registry.Category(nil), p.DisableCategories...),
	}
}

func (p LevelPolicy) clone() LevelPolicy {
	p.DisableFeatures = append([]string(nil), p.DisableFeatures...)
	p.DisableCategories = append([]registry.Category(nil), p.DisableCategories...)
	return p
}

// Band is one degrade level.
//
// The band is entered when the score drops below Enter and left when the
// score is at or above Exit. Exit must be above Enter.
type Band struct {
	Level  int
	Enter  float64
	Exit   float64
	Policy LevelPolicy
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason string

	// Forced is set for overrides that bypassed hysteresis.
	Forced bool

	// Systemic is set while repeated Emergency re-entry widens the bands.
	Systemic bool

	// Policy is the policy of the new state.
	Policy LevelPolicy

	At time.Time
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the state machine.
type Config struct {
	// Normal is the policy applied in Normal.
	Normal LevelPolicy

	// Bands are the degrade levels, ordered from mildest to most severe.
	Bands []Band

	// Emergency is entered below EmergencyEnter and left, to the deepest
	// band, at or above EmergencyExit.
	Emergency      LevelPolicy
	EmergencyEnter float64
	EmergencyExit  float64

	// EnterConfirmations is how many further consecutive breaching samples
	// must follow the first before moving to a more severe state. Default: 2.
	EnterConfirmations int

	// ExitConfirmations is how many consecutive samples at or above the exit
	// threshold are needed to step back one level. Default: 3.
	ExitConfirmations int

	// TransitionCooldown is the minimum time between hysteresis-driven
	// transitions. Default: 5s.
	TransitionCooldown time.Duration

	// ReentryWindow: entering Emergency within this long after leaving it is
	// treated as a systemic fault. Default: 60s.
	ReentryWindow time.Duration

	// WidenBy is added to every exit threshold while systemic. Default: 10.
	WidenBy float64

	// SystemicSweepCeiling caps the sweep interval while systemic. Default: 1s.
	SystemicSweepCeiling time.Duration

	// SustainedNormal is how long Normal must hold before a systemic fault
	// is cleared. Default: 2m.
	SustainedNormal time.Duration
}

// DefaultConfig returns three degrade bands plus Emergency.
func DefaultConfig() Config {
	return Config{
		Normal: LevelPolicy{QuotaScale: 1, SweepInterval: 5 * time.Second, UpdateDivisor: 1},
		Bands: []Band{
			{Level: 1, Enter: 70, Exit: 80, Policy: LevelPolicy{
				QuotaScale: 0.75, SweepInterval: 3 * time.Second, UpdateDivisor: 1,
				DisableFeatures: []string{"bloom"},
			}},
			{Level: 2, Enter: 50, Exit: 65, Policy: LevelPolicy{
				QuotaScale: 0.5, SweepInterval: 2 * time.Second, UpdateDivisor: 2,
				DisableFeatures: []string{"bloom", "trails"},
			}},
			{Level: 3, Enter: 30, Exit: 45, Policy: LevelPolicy{
				QuotaScale: 0.25, SweepInterval: time.Second, UpdateDivisor: 3,
				DisableFeatures:   []string{"bloom", "trails", "ambient_particles"},
				DisableCategories: []registry.Category{registry.CategoryBackground, registry.CategoryParticle},
			}},
		},
		Emergency: LevelPolicy{
			QuotaScale: 0, EmergencyOnly: true, SweepInterval: 500 * time.Millisecond, UpdateDivisor: 4,
			DisableFeatures:   []string{"bloom", "trails", "ambient_particles", "background_effects"},
			DisableCategories: []registry.Category{registry.CategoryBackground, registry.CategoryParticle},
		},
		EmergencyEnter:       15,
		EmergencyExit:        30,
		EnterConfirmations:   2,
		ExitConfirmations:    3,
		TransitionCooldown:   5 * time.Second,
		ReentryWindow:        time.Minute,
		WidenBy:              10,
		SystemicSweepCeiling: time.Second,
		SustainedNormal:      2 * time.Minute,
	}
}

// ApplyDefaults fills zero policy fields that would make a state unusable.
func (c *Config) ApplyDefaults() {
	fill := func(p *LevelPolicy) {
		if p.SweepInterval <= 0 {
			p.SweepInterval = 5 * time.Second
		}
		if p.UpdateDivisor < 1 {
			p.UpdateDivisor = 1
		}
	}
	fill(&c.Normal)
	if c.Normal.QuotaScale == 0 {
		c.Normal.QuotaScale = 1
	}
	for i := range c.Bands {
		fill(&c.Bands[i].Policy)
	}
	fill(&c.Emergency)
	c.Emergency.EmergencyOnly = true
}

// Validate checks the band table ordering.
//
// Bands must have levels 1..N in order, Enter strictly decreasing, and each
// Exit strictly above its Enter. Emergency follows the same rule below the
// deepest band.
func (c *Config) Validate() error {
	prevEnter := 101.0
	for i, b := range c.Bands {
		if b.Level != i+1 {
			return fmt.Errorf("%w: band %d has level %d", ErrInvalidBands, i, b.Level)
		}
		if b.Enter >= prevEnter {
			return fmt.Errorf("%w: level %d enter %.1f must be below %.1f", ErrInvalidBands, b.Level, b.Enter, prevEnter)
		}
		if b.Exit <= b.Enter {
			return fmt.Errorf("%w: level %d exit %.1f must be above enter %.1f", ErrInvalidBands, b.Level, b.Exit, b.Enter)
		}
		prevEnter = b.Enter
	}
	if c.EmergencyEnter >= prevEnter {
		return fmt.Errorf("%w: emergency enter %.1f must be below %.1f", ErrInvalidBands, c.EmergencyEnter, prevEnter)
	}
	if c.EmergencyExit <= c.EmergencyEnter {
		return fmt.Errorf("%w: emergency exit %.1f must be above enter %.1f", ErrInvalidBands, c.EmergencyExit, c.EmergencyEnter)
	}
	return nil
}
