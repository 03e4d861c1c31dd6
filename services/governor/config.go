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
	"fmt"
	"time"

	"github.com/AleutianAI/fxgovernor/services/governor/breaker"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

// RegistryConfig configures the handle registry.
type RegistryConfig struct {
	Quotas        map[registry.Category]registry.Quota
	GlobalMax     int
	TargetRatio   float64
	DefaultMaxAge time.Duration
}

// BreakerConfig configures the per-domain breakers.
type BreakerConfig struct {
	Default breaker.Config
	Domains map[health.Domain]breaker.Config
}

// RecoveryConfig configures the recovery orchestrator.
type RecoveryConfig struct {
	// AggressiveTargetRatio is the fraction of GlobalMax kept by the memory
	// mitigation. Default: 0.3.
	AggressiveTargetRatio float64

	// EmergencyFloor is the quota non-essential categories keep in Emergency
	// and the minimum any scaled quota shrinks to. Default: 2.
	EmergencyFloor int

	// StormThreshold is how many breakers open at once trigger emergency
	// recovery. Default: 2.
	StormThreshold int

	// EmergencyScoreFloor triggers emergency recovery when the health score
	// is at or below it. Default: 10.
	EmergencyScoreFloor float64

	// GracePeriod is the delay before the restore-eligibility check that
	// follows a recovery. Default: 30s.
	GracePeriod time.Duration

	// RestoreScore is the minimum score for the restore-eligibility check to
	// leave Emergency. Default: 60.
	RestoreScore float64
}

// Config is the complete governor configuration.
type Config struct {
	Registry RegistryConfig
	Health   health.Config
	State    state.Config
	Breakers BreakerConfig
	Recovery RecoveryConfig

	// SampleInterval is the cadence of the probe sampling loop. Zero
	// disables the loop; samples then come only from ReportMetricSample.
	SampleInterval time.Duration
}

// DefaultConfig returns a configuration suited to a 60 fps effects layer.
func DefaultConfig() Config {
	return Config{
		Registry: RegistryConfig{
			Quotas:        registry.DefaultQuotas(),
			GlobalMax:     registry.DefaultGlobalMax,
			TargetRatio:   0.6,
			DefaultMaxAge: 30 * time.Second,
		},
		Health: health.DefaultConfig(),
		State:  state.DefaultConfig(),
		Breakers: BreakerConfig{
			Default: breaker.DefaultConfig(),
		},
		Recovery: RecoveryConfig{
			AggressiveTargetRatio: 0.3,
			EmergencyFloor:        2,
			StormThreshold:        2,
			EmergencyScoreFloor:   10,
			GracePeriod:           30 * time.Second,
			RestoreScore:          60,
		},
		SampleInterval: 0,
	}
}

// ApplyDefaults fills zero values in the recovery settings.
func (c *Config) ApplyDefaults() {
	r := &c.Recovery
	if r.AggressiveTargetRatio <= 0 || r.AggressiveTargetRatio >= 1 {
		r.AggressiveTargetRatio = 0.3
	}
	if r.EmergencyFloor < 0 {
		r.EmergencyFloor = 0
	}
	if r.StormThreshold < 2 {
		r.StormThreshold = 2
	}
	if r.GracePeriod <= 0 {
		r.GracePeriod = 30 * time.Second
	}
	if r.RestoreScore <= 0 {
		r.RestoreScore = 60
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Registry.GlobalMax < 0 {
		return fmt.Errorf("%w: global max must not be negative", ErrInvalidConfig)
	}
	for cat, q := range c.Registry.Quotas {
		if !cat.Valid() {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, registry.ErrUnknownCategory)
		}
		if q.Priority < 1 {
			return fmt.Errorf("%w: %s priority must be at least 1", ErrInvalidConfig, cat)
		}
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("%w: health: %w", ErrInvalidConfig, err)
	}
	if err := c.State.Validate(); err != nil {
		return fmt.Errorf("%w: state: %w", ErrInvalidConfig, err)
	}
	if c.Recovery.EmergencyScoreFloor >= c.Recovery.RestoreScore {
		return fmt.Errorf("%w: emergency score floor %.1f must be below restore score %.1f",
			ErrInvalidConfig, c.Recovery.EmergencyScoreFloor, c.Recovery.RestoreScore)
	}
	return nil
}
