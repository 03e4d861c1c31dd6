// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config reads the governor's YAML configuration file.
//
// The file uses names, not numbers, for categories, domains and disabled
// categories so that it stays readable. Load parses and validates it;
// ToGovernor converts it into a governor.Config. Watcher re-reads the file
// when it changes and hands the new quota table to the running governor.
package config

import (
	"time"
)

// File is the on-disk configuration.
type File struct {
	Registry       RegistrySection    `yaml:"registry"`
	Health         HealthSection      `yaml:"health"`
	State          StateSection       `yaml:"state"`
	Breakers       BreakerSection     `yaml:"breakers"`
	Recovery       RecoverySection    `yaml:"recovery"`
	SampleInterval time.Duration      `yaml:"sample_interval" validate:"gte=0"`
	Logging        LoggingSection     `yaml:"logging"`
	Diagnostics    DiagnosticsSection `yaml:"diagnostics"`
}

// RegistrySection is the quota table and global cap.
type RegistrySection struct {
	// Quotas is keyed by category name: phase, effect, ui, background,
	// particle, stream.
	Quotas        map[string]QuotaSection `yaml:"quotas" validate:"dive,keys,oneof=phase effect ui background particle stream,endkeys"`
	GlobalMax     int                     `yaml:"global_max" validate:"gte=0"`
	TargetRatio   float64                 `yaml:"target_ratio" validate:"gt=0,lt=1"`
	DefaultMaxAge time.Duration           `yaml:"default_max_age" validate:"gte=0"`
}

// QuotaSection is one category's quota.
type QuotaSection struct {
	MaxCount      int           `yaml:"max_count" validate:"gte=0"`
	Priority      int           `yaml:"priority" validate:"gte=1"`
	DefaultMaxAge time.Duration `yaml:"default_max_age,omitempty" validate:"gte=0"`
	Essential     bool          `yaml:"essential,omitempty"`
}

// HealthSection configures scoring.
type HealthSection struct {
	Weights               WeightsSection   `yaml:"weights"`
	FPS                   ThresholdSection `yaml:"fps"`
	Memory                ThresholdSection `yaml:"memory_bytes"`
	ElementTree           ThresholdSection `yaml:"element_tree"`
	Handles               ThresholdSection `yaml:"handles"`
	Errors                ThresholdSection `yaml:"errors"`
	FPSFloor              float64          `yaml:"fps_floor" validate:"gte=0"`
	HistorySize           int              `yaml:"history_size" validate:"gte=0"`
	TrendWindow           int              `yaml:"trend_window" validate:"gte=0"`
	MemoryGrowthPerSample float64          `yaml:"memory_growth_per_sample" validate:"gte=0"`
}

// WeightsSection is the share of the score each metric may deduct.
type WeightsSection struct {
	FPS         float64 `yaml:"fps" validate:"gte=0"`
	Memory      float64 `yaml:"memory" validate:"gte=0"`
	ElementTree float64 `yaml:"element_tree" validate:"gte=0"`
	Handles     float64 `yaml:"handles" validate:"gte=0"`
	Errors      float64 `yaml:"errors" validate:"gte=0"`
}

// ThresholdSection is a warning/critical pair.
type ThresholdSection struct {
	Warning  float64 `yaml:"warning" validate:"gte=0"`
	Critical float64 `yaml:"critical" validate:"gte=0"`
}

// StateSection configures the degrade state machine.
type StateSection struct {
	Normal               PolicySection `yaml:"normal"`
	Bands                []BandSection `yaml:"bands" validate:"dive"`
	Emergency            PolicySection `yaml:"emergency"`
	EmergencyEnter       float64       `yaml:"emergency_enter" validate:"gte=0,lte=100"`
	EmergencyExit        float64       `yaml:"emergency_exit" validate:"gte=0,lte=100"`
	EnterConfirmations   int           `yaml:"enter_confirmations" validate:"gte=0"`
	ExitConfirmations    int           `yaml:"exit_confirmations" validate:"gte=0"`
	TransitionCooldown   time.Duration `yaml:"transition_cooldown" validate:"gte=0"`
	ReentryWindow        time.Duration `yaml:"reentry_window" validate:"gte=0"`
	WidenBy              float64       `yaml:"widen_by" validate:"gte=0"`
	SystemicSweepCeiling time.Duration `yaml:"systemic_sweep_ceiling" validate:"gte=0"`
	SustainedNormal      time.Duration `yaml:"sustained_normal" validate:"gte=0"`
}

// BandSection is one degrade level.
type BandSection struct {
	Level  int           `yaml:"level" validate:"gte=1"`
	Enter  float64       `yaml:"enter" validate:"gte=0,lte=100"`
	Exit   float64       `yaml:"exit" validate:"gte=0,lte=100"`
	Policy PolicySection `yaml:"policy"`
}

// PolicySection is the set of quality actions of a state.
type PolicySection struct {
	QuotaScale        float64       `yaml:"quota_scale" validate:"gte=0,lte=1"`
	SweepInterval     time.Duration `yaml:"sweep_interval" validate:"gte=0"`
	UpdateDivisor     int           `yaml:"update_divisor" validate:"gte=0"`
	DisableFeatures   []string      `yaml:"disable_features,omitempty" validate:"dive,required"`
	DisableCategories []string      `yaml:"disable_categories,omitempty" validate:"dive,oneof=phase effect ui background particle stream"`
}

// BreakerSection configures the per-domain breakers.
type BreakerSection struct {
	Default BreakerParams `yaml:"default"`

	// Domains is keyed by domain name: memory, frame_rate, element_tree,
	// error_rate.
	Domains map[string]BreakerParams `yaml:"domains,omitempty" validate:"dive,keys,oneof=memory frame_rate element_tree error_rate,endkeys"`
}

// BreakerParams is one breaker's tuning.
type BreakerParams struct {
	Threshold     int           `yaml:"threshold" validate:"gte=0"`
	Cooldown      time.Duration `yaml:"cooldown" validate:"gte=0"`
	MaxCooldown   time.Duration `yaml:"max_cooldown" validate:"gte=0"`
	FailureWindow time.Duration `yaml:"failure_window" validate:"gte=0"`
}

// RecoverySection configures the recovery orchestrator.
type RecoverySection struct {
	AggressiveTargetRatio float64       `yaml:"aggressive_target_ratio" validate:"gt=0,lt=1"`
	EmergencyFloor        int           `yaml:"emergency_floor" validate:"gte=0"`
	StormThreshold        int           `yaml:"storm_threshold" validate:"gte=2"`
	EmergencyScoreFloor   float64       `yaml:"emergency_score_floor" validate:"gte=0,lte=100"`
	GracePeriod           time.Duration `yaml:"grace_period" validate:"gt=0"`
	RestoreScore          float64       `yaml:"restore_score" validate:"gt=0,lte=100"`
}

// LoggingSection configures the binaries' logger.
type LoggingSection struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON   bool   `yaml:"json"`
	LogDir string `yaml:"log_dir,omitempty"`
}

// DiagnosticsSection configures the HTTP diagnostics surface.
type DiagnosticsSection struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"omitempty,hostname_port"`
}
