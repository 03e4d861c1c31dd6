// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/breaker"
	"github.com/AleutianAI/fxgovernor/services/governor/health"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid governor configuration")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// =============================================================================
// Defaults
// =============================================================================

// Default returns the file form of governor.DefaultConfig.
func Default() *File {
	f := FromGovernor(governor.DefaultConfig())
	f.Logging = LoggingSection{Level: "info"}
	f.Diagnostics = DiagnosticsSection{Enabled: true, Addr: "127.0.0.1:7070"}
	return f
}

// FromGovernor converts a governor configuration into its file form.
// Logging and diagnostics sections are left empty.
func FromGovernor(c governor.Config) *File {
	f := &File{
		Registry: RegistrySection{
			Quotas:        make(map[string]QuotaSection, len(c.Registry.Quotas)),
			GlobalMax:     c.Registry.GlobalMax,
			TargetRatio:   c.Registry.TargetRatio,
			DefaultMaxAge: c.Registry.DefaultMaxAge,
		},
		Health: HealthSection{
			Weights: WeightsSection{
				FPS:         c.Health.Weights.FPS,
				Memory:      c.Health.Weights.Memory,
				ElementTree: c.Health.Weights.ElementTree,
				Handles:     c.Health.Weights.Handles,
				Errors:      c.Health.Weights.Errors,
			},
			FPS:                   ThresholdSection(c.Health.FPS),
			Memory:                ThresholdSection(c.Health.Memory),
			ElementTree:           ThresholdSection(c.Health.ElementTree),
			Handles:               ThresholdSection(c.Health.Handles),
			Errors:                ThresholdSection(c.Health.Errors),
			FPSFloor:              c.Health.FPSFloor,
			HistorySize:           c.Health.HistorySize,
			TrendWindow:           c.Health.TrendWindow,
			MemoryGrowthPerSample: c.Health.MemoryGrowthPerSample,
		},
		State: StateSection{
			Normal:               policyToFile(c.State.Normal),
			Emergency:            policyToFile(c.State.Emergency),
			EmergencyEnter:       c.State.EmergencyEnter,
			EmergencyExit:        c.State.EmergencyExit,
			EnterConfirmations:   c.State.EnterConfirmations,
			ExitConfirmations:    c.State.ExitConfirmations,
			TransitionCooldown:   c.State.TransitionCooldown,
			ReentryWindow:        c.State.ReentryWindow,
			WidenBy:              c.State.WidenBy,
			SystemicSweepCeiling: c.State.SystemicSweepCeiling,
			SustainedNormal:      c.State.SustainedNormal,
		},
		Breakers: BreakerSection{
			Default: BreakerParams(c.Breakers.Default),
		},
		Recovery:       RecoverySection(c.Recovery),
		SampleInterval: c.SampleInterval,
	}
	for cat, q := range c.Registry.Quotas {
		f.Registry.Quotas[cat.String()] = QuotaSection(q)
	}
	for _, b := range c.State.Bands {
		f.State.Bands = append(f.State.Bands, BandSection{
			Level:  b.Level,
			Enter:  b.Enter,
			Exit:   b.Exit,
			Policy: policyToFile(b.Policy),
		})
	}
	if len(c.Breakers.Domains) > 0 {
		f.Breakers.Domains = make(map[string]BreakerParams, len(c.Breakers.Domains))
		for d, bc := range c.Breakers.Domains {
			f.Breakers.Domains[d.String()] = BreakerParams(bc)
		}
	}
	return f
}

func policyToFile(p state.LevelPolicy) PolicySection {
	out := PolicySection{
		QuotaScale:      p.QuotaScale,
		SweepInterval:   p.SweepInterval,
		UpdateDivisor:   p.UpdateDivisor,
		DisableFeatures: append([]string(nil), p.DisableFeatures...),
	}
	for _, c := range p.DisableCategories {
		out.DisableCategories = append(out.DisableCategories, c.String())
	}
	return out
}

// =============================================================================
// Conversion
// =============================================================================

// ToGovernor converts the file into a governor configuration and validates
// the result with governor.Config.Validate.
//
// Outputs:
//   - governor.Config: Ready for governor.New.
//   - error: Wraps ErrInvalid on unknown names or inconsistent values.
func (f *File) ToGovernor() (governor.Config, error) {
	c := governor.Config{
		Registry: governor.RegistryConfig{
			Quotas:        make(map[registry.Category]registry.Quota, len(f.Registry.Quotas)),
			GlobalMax:     f.Registry.GlobalMax,
			TargetRatio:   f.Registry.TargetRatio,
			DefaultMaxAge: f.Registry.DefaultMaxAge,
		},
		Health: health.Config{
			Weights: health.Weights{
				FPS:         f.Health.Weights.FPS,
				Memory:      f.Health.Weights.Memory,
				ElementTree: f.Health.Weights.ElementTree,
				Handles:     f.Health.Weights.Handles,
				Errors:      f.Health.Weights.Errors,
			},
			FPS:                   health.Threshold(f.Health.FPS),
			Memory:                health.Threshold(f.Health.Memory),
			ElementTree:           health.Threshold(f.Health.ElementTree),
			Handles:               health.Threshold(f.Health.Handles),
			Errors:                health.Threshold(f.Health.Errors),
			FPSFloor:              f.Health.FPSFloor,
			HistorySize:           f.Health.HistorySize,
			TrendWindow:           f.Health.TrendWindow,
			MemoryGrowthPerSample: f.Health.MemoryGrowthPerSample,
		},
		State: state.Config{
			EmergencyEnter:       f.State.EmergencyEnter,
			EmergencyExit:        f.State.EmergencyExit,
			EnterConfirmations:   f.State.EnterConfirmations,
			ExitConfirmations:    f.State.ExitConfirmations,
			TransitionCooldown:   f.State.TransitionCooldown,
			ReentryWindow:        f.State.ReentryWindow,
			WidenBy:              f.State.WidenBy,
			SystemicSweepCeiling: f.State.SystemicSweepCeiling,
			SustainedNormal:      f.State.SustainedNormal,
		},
		Breakers: governor.BreakerConfig{
			Default: breaker.Config(f.Breakers.Default),
		},
		Recovery:       governor.RecoveryConfig(f.Recovery),
		SampleInterval: f.SampleInterval,
	}

	for name, q := range f.Registry.Quotas {
		cat, err := registry.ParseCategory(name)
		if err != nil {
			return governor.Config{}, fmt.Errorf("%w: quotas: %w", ErrInvalid, err)
		}
		c.Registry.Quotas[cat] = registry.Quota(q)
	}

	var err error
	if c.State.Normal, err = policyFromFile(f.State.Normal); err != nil {
		return governor.Config{}, fmt.Errorf("%w: normal policy: %w", ErrInvalid, err)
	}
	if c.State.Emergency, err = policyFromFile(f.State.Emergency); err != nil {
		return governor.Config{}, fmt.Errorf("%w: emergency policy: %w", ErrInvalid, err)
	}
	for _, b := range f.State.Bands {
		p, err := policyFromFile(b.Policy)
		if err != nil {
			return governor.Config{}, fmt.Errorf("%w: band %d policy: %w", ErrInvalid, b.Level, err)
		}
		c.State.Bands = append(c.State.Bands, state.Band{Level: b.Level, Enter: b.Enter, Exit: b.Exit, Policy: p})
	}

	if len(f.Breakers.Domains) > 0 {
		c.Breakers.Domains = make(map[health.Domain]breaker.Config, len(f.Breakers.Domains))
		for name, bp := range f.Breakers.Domains {
			d, err := health.ParseDomain(name)
			if err != nil {
				return governor.Config{}, fmt.Errorf("%w: breakers: %w", ErrInvalid, err)
			}
			c.Breakers.Domains[d] = breaker.Config(bp)
		}
	}

	if err := c.Validate(); err != nil {
		return governor.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return c, nil
}

func policyFromFile(p PolicySection) (state.LevelPolicy, error) {
	out := state.LevelPolicy{
		QuotaScale:      p.QuotaScale,
		SweepInterval:   p.SweepInterval,
		UpdateDivisor:   p.UpdateDivisor,
		DisableFeatures: append([]string(nil), p.DisableFeatures...),
	}
	for _, name := range p.DisableCategories {
		c, err := registry.ParseCategory(name)
		if err != nil {
			return state.LevelPolicy{}, err
		}
		out.DisableCategories = append(out.DisableCategories, c)
	}
	return out, nil
}

// =============================================================================
// Loading
// =============================================================================

// Validate runs the struct tag rules and then the governor's own checks.
func (f *File) Validate() error {
	if err := structValidator().Struct(f); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	_, err := f.ToGovernor()
	return err
}

// Parse decodes and validates YAML. Fields absent from data keep their
// default values.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse governor configuration: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads and validates the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read governor configuration: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Marshal encodes the file as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create configuration directory: %w", err)
	}
	data, err := Default().Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
