// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"fmt"
	"math"
)

// Threshold is a warning/critical pair for one metric.
//
// For FPS lower values are worse, so Warning must be above Critical. For
// every other metric higher values are worse and Warning must be below
// Critical.
type Threshold struct {
	Warning  float64
	Critical float64
}

// Weights are the share of the composite score each metric can deduct.
// They need not sum to 100; the score is normalised over available metrics.
type Weights struct {
	FPS         float64
	Memory      float64
	ElementTree float64
	Handles     float64
	Errors      float64
}

func (w Weights) of(m Metric) float64 {
	switch m {
	case MetricFPS:
		return w.FPS
	case MetricMemory:
		return w.Memory
	case MetricElementTree:
		return w.ElementTree
	case MetricHandles:
		return w.Handles
	case MetricErrors:
		return w.Errors
	default:
		return 0
	}
}

// Config configures scoring and history.
type Config struct {
	Weights Weights

	FPS         Threshold
	Memory      Threshold
	ElementTree Threshold
	Handles     Threshold
	Errors      Threshold

	// FPSFloor forces Emergency on a single sample with FPS below it.
	// Zero disables the floor.
	FPSFloor float64

	// HistorySize is the number of samples retained. Default: 60.
	HistorySize int

	// TrendWindow is the number of samples used for trend slopes. Default: 10.
	TrendWindow int

	// MemoryGrowthPerSample is the memory slope, in bytes per sample, above
	// which a memory domain fault is reported. Zero disables the check.
	MemoryGrowthPerSample float64
}

// DefaultConfig returns thresholds suited to a 60 fps presentation.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			FPS:         40,
			Memory:      25,
			ElementTree: 20,
			Handles:     7.5,
			Errors:      7.5,
		},
		FPS:         Threshold{Warning: 50, Critical: 30},
		Memory:      Threshold{Warning: 512 << 20, Critical: 1 << 30},
		ElementTree: Threshold{Warning: 1500, Critical: 3000},
		Handles:     Threshold{Warning: 400, Critical: 800},
		Errors:      Threshold{Warning: 3, Critical: 10},
		FPSFloor:    10,
		HistorySize: 60,
		TrendWindow: 10,
	}
}

// ApplyDefaults fills zero sizes.
func (c *Config) ApplyDefaults() {
	if c.HistorySize <= 0 {
		c.HistorySize = 60
	}
	if c.TrendWindow <= 1 {
		c.TrendWindow = 10
	}
	if c.TrendWindow > c.HistorySize {
		c.TrendWindow = c.HistorySize
	}
}

// Validate checks threshold ordering and weights.
func (c *Config) Validate() error {
	if c.FPS.Warning <= c.FPS.Critical {
		return fmt.Errorf("fps warning %.1f must be above critical %.1f", c.FPS.Warning, c.FPS.Critical)
	}
	for _, m := range []Metric{MetricMemory, MetricElementTree, MetricHandles, MetricErrors} {
		th := c.threshold(m)
		if th.Warning >= th.Critical {
			return fmt.Errorf("%s warning %.1f must be below critical %.1f", m, th.Warning, th.Critical)
		}
	}
	total := 0.0
	for _, m := range Metrics {
		w := c.Weights.of(m)
		if w < 0 {
			return fmt.Errorf("%s weight must not be negative", m)
		}
		total += w
	}
	if total <= 0 {
		return fmt.Errorf("at least one weight must be positive")
	}
	return nil
}

func (c *Config) threshold(m Metric) Threshold {
	switch m {
	case MetricFPS:
		return c.FPS
	case MetricMemory:
		return c.Memory
	case MetricElementTree:
		return c.ElementTree
	case MetricHandles:
		return c.Handles
	default:
		return c.Errors
	}
}

// deficit returns how far v is into the warning→critical band, in [0, 1].
func deficit(m Metric, th Threshold, v float64) float64 {
	if m == MetricFPS {
		switch {
		case v >= th.Warning:
			return 0
		case v <= th.Critical:
			return 1
		default:
			return (th.Warning - v) / (th.Warning - th.Critical)
		}
	}
	switch {
	case v <= th.Warning:
		return 0
	case v >= th.Critical:
		return 1
	default:
		return (v - th.Warning) / (th.Critical - th.Warning)
	}
}

// Score computes the composite health score of a sample.
//
// Description:
//
//	Each available metric deducts up to its weight, linearly between its
//	warning and critical thresholds. Missing metrics are left out of both
//	the deduction and the denominator, so an unmeasurable signal neither
//	helps nor hurts the score. The result is in [0, 100]; 100 is returned
//	when nothing was measured.
func (c *Config) Score(s Sample) float64 {
	var total, deducted float64
	for _, m := range Metrics {
		w := c.Weights.of(m)
		if w <= 0 || s.Missing.Has(m) {
			continue
		}
		total += w
		deducted += w * deficit(m, c.threshold(m), s.Value(m))
	}
	if total == 0 {
		return 100
	}
	return math.Max(0, 100*(1-deducted/total))
}

// DomainHealthy judges one failure domain from a sample.
func (c *Config) DomainHealthy(d Domain, s Sample) Tristate {
	m := d.Metric()
	if s.Missing.Has(m) {
		return Unknown
	}
	if deficit(m, c.threshold(m), s.Value(m)) > 0 {
		return Unhealthy
	}
	return Healthy
}

// breached reports whether a metric is at or beyond its critical threshold.
func (c *Config) breached(m Metric, s Sample) bool {
	if s.Missing.Has(m) {
		return false
	}
	return deficit(m, c.threshold(m), s.Value(m)) >= 1
}
