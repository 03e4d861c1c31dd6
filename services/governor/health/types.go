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
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownDomain is returned when a failure domain name cannot be parsed.
	ErrUnknownDomain = errors.New("unknown failure domain")

	// ErrMetricUnavailable is returned by probes that cannot measure on this host.
	ErrMetricUnavailable = errors.New("metric unavailable")
)

// =============================================================================
// Metrics
// =============================================================================

// Metric identifies one health signal.
type Metric int

const (
	// MetricFPS is the render frame rate. Lower is worse.
	MetricFPS Metric = iota

	// MetricMemory is the memory footprint in bytes.
	MetricMemory

	// MetricElementTree is the number of nodes in the UI element tree.
	MetricElementTree

	// MetricHandles is the number of live registry handles.
	MetricHandles

	// MetricErrors is the number of errors observed since the previous sample.
	MetricErrors
)

// Metrics lists every metric.
var Metrics = []Metric{MetricFPS, MetricMemory, MetricElementTree, MetricHandles, MetricErrors}

// String returns the string representation of the metric.
func (m Metric) String() string {
	switch m {
	case MetricFPS:
		return "fps"
	case MetricMemory:
		return "memory"
	case MetricElementTree:
		return "element_tree"
	case MetricHandles:
		return "handles"
	case MetricErrors:
		return "errors"
	default:
		return "unknown"
	}
}

// MetricSet is a bit set of metrics.
type MetricSet uint8

// NewMetricSet builds a set from metrics.
func NewMetricSet(ms ...Metric) MetricSet {
	var s MetricSet
	for _, m := range ms {
		s = s.With(m)
	}
	return s
}

// Has reports whether m is in the set.
func (s MetricSet) Has(m Metric) bool { return s&(1<<uint(m)) != 0 }

// With returns the set with m added.
func (s MetricSet) With(m Metric) MetricSet { return s | 1<<uint(m) }

// Without returns the set with m removed.
func (s MetricSet) Without(m Metric) MetricSet { return s &^ (1 << uint(m)) }

// =============================================================================
// Failure domains
// =============================================================================

// Domain is a failure domain that owns a circuit breaker.
type Domain int

const (
	// DomainMemory covers memory footprint faults.
	DomainMemory Domain = iota

	// DomainFrameRate covers frame rate collapse.
	DomainFrameRate

	// DomainElementTree covers element tree growth.
	DomainElementTree

	// DomainErrorRate covers render and loading errors.
	DomainErrorRate
)

// Domains lists every failure domain.
var Domains = []Domain{DomainMemory, DomainFrameRate, DomainElementTree, DomainErrorRate}

// String returns the string representation of the domain.
func (d Domain) String() string {
	switch d {
	case DomainMemory:
		return "memory"
	case DomainFrameRate:
		return "frame_rate"
	case DomainElementTree:
		return "element_tree"
	case DomainErrorRate:
		return "error_rate"
	default:
		return "unknown"
	}
}

// Metric returns the metric a domain is judged by.
func (d Domain) Metric() Metric {
	switch d {
	case DomainMemory:
		return MetricMemory
	case DomainFrameRate:
		return MetricFPS
	case DomainElementTree:
		return MetricElementTree
	default:
		return MetricErrors
	}
}

// ParseDomain parses the output of Domain.String.
func ParseDomain(s string) (Domain, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, d := range Domains {
		if d.String() == name {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDomain, s)
}

// Tristate is the result of a health probe that may be inconclusive.
type Tristate int

const (
	// Unknown means the metric was not measured.
	Unknown Tristate = iota

	// Healthy means the metric is at or better than its warning threshold.
	Healthy

	// Unhealthy means the metric is past its warning threshold.
	Unhealthy
)

// String returns the string representation of the tristate.
func (t Tristate) String() string {
	switch t {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// =============================================================================
// Samples
// =============================================================================

// Sample is one health measurement.
type Sample struct {
	FPS                float64
	MemoryBytes        int64
	ElementTreeSize    int
	HandleCount        int
	ErrorCount         int
	CapacityViolations int

	// Missing marks metrics the host could not measure. After Record, their
	// fields hold the last known value.
	Missing MetricSet

	Timestamp time.Time
}

// Value returns the numeric value of a metric. Capacity violations count as
// errors.
func (s Sample) Value(m Metric) float64 {
	switch m {
	case MetricFPS:
		return s.FPS
	case MetricMemory:
		return float64(s.MemoryBytes)
	case MetricElementTree:
		return float64(s.ElementTreeSize)
	case MetricHandles:
		return float64(s.HandleCount)
	case MetricErrors:
		return float64(s.ErrorCount + s.CapacityViolations)
	default:
		return 0
	}
}

// set writes a metric value into the sample.
func (s *Sample) set(m Metric, v float64) {
	switch m {
	case MetricFPS:
		s.FPS = v
	case MetricMemory:
		s.MemoryBytes = int64(v)
	case MetricElementTree:
		s.ElementTreeSize = int(v)
	case MetricHandles:
		s.HandleCount = int(v)
	case MetricErrors:
		s.ErrorCount = int(v)
	}
}

// Assessment is the monitor's verdict on one sample.
type Assessment struct {
	// Sample is the recorded sample with missing metrics substituted.
	Sample Sample

	// Score is the composite health score in [0, 100].
	Score float64

	// Critical is set when a single sample is bad enough to force Emergency.
	Critical bool

	// CriticalReason explains Critical.
	CriticalReason string

	// Breaches lists domains at or beyond their critical threshold, plus the
	// memory domain when memory growth exceeds the configured trend.
	Breaches []Domain

	// Healthy is the per-domain verdict used by half-open breaker probes.
	Healthy map[Domain]Tristate
}

// Breached reports whether d is among the breaches.
func (a Assessment) Breached(d Domain) bool {
	for _, b := range a.Breaches {
		if b == d {
			return true
		}
	}
	return false
}
