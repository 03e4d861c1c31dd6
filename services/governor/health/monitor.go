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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

// Monitor keeps a rolling history of samples and assesses each new one.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	history *history
	probes  []Probe

	// last holds the most recent value of every metric ever measured.
	last     Sample
	measured MetricSet

	clock  clock.Clock
	logger *slog.Logger

	samplingFaults atomic.Int64
}

// NewMonitor creates a monitor.
//
// Inputs:
//   - cfg: Scoring configuration. Zero sizes are defaulted.
//   - clk: Time source for Poll timestamps. Nil uses the wall clock.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *Monitor: Ready to record.
//   - error: Non-nil if cfg is invalid.
func NewMonitor(cfg Config, clk clock.Clock, logger *slog.Logger) (*Monitor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("health config: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		history: newHistory(cfg.HistorySize),
		clock:   clk,
		logger:  logger.With(slog.String("component", "health_monitor")),
	}, nil
}

// Config returns the monitor's configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// AddProbe registers a probe used by Poll. A later probe for the same
// metric wins.
func (m *Monitor) AddProbe(p Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, p)
}

// Record stores a sample and assesses it.
//
// Description:
//
//	Metrics marked missing take their last known value and stay marked
//	missing, so they are excluded from the score for this cycle. A metric
//	that was never measured stays at zero. The assessment is Critical when
//	FPS is measured and below the floor.
//
// Thread Safety: Safe for concurrent use.
func (m *Monitor) Record(s Sample) Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, metric := range Metrics {
		if s.Missing.Has(metric) {
			if m.measured.Has(metric) {
				s.set(metric, rawValue(m.last, metric))
			}
			continue
		}
		m.last.set(metric, rawValue(s, metric))
		m.measured = m.measured.With(metric)
	}
	m.history.push(s)

	a := Assessment{
		Sample:  s,
		Score:   m.cfg.Score(s),
		Healthy: make(map[Domain]Tristate, len(Domains)),
	}

	if m.cfg.FPSFloor > 0 && !s.Missing.Has(MetricFPS) && s.FPS < m.cfg.FPSFloor {
		a.Critical = true
		a.CriticalReason = fmt.Sprintf("fps %.1f below floor %.1f", s.FPS, m.cfg.FPSFloor)
	}

	for _, d := range Domains {
		a.Healthy[d] = m.cfg.DomainHealthy(d, s)
		if m.cfg.breached(d.Metric(), s) {
			a.Breaches = append(a.Breaches, d)
		}
	}

	if m.cfg.MemoryGrowthPerSample > 0 && !a.Breached(DomainMemory) {
		window := m.history.last(m.cfg.TrendWindow)
		if len(window) >= m.cfg.TrendWindow && slope(window, MetricMemory) > m.cfg.MemoryGrowthPerSample {
			a.Breaches = append(a.Breaches, DomainMemory)
			a.Healthy[DomainMemory] = Unhealthy
		}
	}

	if a.Critical {
		m.logger.Warn("critical health sample",
			slog.String("reason", a.CriticalReason),
			slog.Float64("score", a.Score))
	}
	return a
}

// rawValue reads a metric's own field, without folding in capacity violations.
func rawValue(s Sample, m Metric) float64 {
	if m == MetricErrors {
		return float64(s.ErrorCount)
	}
	return s.Value(m)
}

// Score scores a sample without recording it.
func (m *Monitor) Score(s Sample) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Score(s)
}

// DomainHealthy judges one failure domain from a sample.
func (m *Monitor) DomainHealthy(d Domain, s Sample) Tristate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.DomainHealthy(d, s)
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.last(0)
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.newest()
}

// Trend returns the least-squares slope of a metric over the last window
// samples, in units per sample. A window of zero uses the configured one.
func (m *Monitor) Trend(metric Metric, window int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if window <= 0 {
		window = m.cfg.TrendWindow
	}
	return slope(m.history.last(window), metric)
}

// Poll measures a sample through the registered probes.
//
// Description:
//
//	Metrics without a probe, and metrics whose probe failed, are marked
//	missing. A probe failure is a sampling fault: it is counted and logged,
//	never returned. The sample is not recorded.
//
// Thread Safety: Safe for concurrent use.
func (m *Monitor) Poll(ctx context.Context) Sample {
	m.mu.Lock()
	probes := make([]Probe, len(m.probes))
	copy(probes, m.probes)
	m.mu.Unlock()

	s := Sample{
		Missing:   NewMetricSet(Metrics...),
		Timestamp: m.clock.Now(),
	}
	for _, p := range probes {
		v, err := measure(ctx, p)
		if err != nil {
			m.samplingFaults.Add(1)
			m.logger.Debug("probe failed",
				slog.String("metric", p.Metric().String()),
				slog.String("error", err.Error()))
			continue
		}
		s.set(p.Metric(), v)
		s.Missing = s.Missing.Without(p.Metric())
	}
	return s
}

// measure runs a probe, turning a panic into a sampling fault.
func measure(ctx context.Context, p Probe) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return p.Measure(ctx)
}

// SamplingFaults returns how many probe measurements failed.
func (m *Monitor) SamplingFaults() int64 {
	return m.samplingFaults.Load()
}
