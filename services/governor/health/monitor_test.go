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
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthySample() Sample {
	return Sample{
		FPS:             60,
		MemoryBytes:     100 << 20,
		ElementTreeSize: 100,
		HandleCount:     10,
	}
}

func newTestMonitor(t *testing.T, mutate func(*Config)) (*Monitor, *clock.Mock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	mock := clock.NewMock()
	m, err := NewMonitor(cfg, mock, nil)
	require.NoError(t, err)
	return m, mock
}

func TestConfig_Score(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name   string
		mutate func(*Sample)
		want   float64
	}{
		{"all healthy", func(*Sample) {}, 100},
		{"fps halfway into band", func(s *Sample) { s.FPS = 40 }, 80},
		{"fps critical", func(s *Sample) { s.FPS = 20 }, 60},
		{"capacity violations count as errors", func(s *Sample) {
			s.ErrorCount = 2
			s.CapacityViolations = 8
		}, 92.5},
		{"everything critical", func(s *Sample) {
			s.FPS = 1
			s.MemoryBytes = 2 << 30
			s.ElementTreeSize = 5000
			s.HandleCount = 900
			s.ErrorCount = 50
		}, 0},
		{"missing metrics renormalise", func(s *Sample) {
			s.FPS = 0
			s.ElementTreeSize = 3000
			s.Missing = NewMetricSet(MetricFPS, MetricMemory)
		}, 100 * (1 - 20.0/35.0)},
		{"nothing measured", func(s *Sample) {
			s.Missing = NewMetricSet(Metrics...)
		}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := healthySample()
			tt.mutate(&s)
			assert.InDelta(t, tt.want, cfg.Score(s), 1e-9)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"fps inverted", func(c *Config) { c.FPS = Threshold{Warning: 30, Critical: 50} }, true},
		{"memory inverted", func(c *Config) { c.Memory = Threshold{Warning: 10, Critical: 5} }, true},
		{"negative weight", func(c *Config) { c.Weights.Errors = -1 }, true},
		{"zero weights", func(c *Config) { c.Weights = Weights{} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMonitor_CriticalFPSFloor(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	s := healthySample()
	s.FPS = 5
	a := m.Record(s)

	assert.True(t, a.Critical)
	assert.Contains(t, a.CriticalReason, "floor")
	assert.True(t, a.Breached(DomainFrameRate))
	assert.Equal(t, Unhealthy, a.Healthy[DomainFrameRate])
	assert.Equal(t, Healthy, a.Healthy[DomainMemory])
}

func TestMonitor_MissingMetricUsesLastKnownValue(t *testing.T) {
	m, _ := newTestMonitor(t, nil)

	first := healthySample()
	first.FPS = 40
	m.Record(first)

	second := healthySample()
	second.FPS = 0
	second.Missing = NewMetricSet(MetricFPS)
	a := m.Record(second)

	assert.Equal(t, 40.0, a.Sample.FPS)
	assert.True(t, a.Sample.Missing.Has(MetricFPS))
	assert.False(t, a.Critical, "missing fps never trips the floor")
	assert.Equal(t, 100.0, a.Score, "missing fps is excluded from the score")
	assert.Equal(t, Unknown, a.Healthy[DomainFrameRate])
}

func TestMonitor_HistoryIsBounded(t *testing.T) {
	m, _ := newTestMonitor(t, func(c *Config) {
		c.HistorySize = 3
		c.TrendWindow = 3
	})

	for i := 1; i <= 5; i++ {
		s := healthySample()
		s.HandleCount = i
		m.Record(s)
	}

	hist := m.History()
	require.Len(t, hist, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{hist[0].HandleCount, hist[1].HandleCount, hist[2].HandleCount})

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, 5, latest.HandleCount)
}

func TestMonitor_Trend(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	for i := 0; i < 4; i++ {
		s := healthySample()
		s.MemoryBytes = int64(i * 10)
		m.Record(s)
	}

	assert.InDelta(t, 10.0, m.Trend(MetricMemory, 0), 1e-9)
	assert.InDelta(t, 0.0, m.Trend(MetricFPS, 0), 1e-9)
	assert.InDelta(t, 10.0, m.Trend(MetricMemory, 2), 1e-9)
}

func TestMonitor_MemoryGrowthIsADomainFault(t *testing.T) {
	m, _ := newTestMonitor(t, func(c *Config) {
		c.MemoryGrowthPerSample = 5
		c.TrendWindow = 4
	})

	var last Assessment
	for i := 0; i < 4; i++ {
		s := healthySample()
		s.MemoryBytes = int64(100 + i*10)
		last = m.Record(s)
		if i < 3 {
			assert.False(t, last.Breached(DomainMemory), "window not full at sample %d", i)
		}
	}

	assert.True(t, last.Breached(DomainMemory))
	assert.Equal(t, Unhealthy, last.Healthy[DomainMemory])
	assert.Equal(t, 100.0, last.Score, "growth does not change the score")
}

func TestMonitor_Poll(t *testing.T) {
	m, mock := newTestMonitor(t, nil)
	mock.Add(time.Minute)

	m.AddProbe(ProbeFunc(MetricMemory, func(context.Context) (float64, error) { return 1234, nil }))
	m.AddProbe(ProbeFunc(MetricFPS, func(context.Context) (float64, error) {
		return 0, ErrMetricUnavailable
	}))
	m.AddProbe(ProbeFunc(MetricHandles, func(context.Context) (float64, error) { panic("boom") }))

	s := m.Poll(context.Background())

	assert.Equal(t, int64(1234), s.MemoryBytes)
	assert.False(t, s.Missing.Has(MetricMemory))
	assert.True(t, s.Missing.Has(MetricFPS))
	assert.True(t, s.Missing.Has(MetricHandles))
	assert.True(t, s.Missing.Has(MetricElementTree), "no probe registered")
	assert.Equal(t, mock.Now(), s.Timestamp)
	assert.EqualValues(t, 2, m.SamplingFaults())
}

func TestRuntimeMemoryProbe(t *testing.T) {
	p := RuntimeMemoryProbe()
	require.Equal(t, MetricMemory, p.Metric())

	v, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Greater(t, v, 0.0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Measure(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestParseDomain(t *testing.T) {
	for _, d := range Domains {
		got, err := ParseDomain(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDomain("disk")
	assert.ErrorIs(t, err, ErrUnknownDomain)
}
