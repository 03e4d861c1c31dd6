// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements per-failure-domain circuit breakers.
//
// A breaker only counts failures and tracks its state; it never acts. The
// recovery orchestrator reacts to a breaker opening, moves it to half-open
// once the cooldown has passed, and closes or re-opens it after probing the
// domain's health.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AleutianAI/fxgovernor/services/governor/health"
)

// State is the circuit breaker state.
type State int

const (
	// Closed is normal operation; failures are counted.
	Closed State = iota

	// Open means the domain's mitigation ran and the breaker is cooling down.
	Open

	// HalfOpen means the cooldown passed and the domain is being probed.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures one breaker.
type Config struct {
	// Threshold is the number of failures that opens the breaker (default: 3).
	Threshold int

	// Cooldown is how long the breaker stays open before half-opening
	// (default: 10s).
	Cooldown time.Duration

	// MaxCooldown caps the cooldown as it doubles on each re-open
	// (default: 8x Cooldown).
	MaxCooldown time.Duration

	// FailureWindow resets the failure count when the previous failure is
	// older than this. Zero keeps failures until the breaker closes or the
	// counters are reset.
	FailureWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:     3,
		Cooldown:      10 * time.Second,
		MaxCooldown:   80 * time.Second,
		FailureWindow: time.Minute,
	}
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = 8 * c.Cooldown
	}
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Domain       health.Domain `json:"-"`
	DomainName   string        `json:"domain"`
	State        string        `json:"state"`
	FailureCount int           `json:"failure_count"`
	Threshold    int           `json:"threshold"`
	OpenedAt     time.Time     `json:"opened_at,omitzero"`
	Cooldown     time.Duration `json:"cooldown"`
	Reopens      int           `json:"reopens"`
	TotalOpens   int64         `json:"total_opens"`
}

// Breaker guards one failure domain.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	domain health.Domain
	config Config
	clock  clock.Clock

	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	cooldown      time.Duration
	reopens       int
	totalOpens    int64
}

// New creates a closed breaker.
//
// Inputs:
//   - domain: The failure domain guarded.
//   - config: Zero fields are defaulted.
//   - clk: Time source. Nil uses the wall clock.
func New(domain health.Domain, config Config, clk clock.Clock) *Breaker {
	config.ApplyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		domain:   domain,
		config:   config,
		clock:    clk,
		cooldown: config.Cooldown,
	}
}

// Domain returns the guarded domain.
func (b *Breaker) Domain() health.Domain { return b.domain }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordFailure counts a domain failure.
//
// Outputs:
//   - bool: True if this failure opened the breaker. Failures recorded while
//     open or half-open are counted but never re-trigger the mitigation.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.config.FailureWindow > 0 && !b.lastFailureAt.IsZero() &&
		now.Sub(b.lastFailureAt) > b.config.FailureWindow {
		b.failures = 0
	}
	b.failures++
	b.lastFailureAt = now

	if b.state != Closed || b.failures < b.config.Threshold {
		return false
	}
	b.state = Open
	b.openedAt = now
	b.totalOpens++
	return true
}

// Cooldown returns the current cooldown.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// Remaining returns how long until an open breaker may half-open.
func (b *Breaker) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(0, b.cooldown-b.clock.Since(b.openedAt))
}

// HalfOpen moves an open breaker to half-open once its cooldown elapsed.
// Returns false if the breaker is not open or still cooling down.
func (b *Breaker) HalfOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open || b.clock.Since(b.openedAt) < b.cooldown {
		return false
	}
	b.state = HalfOpen
	return true
}

// Close closes a half-open breaker after a healthy probe. The failure count
// and cooldown are reset.
func (b *Breaker) Close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != HalfOpen {
		return false
	}
	b.state = Closed
	b.failures = 0
	b.openedAt = time.Time{}
	b.cooldown = b.config.Cooldown
	b.reopens = 0
	return true
}

// Reopen re-opens a half-open breaker after an unhealthy probe. The
// cooldown doubles, up to MaxCooldown.
func (b *Breaker) Reopen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != HalfOpen {
		return false
	}
	b.state = Open
	b.openedAt = b.clock.Now()
	b.cooldown = min(2*b.cooldown, b.config.MaxCooldown)
	b.reopens++
	b.totalOpens++
	return true
}

// ResetCounters clears the failure count without changing state.
func (b *Breaker) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailureAt = time.Time{}
}

// Snapshot returns a read-only view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Domain:       b.domain,
		DomainName:   b.domain.String(),
		State:        b.state.String(),
		FailureCount: b.failures,
		Threshold:    b.config.Threshold,
		OpenedAt:     b.openedAt,
		Cooldown:     b.cooldown,
		Reopens:      b.reopens,
		TotalOpens:   b.totalOpens,
	}
}
