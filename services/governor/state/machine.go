// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state implements the degrade/restore state machine.
//
// States are ordered by severity: Normal, Degraded(1..N), Emergency. The
// machine moves toward more severe states only after a breach is confirmed
// by consecutive samples, and back toward Normal one level at a time once
// the score holds above the current band's exit threshold. A single
// critical sample jumps straight to Emergency.
package state

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AleutianAI/fxgovernor/services/governor/events"
)

// Machine is the hysteresis state machine.
//
// Thread Safety: Safe for concurrent use. Transitions are delivered to
// subscribers in the order they happened, after the machine's lock is
// released, so subscribers may call back into the machine.
type Machine struct {
	mu  sync.Mutex
	cfg Config
	cur State

	// breachRun counts consecutive samples targeting a more severe state;
	// runTarget is the least severe target seen in that run.
	breachRun int
	runTarget int
	exitRun   int

	lastEmergencyExit time.Time
	systemic          bool

	transitions atomic.Int64

	bus    *events.Bus[Transition]
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a machine in Normal.
//
// Inputs:
//   - cfg: Band table and hysteresis settings. Zero policy fields are defaulted.
//   - clk: Time source. Nil uses the wall clock.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *Machine: Ready to observe.
//   - error: Non-nil if the bands are not strictly ordered.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) (*Machine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "state_machine"))
	return &Machine{
		cfg:    cfg,
		bus:    events.NewBus[Transition]("transitions", logger),
		clock:  clk,
		logger: logger,
	}, nil
}

// Subscribe registers a transition handler.
func (m *Machine) Subscribe(h func(Transition)) events.Subscription {
	return m.bus.Subscribe(h)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Levels returns the number of degrade bands.
func (m *Machine) Levels() int {
	return len(m.cfg.Bands)
}

// Systemic reports whether repeated Emergency re-entry is widening the bands.
func (m *Machine) Systemic() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemic
}

// Transitions returns how many transitions have happened.
func (m *Machine) Transitions() int64 {
	return m.transitions.Load()
}

// Policy returns the policy of the current state.
func (m *Machine) Policy() LevelPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policyLocked()
}

// Observe feeds one composite score into the machine.
//
// Description:
//
//	A critical sample moves to Emergency immediately. Otherwise a score
//	below a more severe band's enter threshold starts a breach run; the
//	transition happens once EnterConfirmations further breaching samples
//	followed, to the least severe target seen during the run. A score at or
//	above the current band's exit threshold for ExitConfirmations samples
//	steps back one level. Hysteresis-driven transitions wait for
//	TransitionCooldown since the previous transition.
//
// Inputs:
//   - score: Composite health score in [0, 100].
//   - critical: True when a single sample must force Emergency.
//
// Outputs:
//   - Transition: The transition made, if any.
//   - bool: True if the state changed.
//
// Thread Safety: Safe for concurrent use.
func (m *Machine) Observe(score float64, critical bool) (Transition, bool) {
	tr, ok := m.observe(score, critical)
	if ok {
		m.bus.Flush()
	}
	return tr, ok
}

func (m *Machine) observe(score float64, critical bool) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.clearSystemicLocked(now)
	sev := m.cur.Level
	emergency := m.emergencyLevel()

	if critical {
		if sev == emergency {
			m.breachRun, m.exitRun = 0, 0
			return Transition{}, false
		}
		return m.transitionLocked(emergency, "critical sample", false, now), true
	}

	if target := m.targetLocked(score); target > sev {
		m.exitRun = 0
		if m.breachRun == 0 || target < m.runTarget {
			m.runTarget = target
		}
		m.breachRun++
		if m.breachRun <= m.cfg.EnterConfirmations || !m.cooledDownLocked(now) {
			return Transition{}, false
		}
		reason := fmt.Sprintf("score %.1f breached for %d samples", score, m.breachRun)
		return m.transitionLocked(m.runTarget, reason, false, now), true
	}
	m.breachRun = 0

	if sev == 0 {
		return Transition{}, false
	}
	exit := m.exitThresholdLocked(sev)
	if score < exit {
		m.exitRun = 0
		return Transition{}, false
	}
	m.exitRun++
	if m.exitRun < max(m.cfg.ExitConfirmations, 1) || !m.cooledDownLocked(now) {
		return Transition{}, false
	}
	reason := fmt.Sprintf("score %.1f held above %.1f", score, exit)
	return m.transitionLocked(sev-1, reason, false, now), true
}

// Force moves to a state immediately, bypassing confirmations and cooldown.
//
// Inputs:
//   - mode: Target mode.
//   - level: Degrade level for ModeDegraded, clamped to the configured bands.
//     Ignored for other modes.
//   - reason: Recorded on the transition.
//
// Outputs:
//   - Transition: The transition made, if any.
//   - bool: False if the machine was already in the target state.
func (m *Machine) Force(mode Mode, level int, reason string) (Transition, bool) {
	tr, ok := m.force(mode, level, reason)
	if ok {
		m.bus.Flush()
	}
	return tr, ok
}

func (m *Machine) force(mode Mode, level int, reason string) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.clearSystemicLocked(now)

	var target int
	switch mode {
	case ModeNormal:
		target = 0
	case ModeEmergency:
		target = m.emergencyLevel()
	default:
		target = min(max(level, 1), len(m.cfg.Bands))
		if target == 0 {
			target = m.emergencyLevel()
		}
	}
	if target == m.cur.Level {
		return Transition{}, false
	}
	return m.transitionLocked(target, reason, true, now), true
}

// transitionLocked changes state and queues the transition for delivery.
func (m *Machine) transitionLocked(to int, reason string, forced bool, now time.Time) Transition {
	from := m.cur
	emergency := m.emergencyLevel()

	if to == emergency && from.Level != emergency && !m.lastEmergencyExit.IsZero() &&
		now.Sub(m.lastEmergencyExit) <= m.cfg.ReentryWindow && !m.systemic {
		m.systemic = true
		m.logger.Warn("emergency re-entered within window, widening bands",
			slog.Duration("since_exit", now.Sub(m.lastEmergencyExit)),
			slog.Float64("widen_by", m.cfg.WidenBy))
	}
	if from.Level == emergency && to != emergency {
		m.lastEmergencyExit = now
	}

	m.cur = m.stateFor(to, now)
	m.breachRun, m.exitRun, m.runTarget = 0, 0, 0
	m.transitions.Add(1)

	tr := Transition{
		From:     from,
		To:       m.cur,
		Reason:   reason,
		Forced:   forced,
		Systemic: m.systemic,
		Policy:   m.policyLocked(),
		At:       now,
	}
	m.bus.Enqueue(tr)

	m.logger.Info("state transition",
		slog.String("from", from.String()),
		slog.String("to", m.cur.String()),
		slog.String("reason", reason),
		slog.Bool("forced", forced))
	return tr
}

// clearSystemicLocked ends a systemic fault after a sustained Normal period.
func (m *Machine) clearSystemicLocked(now time.Time) {
	if !m.systemic || m.cur.Level != 0 {
		return
	}
	if now.Sub(m.cur.LastTransitionAt) >= m.cfg.SustainedNormal {
		m.systemic = false
		m.logger.Info("sustained normal, restoring bands")
	}
}

func (m *Machine) cooledDownLocked(now time.Time) bool {
	if m.cur.LastTransitionAt.IsZero() {
		return true
	}
	return now.Sub(m.cur.LastTransitionAt) >= m.cfg.TransitionCooldown
}

func (m *Machine) emergencyLevel() int {
	return len(m.cfg.Bands) + 1
}

// targetLocked maps a score to the severity level it calls for.
func (m *Machine) targetLocked(score float64) int {
	if score < m.cfg.EmergencyEnter {
		return m.emergencyLevel()
	}
	for i := len(m.cfg.Bands) - 1; i >= 0; i-- {
		if score < m.cfg.Bands[i].Enter {
			return i + 1
		}
	}
	return 0
}

// exitThresholdLocked returns the score needed to leave level sev.
func (m *Machine) exitThresholdLocked(sev int) float64 {
	exit := m.cfg.EmergencyExit
	if sev <= len(m.cfg.Bands) {
		exit = m.cfg.Bands[sev-1].Exit
	}
	if m.systemic {
		exit = math.Min(100, exit+m.cfg.WidenBy)
	}
	return exit
}

func (m *Machine) stateFor(sev int, now time.Time) State {
	switch {
	case sev == 0:
		return State{Mode: ModeNormal, LastTransitionAt: now}
	case sev == m.emergencyLevel():
		return State{Mode: ModeEmergency, Level: sev, LastTransitionAt: now}
	default:
		return State{Mode: ModeDegraded, Level: sev, LastTransitionAt: now}
	}
}

func (m *Machine) policyLocked() LevelPolicy {
	var p LevelPolicy
	switch sev := m.cur.Level; {
	case sev == 0:
		p = m.cfg.Normal.clone()
	case sev == m.emergencyLevel():
		p = m.cfg.Emergency.clone()
	default:
		p = m.cfg.Bands[sev-1].Policy.clone()
	}
	if m.systemic && m.cfg.SystemicSweepCeiling > 0 && p.SweepInterval > m.cfg.SystemicSweepCeiling {
		p.SweepInterval = m.cfg.SystemicSweepCeiling
	}
	return p
}
