// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package effects

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/fxgovernor/services/governor/events"
	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

// TransitionSource publishes state transitions. *governor.Governor
// satisfies it.
type TransitionSource interface {
	OnTransition(h func(state.Transition)) events.Subscription
}

// Controller applies state transitions to live tweens.
//
// Description:
//
//	In Emergency every tracked tween of a non-essential category is paused.
//	Leaving Emergency resumes the tweens the controller paused. Every
//	transition publishes the new update divisor so the host can throttle
//	its animation tick.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	logger    *slog.Logger
	essential func(registry.Category) bool

	mu      sync.Mutex
	tracked map[Tween]registry.Category
	paused  map[Tween]struct{}
	halted  bool
	divisor int
	pruneAt int

	divisors *events.Bus[int]
}

// NewController creates a controller.
//
// Inputs:
//   - essential: Reports whether a category keeps running in Emergency.
//     Nil treats every category as optional.
//   - logger: Nil uses slog.Default().
func NewController(essential func(registry.Category) bool, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if essential == nil {
		essential = func(registry.Category) bool { return false }
	}
	logger = logger.With(slog.String("component", "effects_controller"))
	return &Controller{
		logger:    logger,
		essential: essential,
		tracked:   make(map[Tween]registry.Category),
		paused:    make(map[Tween]struct{}),
		divisor:   1,
		pruneAt:   minPruneAt,
		divisors:  events.NewBus[int]("update_divisor", logger),
	}
}

// Bind subscribes the controller to a transition source.
func (c *Controller) Bind(src TransitionSource) events.Subscription {
	return src.OnTransition(c.Apply)
}

// OnDivisor subscribes to update divisor changes.
func (c *Controller) OnDivisor(h func(int)) events.Subscription {
	return c.divisors.Subscribe(h)
}

// Divisor returns the current update divisor.
func (c *Controller) Divisor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.divisor
}

// minPruneAt is the tracked size at which Track first sweeps out inactive
// tweens.
const minPruneAt = 256

// Track adds a tween. A tween of an optional category created while halted
// is paused at once. Inactive tweens are ignored.
//
// Once the tracked set reaches a threshold, Track drops inactive tweens and
// doubles the threshold relative to what is left, so the set stays
// proportional to the live tweens between transitions.
func (c *Controller) Track(t Tween, category registry.Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.Active() {
		return
	}
	if len(c.tracked) >= c.pruneAt {
		c.pruneLocked()
		c.pruneAt = max(2*len(c.tracked), minPruneAt)
	}
	c.tracked[t] = category
	if c.halted && !c.essential(category) && t.Active() {
		t.Pause()
		c.paused[t] = struct{}{}
	}
}

// Untrack forgets a tween. The factory calls it when the registry disposes
// the tween.
func (c *Controller) Untrack(t Tween) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracked, t)
	delete(c.paused, t)
}

// Tracked returns how many tweens are tracked.
func (c *Controller) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

// Apply handles one transition.
func (c *Controller) Apply(tr state.Transition) {
	halt := tr.To.Mode == state.ModeEmergency

	c.mu.Lock()
	c.pruneLocked()
	var changed int
	switch {
	case halt && !c.halted:
		for t, cat := range c.tracked {
			if c.essential(cat) {
				continue
			}
			t.Pause()
			c.paused[t] = struct{}{}
			changed++
		}
	case !halt && c.halted:
		for t := range c.paused {
			if t.Active() {
				t.Resume()
				changed++
			}
		}
		clear(c.paused)
	}
	c.halted = halt

	divisor := max(tr.Policy.UpdateDivisor, 1)
	divisorChanged := divisor != c.divisor
	c.divisor = divisor
	c.mu.Unlock()

	if changed > 0 {
		c.logger.Info("optional animations toggled",
			slog.String("state", tr.To.String()),
			slog.Bool("paused", halt),
			slog.Int("tweens", changed))
	}
	if divisorChanged {
		c.divisors.Publish(divisor)
	}
}

// pruneLocked forgets tweens that finished or were killed.
func (c *Controller) pruneLocked() {
	for t := range c.tracked {
		if !t.Active() {
			delete(c.tracked, t)
			delete(c.paused, t)
		}
	}
}
