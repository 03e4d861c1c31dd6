// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package effects wraps the creation of animations, timers and UI elements so
// that every resource an effect creates is tracked by the governor.
//
// # Description
//
// Effects never call the animation engine, the scheduler or the element tree
// directly. They go through a Factory, which registers the created resource
// with an adapter that maps the registry's Dispose to the engine's own
// teardown (Kill, Stop, Detach) and exposes completion through Alive so that
// sweeps reap finished resources.
//
// # Thread Safety
//
// Factory and Controller are safe for concurrent use.
package effects

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

// Tween is an animation owned by the external tweening engine.
// Implementations must be comparable; pointers are.
type Tween interface {
	// Kill stops the tween immediately and releases it.
	Kill()

	// Pause freezes the tween in place.
	Pause()

	// Resume continues a paused tween.
	Resume()

	// Active reports whether the tween is still running or paused. A tween
	// that completed or was killed is not active.
	Active() bool
}

// Element is a node attached to the UI element tree.
type Element interface {
	// Detach removes the node from the tree.
	Detach() error

	// Attached reports whether the node is still in the tree.
	Attached() bool
}

// Registrar is the part of the governor the factory needs. Both
// *registry.Registry and *governor.Governor satisfy it.
type Registrar interface {
	Register(kind registry.Kind, category registry.Category, res registry.Disposer, opts registry.Options) registry.ID
	OnComplete(id registry.ID) bool
}

// Factory creates tracked effect resources.
type Factory struct {
	reg    Registrar
	clock  clock.Clock
	logger *slog.Logger
	ctrl   *Controller
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithClock sets the clock used by After. Default: the wall clock.
func WithClock(c clock.Clock) FactoryOption {
	return func(f *Factory) { f.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// WithController hands every animation created by the factory to a
// Controller so it follows state transitions.
func WithController(c *Controller) FactoryOption {
	return func(f *Factory) { f.ctrl = c }
}

// NewFactory creates a factory registering into reg.
func NewFactory(reg Registrar, opts ...FactoryOption) *Factory {
	f := &Factory{reg: reg}
	for _, opt := range opts {
		opt(f)
	}
	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With(slog.String("component", "effects"))
	return f
}

// =============================================================================
// Animations
// =============================================================================

// tweenHandle adapts a Tween to the registry capabilities.
type tweenHandle struct {
	t    Tween
	ctrl *Controller
}

func (h *tweenHandle) Dispose() error {
	h.t.Kill()
	if h.ctrl != nil {
		h.ctrl.Untrack(h.t)
	}
	return nil
}

func (h *tweenHandle) Alive() bool { return h.t.Active() }

func (h *tweenHandle) ResourceKey() any { return identity(h.t) }

// Animate creates a tween and tracks it.
//
// Description:
//
//	create runs first; its tween is registered under category. Registering
//	the same tween twice returns the existing ID. When the category is
//	disabled by the current state the tween is killed before Animate
//	returns.
//
// Inputs:
//   - category: Quota category of the tween.
//   - create: Builds the tween. Must not return nil.
//   - opts: Registration options.
//
// Outputs:
//   - Tween: The created tween.
//   - registry.ID: Its handle.
func (f *Factory) Animate(category registry.Category, create func() Tween, opts registry.Options) (Tween, registry.ID) {
	t := create()
	id := f.reg.Register(registry.KindAnimation, category, &tweenHandle{t: t, ctrl: f.ctrl}, opts)
	if f.ctrl != nil {
		f.ctrl.Track(t, category)
	}
	return t, id
}

// =============================================================================
// Timers
// =============================================================================

// Timer is a tracked one-shot callback.
type Timer struct {
	mu      sync.Mutex
	t       *clock.Timer
	fired   bool
	stopped bool
}

// Stop cancels the callback. Returns false if it already ran or was stopped.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	return true
}

// Dispose stops the timer.
func (t *Timer) Dispose() error {
	t.Stop()
	return nil
}

// Alive reports whether the callback is still pending.
func (t *Timer) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.fired && !t.stopped
}

// fire claims the right to run the callback.
func (t *Timer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

// After schedules fn after d on the factory clock and tracks the pending
// callback. The handle leaves the registry when fn has run.
//
// A panic in fn is recovered and logged.
func (f *Factory) After(category registry.Category, d time.Duration, fn func(), opts registry.Options) (*Timer, registry.ID) {
	tm := &Timer{}
	id := f.reg.Register(registry.KindTimer, category, tm, opts)

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped {
		// Disposed during registration.
		return tm, id
	}
	tm.t = f.clock.AfterFunc(d, func() {
		if !tm.fire() {
			return
		}
		f.run(id, fn)
		f.reg.OnComplete(id)
	})
	return tm, id
}

func (f *Factory) run(id registry.ID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("timer callback panicked",
				slog.Uint64("handle", uint64(id)),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// =============================================================================
// Elements
// =============================================================================

// elementHandle adapts an Element to the registry capabilities.
type elementHandle struct {
	e Element
}

func (h *elementHandle) Dispose() error { return h.e.Detach() }

func (h *elementHandle) Alive() bool { return h.e.Attached() }

func (h *elementHandle) ResourceKey() any { return identity(h.e) }

// Attach creates an element and tracks it. Detach errors surface as
// disposal faults in the registry.
func (f *Factory) Attach(category registry.Category, create func() Element, opts registry.Options) (Element, registry.ID) {
	e := create()
	id := f.reg.Register(registry.KindElement, category, &elementHandle{e: e}, opts)
	return e, id
}

// identity returns v when it can key a map by identity, nil otherwise.
func identity(v any) any {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return v
	default:
		return nil
	}
}
