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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/fxgovernor/services/governor/registry"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

type fakeTween struct {
	killed  atomic.Bool
	paused  atomic.Bool
	done    atomic.Bool
	resumes atomic.Int32
}

func (f *fakeTween) Kill()        { f.killed.Store(true) }
func (f *fakeTween) Pause()       { f.paused.Store(true) }
func (f *fakeTween) Resume()      { f.paused.Store(false); f.resumes.Add(1) }
func (f *fakeTween) Active() bool { return !f.killed.Load() && !f.done.Load() }

type fakeElement struct {
	detached atomic.Bool
	err      error
}

func (f *fakeElement) Detach() error {
	f.detached.Store(true)
	return f.err
}

func (f *fakeElement) Attached() bool { return !f.detached.Load() }

func newTestRegistry(mock clock.Clock) *registry.Registry {
	return registry.New(registry.Config{
		Quotas: map[registry.Category]registry.Quota{
			registry.CategoryPhase:    {MaxCount: 5, Priority: 1, Essential: true},
			registry.CategoryEffect:   {MaxCount: 2, Priority: 3},
			registry.CategoryParticle: {MaxCount: 5, Priority: 5},
		},
		GlobalMax: 50,
		Clock:     mock,
	})
}

func TestFactory_AnimateTracksAndKillsOnEviction(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(mock)
	f := NewFactory(reg, WithClock(mock))

	var tweens []*fakeTween
	for i := 0; i < 3; i++ {
		tw := &fakeTween{}
		tweens = append(tweens, tw)
		mock.Add(time.Millisecond)
		f.Animate(registry.CategoryEffect, func() Tween { return tw }, registry.Options{})
	}

	assert.Equal(t, 2, reg.SizeByCategory(registry.CategoryEffect))
	assert.True(t, tweens[0].killed.Load(), "oldest killed on admission")
	assert.False(t, tweens[2].killed.Load())
}

func TestFactory_AnimateDeduplicatesSameTween(t *testing.T) {
	reg := newTestRegistry(clock.NewMock())
	f := NewFactory(reg)
	tw := &fakeTween{}

	_, id1 := f.Animate(registry.CategoryEffect, func() Tween { return tw }, registry.Options{})
	_, id2 := f.Animate(registry.CategoryEffect, func() Tween { return tw }, registry.Options{})

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, reg.Size())
}

func TestFactory_FinishedTweenIsReaped(t *testing.T) {
	reg := newTestRegistry(clock.NewMock())
	f := NewFactory(reg)
	tw := &fakeTween{}
	f.Animate(registry.CategoryEffect, func() Tween { return tw }, registry.Options{})

	tw.done.Store(true)
	report, ran := reg.Sweep(context.Background())

	require.True(t, ran)
	assert.Equal(t, 1, report.Reaped)
	assert.Zero(t, reg.Size())
}

func TestFactory_AfterRunsAndLeavesRegistry(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(mock)
	f := NewFactory(reg, WithClock(mock))

	var ran atomic.Int32
	tm, id := f.After(registry.CategoryEffect, time.Second, func() { ran.Add(1) }, registry.Options{})
	require.True(t, tm.Alive())
	_, ok := reg.Get(id)
	require.True(t, ok)

	mock.Add(time.Second)

	require.Eventually(t, func() bool { return reg.Size() == 0 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, ran.Load())
	assert.False(t, tm.Alive())
	assert.False(t, tm.Stop(), "already fired")
}

func TestFactory_AfterCancelledByEviction(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(mock)
	f := NewFactory(reg, WithClock(mock))

	var ran atomic.Int32
	_, id := f.After(registry.CategoryEffect, time.Second, func() { ran.Add(1) }, registry.Options{})
	require.True(t, reg.Evict(id))

	mock.Add(2 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, ran.Load())
}

func TestFactory_AfterInDisabledCategoryNeverRuns(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(mock)
	reg.SetPolicy(registry.QuotaPolicy{Disabled: []registry.Category{registry.CategoryParticle}})
	f := NewFactory(reg, WithClock(mock))

	var ran atomic.Int32
	tm, _ := f.After(registry.CategoryParticle, time.Second, func() { ran.Add(1) }, registry.Options{})

	assert.False(t, tm.Alive())
	mock.Add(2 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, ran.Load())
}

func TestFactory_AfterRecoversPanics(t *testing.T) {
	mock := clock.NewMock()
	reg := newTestRegistry(mock)
	f := NewFactory(reg, WithClock(mock))

	f.After(registry.CategoryEffect, time.Second, func() { panic("boom") }, registry.Options{})
	mock.Add(time.Second)

	require.Eventually(t, func() bool { return reg.Size() == 0 }, time.Second, time.Millisecond)
}

func TestFactory_AttachDetachesOnEviction(t *testing.T) {
	reg := newTestRegistry(clock.NewMock())
	f := NewFactory(reg)

	ok := &fakeElement{}
	bad := &fakeElement{err: errors.New("node gone")}
	_, id1 := f.Attach(registry.CategoryPhase, func() Element { return ok }, registry.Options{})
	_, id2 := f.Attach(registry.CategoryPhase, func() Element { return bad }, registry.Options{})

	h, found := reg.Get(id1)
	require.True(t, found)
	assert.Equal(t, registry.KindElement, h.Kind)

	assert.True(t, reg.Evict(id1))
	assert.True(t, reg.Evict(id2))
	assert.True(t, ok.detached.Load())
	assert.EqualValues(t, 1, reg.DisposeFaults())
}

func TestController_PausesOptionalTweensInEmergency(t *testing.T) {
	essential := func(c registry.Category) bool { return c == registry.CategoryPhase }
	ctrl := NewController(essential, nil)
	reg := newTestRegistry(clock.NewMock())
	f := NewFactory(reg, WithController(ctrl))

	phase := &fakeTween{}
	particle := &fakeTween{}
	f.Animate(registry.CategoryPhase, func() Tween { return phase }, registry.Options{})
	f.Animate(registry.CategoryParticle, func() Tween { return particle }, registry.Options{})

	var divisors []int
	ctrl.OnDivisor(func(d int) { divisors = append(divisors, d) })

	ctrl.Apply(state.Transition{
		To:     state.State{Mode: state.ModeEmergency, Level: 4},
		Policy: state.LevelPolicy{UpdateDivisor: 4},
	})
	assert.True(t, particle.paused.Load())
	assert.False(t, phase.paused.Load())
	assert.Equal(t, 4, ctrl.Divisor())

	late := &fakeTween{}
	f.Animate(registry.CategoryParticle, func() Tween { return late }, registry.Options{})
	assert.True(t, late.paused.Load(), "created while halted")

	ctrl.Apply(state.Transition{
		To:     state.State{Mode: state.ModeDegraded, Level: 3},
		Policy: state.LevelPolicy{UpdateDivisor: 3},
	})
	assert.False(t, particle.paused.Load())
	assert.False(t, late.paused.Load())
	assert.EqualValues(t, 0, phase.resumes.Load())
	assert.Equal(t, []int{4, 3}, divisors)
}

func TestController_PrunesFinishedTweens(t *testing.T) {
	ctrl := NewController(nil, nil)
	a, b := &fakeTween{}, &fakeTween{}
	ctrl.Track(a, registry.CategoryEffect)
	ctrl.Track(b, registry.CategoryEffect)
	b.done.Store(true)

	ctrl.Apply(state.Transition{To: state.State{Mode: state.ModeEmergency}})

	assert.Equal(t, 1, ctrl.Tracked())
	assert.True(t, a.paused.Load())
	assert.False(t, b.paused.Load())
	assert.Equal(t, 1, ctrl.Divisor(), "zero divisor treated as full rate")
}

func TestController_EvictedTweensAreUntracked(t *testing.T) {
	ctrl := NewController(nil, nil)
	reg := newTestRegistry(clock.NewMock())
	f := NewFactory(reg, WithController(ctrl))

	for i := 0; i < 10000; i++ {
		f.Animate(registry.CategoryEffect, func() Tween { return &fakeTween{} }, registry.Options{})
	}

	assert.Equal(t, 2, reg.SizeByCategory(registry.CategoryEffect))
	assert.Equal(t, 2, ctrl.Tracked(), "no transition ran, tracked set follows the registry")
}

func TestController_TrackPrunesFinishedTweens(t *testing.T) {
	ctrl := NewController(nil, nil)
	finished := make([]*fakeTween, minPruneAt)
	for i := range finished {
		finished[i] = &fakeTween{}
		ctrl.Track(finished[i], registry.CategoryEffect)
	}
	require.Equal(t, minPruneAt, ctrl.Tracked())
	for _, tw := range finished {
		tw.done.Store(true)
	}

	ctrl.Track(&fakeTween{}, registry.CategoryEffect)
	assert.Equal(t, 1, ctrl.Tracked())

	killed := &fakeTween{}
	killed.Kill()
	ctrl.Track(killed, registry.CategoryEffect)
	assert.Equal(t, 1, ctrl.Tracked(), "inactive tweens are not tracked")
}
