// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides a typed publish/subscribe bus for governor signals.
//
// # Delivery Semantics
//
// Publish is fire-and-forget. Events are delivered in publish order to a
// snapshot of the subscribers taken when delivery of that event starts, so
// every subscriber observes the same event value. A Publish issued from inside
// a handler is queued and delivered after the current event finishes, which
// keeps handlers free to call back into the component that published.
//
// Handler panics are recovered and logged; one broken subscriber never stops
// delivery to the rest.
//
// # Thread Safety
//
// Bus is safe for concurrent use.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Handler receives published events.
type Handler[T any] func(T)

// Subscription is returned by Subscribe and removes the handler when
// Unsubscribe is called. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

type subscriber[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus fans events of type T out to subscribers.
type Bus[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	subs   []subscriber[T]
	nextID uint64

	queueMu     sync.Mutex
	queue       []T
	dispatching bool

	published atomic.Int64
	panics    atomic.Int64
}

// NewBus creates a bus. The name is attached to log lines.
func NewBus[T any](name string, logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{
		name:   name,
		logger: logger.With(slog.String("bus", name)),
	}
}

// Subscribe registers a handler.
//
// Inputs:
//   - h: Handler invoked for every event published after this call. Nil is ignored.
//
// Outputs:
//   - Subscription: Call Unsubscribe to stop delivery. Never nil.
func (b *Bus[T]) Subscribe(h Handler[T]) Subscription {
	if h == nil {
		return noopSubscription{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, handler: h})
	b.mu.Unlock()

	return &subscription[T]{bus: b, id: id}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Published returns how many events were published on this bus.
func (b *Bus[T]) Published() int64 {
	return b.published.Load()
}

// Publish delivers ev to all subscribers.
//
// If another goroutine (or an enclosing handler) is already dispatching, the
// event is queued and that dispatcher delivers it; Publish then returns
// without blocking on subscriber work.
func (b *Bus[T]) Publish(ev T) {
	b.Enqueue(ev)
	b.Flush()
}

// Enqueue queues ev without delivering it. Publishers that must order events
// under their own lock enqueue while holding it and Flush after releasing it.
func (b *Bus[T]) Enqueue(ev T) {
	b.published.Add(1)

	b.queueMu.Lock()
	b.queue = append(b.queue, ev)
	b.queueMu.Unlock()
}

// Flush delivers queued events unless a dispatch is already in progress.
func (b *Bus[T]) Flush() {
	b.queueMu.Lock()
	if b.dispatching {
		b.queueMu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		b.deliver(next)

		b.queueMu.Lock()
	}
	b.queue = nil
	b.dispatching = false
	b.queueMu.Unlock()
}

func (b *Bus[T]) deliver(ev T) {
	b.mu.Lock()
	subs := make([]subscriber[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.invoke(s, ev)
	}
}

func (b *Bus[T]) invoke(s subscriber[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("event handler panicked",
				slog.Uint64("subscriber", s.id),
				slog.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

type subscription[T any] struct {
	bus  *Bus[T]
	id   uint64
	once sync.Once
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}
