// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"github.com/benbjohnson/clock"

	"github.com/AleutianAI/fxgovernor/services/governor/health"
)

// Set holds one breaker per failure domain.
//
// The map is built once and never mutated, so Set needs no lock of its own.
type Set struct {
	breakers map[health.Domain]*Breaker
}

// NewSet creates a breaker for every domain. Domains missing from
// overrides use base.
func NewSet(base Config, overrides map[health.Domain]Config, clk clock.Clock) *Set {
	s := &Set{breakers: make(map[health.Domain]*Breaker, len(health.Domains))}
	for _, d := range health.Domains {
		cfg := base
		if o, ok := overrides[d]; ok {
			cfg = o
		}
		s.breakers[d] = New(d, cfg, clk)
	}
	return s
}

// Get returns the breaker for a domain.
func (s *Set) Get(d health.Domain) (*Breaker, bool) {
	b, ok := s.breakers[d]
	return b, ok
}

// RecordFailure counts a failure in a domain. Unknown domains are ignored.
func (s *Set) RecordFailure(d health.Domain) bool {
	b, ok := s.breakers[d]
	if !ok {
		return false
	}
	return b.RecordFailure()
}

// OpenCount returns how many breakers are open or half-open.
func (s *Set) OpenCount() int {
	n := 0
	for _, b := range s.breakers {
		if b.State() != Closed {
			n++
		}
	}
	return n
}

// ResetCounters clears every failure count.
func (s *Set) ResetCounters() {
	for _, b := range s.breakers {
		b.ResetCounters()
	}
}

// Snapshot returns every breaker in domain order.
func (s *Set) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(s.breakers))
	for _, d := range health.Domains {
		out = append(out, s.breakers[d].Snapshot())
	}
	return out
}
