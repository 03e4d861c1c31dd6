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

// history is a fixed-size circular buffer of samples.
//
// # Description
//
// O(1) append with bounded memory. When full, the oldest sample is
// overwritten.
//
// # Thread Safety
//
// NOT safe for concurrent use; Monitor synchronizes.
type history struct {
	data  []Sample
	head  int // next write position
	count int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 60
	}
	return &history{data: make([]Sample, capacity)}
}

func (h *history) push(s Sample) {
	h.data[h.head] = s
	h.head = (h.head + 1) % len(h.data)
	if h.count < len(h.data) {
		h.count++
	}
}

func (h *history) newest() (Sample, bool) {
	if h.count == 0 {
		return Sample{}, false
	}
	idx := h.head - 1
	if idx < 0 {
		idx = len(h.data) - 1
	}
	return h.data[idx], true
}

// last returns up to n samples, oldest first.
func (h *history) last(n int) []Sample {
	if n <= 0 || n > h.count {
		n = h.count
	}
	if n == 0 {
		return nil
	}
	out := make([]Sample, n)
	start := h.head - n
	if start < 0 {
		start += len(h.data)
	}
	for i := 0; i < n; i++ {
		out[i] = h.data[(start+i)%len(h.data)]
	}
	return out
}

// slope returns the least-squares slope of a metric over samples, in units
// per sample. Fewer than two samples yield zero.
func slope(samples []Sample, m Metric) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		y := s.Value(m)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
