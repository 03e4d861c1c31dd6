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
	"runtime"
)

// Probe measures one metric on demand.
//
// A probe that cannot measure returns an error; the metric is then marked
// missing for that sample. Probes must not block for long: Poll calls them
// sequentially.
type Probe interface {
	Metric() Metric
	Measure(ctx context.Context) (float64, error)
}

type funcProbe struct {
	metric Metric
	fn     func(ctx context.Context) (float64, error)
}

func (p funcProbe) Metric() Metric { return p.metric }

func (p funcProbe) Measure(ctx context.Context) (float64, error) { return p.fn(ctx) }

// ProbeFunc adapts a function to a Probe for metric m.
func ProbeFunc(m Metric, fn func(ctx context.Context) (float64, error)) Probe {
	return funcProbe{metric: m, fn: fn}
}

// RuntimeMemoryProbe reports the Go heap in use, in bytes.
func RuntimeMemoryProbe() Probe {
	return ProbeFunc(MetricMemory, func(ctx context.Context) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		return float64(ms.HeapAlloc), nil
	})
}
