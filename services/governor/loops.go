// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package governor

import (
	"context"
	"log/slog"

	"github.com/benbjohnson/clock"
)

// sweepLoop runs periodic sweeps at the interval of the current policy.
//
// The interval is re-read after every sweep and whenever a transition
// signals intervalChanged, so a move to Emergency shortens the wait at once.
func (g *Governor) sweepLoop(ctx context.Context, timer *clock.Timer) {
	defer g.wg.Done()
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-g.intervalChanged:
			timer.Stop()
			timer = g.clock.Timer(g.machine.Policy().SweepInterval)
		case <-timer.C:
			report, ran := g.registry.Sweep(ctx)
			if ran && report.Err != nil {
				g.logger.Debug("sweep finished with dispose failures",
					slog.String("error", report.Err.Error()))
			}
			timer = g.clock.Timer(g.machine.Policy().SweepInterval)
		}
	}
}

// sampleLoop polls the health probes on a fixed cadence and feeds the
// samples through the same pipeline as ReportMetricSample.
func (g *Governor) sampleLoop(ctx context.Context, ticker *clock.Ticker) {
	defer g.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-ticker.C:
			s := g.monitor.Poll(ctx)
			g.ingest(ctx, s)
		}
	}
}
