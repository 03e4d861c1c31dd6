// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
)

// dispose runs Dispose for every victim and then removes it from the map.
// Must be called without the lock held. A failing or panicking Dispose is
// logged and counted; the handle is removed regardless and the remaining
// victims are still processed.
func (r *Registry) dispose(victims []victim) error {
	var errs error
	for _, v := range victims {
		if err := r.safeDispose(v.e); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("handle %d (%s): %w", v.e.id, v.e.category, err))
			r.disposeFaults.Add(1)
			r.observer.DisposalFailed(v.e.category)
			if r.faultLimiter.Allow() {
				r.logger.Warn("dispose failed",
					slog.Uint64("id", uint64(v.e.id)),
					slog.String("category", v.e.category.String()),
					slog.String("kind", v.e.kind.String()),
					slog.String("reason", v.reason.String()),
					slog.String("error", err.Error()),
				)
			}
		}

		r.mu.Lock()
		delete(r.entries, v.e.id)
		if v.e.key != nil {
			if id, ok := r.byKey[v.e.key]; ok && id == v.e.id {
				delete(r.byKey, v.e.key)
			}
		}
		size := r.counts[v.e.category]
		r.mu.Unlock()

		r.totalEvictions.Add(1)
		r.observer.HandleEvicted(v.e.category, v.reason)
		r.observer.RegistrySize(v.e.category, size)
	}
	return errs
}

// safeDispose calls Dispose, converting a panic into an error.
func (r *Registry) safeDispose(e *entry) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrDisposePanic, p)
		}
	}()
	if e.resource == nil {
		return nil
	}
	return e.resource.Dispose()
}

// Close disposes every remaining handle, exempt or not. Registrations made
// after Close are disposed immediately.
//
// Outputs:
//   - int: Number of handles disposed.
//   - error: Aggregated disposal errors, or ctx.Err() if ctx ended first.
//     Handles not reached before ctx ended stay registered.
func (r *Registry) Close(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.closed = true
	var victims []victim
	for _, e := range r.entries {
		if !e.disposing {
			victims = append(victims, victim{e: e, reason: ReasonShutdown})
		}
	}
	sortVictims(victims)
	r.mu.Unlock()

	disposed := 0
	var errs error
	for _, v := range victims {
		if err := ctx.Err(); err != nil {
			return disposed, multierr.Append(errs, err)
		}

		r.mu.Lock()
		if v.e.disposing {
			r.mu.Unlock()
			continue
		}
		r.markLocked([]victim{v})
		r.mu.Unlock()

		errs = multierr.Append(errs, r.dispose([]victim{v}))
		disposed++
	}

	r.logger.Info("registry closed",
		slog.Int("disposed", disposed),
		slog.Int("errors", len(multierr.Errors(errs))),
	)
	return disposed, errs
}
