// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/fxgovernor/services/governor/registry"
)

// QuotaApplier receives a reloaded quota table. *governor.Governor
// satisfies it.
type QuotaApplier interface {
	ApplyQuotas(quotas map[registry.Category]registry.Quota, globalMax int, targetRatio float64)
}

// ReloadHandler is called with every configuration that loaded and
// validated after a change.
type ReloadHandler func(*File)

// ApplyQuotasTo returns a handler that pushes the quota table of each
// reloaded file into a.
func ApplyQuotasTo(a QuotaApplier) ReloadHandler {
	return func(f *File) {
		c, err := f.ToGovernor()
		if err != nil {
			return
		}
		a.ApplyQuotas(c.Registry.Quotas, c.Registry.GlobalMax, c.Registry.TargetRatio)
	}
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long the file must stay quiet before it is re-read.
	// Default: 250ms.
	Debounce time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Watcher re-reads a configuration file when it changes.
//
// Description:
//
//	The file's directory is watched, not the file, so that editors that
//	save by renaming a temporary file are seen. Bursts of events are
//	debounced into one reload. A file that fails to load or validate is
//	logged and ignored; the previous configuration stays in effect.
//
// Thread Safety: Safe for concurrent use. The handler runs on the
// watcher's goroutine.
type Watcher struct {
	path     string
	handler  ReloadHandler
	debounce time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	fs       *fsnotify.Watcher

	events   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	reloads  atomic.Int64
	failures atomic.Int64
}

// NewWatcher creates a watcher for path. Call Start to begin watching.
func NewWatcher(path string, handler ReloadHandler, opts WatcherOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve configuration path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		handler:  handler,
		debounce: opts.Debounce,
		clock:    opts.Clock,
		logger:   opts.Logger.With(slog.String("component", "config_watcher"), slog.String("path", abs)),
		fs:       fw,
		events:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The loops stop when ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch configuration directory: %w", err)
	}
	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops watching and waits for the loops. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fs.Close()
	})
	w.wg.Wait()
}

// Reloads returns how many reloads were handed to the handler.
func (w *Watcher) Reloads() int64 { return w.reloads.Load() }

// Failures returns how many reloads were rejected.
func (w *Watcher) Failures() int64 { return w.failures.Load() }

// processEvents filters fsnotify events down to the watched file.
func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

// debounceLoop reloads once the file has been quiet for the debounce window.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var timer *clock.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.events:
			if timer != nil {
				timer.Stop()
			}
			timer = w.clock.Timer(w.debounce)
			timerC = timer.C
		case <-timerC:
			timer, timerC = nil, nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		w.failures.Add(1)
		w.logger.Warn("configuration reload rejected", slog.String("error", err.Error()))
		return
	}
	w.reloads.Add(1)
	w.logger.Info("configuration reloaded",
		slog.Int("categories", len(f.Registry.Quotas)),
		slog.Int("global_max", f.Registry.GlobalMax))
	if w.handler != nil {
		w.handler(f)
	}
}
