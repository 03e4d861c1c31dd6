// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/fxgovernor/pkg/logging"
	"github.com/AleutianAI/fxgovernor/pkg/telemetry"
	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/config"
	"github.com/AleutianAI/fxgovernor/services/governor/diagnostics"
	"github.com/AleutianAI/fxgovernor/services/governor/observability"
	"github.com/AleutianAI/fxgovernor/services/governor/state"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type runFlags struct {
	sim          simHostConfig
	seed         uint64
	duration     time.Duration
	diagAddr     string
	noDiag       bool
	logLevel     string
	shutdownWait time.Duration
}

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// newRunCmd builds "fxgovernor run".
//
// # Description
//
// Starts a governor from the configuration file, a simulated rendering host
// that spawns effects against it, the configuration watcher, and the
// diagnostics server. Runs until interrupted or until --duration elapses.
//
// # Examples
//
//	fxgovernor run
//	fxgovernor run --rate 120 --frame-cost 0.01   # push into emergency
//	fxgovernor run --duration 30s --no-diagnostics
func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{sim: defaultSimHostConfig()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the governor against a simulated effects host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if rf.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, rf.duration)
				defer cancel()
			}
			return runGovernor(ctx, flags, rf, cmd.Flags().Changed("config"))
		},
	}

	f := cmd.Flags()
	f.Float64Var(&rf.sim.SpawnRate, "rate", rf.sim.SpawnRate, "Effects spawned per second")
	f.IntVar(&rf.sim.Burst, "burst", rf.sim.Burst, "Maximum spawns per frame")
	f.Float64Var(&rf.sim.FrameCost, "frame-cost", rf.sim.FrameCost, "Fraction of a frame each live handle costs")
	f.DurationVar(&rf.sim.Tick, "frame", rf.sim.Tick, "Simulated frame interval")
	f.Uint64Var(&rf.seed, "seed", uint64(time.Now().UnixNano()), "Random seed for the simulated host")
	f.DurationVar(&rf.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	f.StringVar(&rf.diagAddr, "diagnostics-addr", "", "Override the diagnostics listen address")
	f.BoolVar(&rf.noDiag, "no-diagnostics", false, "Do not start the diagnostics server")
	f.StringVar(&rf.logLevel, "log-level", "", "Override the configured log level")
	f.DurationVar(&rf.shutdownWait, "shutdown-timeout", 5*time.Second, "Grace period for shutdown")
	return cmd
}

// runGovernor wires every component and blocks until ctx is done.
func runGovernor(ctx context.Context, flags *globalFlags, rf *runFlags, explicitConfig bool) error {
	file, fromFile, err := loadConfig(flags.configPath, explicitConfig)
	if err != nil {
		return err
	}

	// --- Logging ---
	levelName := file.Logging.Level
	if rf.logLevel != "" {
		levelName = rf.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logs, err := logging.New(logging.Config{
		Level:  level,
		LogDir: file.Logging.LogDir,
		JSON:   file.Logging.JSON,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()
	if !fromFile {
		logger.Info("configuration file not found, using defaults", slog.String("path", flags.configPath))
	}

	// --- Tracing ---
	shutdownTracing, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return err
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	// --- Governor and host ---
	gcfg, err := file.ToGovernor()
	if err != nil {
		return err
	}
	if gcfg.SampleInterval <= 0 {
		gcfg.SampleInterval = time.Second
	}

	host := newSimHost(rf.sim, nil, logger, rf.seed)
	opts := []governor.Option{
		governor.WithLogger(logger),
		governor.WithObserver(metrics),
		governor.WithRegistryObserver(metrics),
	}
	for _, p := range host.Probes() {
		opts = append(opts, governor.WithProbe(p))
	}
	g, err := governor.New(gcfg, opts...)
	if err != nil {
		return err
	}
	host.Attach(g)
	g.OnTransition(func(tr state.Transition) {
		logger.Warn("quality level changed",
			slog.String("from", tr.From.String()),
			slog.String("to", tr.To.String()),
			slog.String("reason", tr.Reason))
	})

	if err := g.Start(ctx); err != nil {
		return err
	}

	// --- Config watcher ---
	var watcher *config.Watcher
	if fromFile {
		watcher, err = config.NewWatcher(flags.configPath, config.ApplyQuotasTo(g), config.WatcherOptions{Logger: logger})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	// --- Diagnostics ---
	var diag *diagnostics.Server
	if file.Diagnostics.Enabled && !rf.noDiag {
		addr := file.Diagnostics.Addr
		if rf.diagAddr != "" {
			addr = rf.diagAddr
		}
		diag = diagnostics.NewServer(addr, g, reg, logger)
		if err := diag.Start(); err != nil {
			return err
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return host.Run(egCtx) })
	runErr := eg.Wait()

	// --- Shutdown, in reverse order ---
	shutdownCtx, cancel := context.WithTimeout(context.Background(), rf.shutdownWait)
	defer cancel()

	if diag != nil {
		if err := diag.Shutdown(shutdownCtx); err != nil {
			logger.Error("diagnostics shutdown failed", slog.String("error", err.Error()))
		}
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := g.Shutdown(shutdownCtx); err != nil {
		logger.Error("governor shutdown failed", slog.String("error", err.Error()))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown failed", slog.String("error", err.Error()))
	}

	s := g.Stats()
	logger.Info("run finished",
		slog.Int64("spawned", host.Spawned()),
		slog.Int64("evictions", s.Evictions),
		slog.Int64("transitions", s.Transitions),
		slog.Int64("recoveries", s.Recoveries))
	if runErr != nil {
		return fmt.Errorf("simulated host: %w", runErr)
	}
	return nil
}
