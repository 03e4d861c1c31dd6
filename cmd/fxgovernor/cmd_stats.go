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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/fxgovernor/pkg/ux"
	"github.com/AleutianAI/fxgovernor/services/governor"
	"github.com/AleutianAI/fxgovernor/services/governor/diagnostics"
)

// =============================================================================
// Diagnostics client
// =============================================================================

// diagClient calls a running governor's diagnostics server.
type diagClient struct {
	base string
	http *http.Client
}

func newDiagClient(addr string, timeout time.Duration) *diagClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &diagClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// do sends a request and decodes a 2xx JSON response into out.
func (c *diagClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact governor at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *diagClient) Stats(ctx context.Context) (governor.Stats, error) {
	var s governor.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &s)
	return s, err
}

// diagAddr resolves the diagnostics address: the flag, else the
// configuration file, else the default.
func diagAddr(flags *globalFlags, flagAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	f, _, err := loadConfig(flags.configPath, false)
	if err != nil || f.Diagnostics.Addr == "" {
		return "127.0.0.1:7070"
	}
	return f.Diagnostics.Addr
}

// =============================================================================
// stats
// =============================================================================

func newStatsCmd(flags *globalFlags) *cobra.Command {
	var addr string
	var asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a running governor's state, quotas and breakers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := newDiagClient(diagAddr(flags, addr), timeout)
			s, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			renderStats(printer(cmd, flags), s)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Diagnostics address (default: from the configuration file)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON snapshot")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// renderStats prints a snapshot as a summary and two tables.
func renderStats(p *ux.Printer, s governor.Stats) {
	p.Title("Governor " + s.InstanceID)

	score, scoreSev := "n/a", ux.SeverityOK
	if s.HaveSample {
		scoreSev = scoreSeverity(s.HealthScore, s.Critical)
		score = p.Gauge(s.HealthScore, 100, 20, scoreSev)
	}
	features := "none"
	if len(s.DisabledFeatures) > 0 {
		features = strings.Join(s.DisabledFeatures, ", ")
	}
	p.KeyValues([]ux.KV{
		{Key: "state", Value: s.State, Severity: modeSeverity(s.Mode)},
		{Key: "health", Value: score, Severity: scoreSev},
		{Key: "handles", Value: p.Gauge(float64(s.Total), float64(s.GlobalMax), 20, usageSeverity(s.Total, s.GlobalMax))},
		{Key: "update divisor", Value: strconv.Itoa(s.UpdateDivisor)},
		{Key: "sweep interval", Value: s.SweepInterval.String()},
		{Key: "disabled features", Value: features},
		{Key: "evictions", Value: strconv.FormatInt(s.Evictions, 10)},
		{Key: "transitions", Value: strconv.FormatInt(s.Transitions, 10)},
		{Key: "recoveries", Value: strconv.FormatInt(s.Recoveries, 10)},
		{Key: "dispose faults", Value: strconv.FormatInt(s.DisposeFaults, 10), Severity: countSeverity(s.DisposeFaults)},
	})

	cats := make([]string, 0, len(s.Sizes))
	for c := range s.EffectiveQuotas {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	rows := make([][]string, 0, len(cats))
	for _, c := range cats {
		live, quota := s.Sizes[c], s.EffectiveQuotas[c]
		rows = append(rows, []string{c, strconv.Itoa(live), strconv.Itoa(quota),
			p.Gauge(float64(live), float64(quota), 10, usageSeverity(live, quota))})
	}
	p.Table([]string{"category", "live", "quota", "usage"}, rows)

	if len(s.Breakers) > 0 {
		rows = rows[:0]
		for _, b := range s.Breakers {
			rows = append(rows, []string{b.DomainName, b.State,
				fmt.Sprintf("%d/%d", b.FailureCount, b.Threshold),
				b.Cooldown.String(), strconv.FormatInt(b.TotalOpens, 10)})
		}
		p.Table([]string{"domain", "breaker", "failures", "cooldown", "opens"}, rows)
	}
}

func modeSeverity(mode string) ux.Severity {
	switch mode {
	case "normal":
		return ux.SeverityOK
	case "degraded":
		return ux.SeverityWarn
	default:
		return ux.SeverityBad
	}
}

func scoreSeverity(score float64, critical bool) ux.Severity {
	switch {
	case critical || score < 40:
		return ux.SeverityBad
	case score < 70:
		return ux.SeverityWarn
	default:
		return ux.SeverityOK
	}
}

func usageSeverity(n, limit int) ux.Severity {
	if limit <= 0 {
		if n > 0 {
			return ux.SeverityBad
		}
		return ux.SeverityOK
	}
	switch r := float64(n) / float64(limit); {
	case r >= 0.9:
		return ux.SeverityBad
	case r >= 0.7:
		return ux.SeverityWarn
	default:
		return ux.SeverityOK
	}
}

func countSeverity(n int64) ux.Severity {
	if n > 0 {
		return ux.SeverityWarn
	}
	return ux.SeverityOK
}

// =============================================================================
// control
// =============================================================================

func newControlCmd(flags *globalFlags) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "control",
		Short: "Send override signals to a running governor",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Diagnostics address (default: from the configuration file)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	client := func() *diagClient { return newDiagClient(diagAddr(flags, addr), timeout) }

	override := func(use, short, path string, args cobra.PositionalArgs, body func([]string) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, a []string) error {
				var req any
				if body != nil {
					var err error
					if req, err = body(a); err != nil {
						return err
					}
				}
				var resp diagnostics.ControlResponse
				if err := client().do(cmd.Context(), http.MethodPost, path, req, &resp); err != nil {
					return err
				}
				p := printer(cmd, flags)
				if resp.Changed {
					p.Success("state is now " + resp.State)
				} else {
					p.Warning("no change, state is " + resp.State)
				}
				return nil
			},
		}
	}

	degrade := override("degrade <level>", "Force a degrade level", "/v1/control/degrade", cobra.ExactArgs(1),
		func(a []string) (any, error) {
			level, err := strconv.Atoi(a[0])
			if err != nil || level < 1 {
				return nil, fmt.Errorf("level must be a positive integer, got %q", a[0])
			}
			return diagnostics.DegradeRequest{Level: level}, nil
		})
	restore := override("restore", "Force normal quality", "/v1/control/restore", cobra.NoArgs, nil)
	emergency := override("emergency", "Force emergency mode", "/v1/control/emergency", cobra.NoArgs, nil)

	var reason string
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run emergency recovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rep governor.RecoveryReport
			err := client().do(cmd.Context(), http.MethodPost, "/v1/control/recover",
				diagnostics.RecoverRequest{Reason: reason}, &rep)
			if err != nil {
				return err
			}
			p := printer(cmd, flags)
			if rep.Shared {
				p.Warning("joined a recovery already in progress")
				return nil
			}
			p.Success(fmt.Sprintf("recovery %s evicted %d handles", rep.RunID, rep.Evicted))
			return nil
		},
	}
	recoverCmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the recovery")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp diagnostics.SweepResponse
			if err := client().do(cmd.Context(), http.MethodPost, "/v1/control/sweep", nil, &resp); err != nil {
				return err
			}
			p := printer(cmd, flags)
			p.Success(fmt.Sprintf("sweep evicted %d, %d remaining", resp.Evicted, resp.Remaining))
			if resp.Error != "" {
				p.Warning(resp.Error)
			}
			return nil
		},
	}

	cmd.AddCommand(degrade, restore, emergency, recoverCmd, sweepCmd)
	return cmd
}
