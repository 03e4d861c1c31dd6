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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/fxgovernor/pkg/ux"
)

const defaultConfigPath = "fxgovernor.yaml"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string
}

// newRootCmd builds the command tree.
//
// # Description
//
// fxgovernor runs the effects resource governor against a simulated
// rendering host, validates configuration files, and inspects or steers a
// running governor through its diagnostics endpoint.
//
// # Examples
//
//	fxgovernor run                        # governor + simulated host
//	fxgovernor config default > fx.yaml   # print the default configuration
//	fxgovernor config validate fx.yaml    # check a file
//	fxgovernor stats                      # render /v1/stats
//	fxgovernor control degrade 2          # force degrade level 2
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "fxgovernor",
		Short:         "Effects resource governor",
		Long:          `fxgovernor bounds the live animations, timers and elements of a rendering host and degrades visual quality when the host's health drops.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "Path to the governor configuration file")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "", "Output style: rich, plain or machine (default: detect, or "+ux.EnvOutputMode+")")

	root.AddCommand(
		newRunCmd(flags),
		newConfigCmd(flags),
		newStatsCmd(flags),
		newControlCmd(flags),
	)
	return root
}

// printer returns a ux.Printer for cmd's stdout.
func printer(cmd *cobra.Command, flags *globalFlags) *ux.Printer {
	out := cmd.OutOrStdout()
	return ux.NewPrinter(out, ux.DetectMode(flags.output, out))
}
