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
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/fxgovernor/services/governor/config"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate governor configuration files",
	}

	var writePath string
	var force bool
	defaultCmd := &cobra.Command{
		Use:   "default",
		Short: "Print the default configuration, or write it with --write",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if writePath != "" {
				if err := config.WriteDefault(writePath, force); err != nil {
					return err
				}
				printer(cmd, flags).Success("wrote " + writePath)
				return nil
			}
			data, err := config.Default().Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	defaultCmd.Flags().StringVarP(&writePath, "write", "w", "", "Write to this path instead of stdout")
	defaultCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Load and validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if len(args) == 1 {
				path = args[0]
			}
			p := printer(cmd, flags)
			f, err := config.Load(path)
			if err != nil {
				p.Error(err.Error())
				return err
			}
			c, _ := f.ToGovernor()
			p.Success(fmt.Sprintf("%s is valid: %d degrade bands, global max %d",
				path, len(c.State.Bands), c.Registry.GlobalMax))
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (file merged onto defaults)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, _, err := loadConfig(flags.configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			data, err := f.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(defaultCmd, validateCmd, showCmd)
	return cmd
}

// loadConfig loads path. A missing file falls back to the defaults unless
// the path was given explicitly.
//
// Outputs:
//   - *config.File: The configuration.
//   - bool: True if it came from the file.
//   - error: Load or validation failure.
func loadConfig(path string, explicit bool) (*config.File, bool, error) {
	f, err := config.Load(path)
	if err == nil {
		return f, true, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), false, nil
	}
	return nil, false, err
}
