// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvOutputMode overrides mode detection when set.
const EnvOutputMode = "FXGOVERNOR_OUTPUT"

// Mode controls how richly the CLI renders output.
type Mode string

const (
	// ModeRich enables colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain keeps icons and layout but drops color.
	ModePlain Mode = "plain"

	// ModeMachine emits tab-separated text for scripts.
	ModeMachine Mode = "machine"
)

// ParseMode converts a flag or environment value to a Mode. Unknown values
// map to ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "p", "no-color":
		return ModePlain
	case "machine", "m", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks a mode for w.
//
// Description:
//
//	An explicit flag wins, then EnvOutputMode. Otherwise a terminal gets
//	ModeRich and anything else (pipes, files, buffers) gets ModeMachine.
//
// Inputs:
//   - flag: Value of the --output flag. Empty means unset.
//   - w: The destination writer.
func DetectMode(flag string, w io.Writer) Mode {
	if flag != "" {
		return ParseMode(flag)
	}
	if env := os.Getenv(EnvOutputMode); env != "" {
		return ParseMode(env)
	}
	if isTerminal(w) {
		return ModeRich
	}
	return ModeMachine
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
