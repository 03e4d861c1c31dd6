// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ux renders fxgovernor CLI output in rich, plain or machine form.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorMuted   = lipgloss.Color("#2C4A54")
	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorDanger  = lipgloss.Color("#E74C3C")
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style
	Box     lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Danger:  lipgloss.NewStyle().Foreground(ColorDanger),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).Padding(0, 1),
	Cell:   lipgloss.NewStyle().Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Severity classifies a value for coloring.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarn
	SeverityBad
)

func (s Severity) style() lipgloss.Style {
	switch s {
	case SeverityWarn:
		return Styles.Warning
	case SeverityBad:
		return Styles.Danger
	default:
		return Styles.Success
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes styled output to one writer.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	w    io.Writer
	mode Mode
}

// NewPrinter creates a printer for w in the given mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	return &Printer{w: w, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) render(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}

// Title prints a heading. Machine mode omits it.
func (p *Printer) Title(text string) {
	if p.mode == ModeMachine {
		return
	}
	fmt.Fprintln(p.w, p.render(Styles.Title, text))
}

// Success prints a line prefixed with a check mark.
func (p *Printer) Success(text string) {
	p.status("OK", IconSuccess, Styles.Success, text)
}

// Warning prints a line prefixed with a warning sign.
func (p *Printer) Warning(text string) {
	p.status("WARN", IconWarning, Styles.Warning, text)
}

// Error prints a line prefixed with a cross.
func (p *Printer) Error(text string) {
	p.status("ERROR", IconError, Styles.Danger, text)
}

func (p *Printer) status(tag string, icon Icon, s lipgloss.Style, text string) {
	if p.mode == ModeMachine {
		fmt.Fprintf(p.w, "%s: %s\n", tag, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.render(s, string(icon)), p.render(s, text))
}

// KeyValues prints label/value pairs, one per line. Values may carry a
// severity for coloring.
func (p *Printer) KeyValues(pairs []KV) {
	if p.mode == ModeMachine {
		for _, kv := range pairs {
			fmt.Fprintf(p.w, "%s\t%s\n", kv.Key, kv.Value)
		}
		return
	}
	width := 0
	for _, kv := range pairs {
		width = max(width, len(kv.Key))
	}
	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.render(Styles.Muted, fmt.Sprintf("%-*s", width, kv.Key)))
		b.WriteString("  ")
		b.WriteString(p.render(kv.Severity.style(), kv.Value))
	}
	if p.mode == ModeRich {
		fmt.Fprintln(p.w, Styles.Box.Render(b.String()))
		return
	}
	fmt.Fprintln(p.w, b.String())
}

// KV is one KeyValues line.
type KV struct {
	Key      string
	Value    string
	Severity Severity
}

// Table prints rows under headers. Machine mode emits tab-separated lines
// with the header first.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.w, strings.Join(headers, "\t"))
		for _, r := range rows {
			fmt.Fprintln(p.w, strings.Join(r, "\t"))
		}
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...)
	if p.mode == ModeRich {
		t = t.BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return Styles.Header
				}
				return Styles.Cell
			})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().Padding(0, 1) })
	}
	fmt.Fprintln(p.w, t.String())
}

// Gauge renders value out of total as a bar of the given width.
func (p *Printer) Gauge(value, total float64, width int, sev Severity) string {
	if p.mode == ModeMachine || total <= 0 || width <= 0 {
		return fmt.Sprintf("%.0f/%.0f", value, total)
	}
	pct := min(max(value/total, 0), 1)
	filled := int(pct * float64(width))
	bar := p.render(sev.style(), strings.Repeat("█", filled)) +
		p.render(Styles.Muted, strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}
