// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the LPC CLI.
package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style

	Header lipgloss.Style
	Cell   lipgloss.Style
	Border lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),

	Header: lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:   lipgloss.NewStyle().Padding(0, 1),
	Border: lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled output. In machine mode it writes plain,
// line-oriented text suitable for scripts.
type Printer struct {
	Out     io.Writer
	Err     io.Writer
	Machine bool
}

// Title prints a styled title. Nothing is printed in machine mode.
func (p Printer) Title(text string) {
	if p.Machine {
		return
	}
	fmt.Fprintln(p.Out, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p Printer) Success(text string) {
	if p.Machine {
		fmt.Fprintf(p.Out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p Printer) Warning(text string) {
	if p.Machine {
		fmt.Fprintf(p.Err, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.Err, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p Printer) Error(text string) {
	if p.Machine {
		fmt.Fprintf(p.Err, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.Err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message
func (p Printer) Info(text string) {
	if p.Machine {
		fmt.Fprintln(p.Out, text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Box prints text in a rounded box
func (p Printer) Box(title, content string) {
	if p.Machine {
		fmt.Fprintf(p.Out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// WarningBox prints text in a warning-styled box
func (p Printer) WarningBox(title, content string) {
	if p.Machine {
		fmt.Fprintf(p.Err, "WARN %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Err, Styles.WarningBox.Width(72).Render(Styles.Warning.Bold(true).Render(title)+"\n"+content))
}
