// Package ui provides styled terminal output helpers for the CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// colored reports whether the terminal supports styled output. Plain
// pipes get plain text.
func colored() bool {
	return termenv.ColorProfile() != termenv.Ascii
}

// RenderPass styles success markers.
func RenderPass(s string) string {
	if !colored() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn styles warning markers.
func RenderWarn(s string) string {
	if !colored() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderFail styles failure markers.
func RenderFail(s string) string {
	if !colored() {
		return s
	}
	return failStyle.Render(s)
}

// RenderAccent styles informational highlights.
func RenderAccent(s string) string {
	if !colored() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderDim styles secondary detail.
func RenderDim(s string) string {
	if !colored() {
		return s
	}
	return dimStyle.Render(s)
}
