// Package ui renders CLI output: colors when stdout is an interactive
// terminal, plain text otherwise.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// colorEnabled reports whether styled output should be produced.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !colorEnabled() {
		return s
	}
	return style.Render(s)
}

// Accent renders headings and identifiers.
func Accent(s string) string { return render(accentStyle, s) }

// Pass renders success output.
func Pass(s string) string { return render(passStyle, s) }

// Warn renders output that needs attention but is not an error.
func Warn(s string) string { return render(warnStyle, s) }

// Fail renders error output.
func Fail(s string) string { return render(failStyle, s) }

// Dim renders secondary detail.
func Dim(s string) string { return render(dimStyle, s) }

// StatusBadge colors a sync status string.
func StatusBadge(status string) string {
	switch status {
	case "synced":
		return Pass(status)
	case "pending":
		return Warn(status)
	case "error":
		return Fail(status)
	case "offline":
		return Dim(status)
	default:
		return status
	}
}
