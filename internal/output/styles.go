// Package output renders engine data for terminals.
package output

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	ColorCyan    = lipgloss.Color("14")
	ColorGreen   = lipgloss.Color("82")
	ColorYellow  = lipgloss.Color("220")
	ColorRed     = lipgloss.Color("204")
	ColorDimGray = lipgloss.Color("240")
)

var (
	// StyleNoun highlights versions, job IDs and kernel releases.
	StyleNoun = lipgloss.NewStyle().Foreground(ColorCyan)
	StyleDim  = lipgloss.NewStyle().Faint(true)
	// StyleState is used for state transitions.
	StyleState = lipgloss.NewStyle().Bold(true)
)

// OutcomeStyle colors job states and ledger outcomes.
func OutcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "completed", "success", "removed", "ok":
		return lipgloss.NewStyle().Foreground(ColorGreen)
	case "cancelled", "partial", "warn":
		return lipgloss.NewStyle().Foreground(ColorYellow)
	case "failed", "error":
		return lipgloss.NewStyle().Bold(true).Foreground(ColorRed)
	default:
		return lipgloss.NewStyle()
	}
}

// IsTTY reports whether stdout is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
